package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/alerts"
	"github.com/sentinel/risk-engine/internal/dedup"
	"github.com/sentinel/risk-engine/internal/ingest"
	"github.com/sentinel/risk-engine/internal/limits"
	"github.com/sentinel/risk-engine/internal/model"
	"github.com/sentinel/risk-engine/internal/pricing"
	"github.com/sentinel/risk-engine/internal/risk"
	"github.com/sentinel/risk-engine/internal/store"
	"github.com/sentinel/risk-engine/internal/trade"
	"github.com/sentinel/risk-engine/internal/transport"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the full single-binary pipeline: memory store, memory bus,
// ingest and alerts consumers, and the chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := transport.NewMemoryBus(nil)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	ms := store.NewMemoryStore()
	prices := pricing.NewCachedProvider(nil, time.Hour, 0, nil)
	prices.Update("AAPL", d(150.50))
	prices.Update("MSFT", d(300))

	eval := risk.NewEvaluator(dedup.New(), prices, limits.NewStatic(limits.Settings{
		PositionLimit:     50,
		DailyStopLoss:     d(-50000),
		CounterpartyLimit: d(1000000),
		ConcentrationMax:  d(1),
	}))
	hub := trade.NewWSHub()
	al := alerts.NewService(ms, hub, nil)

	proc := ingest.NewProcessor(eval, bus, nil)
	if err := bus.Subscribe(ctx, transport.TopicTradeCreated, ingest.ConsumerGroup, proc.HandleTrade); err != nil {
		t.Fatalf("subscribe trades: %v", err)
	}
	if err := bus.Subscribe(ctx, transport.TopicLimitBreached, alerts.ConsumerGroup, al.HandleBreach); err != nil {
		t.Fatalf("subscribe breaches: %v", err)
	}

	svc := trade.NewService(ms, bus, eval, al, prices, hub)
	r := chi.NewRouter()
	svc.Routes(r)
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// waitForAlerts polls GET /api/alerts until n breaches are listed.
func waitForAlerts(t *testing.T, router chi.Router, n int) []model.Breach {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := do(t, router, http.MethodGet, "/api/alerts", nil)
		var got []model.Breach
		json.Unmarshal(w.Body.Bytes(), &got)
		if len(got) >= n || time.Now().After(deadline) {
			if len(got) != n {
				t.Fatalf("expected %d alerts, got %d", n, len(got))
			}
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Trade capture tests ---

func TestCreateTrade_AssignsIDAndTimestamp(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/trades",
		`{"trader":"alice","symbol":"AAPL","side":"buy","quantity":10,"price":150.50}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var got model.Trade
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID == "" {
		t.Error("expected generated tradeId")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected generated timestamp")
	}
	if got.Side != model.SideBuy {
		t.Errorf("side should be normalized to BUY, got %s", got.Side)
	}

	trades, _ := ms.ListTrades(context.Background(), 0)
	if len(trades) != 1 || trades[0].ID != got.ID {
		t.Fatalf("trade not persisted: %+v", trades)
	}
}

func TestCreateTrade_KeepsClientID(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/trades",
		`{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"SELL","quantity":5,"price":"150.50","timestamp":"2025-08-15T14:30:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var got model.Trade
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != "t-1" {
		t.Errorf("expected tradeId t-1, got %q", got.ID)
	}
	if !got.Timestamp.Equal(time.Date(2025, 8, 15, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp overwritten: %s", got.Timestamp)
	}
}

func TestCreateTrade_RepeatIsReplayed(t *testing.T) {
	_, ms, router := newTestEnv(t)
	body := `{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"BUY","quantity":100,"price":150.50}`

	if w := do(t, router, http.MethodPost, "/api/trades", body); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/api/trades", body); w.Code != http.StatusOK {
		t.Errorf("expected 200 for repeated trade, got %d", w.Code)
	}

	trades, _ := ms.ListTrades(context.Background(), 0)
	if len(trades) != 1 {
		t.Errorf("expected one stored trade, got %d", len(trades))
	}
	// Evaluated once: the position and its single breach are not doubled.
	waitForAlerts(t, router, 1)
	time.Sleep(20 * time.Millisecond)
	waitForAlerts(t, router, 1)
}

func TestCreateTrade_Invalid(t *testing.T) {
	_, ms, router := newTestEnv(t)

	cases := map[string]string{
		"malformed":      `{"trader":`,
		"missing trader": `{"symbol":"AAPL","side":"BUY","quantity":5,"price":1}`,
		"bad side":       `{"trader":"alice","symbol":"AAPL","side":"HOLD","quantity":5,"price":1}`,
		"zero quantity":  `{"trader":"alice","symbol":"AAPL","side":"BUY","quantity":0,"price":1}`,
		"negative price": `{"trader":"alice","symbol":"AAPL","side":"BUY","quantity":5,"price":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/trades", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	trades, _ := ms.ListTrades(context.Background(), 0)
	if len(trades) != 0 {
		t.Errorf("invalid trades must not be persisted, got %d", len(trades))
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, any) error {
	return errors.New("broker down")
}
func (failingPublisher) Close() error { return nil }

func TestCreateTrade_PublishFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	eval := risk.NewEvaluator(dedup.New(), pricing.NewCachedProvider(nil, time.Hour, 0, nil), limits.NewStatic(limits.Settings{}))
	svc := trade.NewService(ms, failingPublisher{}, eval, alerts.NewService(ms, trade.NewWSHub(), nil), nil, nil)
	r := chi.NewRouter()
	svc.Routes(r)

	w := do(t, r, http.MethodPost, "/api/trades", `{"trader":"alice","symbol":"AAPL","side":"BUY","quantity":5,"price":1}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

// flakyPublisher fails the first fails calls, then records.
type flakyPublisher struct {
	mu    sync.Mutex
	fails int
	calls int
	sent  []string
}

func (p *flakyPublisher) Publish(_ context.Context, _, _ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("broker down")
	}
	p.sent = append(p.sent, v.(*model.Trade).ID)
	return nil
}
func (p *flakyPublisher) Close() error { return nil }

func TestCreateTrade_RetryAfterPublishFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	pub := &flakyPublisher{fails: 1}
	eval := risk.NewEvaluator(dedup.New(), pricing.NewCachedProvider(nil, time.Hour, 0, nil), limits.NewStatic(limits.Settings{}))
	svc := trade.NewService(ms, pub, eval, alerts.NewService(ms, trade.NewWSHub(), nil), nil, nil)
	r := chi.NewRouter()
	svc.Routes(r)

	body := `{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"BUY","quantity":5,"price":1}`
	if w := do(t, r, http.MethodPost, "/api/trades", body); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on first attempt, got %d", w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/trades", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", w.Code, w.Body.String())
	}
	if len(pub.sent) != 1 || pub.sent[0] != "t-1" {
		t.Errorf("expected t-1 published once, got %v", pub.sent)
	}
}

func TestListTrades(t *testing.T) {
	_, _, router := newTestEnv(t)
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		do(t, router, http.MethodPost, "/api/trades", map[string]any{
			"tradeId": id, "trader": "alice", "symbol": "AAPL", "side": "BUY", "quantity": 1, "price": 150.5,
		})
	}

	w := do(t, router, http.MethodGet, "/api/trades?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []model.Trade
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}

	if w := do(t, router, http.MethodGet, "/api/trades?limit=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

// --- Risk pipeline tests ---

func TestPositionBreachFlowsToAlerts(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/trades",
		`{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"BUY","quantity":100,"price":150.50}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	got := waitForAlerts(t, router, 1)
	b := got[0]
	if b.Type != model.LimitPosition {
		t.Errorf("expected POSITION_LIMIT, got %s", b.Type)
	}
	if !b.Actual.Equal(decimal.NewFromInt(100)) || !b.Threshold.Equal(decimal.NewFromInt(50)) {
		t.Errorf("unexpected actual/threshold %s/%s", b.Actual, b.Threshold)
	}
	if b.Severity != model.SeverityHigh {
		t.Errorf("ratio 2.0 should be HIGH, got %s", b.Severity)
	}
	if b.Status != model.StatusNew || b.TradeID != "t-1" {
		t.Errorf("unexpected breach %+v", b)
	}
}

func TestGetPositionsAndTraderRisk(t *testing.T) {
	_, _, router := newTestEnv(t)
	do(t, router, http.MethodPost, "/api/trades",
		`{"tradeId":"t-1","trader":"bob","symbol":"MSFT","side":"BUY","quantity":20,"price":300}`)
	do(t, router, http.MethodPost, "/api/trades",
		`{"tradeId":"t-2","trader":"bob","symbol":"AAPL","side":"BUY","quantity":10,"price":150.50}`)

	// 20×300 + 10×150.50, set once both trades are evaluated.
	want := d(7505)
	deadline := time.Now().Add(2 * time.Second)
	var rv model.TraderRisk
	for time.Now().Before(deadline) {
		w := do(t, router, http.MethodGet, "/api/traders/bob/risk", nil)
		json.Unmarshal(w.Body.Bytes(), &rv)
		if rv.TotalPortfolioValue.Equal(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !rv.TotalPortfolioValue.Equal(want) {
		t.Fatalf("expected portfolio value %s, got %s", want, rv.TotalPortfolioValue)
	}
	if len(rv.Positions) != 2 {
		t.Errorf("expected 2 positions for bob, got %d", len(rv.Positions))
	}

	w := do(t, router, http.MethodGet, "/api/positions", nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].Symbol != "AAPL" || positions[1].Symbol != "MSFT" {
		t.Errorf("positions not sorted by symbol: %+v", positions)
	}
	if !positions[1].AverageCost.Equal(d(300)) {
		t.Errorf("expected MSFT average cost 300, got %s", positions[1].AverageCost)
	}
}

// --- Price tests ---

func TestGetPrice_Pinned(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/prices/aapl", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q pricing.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.Symbol != "AAPL" || !q.Price.Equal(d(150.50)) {
		t.Errorf("unexpected quote %+v", q)
	}

	if w := do(t, router, http.MethodGet, "/api/prices/NOPE", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown symbol, got %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/prices/AAPL?refresh=maybe", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad refresh flag, got %d", w.Code)
	}
}

func TestGetPrice_Refresh(t *testing.T) {
	var mu sync.Mutex
	current, calls := "150.5", 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		w.Write([]byte(`{"c":` + current + `,"d":1.25,"dp":0.84,"t":1723732200}`))
	}))
	defer upstream.Close()

	prices := pricing.NewCachedProvider(pricing.NewFinnhubClient(upstream.URL, "k", time.Second), time.Hour, 0, nil)
	ms := store.NewMemoryStore()
	eval := risk.NewEvaluator(dedup.New(), prices, limits.NewStatic(limits.Settings{}))
	svc := trade.NewService(ms, failingPublisher{}, eval, alerts.NewService(ms, trade.NewWSHub(), nil), prices, nil)
	r := chi.NewRouter()
	svc.Routes(r)

	get := func(path string) pricing.Quote {
		t.Helper()
		w := do(t, r, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var q pricing.Quote
		json.Unmarshal(w.Body.Bytes(), &q)
		return q
	}

	q := get("/api/prices/AAPL")
	if !q.Price.Equal(d(150.5)) || !q.Change.Equal(d(1.25)) || !q.ChangePercent.Equal(d(0.84)) {
		t.Errorf("unexpected quote %+v", q)
	}

	mu.Lock()
	current = "151"
	mu.Unlock()
	if q := get("/api/prices/AAPL"); !q.Price.Equal(d(150.5)) {
		t.Errorf("expected cached 150.5, got %s", q.Price)
	}
	if q := get("/api/prices/AAPL?refresh=true"); !q.Price.Equal(d(151)) {
		t.Errorf("expected refreshed 151, got %s", q.Price)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls)
	}
}

// --- Alert workflow tests ---

func TestAlertLifecycle(t *testing.T) {
	_, _, router := newTestEnv(t)
	do(t, router, http.MethodPost, "/api/trades",
		`{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"BUY","quantity":100,"price":150.50}`)
	id := waitForAlerts(t, router, 1)[0].ID

	w := do(t, router, http.MethodPut, "/api/alerts/"+id+"/acknowledge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b model.Breach
	json.Unmarshal(w.Body.Bytes(), &b)
	if b.Status != model.StatusAcknowledged {
		t.Errorf("expected ACKNOWLEDGED, got %s", b.Status)
	}

	// Default listing shows NEW only.
	w = do(t, router, http.MethodGet, "/api/alerts", nil)
	var active []model.Breach
	json.Unmarshal(w.Body.Bytes(), &active)
	if len(active) != 0 {
		t.Errorf("acknowledged breach still listed as active")
	}

	if w := do(t, router, http.MethodPut, "/api/alerts/"+id+"/acknowledge", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for repeated acknowledge, got %d", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/api/alerts/"+id+"/resolve", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 for resolve, got %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/api/alerts?status=resolved", nil)
	var resolved []model.Breach
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if len(resolved) != 1 || resolved[0].ID != id {
		t.Errorf("expected resolved breach %s, got %+v", id, resolved)
	}

	w = do(t, router, http.MethodGet, "/api/alerts/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for get, got %d", w.Code)
	}
}

func TestAlerts_UnknownBreachAndStatus(t *testing.T) {
	_, _, router := newTestEnv(t)

	if w := do(t, router, http.MethodPut, "/api/alerts/missing/resolve", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/alerts/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/alerts?status=PENDING", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w := do(t, router, http.MethodGet, "/api/alerts?status=ALL", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %d %q", w.Code, w.Body.String())
	}
}

// --- Admin ---

func TestReset_ClearsRiskState(t *testing.T) {
	_, _, router := newTestEnv(t)
	body := `{"tradeId":"t-1","trader":"alice","symbol":"AAPL","side":"BUY","quantity":100,"price":150.50}`
	do(t, router, http.MethodPost, "/api/trades", body)
	waitForAlerts(t, router, 1)

	if w := do(t, router, http.MethodPost, "/api/admin/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w := do(t, router, http.MethodGet, "/api/positions", nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("positions should be empty after reset, got %s", w.Body.String())
	}
	w = do(t, router, http.MethodGet, "/api/traders/alice/risk", nil)
	var rv model.TraderRisk
	json.Unmarshal(w.Body.Bytes(), &rv)
	if !rv.RealizedPnL.IsZero() || !rv.TotalPortfolioValue.IsZero() {
		t.Errorf("risk not cleared: %+v", rv)
	}
}
