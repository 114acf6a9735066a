// Package trade provides the HTTP handlers for trade capture, position and
// risk queries, and the breach review workflow.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentinel/risk-engine/internal/alerts"
	"github.com/sentinel/risk-engine/internal/model"
	"github.com/sentinel/risk-engine/internal/pricing"
	"github.com/sentinel/risk-engine/internal/store"
	"github.com/sentinel/risk-engine/internal/transport"
)

// MsgTrade is the websocket message type for captured trades.
const MsgTrade = "trade"

// RiskView is the read and control surface of the risk evaluator.
type RiskView interface {
	Positions() []model.Position
	TraderRisk(trader string) model.TraderRisk
	Reset(ctx context.Context) error
}

// Alerts is the breach review workflow.
type Alerts interface {
	List(ctx context.Context, status model.BreachStatus) ([]model.Breach, error)
	Get(ctx context.Context, id string) (*model.Breach, error)
	Acknowledge(ctx context.Context, id string) (*model.Breach, error)
	Resolve(ctx context.Context, id string) (*model.Breach, error)
}

// Quotes serves market quotes.
type Quotes interface {
	Quote(ctx context.Context, symbol string, refresh bool) (pricing.Quote, error)
}

// Service serves the risk API. Trades are persisted and published to
// trade-created; evaluation happens in the ingest consumer.
type Service struct {
	store  store.Store
	pub    transport.Publisher
	risk   RiskView
	alerts Alerts
	quotes Quotes
	wsHub  alerts.Broadcaster // optional
	now    func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, pub transport.Publisher, risk RiskView, al Alerts, quotes Quotes, hub alerts.Broadcaster) *Service {
	return &Service{
		store:  st,
		pub:    pub,
		risk:   risk,
		alerts: al,
		quotes: quotes,
		wsHub:  hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/trades", s.CreateTrade)
		r.Get("/trades", s.ListTrades)
		r.Get("/positions", s.GetPositions)
		r.Get("/traders/{trader}/risk", s.GetTraderRisk)
		r.Get("/prices/{symbol}", s.GetPrice)
		r.Get("/alerts", s.ListAlerts)
		r.Get("/alerts/{breachID}", s.GetAlert)
		r.Put("/alerts/{breachID}/acknowledge", s.AcknowledgeAlert)
		r.Put("/alerts/{breachID}/resolve", s.ResolveAlert)
		r.Post("/admin/reset", s.Reset)
	})
}

// --- HTTP Handlers ---

// CreateTrade handles POST /api/trades.
// Missing tradeId and timestamp are filled in before validation. A new trade
// answers 201; a repeat of a recorded id answers 200.
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var t model.Trade
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t = t.Normalize()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	if err := t.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A recorded id is published again; the deduplicator absorbs repeats.
	status := http.StatusCreated
	ctx := r.Context()
	if err := s.store.InsertTrade(ctx, &t); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			slog.Error("persist trade failed", "trade_id", t.ID, "err", err)
			writeError(w, "failed to persist trade", http.StatusInternalServerError)
			return
		}
		status = http.StatusOK
	}

	if err := s.pub.Publish(ctx, transport.TopicTradeCreated, t.Trader, &t); err != nil {
		slog.Error("publish trade failed", "trade_id", t.ID, "err", err)
		writeError(w, "failed to publish trade", http.StatusBadGateway)
		return
	}

	slog.Info("trade captured",
		"trade_id", t.ID,
		"trader", t.Trader,
		"symbol", t.Symbol,
		"side", string(t.Side),
		"quantity", t.Quantity,
		"price", t.Price.String(),
		"replay", status == http.StatusOK,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(MsgTrade, t)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(t)
}

// ListTrades handles GET /api/trades?limit=N (newest first, default 100).
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.store.ListTrades(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetPositions handles GET /api/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.risk.Positions()
	if positions == nil {
		positions = []model.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetTraderRisk handles GET /api/traders/{trader}/risk
func (s *Service) GetTraderRisk(w http.ResponseWriter, r *http.Request) {
	trader := strings.TrimSpace(chi.URLParam(r, "trader"))
	if trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.risk.TraderRisk(trader))
}

// GetPrice handles GET /api/prices/{symbol}?refresh=true.
// refresh asks the upstream before the cache.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "refresh must be a boolean", http.StatusBadRequest)
			return
		}
		refresh = b
	}

	q, err := s.quotes.Quote(r.Context(), symbol, refresh)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPrice) {
			writeError(w, "no price for "+symbol, http.StatusNotFound)
			return
		}
		slog.Error("price lookup failed", "symbol", symbol, "err", err)
		writeError(w, "price lookup failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// ListAlerts handles GET /api/alerts?status=NEW|ACKNOWLEDGED|RESOLVED|ALL.
// Without a status only NEW breaches are returned.
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := model.StatusNew
	switch v := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); v {
	case "":
	case "ALL":
		status = ""
	default:
		status = model.BreachStatus(v)
		if !status.Valid() {
			writeError(w, "unknown status "+v, http.StatusBadRequest)
			return
		}
	}

	breaches, err := s.alerts.List(r.Context(), status)
	if err != nil {
		writeError(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	if breaches == nil {
		breaches = []model.Breach{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(breaches)
}

// GetAlert handles GET /api/alerts/{breachID}
func (s *Service) GetAlert(w http.ResponseWriter, r *http.Request) {
	b, err := s.alerts.Get(r.Context(), chi.URLParam(r, "breachID"))
	if err != nil {
		writeAlertError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// AcknowledgeAlert handles PUT /api/alerts/{breachID}/acknowledge
func (s *Service) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.alerts.Acknowledge)
}

// ResolveAlert handles PUT /api/alerts/{breachID}/resolve
func (s *Service) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.alerts.Resolve)
}

func (s *Service) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (*model.Breach, error)) {
	b, err := apply(r.Context(), chi.URLParam(r, "breachID"))
	if err != nil {
		writeAlertError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// Reset handles POST /api/admin/reset.
// Clears dedup state and all risk books; persisted trades and breaches stay.
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.Reset(r.Context()); err != nil {
		slog.Error("risk reset failed", "err", err)
		writeError(w, "reset failed", http.StatusInternalServerError)
		return
	}
	slog.Warn("risk state reset")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func writeAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "breach not found", http.StatusNotFound)
	case errors.Is(err, alerts.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("breach update failed", "err", err)
		writeError(w, "failed to update breach", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
