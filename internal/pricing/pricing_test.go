package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Finnhub client ---

func TestFinnhubClient_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"c":150.5,"d":1.25,"dp":0.84,"h":151,"l":149,"o":149.5,"pc":149.25,"t":1723732200}`))
	}))
	defer srv.Close()

	c := NewFinnhubClient(srv.URL+"/", "secret", time.Second)
	q, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.Equal(d("150.5")))
	assert.True(t, q.Change.Equal(d("1.25")))
	assert.True(t, q.ChangePercent.Equal(d("0.84")))
	assert.Equal(t, time.Unix(1723732200, 0).UTC(), q.Time)
}

func TestFinnhubClient_UnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"c":0,"d":null,"dp":null,"h":0,"l":0,"o":0,"pc":0,"t":0}`))
	}))
	defer srv.Close()

	_, err := NewFinnhubClient(srv.URL, "k", time.Second).Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestFinnhubClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewFinnhubClient(srv.URL, "k", time.Second).Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestFinnhubClient_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewFinnhubClient(srv.URL, "k", time.Second).Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUpstream)
}

// --- Cached provider ---

type fakeQuoter struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeQuoter) Quote(_ context.Context, symbol string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Quote{}, f.err
	}
	return Quote{Symbol: symbol, Price: f.price}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(dd time.Duration) { c.t = c.t.Add(dd) }

func newProvider(q Quoter, perMinute int) (*CachedProvider, *clock) {
	clk := &clock{t: time.Date(2025, 8, 15, 14, 0, 0, 0, time.UTC)}
	p := NewCachedProvider(q, time.Hour, perMinute, nil)
	p.now = clk.now
	return p, clk
}

func TestCachedProvider_CachesWithinTTL(t *testing.T) {
	q := &fakeQuoter{price: d("150")}
	p, clk := newProvider(q, 0)
	ctx := context.Background()

	got, err := p.LastPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("150")))

	q.price = d("160")
	clk.advance(30 * time.Minute)
	got, _ = p.LastPrice(ctx, "AAPL")
	assert.True(t, got.Equal(d("150")), "served from cache")
	assert.Equal(t, 1, q.calls)

	clk.advance(31 * time.Minute)
	got, _ = p.LastPrice(ctx, "AAPL")
	assert.True(t, got.Equal(d("160")), "refetched after expiry")
	assert.Equal(t, 2, q.calls)
}

func TestCachedProvider_StaleOnFailure(t *testing.T) {
	q := &fakeQuoter{price: d("150")}
	p, clk := newProvider(q, 0)
	ctx := context.Background()

	_, _ = p.LastPrice(ctx, "AAPL")
	clk.advance(2 * time.Hour)
	q.err = errors.New("boom")

	got, err := p.LastPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("150")))
}

func TestCachedProvider_ZeroWhenNothingCached(t *testing.T) {
	p, _ := newProvider(&fakeQuoter{err: ErrUnknownSymbol}, 0)
	got, err := p.LastPrice(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestCachedProvider_RequestBudget(t *testing.T) {
	q := &fakeQuoter{price: d("10")}
	p, _ := newProvider(q, 2)
	ctx := context.Background()

	for _, sym := range []string{"A", "B", "C", "D"} {
		_, err := p.LastPrice(ctx, sym)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.calls, "calls beyond the burst are not sent upstream")

	got, _ := p.LastPrice(ctx, "D")
	assert.True(t, got.IsZero())
}

func TestCachedProvider_UpdatePinsPrice(t *testing.T) {
	q := &fakeQuoter{price: d("999")}
	p, clk := newProvider(q, 0)
	p.Update("AAPL", d("150.50"))

	clk.advance(48 * time.Hour)
	got, err := p.LastPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("150.50")))
	assert.Zero(t, q.calls)
}

func TestCachedProvider_NoQuoter(t *testing.T) {
	p, _ := newProvider(nil, 0)
	p.Update("MSFT", d("300"))

	got, _ := p.LastPrice(context.Background(), "MSFT")
	assert.True(t, got.Equal(d("300")))
	got, _ = p.LastPrice(context.Background(), "AAPL")
	assert.True(t, got.IsZero())

	p.Clear()
	got, _ = p.LastPrice(context.Background(), "MSFT")
	assert.True(t, got.IsZero())
}

func TestCachedProvider_QuoteKeepsUpstreamFields(t *testing.T) {
	q := &fakeQuoter{price: d("150")}
	p, _ := newProvider(q, 0)

	got, err := p.Quote(context.Background(), "AAPL", false)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.True(t, got.Price.Equal(d("150")))

	// Second read is a cache hit returning the same quote.
	again, err := p.Quote(context.Background(), "AAPL", false)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, q.calls)
}

func TestCachedProvider_QuoteRefreshBypassesTTL(t *testing.T) {
	q := &fakeQuoter{price: d("150")}
	p, _ := newProvider(q, 0)
	ctx := context.Background()

	_, err := p.Quote(ctx, "AAPL", false)
	require.NoError(t, err)

	q.price = d("155")
	got, err := p.Quote(ctx, "AAPL", true)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("155")))
	assert.Equal(t, 2, q.calls)

	// The refreshed quote replaces the cached one.
	price, _ := p.LastPrice(ctx, "AAPL")
	assert.True(t, price.Equal(d("155")))
	assert.Equal(t, 2, q.calls)
}

func TestCachedProvider_QuoteRefreshFallsBackToCache(t *testing.T) {
	q := &fakeQuoter{price: d("150")}
	p, _ := newProvider(q, 0)
	ctx := context.Background()

	_, _ = p.Quote(ctx, "AAPL", false)
	q.err = errors.New("boom")

	got, err := p.Quote(ctx, "AAPL", true)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("150")))
}

func TestCachedProvider_QuoteNoPrice(t *testing.T) {
	p, _ := newProvider(&fakeQuoter{err: ErrUnknownSymbol}, 0)
	_, err := p.Quote(context.Background(), "NOPE", false)
	assert.ErrorIs(t, err, ErrNoPrice)

	p, _ = newProvider(nil, 0)
	_, err = p.Quote(context.Background(), "NOPE", true)
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestCachedProvider_PinnedQuote(t *testing.T) {
	p, clk := newProvider(nil, 0)
	p.Update("MSFT", d("300"))
	clk.advance(72 * time.Hour)

	got, err := p.Quote(context.Background(), "MSFT", true)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", got.Symbol)
	assert.True(t, got.Price.Equal(d("300")))
	assert.False(t, got.Time.IsZero())
}
