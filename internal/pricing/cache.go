package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sentinel/risk-engine/internal/metrics"
)

// Lookup sources reported on the price lookup counter.
const (
	sourceHit      = "hit"
	sourceUpstream = "upstream"
	sourceStale    = "stale"
	sourceNone     = "none"
)

// ErrNoPrice is returned by Quote when nothing is cached for a symbol and
// the upstream gave no answer.
var ErrNoPrice = errors.New("pricing: no price available")

var (
	errNoQuoter = errors.New("pricing: no upstream configured")
	errBudget   = errors.New("pricing: request budget exhausted")
)

type cacheEntry struct {
	quote   Quote
	fetched time.Time
	pinned  bool // set through Update; never expires
}

// CachedProvider answers LastPrice from an expiring cache, calling the
// upstream Quoter on a miss within a request budget. When the upstream is
// unavailable or over budget it serves the last cached price, even expired,
// and zero when nothing was ever cached. LastPrice never fails.
type CachedProvider struct {
	quoter  Quoter // nil: cache and seeded prices only
	ttl     time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedProvider creates a provider. perMinute bounds upstream calls; a
// value <= 0 disables the budget.
func NewCachedProvider(quoter Quoter, ttl time.Duration, perMinute int, logger *slog.Logger) *CachedProvider {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		quoter:  quoter,
		ttl:     ttl,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// LastPrice returns the best available price for symbol. The error is
// always nil; an unknown symbol prices at zero.
func (p *CachedProvider) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := p.Quote(ctx, symbol, false)
	if err != nil {
		return decimal.Zero, nil
	}
	return q.Price, nil
}

// Quote returns the cached quote for symbol while it is fresh or pinned.
// refresh skips the cache and asks the upstream first. If the upstream
// cannot answer, the cached quote is served even when expired; with nothing
// cached the result is ErrNoPrice.
func (p *CachedProvider) Quote(ctx context.Context, symbol string, refresh bool) (Quote, error) {
	cached, ok := p.lookup(symbol)
	if ok && !refresh && (cached.pinned || p.now().Sub(cached.fetched) <= p.ttl) {
		metrics.PriceLookups.WithLabelValues(sourceHit).Inc()
		return cached.quote, nil
	}

	q, err := p.fetch(ctx, symbol)
	if err == nil {
		p.mu.Lock()
		p.entries[symbol] = cacheEntry{quote: q, fetched: p.now()}
		p.mu.Unlock()
		metrics.PriceLookups.WithLabelValues(sourceUpstream).Inc()
		p.logger.Debug("fetched live price", "symbol", symbol, "price", q.Price.String())
		return q, nil
	}

	if ok {
		metrics.PriceLookups.WithLabelValues(sourceStale).Inc()
		p.logger.Warn("using cached price", "symbol", symbol, "price", cached.quote.Price.String(), "err", err)
		return cached.quote, nil
	}
	metrics.PriceLookups.WithLabelValues(sourceNone).Inc()
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrNoPrice, symbol, err)
}

func (p *CachedProvider) fetch(ctx context.Context, symbol string) (Quote, error) {
	if p.quoter == nil {
		return Quote{}, errNoQuoter
	}
	if !p.limiter.Allow() {
		return Quote{}, errBudget
	}
	q, err := p.quoter.Quote(ctx, symbol)
	if err != nil {
		p.logger.Error("price fetch failed", "symbol", symbol, "err", err)
		return Quote{}, err
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

// Update pins a price for symbol. Pinned prices are served until replaced.
func (p *CachedProvider) Update(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.entries[symbol] = cacheEntry{
		quote:   Quote{Symbol: symbol, Price: price, Time: now.UTC()},
		fetched: now,
		pinned:  true,
	}
}

// Clear drops every cached and pinned price.
func (p *CachedProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]cacheEntry)
}

func (p *CachedProvider) lookup(symbol string) (cacheEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[symbol]
	return e, ok
}
