// Package pricing supplies last-trade prices to the risk pipeline. Upstream
// quotes come from Finnhub; CachedProvider fronts them with an expiring
// cache and a request budget.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFinnhubURL is the public Finnhub REST base.
const DefaultFinnhubURL = "https://finnhub.io/api/v1"

var (
	ErrUnknownSymbol = errors.New("pricing: unknown symbol")
	ErrUpstream      = errors.New("pricing: upstream error")
)

// Quote is one upstream price observation.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Time          time.Time       `json:"time"`
}

// Quoter fetches a current quote for a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// FinnhubClient is a Quoter backed by the Finnhub /quote endpoint.
type FinnhubClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewFinnhubClient creates a client. An empty baseURL uses DefaultFinnhubURL.
func NewFinnhubClient(baseURL, token string, timeout time.Duration) *FinnhubClient {
	if baseURL == "" {
		baseURL = DefaultFinnhubURL
	}
	return &FinnhubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type finnhubQuote struct {
	Current       decimal.Decimal     `json:"c"`
	Change        decimal.NullDecimal `json:"d"`
	ChangePercent decimal.NullDecimal `json:"dp"`
	Timestamp     int64               `json:"t"`
}

// Quote calls GET {base}/quote?symbol=S&token=K. Finnhub answers unknown
// symbols with c == 0, reported as ErrUnknownSymbol.
func (c *FinnhubClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var body finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if !body.Current.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	out := Quote{
		Symbol:        symbol,
		Price:         body.Current,
		Change:        body.Change.Decimal,
		ChangePercent: body.ChangePercent.Decimal,
		Time:          time.Now().UTC(),
	}
	if body.Timestamp > 0 {
		out.Time = time.Unix(body.Timestamp, 0).UTC()
	}
	return out, nil
}
