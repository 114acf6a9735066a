package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, c *Checker) (*httptest.ResponseRecorder, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var report Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	return w, report
}

func TestHandler_AllUp(t *testing.T) {
	c := NewChecker("sentinel", 0)
	c.RegisterPinger("store", pinger{})
	c.Register("redis", func(context.Context) error { return nil })

	w, report := get(t, c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusUp, report.Status)
	assert.Equal(t, "sentinel", report.Service)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, []string{"redis", "store"}, c.Names())
}

func TestHandler_NoChecksIsUp(t *testing.T) {
	w, report := get(t, NewChecker("sentinel", 0))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusUp, report.Status)
	assert.Empty(t, report.Components)
}

func TestHandler_OneDownDegrades(t *testing.T) {
	c := NewChecker("sentinel", 0)
	c.RegisterPinger("store", pinger{})
	c.RegisterPinger("transport", pinger{err: errors.New("nats CLOSED")})

	w, report := get(t, c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, StatusUp, report.Components["store"].Status)

	down := report.Components["transport"]
	assert.Equal(t, StatusDown, down.Status)
	assert.Equal(t, "nats CLOSED", down.Error)
}

func TestRun_CheckTimesOut(t *testing.T) {
	c := NewChecker("sentinel", 10*time.Millisecond)
	c.Register("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	report := c.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDown, report.Status)
	assert.Contains(t, report.Components["redis"].Error, "deadline")
}
