package runtime

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

func TestRunReadyChecks(t *testing.T) {
	report := RunReadyChecks(context.Background(), time.Second,
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
		ReadyCheck{Name: "skipped"},
	)
	assert.Equal(t, "unavailable", report.Status)
	assert.Equal(t, "ok", report.Checks["db"])
	assert.Equal(t, "dial tcp: refused", report.Checks["kafka"])
	assert.NotContains(t, report.Checks, "skipped")
}

func TestHealthMux(t *testing.T) {
	live := true
	mux := NewHealthMux(func() bool { return live },
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReadyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)

	live = false
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "INFO", ParseLevel("").String())
}
