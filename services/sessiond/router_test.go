package sessiond

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "sessiond_test_total", Help: "test"}))

	tests := []struct {
		name     string
		path     string
		ping     error
		wantCode int
		wantBody string
	}{
		{name: "health", path: "/healthz", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "ready", path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "not ready", path: "/readyz", ping: errors.New("down"), wantCode: http.StatusServiceUnavailable, wantBody: "database unavailable"},
		{name: "metrics", path: "/metrics", wantCode: http.StatusOK, wantBody: "sessiond_test_total 0"},
		{name: "unknown", path: "/sessions", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Router(RouterOptions{
				Pool:     pingFunc(func(context.Context) error { return tt.ping }),
				Gatherer: reg,
			})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}
