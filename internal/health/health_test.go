package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServer(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		checks     map[string]CheckFunc
		shutdown   bool
		wantStatus int
		wantChecks map[string]string
	}{
		{name: "healthz ok", path: "/healthz", wantStatus: http.StatusOK},
		{name: "healthz shutting down", path: "/healthz", shutdown: true, wantStatus: http.StatusServiceUnavailable},
		{
			name:       "readyz all checks pass",
			path:       "/readyz",
			checks:     map[string]CheckFunc{"store": func(context.Context) error { return nil }},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"store": "ok"},
		},
		{
			name: "readyz failing check",
			path: "/readyz",
			checks: map[string]CheckFunc{
				"store": func(context.Context) error { return nil },
				"rules": func(context.Context) error { return errors.New("no rules loaded") },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "ok", "rules": "no rules loaded"},
		},
		{name: "readyz shutting down", path: "/readyz", shutdown: true, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
			for name, check := range tt.checks {
				h.AddCheck(name, check)
			}
			if tt.shutdown {
				h.Shutdown()
			}

			r := mux.NewRouter()
			h.RegisterRoutes(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus == http.StatusOK, resp.OK)
			if tt.wantChecks != nil {
				assert.Equal(t, tt.wantChecks, resp.Checks)
			}
		})
	}
}
