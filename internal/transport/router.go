package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/observability"
)

// Dependencies holds the injected collaborators for the HTTP layer.
type Dependencies struct {
	RPC            *RPCHandler
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	MetricsPath    string
	Ready          func() error
}

// NewRouter assembles the chi router with the full middleware chain.
// Health, readiness, and metrics bypass request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(CorrelationID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady(deps.Ready))
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	// Health and metrics stay outside this group so probes do not produce
	// spans or request logs.
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(RequestLogging(logger))
		r.Use(MetricsRecording(deps.Metrics))
		r.Method(http.MethodPost, "/rpc", deps.RPC)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReady(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if check != nil {
			if err := check(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
