package transport

import (
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/observability"
	"github.com/forrst-rpc/forrstd/internal/orchestrator"
	"github.com/forrst-rpc/forrstd/model"
)

// RPCHandler serves the single RPC endpoint.
type RPCHandler struct {
	orchestrator    *orchestrator.Orchestrator
	logger          *zap.Logger
	metrics         *observability.Metrics
	maxRequestBytes int
}

// NewRPCHandler builds the handler for POST /rpc.
func NewRPCHandler(o *orchestrator.Orchestrator, logger *zap.Logger, metrics *observability.Metrics, maxRequestBytes int) *RPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCHandler{
		orchestrator:    o,
		logger:          logger,
		metrics:         metrics,
		maxRequestBytes: maxRequestBytes,
	}
}

// ServeHTTP reads the raw body, assembles the caller context, and hands the
// request to the orchestrator. A streamed outcome takes over the
// connection; everything else is a single JSON response.
func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// One extra byte so the orchestrator's own size guard sees oversized
	// bodies as oversized instead of silently truncated.
	limit := int64(h.maxRequestBytes) + 1
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		h.logger.Warn("request body read failed", zap.Error(err))
		writeWireError(w, model.Protocol{Name: model.ProtocolName},
			model.NewParseError("could not read request body"))
		return
	}

	rctx := h.requestContext(r)
	ctx := model.WithRequestContext(r.Context(), rctx)
	outcome := h.orchestrator.Handle(ctx, rctx, raw)

	if outcome.Streamed() {
		h.serveStream(w, r, outcome.Stream)
		return
	}

	h.observe(outcome.Function, outcome.Response)
	writeResponse(w, outcome.Response)
}

// requestContext assembles the caller-facing context from transport-level
// material. Authentication itself happens in the hook pipeline; the
// transport only carries the credential in.
func (h *RPCHandler) requestContext(r *http.Request) *model.RequestContext {
	rctx := &model.RequestContext{
		CorrelationID: CorrelationIDFrom(r.Context()),
		RemoteAddr:    remoteAddr(r),
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		rctx.BearerToken = strings.TrimPrefix(auth, "Bearer ")
	}
	return rctx
}

func (h *RPCHandler) observe(function string, resp *model.Response) {
	if h.metrics == nil {
		return
	}
	code := "OK"
	if !resp.OK() {
		code = resp.Errors[0].Code
	}
	h.metrics.RequestsTotal.WithLabelValues(function, code).Inc()
	if resp.Meta != nil {
		h.metrics.RequestDuration.WithLabelValues(function).
			Observe(float64(resp.Meta.DurationMS) / 1000)
	}
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
