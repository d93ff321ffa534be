// Package orchestrator coordinates the request lifecycle: parse, validate,
// pre-hooks, dispatch, post-hooks, respond or hand off to streaming. Every
// failure path produces a wire-format response; nothing escapes as an
// unstructured failure.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/hook"
	"github.com/forrst-rpc/forrstd/internal/observability"
	"github.com/forrst-rpc/forrstd/internal/registry"
	"github.com/forrst-rpc/forrstd/internal/stream"
	"github.com/forrst-rpc/forrstd/model"
)

// maxIDLength bounds the client-supplied correlation id.
const maxIDLength = 256

// durationCap clamps reported handling durations. Anything above this is a
// stuck clock or a stuck handler; report the cap and log the real value.
const durationCap = 24 * time.Hour

// Outcome is the result of handling one request: either a single response
// or a streaming hand-off, never both.
type Outcome struct {
	Response *model.Response
	Stream   *stream.Source
	// Function is the requested function name, or "unknown" when the
	// request never parsed far enough to name one. Metrics label material.
	Function string
}

// Streamed reports whether the transport must take over the connection.
func (o Outcome) Streamed() bool { return o.Stream != nil }

// Orchestrator drives a raw request through the full lifecycle.
type Orchestrator struct {
	registry *registry.Registry
	pipeline *hook.Pipeline
	logger   *zap.Logger

	protocolName    string
	versions        []string
	maxRequestBytes int
	dispatchTimeout time.Duration

	now        func() time.Time
	onReject   func(reason string)
	onDispatch func(function string, d time.Duration)
	onTimeout  func()
}

// Option configures optional orchestrator behaviour.
type Option func(*Orchestrator)

// WithClock overrides the wall clock. For testing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRejectObserver registers a callback for requests rejected before
// dispatch, keyed by rejection reason.
func WithRejectObserver(fn func(reason string)) Option {
	return func(o *Orchestrator) { o.onReject = fn }
}

// WithDispatchObserver registers a callback recording per-function dispatch
// duration.
func WithDispatchObserver(fn func(function string, d time.Duration)) Option {
	return func(o *Orchestrator) { o.onDispatch = fn }
}

// WithTimeoutObserver registers a callback for abandoned dispatches.
func WithTimeoutObserver(fn func()) Option {
	return func(o *Orchestrator) { o.onTimeout = fn }
}

// New creates an Orchestrator serving the given protocol identity.
func New(reg *registry.Registry, pipeline *hook.Pipeline, logger *zap.Logger,
	protocolName string, versions []string, maxRequestBytes int,
	dispatchTimeout time.Duration, opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		registry:        reg,
		pipeline:        pipeline,
		logger:          logger,
		protocolName:    protocolName,
		versions:        versions,
		maxRequestBytes: maxRequestBytes,
		dispatchTimeout: dispatchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle drives one raw request to an outcome. It never returns an error;
// every failure becomes a response carrying the request's id whenever that
// id was recoverable.
func (o *Orchestrator) Handle(ctx context.Context, rctx *model.RequestContext, raw []byte) (out Outcome) {
	function := "unknown"
	defer func() { out.Function = function }()

	start := o.now()

	if o.maxRequestBytes > 0 && len(raw) > o.maxRequestBytes {
		o.reject("too_large")
		return o.respond(start, model.NewErrorResponse(o.responseProtocol(""),
			uuid.NewString(), model.NewRequestTooLargeError(o.maxRequestBytes)))
	}

	req, errResp := o.parse(raw)
	if errResp != nil {
		return o.respond(start, errResp)
	}
	if req.Call.Function != "" {
		function = req.Call.Function
	}

	if errs := o.validateSchema(req); len(errs) > 0 {
		o.reject("validation")
		return o.respond(start, model.NewErrorResponse(o.responseProtocol(req.Protocol.Version), req.ID, errs...))
	}

	proto := o.responseProtocol(req.Protocol.Version)

	resp, err := o.pipeline.RunBefore(ctx, req, rctx)
	if err != nil {
		return o.respond(start, model.NewErrorResponse(proto, req.ID, model.MapError(err)))
	}
	if resp != nil {
		resp.Protocol = proto
		resp.ID = req.ID
		return o.respond(start, resp)
	}

	fn, ok := o.registry.Resolve(model.URN(req.Call.Function), req.Call.Version)
	if !ok {
		return o.respond(start, model.NewErrorResponse(proto, req.ID,
			model.NewNotFoundError(fmt.Sprintf("function %q not found", req.Call.Function))))
	}

	if req.StreamRequested() && fn.StreamCapable() {
		return Outcome{Stream: &stream.Source{
			Request: req,
			Produce: fn.Stream(rctx, req.Call.Arguments),
		}}
	}

	resp = o.dispatch(ctx, req, rctx, fn, proto)

	resp, err = o.pipeline.RunAfter(ctx, req, rctx, resp)
	if err != nil {
		return o.respond(start, model.NewErrorResponse(proto, req.ID, model.MapError(err)))
	}

	return o.respond(start, resp)
}

// parse decodes raw bytes into a request, distinguishing broken JSON,
// well-formed JSON of the wrong shape, and batch arrays. The second return
// is the terminal error response for anything that is not a single request
// object.
func (o *Orchestrator) parse(raw []byte) (*model.Request, *model.Response) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		o.reject("parse")
		return nil, model.NewErrorResponse(o.responseProtocol(""),
			uuid.NewString(), model.NewParseError("request body is empty"))
	}

	switch trimmed[0] {
	case '{':
		var req model.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			o.reject("parse")
			return nil, model.NewErrorResponse(o.responseProtocol(""),
				o.recoveredID(raw), model.NewParseError("request body is not valid JSON"))
		}
		return &req, nil

	case '[':
		return nil, o.rejectArray(raw)

	default:
		if !json.Valid(raw) {
			o.reject("parse")
			return nil, model.NewErrorResponse(o.responseProtocol(""),
				o.recoveredID(raw), model.NewParseError("request body is not valid JSON"))
		}
		// A well-formed scalar is a shape problem, not a parse problem.
		o.reject("structural")
		return nil, model.NewErrorResponse(o.responseProtocol(""), uuid.NewString(),
			model.NewStructurallyInvalidError("request must be a single JSON object"))
	}
}

// rejectArray classifies a top-level array. An array of objects is a batch,
// which gets its own distinct rejection; a broken or mixed array is
// reported as what it is rather than misreported as a batch.
func (o *Orchestrator) rejectArray(raw []byte) *model.Response {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		o.reject("parse")
		return model.NewErrorResponse(o.responseProtocol(""),
			uuid.NewString(), model.NewParseError("request body is not valid JSON"))
	}

	batch := len(elements) > 0
	for _, el := range elements {
		el = bytes.TrimLeft(el, " \t\r\n")
		if len(el) == 0 || el[0] != '{' {
			batch = false
			break
		}
	}

	if batch {
		o.reject("batch")
		return model.NewErrorResponse(o.responseProtocol(""),
			uuid.NewString(), model.NewBatchNotSupportedError())
	}
	o.reject("structural")
	return model.NewErrorResponse(o.responseProtocol(""), uuid.NewString(),
		model.NewStructurallyInvalidError("request must be a single JSON object"))
}

// validateSchema checks every schema rule and reports all violations in one
// pass so the client can fix them in a single round trip.
func (o *Orchestrator) validateSchema(req *model.Request) []*model.Error {
	var errs []*model.Error

	if req.Call.Function == "" {
		// Missing call is a shape problem. Report it alone; the remaining
		// rules assume a call is present.
		return []*model.Error{
			model.NewStructurallyInvalidError("request must carry a call with a function"),
		}
	}

	if req.Protocol.Name != o.protocolName {
		errs = append(errs, model.NewValidationError("/protocol/name",
			fmt.Sprintf("unsupported protocol %q", req.Protocol.Name)))
	}
	if !o.supportsVersion(req.Protocol.Version) {
		errs = append(errs, model.NewValidationError("/protocol/version",
			fmt.Sprintf("unsupported protocol version %q", req.Protocol.Version)))
	}

	if req.ID == "" {
		errs = append(errs, model.NewValidationError("/id", "id is required"))
	} else if len(req.ID) > maxIDLength {
		errs = append(errs, model.NewValidationError("/id",
			fmt.Sprintf("id exceeds %d characters", maxIDLength)))
	}

	if _, err := model.ParseURN(req.Call.Function); err != nil {
		errs = append(errs, model.NewValidationError("/call/function", err.Error()))
	}

	for i, decl := range req.Extensions {
		urn, err := model.ParseURN(string(decl.URN))
		if err != nil {
			errs = append(errs, model.NewValidationError(
				fmt.Sprintf("/extensions/%d/urn", i), err.Error()))
			continue
		}
		req.Extensions[i].URN = urn
	}

	return errs
}

// dispatch invokes the function with a wall-clock budget. The invocation
// runs in its own goroutine so an overrunning function can be abandoned;
// abandonment is best-effort and the goroutine's eventual result is
// discarded.
func (o *Orchestrator) dispatch(ctx context.Context, req *model.Request, rctx *model.RequestContext, fn registry.Function, proto model.Protocol) *model.Response {
	logger := observability.RequestLogger(ctx, o.logger)
	logger.Debug("dispatching function",
		zap.String("function", req.Call.Function),
		zap.String("request_id", req.ID),
		zap.Any("arguments", observability.RedactArguments(req.Call.Arguments)),
	)

	ctx, span := observability.StartSpan(ctx, "function.dispatch",
		observability.AttrFunction.String(req.Call.Function),
		observability.AttrRequestID.String(req.ID),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if o.dispatchTimeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, o.dispatchTimeout)
		defer cancel()
	}

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	started := o.now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("function panicked",
					zap.String("function", req.Call.Function),
					zap.String("request_id", req.ID),
					zap.Any("panic", rec),
					zap.Stack("stacktrace"),
				)
				done <- result{err: model.NewInternalError()}
			}
		}()
		data, err := fn.Handler(dispatchCtx, rctx, req.Call.Arguments)
		done <- result{data: data, err: err}
	}()

	select {
	case res := <-done:
		o.observeDispatch(req.Call.Function, o.now().Sub(started))
		if res.err != nil {
			spanErr = res.err
			wireErr := model.MapError(res.err)
			span.SetAttributes(observability.AttrErrorCode.String(wireErr.Code))
			if wireErr.Code == model.CodeInternalError {
				logger.Error("function failed",
					zap.String("function", req.Call.Function),
					zap.String("request_id", req.ID),
					zap.Error(res.err),
				)
			}
			return model.NewErrorResponse(proto, req.ID, wireErr)
		}
		return model.NewResult(proto, req.ID, res.data)

	case <-dispatchCtx.Done():
		o.observeDispatch(req.Call.Function, o.now().Sub(started))
		spanErr = dispatchCtx.Err()
		if ctx.Err() != nil {
			return model.NewErrorResponse(proto, req.ID, model.MapError(ctx.Err()))
		}
		if o.onTimeout != nil {
			o.onTimeout()
		}
		logger.Warn("dispatch abandoned after timeout",
			zap.String("function", req.Call.Function),
			zap.String("request_id", req.ID),
			zap.Duration("timeout", o.dispatchTimeout),
		)
		return model.NewErrorResponse(proto, req.ID, model.NewTimeoutError())
	}
}

// respond attaches duration metadata and returns the final outcome.
func (o *Orchestrator) respond(start time.Time, resp *model.Response) Outcome {
	elapsed := o.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > durationCap {
		o.logger.Warn("handling duration exceeds cap",
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", resp.ID),
		)
		elapsed = durationCap
	}

	if resp.Meta == nil {
		resp.Meta = &model.Meta{}
	}
	resp.Meta.DurationMS = elapsed.Milliseconds()
	return Outcome{Response: resp}
}

// responseProtocol picks the protocol identity for a response: the
// request's version when it is one we serve, otherwise our default.
func (o *Orchestrator) responseProtocol(requested string) model.Protocol {
	version := requested
	if !o.supportsVersion(version) {
		version = ""
		if len(o.versions) > 0 {
			version = o.versions[0]
		}
	}
	return model.Protocol{Name: o.protocolName, Version: version}
}

func (o *Orchestrator) supportsVersion(v string) bool {
	for _, s := range o.versions {
		if s == v {
			return true
		}
	}
	return false
}

func (o *Orchestrator) reject(reason string) {
	if o.onReject != nil {
		o.onReject(reason)
	}
}

func (o *Orchestrator) observeDispatch(function string, d time.Duration) {
	if o.onDispatch != nil {
		o.onDispatch(function, d)
	}
}

// recoveredID scans broken JSON for a top-level "id" string so error
// responses can still echo the client's correlation id. Falls back to a
// generated id when nothing usable appears before the syntax error.
func (o *Orchestrator) recoveredID(raw []byte) string {
	if id := scanTopLevelID(raw); id != "" {
		return id
	}
	return uuid.NewString()
}

// scanTopLevelID walks JSON tokens up to the first error, capturing the
// string value of the top-level "id" key.
func scanTopLevelID(raw []byte) string {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return ""
	}

	for {
		keyTok, err := dec.Token()
		if err != nil || keyTok == json.Delim('}') {
			return ""
		}
		key, _ := keyTok.(string)

		if key == "id" {
			valTok, err := dec.Token()
			if err != nil {
				return ""
			}
			s, _ := valTok.(string)
			return s
		}
		if err := skipValue(dec); err != nil {
			return ""
		}
	}
}

// skipValue consumes one value, descending through nested containers.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
