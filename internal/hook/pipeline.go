// Package hook implements the extension hook pipeline that runs around
// function invocation, plus the built-in hooks: auth, rate limiting, and
// idempotent response replay.
package hook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/model"
)

// Hook intercepts a request before and after dispatch. Before may supply a
// terminal response to short-circuit the rest of the pipeline and the
// dispatch. After may replace the response on its way out.
//
// Hooks inspect the request's extension declarations to find their own
// options; declarations they do not recognise are not theirs to touch.
type Hook interface {
	Name() string
	Before(ctx context.Context, req *model.Request, rctx *model.RequestContext) (*model.Response, error)
	After(ctx context.Context, req *model.Request, rctx *model.RequestContext, resp *model.Response) (*model.Response, error)
}

// ShortCircuitObserver is notified when a before-hook terminates a request.
// The orchestrator's metrics hang off this.
type ShortCircuitObserver func(hook string)

// PanicObserver is notified when a hook panics.
type PanicObserver func(hook string)

// Pipeline executes hooks in a fixed priority order decided at construction
// time, never in request declaration order. Cheap rejecting hooks
// (authentication, rate limiting) are expected to be ordered before
// expensive satisfying ones (idempotency, caching) so the latter never run
// for requests the former would reject.
type Pipeline struct {
	hooks          []Hook
	logger         *zap.Logger
	onShortCircuit ShortCircuitObserver
	onPanic        PanicObserver
}

// PipelineOption configures optional pipeline behaviour.
type PipelineOption func(*Pipeline)

// WithShortCircuitObserver registers a short-circuit callback.
func WithShortCircuitObserver(fn ShortCircuitObserver) PipelineOption {
	return func(p *Pipeline) { p.onShortCircuit = fn }
}

// WithPanicObserver registers a panic callback.
func WithPanicObserver(fn PanicObserver) PipelineOption {
	return func(p *Pipeline) { p.onPanic = fn }
}

// NewPipeline creates a pipeline running the given hooks in the given order.
func NewPipeline(logger *zap.Logger, hooks []Hook, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{hooks: hooks, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunBefore executes every hook's Before in priority order. The first hook
// to supply a response terminates the pipeline and that response becomes
// final. A hook error or panic aborts the whole request: one misbehaving
// extension fails the request closed rather than running the remaining
// hooks in an unknown state.
func (p *Pipeline) RunBefore(ctx context.Context, req *model.Request, rctx *model.RequestContext) (*model.Response, error) {
	for _, h := range p.hooks {
		resp, err := p.runBeforeOne(ctx, h, req, rctx)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			if p.onShortCircuit != nil {
				p.onShortCircuit(h.Name())
			}
			p.logger.Debug("hook short-circuited request",
				zap.String("hook", h.Name()),
				zap.String("request_id", req.ID),
			)
			return resp, nil
		}
	}
	return nil, nil
}

// RunAfter executes every hook's After in priority order. Hooks may replace
// the response; a nil replacement keeps the current one. Errors and panics
// abort the request like in RunBefore.
func (p *Pipeline) RunAfter(ctx context.Context, req *model.Request, rctx *model.RequestContext, resp *model.Response) (*model.Response, error) {
	for _, h := range p.hooks {
		replaced, err := p.runAfterOne(ctx, h, req, rctx, resp)
		if err != nil {
			return nil, err
		}
		if replaced != nil {
			resp = replaced
		}
	}
	return resp, nil
}

func (p *Pipeline) runBeforeOne(ctx context.Context, h Hook, req *model.Request, rctx *model.RequestContext) (resp *model.Response, err error) {
	defer p.containPanic(h, req, &err)
	return h.Before(ctx, req, rctx)
}

func (p *Pipeline) runAfterOne(ctx context.Context, h Hook, req *model.Request, rctx *model.RequestContext, in *model.Response) (resp *model.Response, err error) {
	defer p.containPanic(h, req, &err)
	return h.After(ctx, req, rctx, in)
}

func (p *Pipeline) containPanic(h Hook, req *model.Request, err *error) {
	if rec := recover(); rec != nil {
		if p.onPanic != nil {
			p.onPanic(h.Name())
		}
		p.logger.Error("hook panicked",
			zap.String("hook", h.Name()),
			zap.String("request_id", req.ID),
			zap.Any("panic", rec),
			zap.Stack("stacktrace"),
		)
		*err = fmt.Errorf("hook %s panicked: %w", h.Name(), model.NewInternalError())
	}
}
