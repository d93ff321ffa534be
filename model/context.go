package model

import "context"

// RequestContext carries the transport-level facts about one request:
// caller identity, correlation id, and the raw bearer credential the auth
// hook consumes. The auth hook is the only writer of CallerID; everything
// after the before-hook phase treats it as read-only.
type RequestContext struct {
	CallerID      string
	Claims        map[string]any
	CorrelationID string
	RemoteAddr    string
	BearerToken   string
}

// Authenticated reports whether a caller identity was established.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.CallerID != ""
}

type requestContextKey struct{}

// WithRequestContext stores a RequestContext in the context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext stored in the context, or
// nil if none is present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
