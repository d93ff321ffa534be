package hook

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forrst-rpc/forrstd/model"
)

// URNAuth is the extension identifier for the authentication hook.
const URNAuth = model.URN("forrst:ext:auth")

// AuthHook establishes the caller identity from the request's bearer token.
// It is the only writer of RequestContext.CallerID.
//
// A missing token is not an error here: functions that need a caller fail
// with UNAUTHENTICATED at the lifecycle-controller boundary. A token that is
// present but fails verification short-circuits immediately, before any
// other hook or the dispatch can act on a forged identity.
type AuthHook struct {
	secret   []byte
	issuer   string
	audience string
	protocol model.Protocol
}

// NewAuthHook creates the auth hook with an HMAC verification secret.
func NewAuthHook(secret []byte, issuer, audience string, protocol model.Protocol) *AuthHook {
	return &AuthHook{secret: secret, issuer: issuer, audience: audience, protocol: protocol}
}

func (h *AuthHook) Name() string { return "auth" }

// Before verifies the bearer token, if any, and records the caller id.
func (h *AuthHook) Before(_ context.Context, req *model.Request, rctx *model.RequestContext) (*model.Response, error) {
	if rctx.BearerToken == "" {
		if decl, ok := req.Extension(URNAuth); ok {
			if required, _ := decl.Options["required"].(bool); required {
				return model.NewErrorResponse(h.protocol, req.ID, model.NewUnauthenticatedError()), nil
			}
		}
		return nil, nil
	}

	claims, err := h.verify(rctx.BearerToken)
	if err != nil {
		return model.NewErrorResponse(h.protocol, req.ID, model.NewUnauthenticatedError()), nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return model.NewErrorResponse(h.protocol, req.ID, model.NewUnauthenticatedError()), nil
	}

	rctx.CallerID = sub
	rctx.Claims = claims
	return nil, nil
}

// After is a no-op for the auth hook.
func (h *AuthHook) After(_ context.Context, _ *model.Request, _ *model.RequestContext, _ *model.Response) (*model.Response, error) {
	return nil, nil
}

func (h *AuthHook) verify(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}
	if h.audience != "" {
		opts = append(opts, jwt.WithAudience(h.audience))
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: token verification: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected claims type %T", token.Claims)
	}
	return claims, nil
}
