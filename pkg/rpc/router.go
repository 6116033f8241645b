package rpc

import (
	"context"
	"encoding/json"

	"github.com/sherpa-labs/sherpa/pkg/auth"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Session identifies the connection a request arrived on. Claims is nil
// until the router validates the request's token.
type Session struct {
	ConnectionID string
	Claims       *auth.Claims
}

// Handler serves one method. Long-running handlers stream through sink
// before returning the terminal result.
type Handler func(ctx context.Context, sess *Session, params json.RawMessage, sink progress.Sink) (any, error)

// AuthLevel states what a method requires before dispatch.
type AuthLevel int

const (
	AuthNone  AuthLevel = iota // e.g. auth.login
	AuthToken                  // any valid session
	AuthAdmin                  // valid session with is_admin
)

type route struct {
	handler Handler
	level   AuthLevel
}

// Router validates tokens and dispatches methods.
type Router struct {
	tokens *auth.TokenManager
	routes map[string]route
}

// NewRouter builds an empty router over a token validator.
func NewRouter(tokens *auth.TokenManager) *Router {
	return &Router{tokens: tokens, routes: map[string]route{}}
}

// Register binds a method name to a handler.
func (r *Router) Register(method string, level AuthLevel, h Handler) {
	r.routes[method] = route{handler: h, level: level}
}

// tokenCarrier extracts the token field every authenticated params object
// carries.
type tokenCarrier struct {
	Token string `json:"token"`
}

// Dispatch runs one request to its terminal response. It never panics the
// connection: all failures become error responses.
func (r *Router) Dispatch(ctx context.Context, sess *Session, req Request, sink progress.Sink) Response {
	rt, ok := r.routes[req.Method]
	if !ok {
		return NewError(req.ID, NewRPCError(CodeMethodNotFound, "unknown method "+req.Method))
	}

	if rt.level > AuthNone {
		var tc tokenCarrier
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &tc); err != nil {
				return NewError(req.ID, NewRPCError(CodeInvalidParams, "malformed params"))
			}
		}
		if tc.Token == "" {
			return NewError(req.ID, NewRPCError(CodeAuthRequired, "authentication required"))
		}
		claims, err := r.tokens.Validate(tc.Token)
		if err != nil {
			return NewError(req.ID, NewRPCError(CodeAuthInvalid, "invalid or expired token"))
		}
		if rt.level == AuthAdmin && !claims.IsAdmin {
			return NewError(req.ID, NewRPCError(CodeAccessDenied, "admin privileges required"))
		}
		sess.Claims = claims
	}

	result, err := rt.handler(ctx, sess, req.Params, sink)
	if err != nil {
		rpcErr := MapError(err)
		if rpcErr.Code == CodeInternalError {
			util.Errorf("rpc: %s: %v", req.Method, err)
		}
		return NewError(req.ID, rpcErr)
	}

	resp, err := NewResult(req.ID, result)
	if err != nil {
		util.Errorf("rpc: %s: %v", req.Method, err)
		return NewError(req.ID, NewRPCError(CodeInternalError, "internal server error"))
	}
	return resp
}

// CheckOwnership enforces that the session user owns the resource, with
// admin override.
func CheckOwnership(sess *Session, owner, resource string) error {
	if sess.Claims == nil {
		return &util.PermissionError{User: "", Action: "access", Resource: resource}
	}
	if sess.Claims.IsAdmin || sess.Claims.Username == owner {
		return nil
	}
	return &util.PermissionError{
		User:     sess.Claims.Username,
		Action:   "access",
		Resource: resource,
	}
}
