package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sherpa-labs/sherpa/pkg/auth"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

func testRouter(t *testing.T) (*Router, *auth.TokenManager) {
	t.Helper()
	tm, err := auth.NewTokenManager(filepath.Join(t.TempDir(), "jwt.secret"))
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return NewRouter(tm), tm
}

func echoHandler(ctx context.Context, sess *Session, params json.RawMessage, sink progress.Sink) (any, error) {
	return map[string]string{"ok": "yes"}, nil
}

func TestDispatchUnknownMethod(t *testing.T) {
	r, _ := testRouter(t)
	resp := r.Dispatch(context.Background(), &Session{}, Request{ID: "1", Method: "nope"}, progress.NullSink{})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("response = %+v", resp)
	}
}

func TestDispatchAuthGate(t *testing.T) {
	r, tm := testRouter(t)
	r.Register("secure", AuthToken, echoHandler)
	r.Register("admin-only", AuthAdmin, echoHandler)
	r.Register("open", AuthNone, echoHandler)

	call := func(method string, params any) Response {
		data, _ := json.Marshal(params)
		return r.Dispatch(context.Background(), &Session{},
			Request{ID: "1", Method: method, Params: data}, progress.NullSink{})
	}

	// No token
	if resp := call("secure", map[string]string{}); resp.Error == nil || resp.Error.Code != CodeAuthRequired {
		t.Errorf("missing token: %+v", resp.Error)
	}

	// Garbage token
	if resp := call("secure", map[string]string{"token": "garbage"}); resp.Error == nil || resp.Error.Code != CodeAuthInvalid {
		t.Errorf("bad token: %+v", resp.Error)
	}

	userToken, _ := tm.Mint("alice", false)
	adminToken, _ := tm.Mint("root", true)

	if resp := call("secure", map[string]string{"token": userToken}); resp.Error != nil {
		t.Errorf("valid token rejected: %+v", resp.Error)
	}

	// Non-admin on an admin method
	if resp := call("admin-only", map[string]string{"token": userToken}); resp.Error == nil || resp.Error.Code != CodeAccessDenied {
		t.Errorf("non-admin allowed: %+v", resp.Error)
	}
	if resp := call("admin-only", map[string]string{"token": adminToken}); resp.Error != nil {
		t.Errorf("admin rejected: %+v", resp.Error)
	}

	// Open method needs no token
	if resp := call("open", map[string]string{}); resp.Error != nil {
		t.Errorf("open method gated: %+v", resp.Error)
	}
}

func TestDispatchFillsClaims(t *testing.T) {
	r, tm := testRouter(t)
	var seen *auth.Claims
	r.Register("who", AuthToken, func(ctx context.Context, sess *Session, _ json.RawMessage, _ progress.Sink) (any, error) {
		seen = sess.Claims
		return struct{}{}, nil
	})

	token, _ := tm.Mint("alice", false)
	data, _ := json.Marshal(map[string]string{"token": token})
	r.Dispatch(context.Background(), &Session{ConnectionID: "c1"}, Request{ID: "1", Method: "who", Params: data}, progress.NullSink{})
	if seen == nil || seen.Username != "alice" {
		t.Errorf("claims = %+v", seen)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{util.NewNotFoundError("lab", "x"), CodeNotFound},
		{&util.PermissionError{User: "bob", Action: "destroy", Resource: "lab"}, CodeAccessDenied},
		{util.NewValidationError("bad manifest"), CodeInvalidParams},
		{util.NewConflictError("lab", "x", "name"), CodeServerError},
		{context.DeadlineExceeded, CodeInternalError},
	}
	for _, tt := range tests {
		if got := MapError(tt.err); got.Code != tt.code {
			t.Errorf("MapError(%v).Code = %d, want %d", tt.err, got.Code, tt.code)
		}
	}

	// Internal errors keep their chain out of the payload
	if got := MapError(context.DeadlineExceeded); got.Message != "internal server error" {
		t.Errorf("internal message leaked: %q", got.Message)
	}
}

func TestCheckOwnership(t *testing.T) {
	owner := &Session{Claims: &auth.Claims{Username: "alice"}}
	admin := &Session{Claims: &auth.Claims{Username: "root", IsAdmin: true}}
	other := &Session{Claims: &auth.Claims{Username: "bob"}}

	if err := CheckOwnership(owner, "alice", "lab x"); err != nil {
		t.Errorf("owner denied: %v", err)
	}
	if err := CheckOwnership(admin, "alice", "lab x"); err != nil {
		t.Errorf("admin denied: %v", err)
	}
	if err := CheckOwnership(other, "alice", "lab x"); err == nil {
		t.Error("foreign user allowed")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp, err := NewResult("42", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("new result: %v", err)
	}
	data, _ := json.Marshal(resp)

	typ, err := DecodeType(data)
	if err != nil || typ != TypeResponse {
		t.Errorf("type = %q, %v", typ, err)
	}

	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != "42" || back.Error != nil {
		t.Errorf("response = %+v", back)
	}
}
