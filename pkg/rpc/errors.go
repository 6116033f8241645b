package rpc

import (
	"errors"
	"fmt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// ErrorCode is a JSON-RPC 2.0 error number.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	CodeServerError  ErrorCode = -32000
	CodeAuthInvalid  ErrorCode = -32001
	CodeAuthRequired ErrorCode = -32002
	CodeAccessDenied ErrorCode = -32003
	CodeNotFound     ErrorCode = -32004
)

// Error is the wire error payload.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Context string    `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an error payload.
func NewRPCError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// MapError converts an internal error into its wire code. Internal errors
// keep their message chain out of the payload; the server logs it instead.
func MapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, util.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, util.ErrPermissionDenied):
		return &Error{Code: CodeAccessDenied, Message: err.Error()}
	case errors.Is(err, util.ErrValidationFailed), errors.Is(err, util.ErrInvalid):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, util.ErrConflict), errors.Is(err, util.ErrDependent),
		errors.Is(err, util.ErrTransient):
		return &Error{Code: CodeServerError, Message: err.Error()}
	case errors.Is(err, util.ErrFatal):
		return &Error{Code: CodeServerError, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: "internal server error"}
	}
}
