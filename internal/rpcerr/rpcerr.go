// Package rpcerr defines the shared JSON-RPC-style error vocabulary used by
// the skill dispatcher and the RPC/HTTP surface.
package rpcerr

import "fmt"

// Code is a stable, machine-readable error identifier, analogous to a
// JSON-RPC error code but expressed as a string for readability in logs.
type Code string

const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeInvalidParams    Code = "invalid_params"
	CodeMethodNotFound   Code = "method_not_found"
	CodeInternalError    Code = "internal_error"
	CodeTaskNotFound     Code = "task_not_found"
	CodeTaskNotCancelable Code = "task_not_cancelable"
	CodeUnauthorized     Code = "unauthorized"
	CodeDomainError      Code = "domain_error"
)

// Error is the structured error returned on the wire.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a Code onto the HTTP status the RPC surface should send.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidParams:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeMethodNotFound, CodeTaskNotFound:
		return 404
	case CodeTaskNotCancelable, CodeDomainError:
		return 409
	default:
		return 500
	}
}
