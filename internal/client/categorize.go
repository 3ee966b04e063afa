package client

import (
	"context"
	"errors"
	"net"
)

// ErrorCategory is a stable label for error classification in logs and metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRejected    ErrorCategory = "rejected"
	ErrorCategoryServerError ErrorCategory = "server_error"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. nil maps to "".
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	if errors.Is(err, ErrRejected) {
		return ErrorCategoryRejected
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) || errors.Is(err, ErrServerError) {
		return ErrorCategoryServerError
	}
	return ErrorCategoryUnknown
}
