package forecast

import (
	"context"
	"errors"
	"fmt"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/datasource"
	"github.com/opscart/k8s-capacity-forecaster/pkg/inference"
	"github.com/opscart/k8s-capacity-forecaster/pkg/quota"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// Code is a stable, machine-readable error code carried on every error
// response alongside the human-readable detail.
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeMetricsUnavailable Code = "METRICS_UNAVAILABLE"
	CodeQuotaUnavailable   Code = "QUOTA_UNAVAILABLE"
	CodeModelUnavailable   Code = "MODEL_UNAVAILABLE"
	CodeInvalidModelOutput Code = "INVALID_MODEL_OUTPUT"
	CodeInsufficientData   Code = "INSUFFICIENT_DATA"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeInternal           Code = "INTERNAL"
)

// Error is the engine's typed failure. The underlying cause stays
// attached for diagnostics; it is never downgraded to a fabricated
// zero or default value.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", string(e.Code), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", string(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidRequest(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// classify maps component errors onto the engine taxonomy. Unknown
// errors become INTERNAL rather than leaking untyped failures to
// callers.
func classify(err error) *Error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var validationErr *scope.ValidationError
	if errors.As(err, &validationErr) {
		return &Error{Code: CodeInvalidRequest, Message: validationErr.Reason, Err: err}
	}

	var metricsErr *datasource.UnavailableError
	if errors.As(err, &metricsErr) {
		return &Error{Code: CodeMetricsUnavailable, Message: "metrics store unreachable", Err: err}
	}

	var quotaErr *quota.UnavailableError
	if errors.As(err, &quotaErr) {
		return &Error{Code: CodeQuotaUnavailable, Message: "quota source unreachable", Err: err}
	}

	var inferenceErr *inference.Error
	if errors.As(err, &inferenceErr) {
		switch inferenceErr.Kind {
		case inference.KindInvalidModelOutput:
			return &Error{Code: CodeInvalidModelOutput, Message: "model returned an unexpected shape", Err: err}
		default:
			return &Error{Code: CodeModelUnavailable, Message: "inference service unavailable", Err: err}
		}
	}

	var sampleErr *analyzer.InvalidSampleError
	if errors.As(err, &sampleErr) {
		return &Error{Code: CodeInternal, Message: "metrics store surfaced invalid samples", Err: err}
	}

	if errors.Is(err, analyzer.ErrInsufficientData) {
		return &Error{Code: CodeInsufficientData, Message: "not enough historical samples", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeDeadlineExceeded, Message: "request deadline exceeded", Err: err}
	}

	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
