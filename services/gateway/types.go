package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a gateway failure
type ErrorKind string

const (
	KindPolicyViolation     ErrorKind = "policy_violation"
	KindRateLimitExceeded   ErrorKind = "rate_limit_exceeded"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindFatalProvider       ErrorKind = "fatal_provider"
	KindTimeout             ErrorKind = "timeout"
	KindValidation          ErrorKind = "validation"
	KindConfiguration       ErrorKind = "configuration"
	KindInternal            ErrorKind = "internal"
)

// GatewayError is the only error type callers see from Request. Raw
// provider errors are wrapped, never surfaced bare.
type GatewayError struct {
	// Kind classifies the failure
	Kind ErrorKind

	// Reason is a human-readable explanation
	Reason string

	// RetryAfter hints when a rate-limited caller may try again
	RetryAfter time.Duration

	// RemainingBudget is the headroom left when a budget ceiling denied
	RemainingBudget float64

	// StatusCode is the HTTP status a transport layer would map this to
	StatusCode int

	// Retryable indicates the caller may usefully retry
	Retryable bool

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap implements error unwrapping
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches on kind so callers can test with sentinel kinds
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a GatewayError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// NewPolicyViolation reports a policy rule or guardrail denial
func NewPolicyViolation(reason string) *GatewayError {
	return &GatewayError{
		Kind:       KindPolicyViolation,
		Reason:     reason,
		StatusCode: http.StatusForbidden,
	}
}

// NewRateLimitExceeded reports a rate limit denial with a retry hint
func NewRateLimitExceeded(reason string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimitExceeded,
		Reason:     reason,
		RetryAfter: retryAfter,
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// NewBudgetExceeded reports a budget ceiling denial with the headroom left
func NewBudgetExceeded(reason string, remaining float64) *GatewayError {
	return &GatewayError{
		Kind:            KindBudgetExceeded,
		Reason:          reason,
		RemainingBudget: remaining,
		StatusCode:      http.StatusPaymentRequired,
	}
}

// NewProviderUnavailable reports a provider that stayed down through
// every retry attempt
func NewProviderUnavailable(reason string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindProviderUnavailable,
		Reason:     reason,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewFatalProvider reports a provider rejection that retrying cannot fix
func NewFatalProvider(reason string, statusCode int, cause error) *GatewayError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &GatewayError{
		Kind:       KindFatalProvider,
		Reason:     reason,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// NewTimeout reports a request that exceeded its time budget
func NewTimeout(reason string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindTimeout,
		Reason:     reason,
		StatusCode: http.StatusGatewayTimeout,
		Cause:      cause,
	}
}

// NewValidation reports a structurally invalid request
func NewValidation(reason string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindValidation,
		Reason:     reason,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewConfiguration reports an invalid gateway configuration at startup
func NewConfiguration(reason string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindConfiguration,
		Reason:     reason,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewInternal reports an unexpected gateway failure
func NewInternal(reason string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		Reason:     reason,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// State tracks a request through the pipeline. The value appears in
// logs so a stuck request reveals exactly which stage it reached.
type State string

const (
	StateReceived       State = "received"
	StatePolicyChecked  State = "policy_checked"
	StateRateChecked    State = "rate_checked"
	StateBudgetReserved State = "budget_reserved"
	StateDispatched     State = "dispatched"
	StateCompleted      State = "completed"
	StateRetryPending   State = "retry_pending"
	StateFailed         State = "failed"
	StateLogged         State = "logged"
)

// Features gates the optional behaviors. All default off; the hooks are
// no-ops until a flag is enabled.
type Features struct {
	AutoRemediation bool
	BackgroundLoops bool
	PatternAnalysis bool
}
