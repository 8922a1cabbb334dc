// Package classify turns raw LMS API failures — HTTP responses, transport
// errors — into typed, retry-annotated errors. Classification is a pure
// mapping aside from append-only per-kind statistics; retry policy is static
// per kind.
package classify

import (
	"fmt"
	"time"
)

// Kind is the machine-readable classification of a failed call.
type Kind string

// Error kinds, grouped the way the retry policies treat them.
const (
	// Transient kinds, retried locally.
	KindNetworkTimeout     Kind = "network_timeout"
	KindNetworkConnection  Kind = "network_connection"
	KindServerError        Kind = "server_error"
	KindGatewayError       Kind = "gateway_error"
	KindServiceUnavailable Kind = "service_unavailable"

	// Rate limiting.
	KindRateLimited Kind = "rate_limited"

	// Authentication and authorization.
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindTokenExpired Kind = "token_expired"

	// Client-side request problems, surfaced immediately.
	KindNotFound        Kind = "not_found"
	KindBadRequest      Kind = "bad_request"
	KindValidationError Kind = "validation_error"
	KindConflict        Kind = "conflict"

	// Upstream LMS operational states.
	KindMaintenance     Kind = "maintenance"
	KindOverloaded      Kind = "overloaded"
	KindFeatureDisabled Kind = "feature_disabled"

	KindUnknown Kind = "unknown"
)

// Strategy names the backoff curve applied between retries of a kind.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyImmediate      Strategy = "immediate"
	StrategyLinear         Strategy = "linear"
	StrategyExponential    Strategy = "exponential"
	StrategyRateLimitAware Strategy = "rate_limit_aware"
)

// RetryPolicy is the static retry configuration attached to a kind.
type RetryPolicy struct {
	Strategy   Strategy
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Error is an immutable classified failure, created once per failed call.
// It implements the error interface so it can flow through ordinary error
// returns while callers discriminate on Kind via errors.As.
type Error struct {
	Kind       Kind
	HTTPStatus int // zero when the failure never produced a response
	Retryable  bool
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	// RetryAfter carries a server-supplied backoff hint (429 responses).
	RetryAfter time.Duration

	// UserMessage is safe to show to non-technical staff; Technical carries
	// the raw detail for logs.
	UserMessage string
	Technical   string

	// Recoverable tells the caller whether offering a retry makes sense.
	Recoverable bool

	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.HTTPStatus, e.Technical)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Technical)
}

// retryPolicies fixes the backoff behavior per kind. Kinds absent from the
// table do not retry.
var retryPolicies = map[Kind]RetryPolicy{
	KindNetworkTimeout:     {StrategyExponential, 5, 2 * time.Second, 60 * time.Second},
	KindNetworkConnection:  {StrategyExponential, 3, 1 * time.Second, 30 * time.Second},
	KindServerError:        {StrategyExponential, 3, 5 * time.Second, 120 * time.Second},
	KindGatewayError:       {StrategyLinear, 3, 10 * time.Second, 60 * time.Second},
	KindServiceUnavailable: {StrategyExponential, 5, 30 * time.Second, 300 * time.Second},
	KindRateLimited:        {StrategyRateLimitAware, 10, 60 * time.Second, 900 * time.Second},
	KindMaintenance:        {StrategyLinear, 3, 300 * time.Second, 1800 * time.Second},
	KindOverloaded:         {StrategyExponential, 5, 60 * time.Second, 600 * time.Second},
	KindTokenExpired:       {StrategyImmediate, 1, 0, 0},
	KindUnknown:            {StrategyExponential, 2, 1 * time.Second, 30 * time.Second},
}

// noRetry is the policy applied to kinds without a table entry.
var noRetry = RetryPolicy{Strategy: StrategyNone}

// policyFor returns the retry policy for a kind.
func policyFor(kind Kind) RetryPolicy {
	if p, ok := retryPolicies[kind]; ok {
		return p
	}
	return noRetry
}

// statusKinds maps exact HTTP status codes to kinds.
var statusKinds = map[int]Kind{
	400: KindBadRequest,
	401: KindUnauthorized,
	403: KindForbidden,
	404: KindNotFound,
	409: KindConflict,
	422: KindValidationError,
	429: KindRateLimited,
	500: KindServerError,
	502: KindGatewayError,
	503: KindServiceUnavailable,
	504: KindGatewayError,
}

// bodyPattern refines a status-based kind when the response body names a more
// specific condition. Longer patterns win; patterns of three characters or
// fewer never override.
type bodyPattern struct {
	substr string
	kind   Kind
}

var bodyPatterns = []bodyPattern{
	{"maintenance", KindMaintenance},
	{"temporarily unavailable", KindServiceUnavailable},
	{"rate limit", KindRateLimited},
	{"token expired", KindTokenExpired},
	{"invalid token", KindUnauthorized},
	{"insufficient privileges", KindForbidden},
	{"feature not enabled", KindFeatureDisabled},
	{"overloaded", KindOverloaded},
	{"timeout", KindNetworkTimeout},
	{"connection", KindNetworkConnection},
	{"dns", KindNetworkConnection},
}

// userMessages carries the non-technical explanation per kind.
var userMessages = map[Kind]string{
	KindNetworkTimeout:     "The connection to the LMS timed out. Please try again in a few moments.",
	KindNetworkConnection:  "Unable to reach the LMS. Please check your connection and try again.",
	KindServerError:        "The LMS is experiencing technical difficulties. Please try again in a few minutes.",
	KindGatewayError:       "The LMS servers are temporarily unavailable. Please try again shortly.",
	KindServiceUnavailable: "The LMS is temporarily unavailable. Please try again later.",
	KindRateLimited:        "Too many requests to the LMS. Please wait a moment before trying again.",
	KindUnauthorized:       "Authentication failed. Please refresh the page and try again.",
	KindForbidden:          "You don't have permission to perform this action in the LMS.",
	KindTokenExpired:       "Your LMS session has expired. Please refresh the page.",
	KindNotFound:           "The requested LMS content could not be found.",
	KindBadRequest:         "The LMS rejected the request. Please check your input and try again.",
	KindValidationError:    "The LMS rejected the request due to validation errors.",
	KindConflict:           "The change conflicts with existing LMS data. Please refresh and try again.",
	KindMaintenance:        "The LMS is currently undergoing maintenance. Please try again later.",
	KindOverloaded:         "The LMS is experiencing high load. Please try again in a few minutes.",
	KindFeatureDisabled:    "This LMS feature is not enabled for your institution.",
	KindUnknown:            "An unexpected error occurred while communicating with the LMS.",
}

// nonRecoverable lists the kinds where offering a retry to the user is
// pointless without changing the request itself.
var nonRecoverable = map[Kind]struct{}{
	KindForbidden:       {},
	KindNotFound:        {},
	KindBadRequest:      {},
	KindValidationError: {},
	KindFeatureDisabled: {},
}

func isRecoverable(kind Kind) bool {
	_, bad := nonRecoverable[kind]
	return !bad
}
