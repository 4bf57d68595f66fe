// Package upstream is the outbound half of the broker: building and
// sending the OpenAI-compatible chat-completions request, and mapping
// whatever comes back (success, HTTP error, or transport failure) onto a
// small closed error taxonomy.
package upstream

import (
	"fmt"
	"strings"
)

// Kind discriminates the provider error taxonomy (§4.10). It is a closed
// set mirroring the Python source's exception hierarchy.
type Kind int

const (
	KindAPI Kind = iota
	KindAuthentication
	KindInvalidRequest
	KindRateLimit
	KindOverloaded
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// ProviderError is the single error type every upstream failure is mapped
// onto. It satisfies both error and ratelimit.RateLimitSignal.
type ProviderError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Raw        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Raw }

// IsRateLimited satisfies ratelimit.RateLimitSignal so ExecuteWithRetry can
// type-assert a ProviderError without an import cycle back into upstream.
func (e *ProviderError) IsRateLimited() bool { return e.Kind == KindRateLimit }

func newError(kind Kind, status int, message string, raw error) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, StatusCode: status, Raw: raw}
}

// MapHTTPError maps an upstream HTTP status + response body onto the
// closed error taxonomy (§4.10):
//   - 401 -> Authentication
//   - 429 -> RateLimit
//   - 400/422 -> InvalidRequest
//   - 5xx whose body mentions "overloaded"/"capacity" -> Overloaded
//   - other 5xx -> API(status)
//   - anything else -> API(500)
func MapHTTPError(status int, body string) *ProviderError {
	lower := strings.ToLower(body)
	switch {
	case status == 401:
		return newError(KindAuthentication, status, firstNonEmpty(body, "authentication failed"), nil)
	case status == 429:
		return newError(KindRateLimit, status, firstNonEmpty(body, "rate limited"), nil)
	case status == 400 || status == 422:
		return newError(KindInvalidRequest, status, firstNonEmpty(body, "invalid request"), nil)
	case status >= 500 && status < 600:
		if strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity") {
			return newError(KindOverloaded, status, firstNonEmpty(body, "provider overloaded"), nil)
		}
		return newError(KindAPI, status, firstNonEmpty(body, "provider error"), nil)
	default:
		return newError(KindAPI, 500, firstNonEmpty(body, "an unexpected error occurred"), nil)
	}
}

// MapTransportError wraps a network-level failure (connect refused, DNS,
// timeout, broken pipe) as an API(500) error, preserving the original via
// Unwrap so callers can still test for transience with errors.Is/As.
func MapTransportError(err error) *ProviderError {
	return newError(KindAPI, 500, err.Error(), err)
}

func firstNonEmpty(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// ErrorEnvelope is the Anthropic-shaped error body rendered at the HTTP
// boundary.
type ErrorEnvelope struct {
	Type  string             `json:"type"`
	Error ErrorEnvelopeDetail `json:"error"`
}

type ErrorEnvelopeDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToAnthropicFormat renders the error as the Anthropic-compatible envelope
// used both at the HTTP boundary and inline as a synthetic error text
// block mid-stream.
func (e *ProviderError) ToAnthropicFormat() ErrorEnvelope {
	return ErrorEnvelope{
		Type: "error",
		Error: ErrorEnvelopeDetail{
			Type:    e.Kind.String(),
			Message: e.Message,
		},
	}
}
