package job

import "fmt"

// Kind classifies a failure the way the scheduler and ingress need to act on
// it: whether it is retryable, whether it should ever reach a caller
// synchronously, and whether it can degrade the health endpoint.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindTransport        Kind = "transport"
	KindUpstreamRateLimit Kind = "upstream_rate_limited"
	KindUpstreamServer   Kind = "upstream_server_error"
	KindUpstreamClient   Kind = "upstream_client_error"
	KindStore            Kind = "store_error"
	KindCallbackDelivery Kind = "callback_delivery_error"
)

// Error is a structured failure carrying enough context to decide retry
// behavior and to render a result record or an HTTP error body.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	Message  string
	Body     string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s: %s (endpoint=%s status=%d)", e.Kind, e.Message, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error kind should be retried by either the
// transport layer (B) or the job-level scheduler layer (E).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindUpstreamRateLimit, KindUpstreamServer:
		return true
	default:
		return false
	}
}

// Terminal reports whether this error kind ends the job on first occurrence
// with no retry of any kind.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindValidation, KindUpstreamClient:
		return true
	default:
		return false
	}
}
