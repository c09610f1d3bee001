package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a broker failure. Every failure that reaches a client is
// mapped from its kind by Normalize.
type Kind int

const (
	KindUnclassified Kind = iota
	KindBadRequest
	KindNoRoute
	KindUnknownClient
	KindUnauthorizedAPI
	KindRequestTooLarge
	KindUpstreamAuth
	KindUpstreamRateLimit
	KindUpstreamConnection
	KindUpstreamTimeout
)

var kindNames = map[Kind]string{
	KindUnclassified:       "unclassified",
	KindBadRequest:         "bad_request",
	KindNoRoute:            "no_route",
	KindUnknownClient:      "unknown_client",
	KindUnauthorizedAPI:    "unauthorized_api",
	KindRequestTooLarge:    "request_too_large",
	KindUpstreamAuth:       "upstream_auth",
	KindUpstreamRateLimit:  "upstream_rate_limit",
	KindUpstreamConnection: "upstream_connection",
	KindUpstreamTimeout:    "upstream_timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnclassified]
}

// Status returns the HTTP status code sent to the caller for this kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest, KindNoRoute:
		return http.StatusBadRequest
	case KindUnknownClient, KindUnauthorizedAPI:
		return http.StatusForbidden
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamAuth:
		return http.StatusBadGateway
	case KindUpstreamRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamConnection, KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Origin header values. Every response leaving the broker carries one so
// callers can tell broker rejections from upstream ones.
const (
	OriginHeader   = "X-Broker-Origin"
	OriginBroker   = "broker"
	OriginUpstream = "upstream"
)

// BrokerError is a failure raised by one of the broker components.
type BrokerError struct {
	Kind       Kind
	Message    string
	Details    string
	RequestID  string
	underlying error
}

func (e *BrokerError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *BrokerError) Unwrap() error {
	return e.underlying
}

// New creates a new BrokerError
func New(kind Kind, message string) *BrokerError {
	return &BrokerError{
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a kind and a caller-facing message
func Wrap(err error, kind Kind, message string) *BrokerError {
	return &BrokerError{
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *BrokerError) WithDetails(details string) *BrokerError {
	return &BrokerError{
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *BrokerError) WithRequestID(requestID string) *BrokerError {
	return &BrokerError{
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

type wireError struct {
	Origin    string `json:"origin"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Details   string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// MarshalJSON adds the origin and kind fields to the body.
func (e *BrokerError) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{
		Origin:    OriginBroker,
		Kind:      e.Kind.String(),
		Message:   e.Message,
		Details:   e.Details,
		RequestID: e.RequestID,
	})
}

// KindOf reports the kind of err. Errors that are not BrokerErrors are
// unclassified.
func KindOf(err error) Kind {
	var be *BrokerError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindUnclassified
}

// AsBrokerError extracts a BrokerError from the chain.
func AsBrokerError(err error) (*BrokerError, bool) {
	var be *BrokerError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}
