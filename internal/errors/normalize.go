package errors

import (
	"encoding/json"
	"net/http"
)

// Fixed errors with pre-serialized bodies.
var (
	ErrUpstreamRateLimited = &BrokerError{
		Kind:    KindUpstreamRateLimit,
		Message: "upstream rate limit exceeded",
		Details: "the target service is overloaded, retry later",
	}

	ErrInternal = &BrokerError{
		Kind:    KindUnclassified,
		Message: "unexpected broker error",
	}

	ErrMissingClientHeader = &BrokerError{
		Kind:    KindBadRequest,
		Message: "missing client identity header",
	}

	ErrRequestTooLarge = &BrokerError{
		Kind:    KindRequestTooLarge,
		Message: "request body too large",
	}
)

// preSerialized holds JSON-encoded bytes for the fixed error singletons.
var preSerialized map[*BrokerError][]byte

func init() {
	bases := []*BrokerError{
		ErrUpstreamRateLimited, ErrInternal, ErrMissingClientHeader, ErrRequestTooLarge,
	}
	preSerialized = make(map[*BrokerError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// Normalize maps any failure to the error that is shown to the caller.
// Unclassified failures lose their message and details; the original error
// is only meant for the logs.
func Normalize(err error) *BrokerError {
	be, ok := AsBrokerError(err)
	if !ok || be.Kind == KindUnclassified {
		return ErrInternal
	}
	if be.Kind == KindUpstreamRateLimit {
		return ErrUpstreamRateLimited
	}
	return be
}

// WriteJSON writes the error as JSON to the response.
// Fixed errors without a request ID use their pre-serialized body.
func (e *BrokerError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(OriginHeader, OriginBroker)
	w.WriteHeader(e.Kind.Status())
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Write normalizes err and writes it with the given request ID.
func Write(w http.ResponseWriter, err error, requestID string) {
	be := Normalize(err)
	if requestID != "" {
		be = be.WithRequestID(requestID)
	}
	be.WriteJSON(w)
}
