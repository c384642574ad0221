package proxy

import (
	"fmt"

	"github.com/google/uuid"
)

type RequestType string

const (
	RequestGet            RequestType = "get"
	RequestApply          RequestType = "apply"
	RequestSubscribe      RequestType = "subscribe"
	RequestApplySubscribe RequestType = "applySubscribe"
	RequestUnsubscribe    RequestType = "unsubscribe"
)

// Request is a client->server message. Which fields are set depends on Type.
type Request struct {
	Type           RequestType `json:"type" cbor:"type"`
	Member         string      `json:"member,omitempty" cbor:"member,omitempty"`
	Args           []any       `json:"args,omitempty" cbor:"args,omitempty"`
	SubscriptionID string      `json:"subscriptionId,omitempty" cbor:"subscriptionId,omitempty"`
}

// Validate checks that the tag is known and that the fields it needs are present.
func (r *Request) Validate() error {
	switch r.Type {
	case RequestGet, RequestApply:
		if r.Member == "" {
			return malformedRequest("%s request has no member", r.Type)
		}
	case RequestSubscribe, RequestApplySubscribe:
		if r.Member == "" {
			return malformedRequest("%s request has no member", r.Type)
		}
		if r.SubscriptionID == "" {
			return malformedRequest("%s request for %q has no subscription id", r.Type, r.Member)
		}
	case RequestUnsubscribe:
		if r.SubscriptionID == "" {
			return malformedRequest("unsubscribe request has no subscription id")
		}
	default:
		return malformedRequest("unhandled request type %q", r.Type)
	}
	return nil
}

// kind is the descriptor kind a request type operates on.
func (t RequestType) kind() Kind {
	switch t {
	case RequestGet:
		return KindValue
	case RequestApply:
		return KindFunction
	case RequestSubscribe:
		return KindStream
	case RequestApplySubscribe:
		return KindStreamFactory
	}
	return ""
}

type ResponseType string

const (
	// ResponseResult and ResponseError answer a correlated request.
	ResponseResult ResponseType = "result"
	ResponseError  ResponseType = "error"
	// ResponseNext and ResponseComplete answer a live subscription.
	// A subscription ends with exactly one ResponseComplete or ResponseError.
	ResponseNext     ResponseType = "next"
	ResponseComplete ResponseType = "complete"
)

// Response is a server->client message.
type Response struct {
	Type  ResponseType     `json:"type" cbor:"type"`
	Value any              `json:"value" cbor:"value"`
	Error *SerializedError `json:"error,omitempty" cbor:"error,omitempty"`
}

func resultResponse(v any) *Response { return &Response{Type: ResponseResult, Value: v} }

func nextResponse(v any) *Response { return &Response{Type: ResponseNext, Value: v} }

func completeResponse() *Response { return &Response{Type: ResponseComplete} }

func errorResponse(err error) *Response {
	return &Response{Type: ResponseError, Error: SerializeError(err)}
}

// Envelope is the unit a Transport carries.
//
// Event names the listener the envelope is for: the channel name for requests,
// the correlation id for answers to correlated requests, and the subscription id
// for stream responses.
type Envelope struct {
	Event         string    `json:"event" cbor:"event"`
	CorrelationID string    `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	Request       *Request  `json:"request,omitempty" cbor:"request,omitempty"`
	Response      *Response `json:"response,omitempty" cbor:"response,omitempty"`
}

func (e Envelope) String() string {
	switch {
	case e.Request != nil:
		return fmt.Sprintf("%s request on %q (member=%q correlation=%q subscription=%q)",
			e.Request.Type, e.Event, e.Request.Member, e.CorrelationID, e.Request.SubscriptionID)
	case e.Response != nil:
		return fmt.Sprintf("%s response on %q", e.Response.Type, e.Event)
	}
	return fmt.Sprintf("empty envelope on %q", e.Event)
}

// newID returns a random 128-bit identifier for correlation and subscription ids.
func newID() string {
	return uuid.NewString()
}
