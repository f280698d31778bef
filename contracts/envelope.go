package contracts

import (
	"encoding/json"
	"fmt"
)

// RequestEnvelope is the body sent on the request queue
type RequestEnvelope struct {
	RequestID string          `json:"requestId"`
	ReplyTo   string          `json:"replyTo"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRequestEnvelope encodes payload into a request envelope
func NewRequestEnvelope(requestID, replyTo string, payload any) (*RequestEnvelope, error) {
	raw, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}
	return &RequestEnvelope{
		RequestID: requestID,
		ReplyTo:   replyTo,
		Payload:   raw,
	}, nil
}

// ResponseEnvelope is the body sent on a reply destination
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Stack         string          `json:"stack,omitempty"`
}

// Outcome returns the tagged outcome carried by the envelope
func (r *ResponseEnvelope) Outcome() Outcome {
	if r.Success {
		return Success(r.Data)
	}
	return Fail(r.Error, r.Stack)
}

// DecodeRequest parses a request envelope body
func DecodeRequest(body []byte) (*RequestEnvelope, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// DecodeResponse parses a response envelope body
func DecodeResponse(body []byte) (*ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

func encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	}
	return json.Marshal(v)
}
