package contracts

import "encoding/json"

// Outcome is the result of handling one request: either Success with data
// or Failure with a message and trace. The zero value is a successful null.
type Outcome struct {
	data    json.RawMessage
	failure *Failure
}

// Failure describes a handler failure as it travels on the wire
type Failure struct {
	Message string
	Trace   string
}

// Success builds a successful outcome
func Success(data json.RawMessage) Outcome {
	return Outcome{data: data}
}

// SuccessValue encodes v and builds a successful outcome. An encoding error
// turns into a failure outcome so a reply can still be sent.
func SuccessValue(v any) Outcome {
	raw, err := encode(v)
	if err != nil {
		return Fail("failed to encode handler result: "+err.Error(), "")
	}
	return Success(raw)
}

// Fail builds a failure outcome
func Fail(message, trace string) Outcome {
	return Outcome{failure: &Failure{Message: message, Trace: trace}}
}

// IsSuccess reports whether this is a Success outcome
func (o Outcome) IsSuccess() bool {
	return o.failure == nil
}

// Data returns the success data, nil for failures
func (o Outcome) Data() json.RawMessage {
	if o.failure != nil {
		return nil
	}
	return o.data
}

// Failure returns the failure detail, nil for successes
func (o Outcome) Failure() *Failure {
	return o.failure
}

// Response builds the wire envelope for this outcome
func (o Outcome) Response(correlationID string) *ResponseEnvelope {
	if o.failure != nil {
		return &ResponseEnvelope{
			CorrelationID: correlationID,
			Success:       false,
			Error:         o.failure.Message,
			Stack:         o.failure.Trace,
		}
	}
	data := o.data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Success:       true,
		Data:          data,
	}
}

// Err converts a failure outcome into the error a caller receives
func (o Outcome) Err(requestID string) error {
	if o.failure == nil {
		return nil
	}
	return &RemoteError{
		RequestID: requestID,
		Message:   o.failure.Message,
		Stack:     o.failure.Trace,
	}
}
