package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is returned for a fragment whose tag is not a protocol event.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingPayload is returned when a tag that needs a payload has none.
	ErrMissingPayload = errors.New("missing event payload")
)

// DecodeEvent maps an envelope onto the concrete event for its tag.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventStart:
		return StartEvent{}, nil

	case EventDone:
		return DoneEvent{}, nil

	case EventOrchestratorStep:
		var step OrchestratorStep
		if err := unmarshalData(env.Data, &step); err != nil {
			return nil, err
		}
		return OrchestratorStepEvent{Step: step}, nil

	case EventWorkerStep:
		var step WorkerStep
		if err := unmarshalData(env.Data, &step); err != nil {
			return nil, err
		}
		return WorkerStepEvent{Step: step}, nil

	case EventResponse:
		var payload ResponsePayload
		if err := unmarshalData(env.Data, &payload); err != nil {
			return nil, err
		}
		return ResponseEvent{Payload: payload}, nil

	case EventError:
		var payload ErrorPayload
		if err := unmarshalData(env.Data, &payload); err != nil {
			return nil, err
		}
		return ErrorEvent{Message: payload.Message}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// EncodeEvent renders ev as a JSON envelope, the inverse of DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case StartEvent, DoneEvent:
	case OrchestratorStepEvent:
		data = e.Step
	case WorkerStepEvent:
		data = e.Step
	case ResponseEvent:
		data = e.Payload
	case ErrorEvent:
		data = ErrorPayload{Message: e.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	env := struct {
		Type EventType `json:"type"`
		Data any       `json:"data,omitempty"`
	}{Type: ev.EventType(), Data: data}
	return json.Marshal(env)
}
