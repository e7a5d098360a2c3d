package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent_OrchestratorStep(t *testing.T) {
	env := Envelope{
		Type: EventOrchestratorStep,
		Data: json.RawMessage(`{"phase":"planning","reasoning":"r","output":"o","duration_ms":12,"tokens":10}`),
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	step, ok := ev.(OrchestratorStepEvent)
	if !ok {
		t.Fatalf("expected OrchestratorStepEvent, got %T", ev)
	}
	if step.Step.Phase != "planning" || step.Step.Tokens != 10 || step.Step.DurationMS != 12 {
		t.Errorf("unexpected step: %+v", step.Step)
	}
}

func TestDecodeEvent_UnknownType(t *testing.T) {
	_, err := DecodeEvent(Envelope{Type: "heartbeat"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodeEvent_MissingPayload(t *testing.T) {
	for _, typ := range []EventType{EventOrchestratorStep, EventWorkerStep, EventResponse, EventError} {
		_, err := DecodeEvent(Envelope{Type: typ, Data: json.RawMessage("null")})
		if !errors.Is(err, ErrMissingPayload) {
			t.Errorf("%s: expected ErrMissingPayload, got %v", typ, err)
		}
	}
}

func TestDecodeEvent_PayloadShapeMismatch(t *testing.T) {
	_, err := DecodeEvent(Envelope{Type: EventWorkerStep, Data: json.RawMessage(`{"documents":"nope"}`)})
	if err == nil {
		t.Fatal("expected error for mismatched payload shape")
	}
}

func TestEncodeEvent_ResponseCarriesStats(t *testing.T) {
	data, err := EncodeEvent(ResponseEvent{Payload: ResponsePayload{
		Content: "answer",
		Stats:   &UsageStats{TotalTokens: 40},
	}})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	resp := ev.(ResponseEvent)
	if resp.Payload.Stats == nil || resp.Payload.Stats.TotalTokens != 40 {
		t.Errorf("stats lost: %+v", resp.Payload.Stats)
	}
}

func TestEncodeEvent_StartHasNoData(t *testing.T) {
	data, err := EncodeEvent(StartEvent{})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	if string(data) != `{"type":"start"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(StartEvent{}) || IsTerminal(WorkerStepEvent{}) {
		t.Error("start and worker_step are not terminal")
	}
	if !IsTerminal(ResponseEvent{}) || !IsTerminal(ErrorEvent{}) || !IsTerminal(DoneEvent{}) {
		t.Error("response, error and done are terminal")
	}
}

func TestIsPending(t *testing.T) {
	var pending Message = &PendingMessage{LocalID: "local-1", Role: RoleUser}
	var confirmed Message = &ConfirmedMessage{ID: "local-looking-id", Role: RoleUser}

	if !IsPending(pending) {
		t.Error("PendingMessage should be pending")
	}
	if IsPending(confirmed) {
		t.Error("ConfirmedMessage should not be pending regardless of its id")
	}
}

func TestSendOptions_Normalize(t *testing.T) {
	opts, err := SendOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.AgentMode != AgentModeAuto {
		t.Errorf("expected default mode auto, got %q", opts.AgentMode)
	}

	if _, err := (SendOptions{AgentMode: "turbo"}).Normalize(); err == nil {
		t.Error("expected error for unknown agent mode")
	}
	if _, err := (SendOptions{Attachments: []AttachmentInfo{{Filename: "a.pdf"}}}).Normalize(); err == nil {
		t.Error("expected error for attachment without id")
	}
}

func TestDecodeEvent_FractionalNumbers(t *testing.T) {
	ev, err := DecodeEvent(Envelope{
		Type: EventOrchestratorStep,
		Data: json.RawMessage(`{"phase":"synthesis","duration_ms":12.5,"tokens":7.0}`),
	})
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	step := ev.(OrchestratorStepEvent).Step
	if step.DurationMS != 12.5 || step.Tokens != 7 || step.Phase != "synthesis" {
		t.Errorf("unexpected step: %+v", step)
	}

	ev, err = DecodeEvent(Envelope{
		Type: EventWorkerStep,
		Data: json.RawMessage(`{"task_id":"t1","duration_ms":431.27,"success":true}`),
	})
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if w := ev.(WorkerStepEvent).Step; w.DurationMS != 431.27 || w.TaskID != "t1" {
		t.Errorf("unexpected worker step: %+v", w)
	}

	ev, err = DecodeEvent(Envelope{
		Type: EventResponse,
		Data: json.RawMessage(`{"content":"ok","stats":{"total_tokens":40.0,"orchestrator_tokens":25,"worker_tokens":15.9,"cost_usd":0.01}}`),
	})
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	stats := ev.(ResponseEvent).Payload.Stats
	if stats == nil || *stats != (UsageStats{TotalTokens: 40, OrchestratorTokens: 25, WorkerTokens: 15, CostUSD: 0.01}) {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDecodeEvent_NonNumericTokens(t *testing.T) {
	_, err := DecodeEvent(Envelope{
		Type: EventOrchestratorStep,
		Data: json.RawMessage(`{"phase":"planning","tokens":"lots"}`),
	})
	if err == nil {
		t.Error("expected an error for non-numeric tokens")
	}
}
