package wire

import (
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := Message{
		MessageID:   NewMessageID(),
		MessageType: "ExpenseEntry",
		TargetApp:   "MAUI_ExpenseTracker",
		Data:        json.RawMessage(`{"amount":120.50}`),
		RequiresAck: true,
	}

	frame, err := NewFrame(KindSendMessage, msg)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if frame.Kind != KindSendMessage {
		t.Fatalf("unexpected kind %q", frame.Kind)
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}

	var got Message
	if err := decoded.Decode(&got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.MessageID != msg.MessageID || got.MessageType != msg.MessageType || got.TargetApp != msg.TargetApp {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.RequiresAck {
		t.Fatal("requiresAck lost in transit")
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := NewFrame(KindHeartbeat, nil)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("expected empty payload, got %s", frame.Payload)
	}

	var hb HeartbeatAck
	if err := frame.Decode(&hb); err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if !hb.ServerTime.IsZero() {
		t.Fatal("decode of empty payload mutated target")
	}
}

func TestNewFrameRejectsUnencodablePayload(t *testing.T) {
	if _, err := NewFrame(KindSendMessage, make(chan int)); err == nil {
		t.Fatal("expected encode error for channel payload")
	}
}

func TestMessageIDsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id := NewMessageID()
		if id == "" {
			t.Fatal("empty message id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate message id %s", id)
		}
		seen[id] = struct{}{}
	}
}
