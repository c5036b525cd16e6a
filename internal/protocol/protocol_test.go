package protocol

import (
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"message_read","message_id":"m1","read_at":"2026-01-25T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type != TypeMessageRead || ev.MessageID != "m1" || ev.ReadAt == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeEventUnknownTypeIsNotAnError(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"typing","chat_id":"c1"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type != "typing" {
		t.Fatalf("Type = %q", ev.Type)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"message_id":"m1"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("DecodeEvent err = %v, want ErrMissingType", err)
	}
	if _, err := DecodeSendMessage([]byte(`{"content":"hi"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("DecodeSendMessage err = %v, want ErrMissingType", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected JSON error")
	}
}
