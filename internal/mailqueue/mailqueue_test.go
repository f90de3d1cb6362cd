package mailqueue

import (
	"bytes"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
)

func TestAppendRoundTrip(t *testing.T) {
	rec := Record{
		MessageID:   "01HXYZ",
		ReceivedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		From:        "sender@example.com",
		To:          []string{"a@example.com", "b@example.com"},
		Ham:         true,
		Reasons:     []string{"connection used TLS"},
		DeliveredTo: "/var/mail/new/123.R01.mx",
	}

	var buf bytes.Buffer
	if err := Append(&buf, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	dr := msgp.NewReader(&buf)
	var got Record
	if err := got.DecodeMsg(dr); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}

	if got.MessageID != rec.MessageID || got.From != rec.From || got.DeliveredTo != rec.DeliveredTo {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Ham != rec.Ham {
		t.Fatalf("ham mismatch: got %v want %v", got.Ham, rec.Ham)
	}
	if len(got.To) != len(rec.To) || got.To[0] != rec.To[0] || got.To[1] != rec.To[1] {
		t.Fatalf("to mismatch: %+v", got.To)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != rec.Reasons[0] {
		t.Fatalf("reasons mismatch: %+v", got.Reasons)
	}
	if !got.ReceivedAt.Equal(rec.ReceivedAt) {
		t.Fatalf("received_at mismatch: got %v want %v", got.ReceivedAt, rec.ReceivedAt)
	}
}

func TestAppendEmptyRecipients(t *testing.T) {
	rec := Record{MessageID: "id", From: "", To: nil, Ham: false}

	var buf bytes.Buffer
	if err := Append(&buf, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	dr := msgp.NewReader(&buf)
	var got Record
	if err := got.DecodeMsg(dr); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}
	if len(got.To) != 0 {
		t.Fatalf("expected no recipients, got %v", got.To)
	}
}
