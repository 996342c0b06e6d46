package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

func TestMessageRoundTripKeepsTimeAndAttachment(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	in := []model.Message{{
		ID: "m1", ConversationKey: "u2", SenderID: "u1", ReceiverID: "u2",
		Content: "hi", CreatedAt: created, State: model.Sent, Seq: 4,
		Attachment: &model.Attachment{Name: "a.png", Size: 10, MediaType: "image/png", URL: "https://x/a.png"},
	}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out []model.Message
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if !out[0].CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", out[0].CreatedAt, created)
	}
	if out[0].Attachment == nil || out[0].Attachment.URL != "https://x/a.png" {
		t.Errorf("attachment = %+v", out[0].Attachment)
	}
	if out[0].Seq != 4 || out[0].State != model.Sent {
		t.Errorf("seq/state = %d/%s, want 4/sent", out[0].Seq, out[0].State)
	}
}

// TestDeterministicEncoding verifies map ordering does not leak into the
// persisted bytes.
func TestDeterministicEncoding(t *testing.T) {
	tally := model.Tally{"a": 1, "b": 2, "c": 3, "d": 4}
	first, err := Marshal(tally)
	if err != nil {
		t.Fatal(err)
	}
	for range 20 {
		again, err := Marshal(tally.Clone())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}
