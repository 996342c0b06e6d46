package model

import (
	"strings"
	"time"
)

// TempIDPrefix marks a message id that was generated locally and has not yet
// been acknowledged by the server.
const TempIDPrefix = "tmp-"

// DeliveryState is the delivery status of a message.
type DeliveryState string

const (
	Sending   DeliveryState = "sending"
	Sent      DeliveryState = "sent"
	Delivered DeliveryState = "delivered"
	Read      DeliveryState = "read"
	Failed    DeliveryState = "failed"
)

// rank orders the server-side states so a merge never downgrades a message.
// Local-only states rank below every acknowledged one.
func (s DeliveryState) rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	default:
		return 0
	}
}

// Settled reports whether the state was assigned by the server.
func (s DeliveryState) Settled() bool {
	return s.rank() > 0
}

// MaxState returns the more advanced of two server-side states.
func MaxState(a, b DeliveryState) DeliveryState {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Attachment references a binary payload. Exactly one of URL or LocalPath is set:
// URL once the server stores it, LocalPath while it still has to be uploaded.
type Attachment struct {
	Name      string `cbor:"name" json:"name"`
	Size      int64  `cbor:"size" json:"size"`
	MediaType string `cbor:"media_type" json:"mediaType"`
	URL       string `cbor:"url,omitempty" json:"url,omitempty"`
	LocalPath string `cbor:"local_path,omitempty" json:"-"`
}

// IsLocal reports whether the attachment has not been uploaded yet.
func (a *Attachment) IsLocal() bool {
	return a != nil && a.URL == "" && a.LocalPath != ""
}

// Message is a single conversation entry.
type Message struct {
	ID              string        `cbor:"id"`
	ClientID        string        `cbor:"client_id,omitempty"`
	ConversationKey string        `cbor:"conversation_key"`
	SenderID        string        `cbor:"sender_id"`
	ReceiverID      string        `cbor:"receiver_id"`
	Content         string        `cbor:"content,omitempty"`
	Attachment      *Attachment   `cbor:"attachment,omitempty"`
	CreatedAt       time.Time     `cbor:"created_at"`
	State           DeliveryState `cbor:"state"`
	// Rejected marks a Failed message the backend refused for good, such as
	// one addressed to an unknown recipient. It cannot be retried.
	Rejected bool `cbor:"rejected,omitempty"`
	// Seq is the local arrival order. It breaks CreatedAt ties and is never
	// sent to the server.
	Seq int64 `cbor:"seq"`
}

// IsProvisional reports whether the message still carries a temporary id.
func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Conversation is a peer or group thread.
type Conversation struct {
	Key         string   `cbor:"key"`
	DisplayName string   `cbor:"display_name"`
	IsGroup     bool     `cbor:"is_group"`
	Members     []string `cbor:"members,omitempty"`

	// Derived on read; never persisted.
	LastMessage *Message `cbor:"-"`
	UnreadCount int      `cbor:"-"`
}

// Tally maps a sender (conversation key) to its unread count.
type Tally map[string]int

// Total sums all counts.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// Clone returns a copy with negative entries clamped to zero.
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for k, v := range t {
		if v < 0 {
			v = 0
		}
		out[k] = v
	}
	return out
}
