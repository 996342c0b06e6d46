package bus

import (
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Kind names an event type on the bus.
type Kind string

const (
	// All subscribes to every kind.
	All Kind = "*"

	Read            Kind = "read"
	CountChanged    Kind = "countChanged"
	UsersLoaded     Kind = "usersLoaded"
	MessageSent     Kind = "messageSent"
	MessagesChanged Kind = "messagesChanged"
	SendFailed      Kind = "sendFailed"
	Typing          Kind = "typing"
	Presence        Kind = "presence"
	PushState       Kind = "pushState"
)

// Event represents a state change published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// ReadPayload is published after a conversation was marked read.
type ReadPayload struct {
	SenderID string
}

// CountPayload carries the updated count for one sender and the new total.
type CountPayload struct {
	SenderID string
	Count    int
	Total    int
}

// UsersPayload lists the conversations known after a contact fetch.
type UsersPayload struct {
	Conversations []model.Conversation
}

// MessagePayload carries a single message.
type MessagePayload struct {
	Message model.Message
}

// ConversationPayload names a conversation whose message list was replaced.
type ConversationPayload struct {
	ConversationKey string
}

// SendFailedPayload describes a failed send.
type SendFailedPayload struct {
	Message model.Message
	Err     string
}

// TypingPayload is relayed from the push transport.
type TypingPayload struct {
	UserID string
	Typing bool
}

// PresencePayload is relayed from the push transport.
type PresencePayload struct {
	UserID string
	Status string
}
