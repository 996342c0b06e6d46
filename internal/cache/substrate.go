package cache

import "github.com/matheus3301/convsync/internal/model"

// Substrate is the persistent key-value layer the cache writes through to.
// store.DB and badgerkv.Store both satisfy it.
type Substrate interface {
	PutValue(ns, key string, value []byte) error
	GetValue(ns, key string) ([]byte, error)
	DeleteValue(ns, key string) error
	UpsertConversation(ns string, c model.Conversation) error
	ListConversations(ns string) ([]model.Conversation, error)
	ReplaceMessages(ns, conversationKey string, msgs []model.Message) error
	ListMessages(ns, conversationKey string) ([]model.Message, error)
	DeleteConversations(ns string) error
}

// Keys of the values persisted per participant.
const (
	keyTally    = "tally"
	keyPrefs    = "prefs"
	keyGeometry = "geometry"
	keyStarred  = "starred"
	keyNotices  = "notices"
)
