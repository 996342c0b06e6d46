// Package cache is the session-local store of conversation state.
//
// Every mutation replaces the whole value of one key (a conversation's
// message list, the tally, a setting) inside a short critical section.
// Callers never hold the lock across network calls: they read a snapshot,
// go to the network, then apply a reducer that recomputes the value from
// whatever is current at write time.
package cache

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/codec"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Cache holds conversations, messages, the unread tally and user settings
// for one local participant.
type Cache struct {
	mu     sync.RWMutex
	owner  string
	convs  map[string]model.Conversation
	msgs   map[string][]model.Message
	tally  model.Tally
	active string

	prefs    Preferences
	geometry Geometry
	starred  map[string]bool
	notices  map[string]time.Time

	// persistMu serializes write-through so the last write is always the
	// latest snapshot.
	persistMu sync.Mutex
	sub       Substrate
	logger    *zap.Logger
}

// New creates an empty cache. sub may be nil for a memory-only cache.
func New(sub Substrate, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		convs:  make(map[string]model.Conversation),
		msgs:   make(map[string][]model.Message),
		tally:  model.Tally{},
		prefs:  DefaultPreferences,
		sub:    sub,
		logger: logger,
	}
}

// Owner returns the participant id the cache is scoped to.
func (c *Cache) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Load scopes the cache to owner and hydrates it from the substrate.
// Any state of a previous owner is dropped from memory.
func (c *Cache) Load(owner string) error {
	c.mu.Lock()
	c.owner = owner
	c.convs = make(map[string]model.Conversation)
	c.msgs = make(map[string][]model.Message)
	c.tally = model.Tally{}
	c.active = ""
	c.prefs = DefaultPreferences
	c.geometry = Geometry{}
	c.starred = nil
	c.notices = nil
	c.mu.Unlock()

	if c.sub == nil || owner == "" {
		return nil
	}

	convs, err := c.sub.ListConversations(owner)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	msgs := make(map[string][]model.Message, len(convs))
	for _, conv := range convs {
		list, err := c.sub.ListMessages(owner, conv.Key)
		if err != nil {
			return fmt.Errorf("load messages of %q: %w", conv.Key, err)
		}
		msgs[conv.Key] = list
	}

	var (
		tally    model.Tally
		prefs    = DefaultPreferences
		geometry Geometry
		starred  []string
		notices  map[string]time.Time
	)
	for _, v := range []struct {
		key string
		dst any
	}{
		{keyTally, &tally},
		{keyPrefs, &prefs},
		{keyGeometry, &geometry},
		{keyStarred, &starred},
		{keyNotices, &notices},
	} {
		if err := c.loadValue(owner, v.key, v.dst); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range convs {
		c.convs[conv.Key] = conv
	}
	c.msgs = msgs
	if tally != nil {
		c.tally = tally.Clone()
	}
	c.prefs = prefs
	c.geometry = geometry
	c.starred = make(map[string]bool, len(starred))
	for _, id := range starred {
		c.starred[id] = true
	}
	c.notices = notices

	c.logger.Info("cache loaded",
		zap.String("participant", owner),
		zap.Int("conversations", len(convs)))
	return nil
}

func (c *Cache) loadValue(owner, key string, dst any) error {
	data, err := c.sub.GetValue(owner, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if data == nil {
		return nil
	}
	if err := codec.Unmarshal(data, dst); err != nil {
		// A corrupt value must not block the session; start from defaults.
		c.logger.Warn("discarding unreadable cached value", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Evict drops every conversation, message and the tally, in memory and in
// the substrate. Settings survive. Called on logout.
func (c *Cache) Evict() error {
	c.mu.Lock()
	owner := c.owner
	c.convs = make(map[string]model.Conversation)
	c.msgs = make(map[string][]model.Message)
	c.tally = model.Tally{}
	c.active = ""
	c.mu.Unlock()

	if c.sub == nil || owner == "" {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.sub.DeleteConversations(owner); err != nil {
		return fmt.Errorf("evict conversations: %w", err)
	}
	if err := c.sub.DeleteValue(owner, keyTally); err != nil {
		return fmt.Errorf("evict tally: %w", err)
	}
	return nil
}

// Active returns the key of the open conversation, or "".
func (c *Cache) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SetActive records the open conversation. Only the sync engine calls it.
func (c *Cache) SetActive(key string) {
	c.mu.Lock()
	c.active = key
	c.mu.Unlock()
}

// Messages returns a copy of a conversation's message list.
func (c *Cache) Messages(key string) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.msgs[key])
}

// UpdateMessages replaces a conversation's message list with fn(current).
// fn receives a copy and must not perform I/O. The conversation is created
// if unknown. Returns the stored list.
func (c *Cache) UpdateMessages(key string, fn func([]model.Message) []model.Message) []model.Message {
	c.mu.Lock()
	next := fn(slices.Clone(c.msgs[key]))
	c.msgs[key] = next
	_, known := c.convs[key]
	if !known {
		c.convs[key] = model.Conversation{Key: key}
	}
	conv := c.convs[key]
	c.mu.Unlock()

	if !known {
		c.persistConversation(conv)
	}
	c.persistMessages(key)
	return slices.Clone(next)
}

// EnsureConversation merges metadata for conv.Key, keeping a known display
// name when conv has none. Returns true if the conversation was new.
func (c *Cache) EnsureConversation(conv model.Conversation) bool {
	c.mu.Lock()
	prev, known := c.convs[conv.Key]
	if conv.DisplayName == "" {
		conv.DisplayName = prev.DisplayName
	}
	if !conv.IsGroup && known {
		conv.IsGroup = prev.IsGroup
	}
	if len(conv.Members) == 0 {
		conv.Members = prev.Members
	}
	conv.LastMessage = nil
	conv.UnreadCount = 0
	c.convs[conv.Key] = conv
	c.mu.Unlock()

	c.persistConversation(conv)
	return !known
}

// Conversation returns one conversation with derived fields filled in.
func (c *Cache) Conversation(key string) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.convs[key]
	if !ok {
		return model.Conversation{}, false
	}
	return c.derive(conv), true
}

// Conversations returns every conversation, most recent activity first.
func (c *Cache) Conversations() []model.Conversation {
	c.mu.RLock()
	out := make([]model.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, c.derive(conv))
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Conversation) int {
		at, bt := lastAt(a), lastAt(b)
		if !at.Equal(bt) {
			return bt.Compare(at)
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func lastAt(c model.Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// derive must be called with c.mu held.
func (c *Cache) derive(conv model.Conversation) model.Conversation {
	conv.Members = slices.Clone(conv.Members)
	conv.UnreadCount = c.tally[conv.Key]
	conv.LastMessage = nil
	for _, m := range c.msgs[conv.Key] {
		if conv.LastMessage == nil ||
			m.CreatedAt.After(conv.LastMessage.CreatedAt) ||
			(m.CreatedAt.Equal(conv.LastMessage.CreatedAt) && m.Seq > conv.LastMessage.Seq) {
			last := m
			conv.LastMessage = &last
		}
	}
	return conv
}

// Tally returns a copy of the unread tally.
func (c *Cache) Tally() model.Tally {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tally.Clone()
}

// UpdateTally replaces the tally with fn(current). Negative counts are
// clamped to zero. Returns the previous and the stored tally.
func (c *Cache) UpdateTally(fn func(model.Tally) model.Tally) (prev, next model.Tally) {
	c.mu.Lock()
	prev = c.tally.Clone()
	next = fn(c.tally.Clone()).Clone()
	c.tally = next
	c.mu.Unlock()

	c.persistValue(keyTally, func() any { return c.Tally() })
	return prev, next.Clone()
}

func (c *Cache) persistMessages(key string) {
	owner := c.Owner()
	if c.sub == nil || owner == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.sub.ReplaceMessages(owner, key, c.Messages(key)); err != nil {
		c.logger.Error("failed to persist messages", zap.Error(err), zap.String("conversation", key))
	}
}

func (c *Cache) persistConversation(conv model.Conversation) {
	owner := c.Owner()
	if c.sub == nil || owner == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.sub.UpsertConversation(owner, conv); err != nil {
		c.logger.Error("failed to persist conversation", zap.Error(err), zap.String("conversation", conv.Key))
	}
}

// persistValue encodes snapshot() while holding persistMu so concurrent
// writers cannot store an older value last.
func (c *Cache) persistValue(key string, snapshot func() any) {
	owner := c.Owner()
	if c.sub == nil || owner == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	data, err := codec.Marshal(snapshot())
	if err != nil {
		c.logger.Error("failed to encode cached value", zap.Error(err), zap.String("key", key))
		return
	}
	if err := c.sub.PutValue(owner, key, data); err != nil {
		c.logger.Error("failed to persist cached value", zap.Error(err), zap.String("key", key))
	}
}
