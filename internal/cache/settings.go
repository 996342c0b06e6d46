package cache

import (
	"maps"
	"slices"
	"time"
)

// Preferences are the user's messaging widget settings.
type Preferences struct {
	Mute     bool   `cbor:"mute"`
	Sound    bool   `cbor:"sound"`
	Theme    string `cbor:"theme"`
	FontSize int    `cbor:"font_size"`
}

// DefaultPreferences is used until the user changes anything.
var DefaultPreferences = Preferences{Sound: true, Theme: "light", FontSize: 14}

// Geometry is the last position and size of the messaging widget.
type Geometry struct {
	X      int `cbor:"x"`
	Y      int `cbor:"y"`
	Width  int `cbor:"w"`
	Height int `cbor:"h"`
}

// Preferences returns the current preferences.
func (c *Cache) Preferences() Preferences {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefs
}

// SetPreferences replaces the preferences.
func (c *Cache) SetPreferences(p Preferences) {
	c.mu.Lock()
	c.prefs = p
	c.mu.Unlock()
	c.persistValue(keyPrefs, func() any { return c.Preferences() })
}

// Geometry returns the last widget geometry.
func (c *Cache) Geometry() Geometry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geometry
}

// SetGeometry replaces the widget geometry.
func (c *Cache) SetGeometry(g Geometry) {
	c.mu.Lock()
	c.geometry = g
	c.mu.Unlock()
	c.persistValue(keyGeometry, func() any { return c.Geometry() })
}

// SetStarred stars or unstars a message id.
func (c *Cache) SetStarred(messageID string, starred bool) {
	c.mu.Lock()
	next := maps.Clone(c.starred)
	if next == nil {
		next = make(map[string]bool)
	}
	if starred {
		next[messageID] = true
	} else {
		delete(next, messageID)
	}
	c.starred = next
	c.mu.Unlock()
	c.persistValue(keyStarred, func() any { return c.Starred() })
}

// IsStarred reports whether messageID is starred.
func (c *Cache) IsStarred(messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.starred[messageID]
}

// Starred returns the starred message ids in sorted order.
func (c *Cache) Starred() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.starred))
}

// MarkNoticeRead records that the local participant has read noticeID.
func (c *Cache) MarkNoticeRead(noticeID string, at time.Time) {
	c.mu.Lock()
	next := maps.Clone(c.notices)
	if next == nil {
		next = make(map[string]time.Time)
	}
	if _, ok := next[noticeID]; !ok {
		next[noticeID] = at.UTC()
	}
	c.notices = next
	c.mu.Unlock()
	c.persistValue(keyNotices, func() any {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.notices
	})
}

// NoticeReadAt returns when noticeID was first read.
func (c *Cache) NoticeReadAt(noticeID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.notices[noticeID]
	return at, ok
}
