// Package badgerkv is a BadgerDB-backed substrate for the session cache,
// used when the cache backend is configured as "badger".
package badgerkv

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/matheus3301/convsync/internal/codec"
	"github.com/matheus3301/convsync/internal/model"
)

const (
	valuePrefix = "kv"
	convPrefix  = "conv"
	msgsPrefix  = "msgs"
)

// Store wraps a badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(ns, kind, k string) []byte {
	return []byte(ns + "\x00" + kind + "\x00" + k)
}

func prefix(ns, kind string) []byte {
	return []byte(ns + "\x00" + kind + "\x00")
}

// PutValue stores an opaque value under (ns, k).
func (s *Store) PutValue(ns, k string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(ns, valuePrefix, k), value)
	})
}

// GetValue returns the value under (ns, k), or nil if missing.
func (s *Store) GetValue(ns, k string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ns, valuePrefix, k))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

// DeleteValue removes (ns, k).
func (s *Store) DeleteValue(ns, k string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(ns, valuePrefix, k))
	})
}

// UpsertConversation stores conversation metadata, keeping a known display
// name when the update carries none.
func (s *Store) UpsertConversation(ns string, c model.Conversation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		k := key(ns, convPrefix, c.Key)
		if c.DisplayName == "" {
			if item, err := txn.Get(k); err == nil {
				var prev model.Conversation
				if err := item.Value(func(v []byte) error { return codec.Unmarshal(v, &prev) }); err != nil {
					return err
				}
				c.DisplayName = prev.DisplayName
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		data, err := codec.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
}

// ListConversations returns all conversations for ns ordered by key.
func (s *Store) ListConversations(ns string) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(ns, convPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c model.Conversation
			if err := it.Item().Value(func(v []byte) error { return codec.Unmarshal(v, &c) }); err != nil {
				return err
			}
			convs = append(convs, c)
		}
		return nil
	})
	sort.Slice(convs, func(i, j int) bool { return convs[i].Key < convs[j].Key })
	return convs, err
}

// ReplaceMessages stores the whole message list of one conversation.
func (s *Store) ReplaceMessages(ns, conversationKey string, msgs []model.Message) error {
	data, err := codec.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(ns, msgsPrefix, conversationKey), data)
	})
}

// ListMessages returns the stored message list of one conversation.
func (s *Store) ListMessages(ns, conversationKey string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ns, msgsPrefix, conversationKey))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return codec.Unmarshal(v, &msgs) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return msgs, err
}

// DeleteConversations removes conversation metadata and message lists for ns.
func (s *Store) DeleteConversations(ns string) error {
	return s.dropPrefixes(prefix(ns, convPrefix), prefix(ns, msgsPrefix))
}

// DeleteNamespace removes everything stored for ns.
func (s *Store) DeleteNamespace(ns string) error {
	return s.dropPrefixes([]byte(ns + "\x00"))
}

func (s *Store) dropPrefixes(prefixes ...[]byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, p := range prefixes {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
