package store

import (
	"database/sql"
	"time"
)

// PutValue stores an opaque value under (ns, key), replacing any previous one.
func (db *DB) PutValue(ns, key string, value []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		ns, key, value, now)
	return err
}

// GetValue returns the value under (ns, key), or nil if it does not exist.
func (db *DB) GetValue(ns, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, ns, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteValue removes (ns, key). Missing keys are not an error.
func (db *DB) DeleteValue(ns, key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, ns, key)
	return err
}
