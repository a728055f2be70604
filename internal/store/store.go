// Package store persists per-session state as a key-value table.
//
// Each session owns three keys: "session" holds the SessionState JSON
// snapshot, "dbSiteUrl" and "bearerToken" hold the control-plane
// coordinates used to act on behalf of the session's user.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/agentrelay/internal/crypto"
	"github.com/obot-platform/agentrelay/internal/model"
)

// Well-known keys.
const (
	KeySession     = "session"
	KeyDBSiteURL   = "dbSiteUrl"
	KeyBearerToken = "bearerToken"
)

// ErrNotFound indicates the requested key has no value.
var ErrNotFound = errors.New("store: key not found")

// Record is one row of the durable KV table.
type Record struct {
	SessionID string `gorm:"primaryKey;column:session_id"`
	Key       string `gorm:"primaryKey;column:key"`
	Value     string `gorm:"column:value"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

// TableName overrides gorm's pluralized default.
func (Record) TableName() string {
	return "session_kv"
}

// Store wraps the database with session-scoped get/put operations.
type Store struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// New migrates the KV table and returns a store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate session_kv: %w", err)
	}
	return &Store{db: db}, nil
}

// UseSealer enables encryption at rest for values written through
// PutSecret. Without a sealer secrets are stored in plaintext.
func (s *Store) UseSealer(sealer *crypto.Sealer) {
	s.sealer = sealer
}

// Put writes a value, replacing any existing one.
func (s *Store) Put(sessionID, key, value string) error {
	rec := Record{
		SessionID: sessionID,
		Key:       key,
		Value:     value,
		UpdatedAt: model.NowMillis(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// Get reads a value. Returns ErrNotFound when the key has never been
// written.
func (s *Store) Get(sessionID, key string) (string, error) {
	var rec Record
	err := s.db.Where("session_id = ? AND key = ?", sessionID, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", sessionID, key, err)
	}
	return rec.Value, nil
}

// PutSecret writes a value, sealing it first when a sealer is
// configured.
func (s *Store) PutSecret(sessionID, key, value string) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s/%s: %w", sessionID, key, err)
		}
		value = sealed
	}
	return s.Put(sessionID, key, value)
}

// GetSecret reads a value written by PutSecret.
func (s *Store) GetSecret(sessionID, key string) (string, error) {
	value, err := s.Get(sessionID, key)
	if err != nil {
		return "", err
	}
	if s.sealer != nil {
		opened, err := s.sealer.Open(value)
		if err != nil {
			return "", fmt.Errorf("unseal %s/%s: %w", sessionID, key, err)
		}
		return opened, nil
	}
	return value, nil
}

// PutState writes the full session snapshot under the "session" key.
func (s *Store) PutState(state *model.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return s.Put(state.SessionID, KeySession, string(data))
}

// GetState loads the session snapshot. Returns ErrNotFound when the
// session has never been persisted.
func (s *Store) GetState(sessionID string) (*model.SessionState, error) {
	value, err := s.Get(sessionID, KeySession)
	if err != nil {
		return nil, err
	}
	var state model.SessionState
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	return &state, nil
}

// DeleteSession removes all keys belonging to a session.
func (s *Store) DeleteSession(sessionID string) error {
	err := s.db.Where("session_id = ?", sessionID).Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
