// Package store persists OAuth authorization state and sessions as opaque
// JSON blobs keyed by string. It never interprets the payloads.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by Get and Claim when no row exists for the key.
var ErrNotFound = errors.New("not found")

type AuthState struct {
	Key       string `gorm:"primaryKey;column:key"`
	StateJSON string `gorm:"column:state_json"`
	CreatedAt time.Time
}

func (AuthState) TableName() string { return "auth_state" }

type AuthSession struct {
	Key         string `gorm:"primaryKey;column:key"`
	SessionJSON string `gorm:"column:session_json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AuthSession) TableName() string { return "auth_session" }

// NewDB opens the sqlite database at path and migrates the auth tables.
// The `:memory:` sentinel yields an ephemeral database.
func NewDB(path string) (*gorm.DB, error) {
	if path == ":memory:" {
		// a plain :memory: path gives every pooled connection its own db
		path = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database at %s: %w", path, err)
	}

	if err := db.AutoMigrate(&AuthState{}, &AuthSession{}); err != nil {
		return nil, fmt.Errorf("could not migrate auth tables: %w", err)
	}

	return db, nil
}

// StateStore holds in-flight authorization attempts, keyed by the state
// token generated at authorize time.
type StateStore struct {
	db *gorm.DB
}

func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

func (s *StateStore) Get(ctx context.Context, key string) (*AuthState, error) {
	var row AuthState
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *StateStore) Set(ctx context.Context, key, value string) error {
	row := AuthState{Key: key, StateJSON: value, CreatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_json", "created_at"}),
	}).Create(&row).Error
}

func (s *StateStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&AuthState{}, "key = ?", key).Error
}

// Claim reads and deletes the row for key as a single-use take. When two
// callbacks race on the same state, the delete's affected-row count decides
// the winner; the loser gets ErrNotFound.
func (s *StateStore) Claim(ctx context.Context, key string) (*AuthState, error) {
	row, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Delete(&AuthState{}, "key = ?", key)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	return row, nil
}

// SessionStore holds long-lived OAuth sessions, keyed by DID. Last writer
// wins.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(ctx context.Context, key string) (string, error) {
	var row AuthSession
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return row.SessionJSON, nil
}

func (s *SessionStore) Set(ctx context.Context, key, value string) error {
	row := AuthSession{Key: key, SessionJSON: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_json", "updated_at"}),
	}).Create(&row).Error
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&AuthSession{}, "key = ?", key).Error
}
