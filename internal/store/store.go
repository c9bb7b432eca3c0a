// Package store persists the resumable session record and the audit log as
// files under the state directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// ErrNotFound is returned when no session record exists.
var ErrNotFound = errors.New("not found")

const (
	sessionFile = "session.json"
	auditFile   = "audit.jsonl"
)

// Store is a file-backed store rooted at one directory. The session record
// is a single JSON file overwritten wholesale; the audit log is append-only
// JSONL.
type Store struct {
	dir  string
	lock *FileLock
	log  zerolog.Logger

	auditMu sync.Mutex
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir:  dir,
		lock: NewFileLock(filepath.Join(dir, sessionFile)),
		log:  logging.Component("store"),
	}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// SaveSession overwrites the session record. The write is atomic: temp file
// then rename, under an exclusive file lock.
func (s *Store) SaveSession(rec types.SessionRecord) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	path := filepath.Join(s.dir, sessionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session record: %w", err)
	}

	event.Publish(event.Event{
		Type: event.SessionSaved,
		Data: event.SessionSavedData{Record: rec},
	})
	return nil
}

// LoadSession reads the session record.
func (s *Store) LoadSession() (types.SessionRecord, error) {
	var rec types.SessionRecord

	data, err := os.ReadFile(filepath.Join(s.dir, sessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("read session record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal session record: %w", err)
	}
	return rec, nil
}

// ClearSession removes the session record. Removing a record that does not
// exist is not an error.
func (s *Store) ClearSession() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.Remove(filepath.Join(s.dir, sessionFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session record: %w", err)
	}
	event.Publish(event.Event{Type: event.SessionCleared})
	return nil
}

// Audit appends one audit record. Fire-and-forget: failures are logged,
// never propagated.
func (s *Store) Audit(rec types.AuditRecord) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, auditFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit open failed")
		return
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit marshal failed")
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("audit write failed")
	}
}
