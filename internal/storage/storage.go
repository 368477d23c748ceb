// Package storage persists session conversation traces as one JSON record
// per session id on local disk.
//
// Records are replaced with a write-to-temp-file then rename sequence, so a
// reader sees either the previous record or the new one, never a partial
// write, and a crash between the two steps leaves the previous record intact.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/logging"
)

var (
	ErrNotFound = errors.New("session record not found")
	ErrDisabled = errors.New("session persistence is disabled")
)

const (
	recordSuffix = ".json"
	tempSuffix   = ".tmp"
	hashedPrefix = "x-"

	// DefaultFolder is the project-local directory used when no folder is configured.
	DefaultFolder = ".agentd/sessions"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// Record is the on-disk form of one session.
type Record struct {
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Trace     []*schema.Message `json:"trace"`
}

// Options configures a SessionStore.
type Options struct {
	// Enabled turns persistence on. When false Save is a no-op and Load fails with ErrDisabled.
	Enabled bool
	// Folder is the directory holding the record files.
	Folder string
}

// SessionStore reads and writes session records.
type SessionStore struct {
	enabled bool
	folder  string

	locks *recordLocks

	now func() time.Time
	// beforeRename runs after the temp file is durable and before it replaces
	// the record. Tests use it to simulate a crash at that point.
	beforeRename func(tmpPath string) error
}

// NewSessionStore creates a store from explicit options.
func NewSessionStore(opts Options) *SessionStore {
	folder := opts.Folder
	if folder == "" {
		folder = DefaultFolder
	}
	return &SessionStore{
		enabled: opts.Enabled,
		folder:  folder,
		locks:   newRecordLocks(),
		now:     time.Now,
	}
}

// Enabled reports whether persistence is on.
func (s *SessionStore) Enabled() bool {
	return s.enabled
}

// Folder returns the storage directory.
func (s *SessionStore) Folder() string {
	return s.folder
}

// Path returns the record file path for a session id. Ids that are not
// plain file-name tokens are hashed so they can never escape the folder.
// The hashed names use the "x-" prefix, so ids with that prefix are always
// hashed too and can never name another session's file.
func (s *SessionStore) Path(sessionID string) string {
	return filepath.Join(s.folder, fileName(sessionID))
}

func fileName(sessionID string) string {
	if safeID.MatchString(sessionID) && !strings.HasPrefix(sessionID, hashedPrefix) {
		return sessionID + recordSuffix
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hashedPrefix + hex.EncodeToString(sum[:])[:32] + recordSuffix
}

// Save writes the full trace for a session, preserving created_at of an
// existing readable record.
func (s *SessionStore) Save(ctx context.Context, sessionID string, trace []*schema.Message) error {
	if !s.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.folder, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	filePath := s.Path(sessionID)

	unlock, err := s.lockRecord(filePath)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now().UTC()
	record := Record{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Trace:     trace,
	}
	if record.Trace == nil {
		record.Trace = []*schema.Message{}
	}
	if prev, err := readRecord(filePath); err == nil && prev.SessionID == sessionID {
		record.CreatedAt = prev.CreatedAt
		if prev.UpdatedAt.After(now) {
			record.UpdatedAt = prev.UpdatedAt
		}
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	tmpPath := filepath.Join(s.folder, ulid.Make().String()+tempSuffix)
	if err := writeFileSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	logging.Debug().
		Str("session_id", sessionID).
		Str("path", filePath).
		Int("messages", len(record.Trace)).
		Msg("Session saved to disk")
	return nil
}

// Load reads the record for a session.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := s.Path(sessionID)
	record, err := readRecord(filePath)
	if err != nil {
		return nil, err
	}
	if record.SessionID != sessionID {
		logging.Warn().
			Str("session_id", sessionID).
			Str("record_session_id", record.SessionID).
			Str("path", filePath).
			Msg("record belongs to another session, ignoring")
		return nil, ErrNotFound
	}
	return record, nil
}

// Delete removes the record for a session. A missing record is not an error.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if !s.enabled {
		return nil
	}

	if _, err := os.Stat(s.folder); os.IsNotExist(err) {
		return nil
	}

	filePath := s.Path(sessionID)
	unlock, err := s.lockRecord(filePath)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	logging.Debug().Str("session_id", sessionID).Msg("Deleted session file")
	return nil
}

// List returns the session ids of all readable records, sorted.
func (s *SessionStore) List(ctx context.Context) ([]string, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}

	entries, err := os.ReadDir(s.folder)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		record, err := readRecord(filepath.Join(s.folder, name))
		if err != nil {
			continue
		}
		ids = append(ids, record.SessionID)
	}
	sort.Strings(ids)
	return ids, nil
}

func readRecord(filePath string) (*Record, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
