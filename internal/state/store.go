package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// ErrNotFound means no record exists for the notebook path.
var ErrNotFound = errors.New("session record not found")

const recordPrefix = "session-"

// Store keeps one PersistedSessionRecord per notebook path in a state
// directory. File names derive from the path's sha256 so any server
// instance resolves the same notebook to the same record.
type Store struct {
	dir string
	log *logger.Logger
}

// NewStore creates the state directory if needed. A leading ~ in dir
// is expanded against the user's home.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	expanded, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: expanded, log: log}, nil
}

// Dir returns the resolved state directory.
func (s *Store) Dir() string { return s.dir }

func expandHome(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
	}
	return dir, nil
}

func (s *Store) recordPath(notebookPath string) string {
	sum := sha256.Sum256([]byte(notebookPath))
	return filepath.Join(s.dir, recordPrefix+hex.EncodeToString(sum[:8])+".json")
}

// Lock returns the advisory lock guarding the notebook's record.
func (s *Store) Lock(notebookPath string) AdvisoryLock {
	return NewFileLock(s.recordPath(notebookPath) + ".lock")
}

// Save writes the record atomically.
func (s *Store) Save(rec *PersistedSessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	path := s.recordPath(rec.NotebookPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}

// Load reads the record for a notebook path.
func (s *Store) Load(notebookPath string) (*PersistedSessionRecord, error) {
	data, err := os.ReadFile(s.recordPath(notebookPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}
	var rec PersistedSessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &rec, nil
}

// Delete removes the record and its lock file. Missing files are fine.
func (s *Store) Delete(notebookPath string) error {
	path := s.recordPath(notebookPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session record: %w", err)
	}
	os.Remove(path + ".lock")
	return nil
}

// ListedRecord is one record file found by List. Record is nil when
// the file could not be parsed; the reaper removes such files.
type ListedRecord struct {
	Path   string
	Record *PersistedSessionRecord
	Err    error
}

// List returns every record file in the state directory.
func (s *Store) List() ([]ListedRecord, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, recordPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}

	listed := make([]ListedRecord, 0, len(matches))
	for _, path := range matches {
		entry := ListedRecord{Path: path}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			entry.Err = err
			listed = append(listed, entry)
			continue
		}
		var rec PersistedSessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			entry.Err = err
		} else {
			entry.Record = &rec
		}
		listed = append(listed, entry)
	}
	return listed, nil
}

// RemoveFile deletes a record file found by List, with its lock file.
func (s *Store) RemoveFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove session record file",
			zap.String("path", path), zap.Error(err))
	}
	os.Remove(path + ".lock")
}
