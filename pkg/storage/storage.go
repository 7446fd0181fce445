package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/log"
)

const (
	snapshotsDir   = "snapshots"
	backupsDir     = "backups"
	snapshotPrefix = "snapshot-"
	sessionPrefix  = "session-"
	txnLogFile     = "txnlog.json"
	historyFile    = "history.db"
	corruptSuffix  = ".corrupt"

	// Consecutive write failures before the store escalates from
	// degraded to read-only.
	readOnlyAfter = 3
)

// AlarmFunc is invoked when the store changes mode after write failures.
// mode is "degraded" or "read-only".
type AlarmFunc func(mode string, cause error)

// FileStore is the durable layer under all Gantry persistence. Every
// artifact is a JSON file under a single root directory:
//
//	<root>/snapshots/snapshot-<uuid>.json
//	<root>/session-<uuid>.json
//	<root>/txnlog.json
//	<root>/backups/<id>.backup.json
//	<root>/history.db
//
// Writes go through atomic rename so a crash never leaves a partial file.
// Write failures flip the store into degraded mode; repeated failures
// escalate to read-only. Both clear on the next successful write.
type FileStore struct {
	root   string
	logger zerolog.Logger

	mu       sync.RWMutex
	failures int
	degraded bool
	readOnly bool
	alarm    AlarmFunc
}

// NewFileStore opens (creating if needed) the persistence root
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, snapshotsDir), filepath.Join(root, backupsDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{
		root:   root,
		logger: log.WithComponent("storage"),
	}, nil
}

// Root returns the persistence root directory
func (s *FileStore) Root() string {
	return s.root
}

// SetAlarm registers the mode-change callback. The engine uses it to
// publish store-degraded events.
func (s *FileStore) SetAlarm(fn AlarmFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarm = fn
}

// Path helpers

// SnapshotPath returns the file path for a snapshot id
func (s *FileStore) SnapshotPath(id string) string {
	return filepath.Join(s.root, snapshotsDir, snapshotPrefix+id+".json")
}

// SessionPath returns the file path for a session id
func (s *FileStore) SessionPath(id string) string {
	return filepath.Join(s.root, sessionPrefix+id+".json")
}

// TxnLogPath returns the transaction log file path
func (s *FileStore) TxnLogPath() string {
	return filepath.Join(s.root, txnLogFile)
}

// BackupPath returns the file path for a backup id
func (s *FileStore) BackupPath(id string) string {
	return filepath.Join(s.root, backupsDir, id+".backup.json")
}

// HistoryPath returns the execution history database path
func (s *FileStore) HistoryPath() string {
	return filepath.Join(s.root, historyFile)
}

// WriteAtomic writes data to path via a temp file and rename. The file
// is durable before rename, so readers never observe partial content.
func (s *FileStore) WriteAtomic(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		s.recordWriteFailure(err)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	s.recordWriteSuccess()
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically
func (s *FileStore) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return s.WriteAtomic(path, data)
}

// ReadFile reads path, transparently decompressing gzip content
func (s *FileStore) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream for %s: %w", filepath.Base(path), err)
		}
		defer zr.Close()

		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", filepath.Base(path), err)
		}
		return out, nil
	}
	return data, nil
}

// ReadJSON reads path (decompressing if needed) and unmarshals into v
func (s *FileStore) ReadJSON(path string, v any) error {
	data, err := s.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Exists reports whether path exists
func (s *FileStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Copy duplicates src to dst byte for byte, through the same atomic
// write path as everything else. Compressed files stay compressed.
func (s *FileStore) Copy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(src), err)
	}
	return s.WriteAtomic(dst, data)
}

// Delete removes path; missing files are not an error
func (s *FileStore) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Quarantine renames a corrupt file out of the way so recovery can
// proceed without it, keeping the bytes for inspection
func (s *FileStore) Quarantine(path string) error {
	target := path + corruptSuffix
	if s.Exists(target) {
		target = fmt.Sprintf("%s.%d%s", path, time.Now().UnixNano(), corruptSuffix)
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", filepath.Base(path), err)
	}
	s.logger.Warn().
		Str("file", filepath.Base(path)).
		Str("quarantined_as", filepath.Base(target)).
		Msg("Quarantined corrupt file")
	return nil
}

// ListSnapshots returns all snapshot ids on disk, sorted
func (s *FileStore) ListSnapshots() ([]string, error) {
	return s.listIDs(filepath.Join(s.root, snapshotsDir), snapshotPrefix, ".json")
}

// ListSessions returns all persisted session ids, sorted
func (s *FileStore) ListSessions() ([]string, error) {
	return s.listIDs(s.root, sessionPrefix, ".json")
}

// ListBackups returns all backup ids, sorted
func (s *FileStore) ListBackups() ([]string, error) {
	return s.listIDs(filepath.Join(s.root, backupsDir), "", ".backup.json")
}

func (s *FileStore) listIDs(dir, prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.Contains(name, corruptSuffix) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Compress gzips data for snapshot bodies
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Mode accessors

// Degraded reports whether the last write attempt failed
func (s *FileStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// ReadOnly reports whether repeated write failures have escalated the
// store to read-only. The engine refuses new submissions in this mode.
func (s *FileStore) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

func (s *FileStore) recordWriteFailure(cause error) {
	s.mu.Lock()
	s.failures++
	var fired []string
	if !s.degraded {
		s.degraded = true
		fired = append(fired, "degraded")
	}
	if s.failures >= readOnlyAfter && !s.readOnly {
		s.readOnly = true
		fired = append(fired, "read-only")
	}
	alarm := s.alarm
	failures := s.failures
	s.mu.Unlock()

	s.logger.Error().
		Err(cause).
		Int("consecutive_failures", failures).
		Msg("Persistence write failed")

	if alarm != nil {
		for _, mode := range fired {
			alarm(mode, cause)
		}
	}
}

func (s *FileStore) recordWriteSuccess() {
	s.mu.Lock()
	recovered := s.degraded || s.readOnly
	s.failures = 0
	s.degraded = false
	s.readOnly = false
	s.mu.Unlock()

	if recovered {
		s.logger.Info().Msg("Persistence recovered, leaving degraded mode")
	}
}
