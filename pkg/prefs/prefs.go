// Package prefs implements the durable key/value store backing update
// checkpoints and attempt counters. Each key is one small file in the
// state directory, replaced atomically so a crash never leaves a
// half-written value behind.
package prefs

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/nimbleos/otad/pkg/errors"
)

// Keys persisted across attempts and reboots.
const (
	KeyPayloadAttemptNumber      = "payload_attempt_number"
	KeyNumReboots                = "num_reboots"
	KeySystemUpdatedMarker       = "system_updated_marker"
	KeyUpdateTimestampStart      = "update_timestamp_start"
	KeyUpdateBootTimestampStart  = "update_boot_timestamp_start"
	KeyCurrentBytesDownloaded    = "current_bytes_downloaded"
	KeyTotalBytesDownloaded      = "total_bytes_downloaded"
	KeyBootID                    = "boot_id"
	KeyPreviousVersion           = "previous_version"
	KeyUpdateCompletedMarker     = "update_completed_marker"
	KeyNextOperationIndex        = "next_operation_index"
	KeyResumedPayloadFingerprint = "resumed_payload_fingerprint"
	KeyManifestMetadataSize      = "manifest_metadata_size"
	KeyManifestSignatureSize     = "manifest_signature_size"
	KeyUpdateStateHashContext    = "update_state_sha256_context"
)

// Store is a directory of one-file-per-key preferences. Writes are
// serialized and each file is replaced with write(tmp)+fsync+rename.
type Store struct {
	dir string

	mu sync.Mutex
}

// NewStore opens (creating if needed) the prefs directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("prefs_dir_creation_failed", "dir", dir, "error", err)
		return nil, errors.Wrap(err, "failed to create prefs dir")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Get returns the value for key. Missing keys return ok=false, not an error.
func (s *Store) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read pref "+key)
	}
	return strings.TrimRight(string(data), "\n"), true, nil
}

// Set durably writes value for key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := renameio.WriteFile(s.path(key), []byte(value), 0o644); err != nil {
		slog.Error("prefs_write_failed", "key", key, "error", err)
		return errors.Wrap(err, "failed to write pref "+key)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete pref "+key)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// GetInt64 reads key as a decimal integer. Missing keys return def.
func (s *Store) GetInt64(key string, def int64) (int64, error) {
	raw, ok, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "malformed pref "+key)
	}
	return v, nil
}

// SetInt64 writes key as a decimal integer.
func (s *Store) SetInt64(key string, value int64) error {
	return s.Set(key, strconv.FormatInt(value, 10))
}
