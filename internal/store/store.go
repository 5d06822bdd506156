// SPDX-License-Identifier: MIT

// Package store implements the persistence layer of SPEC_FULL.md §4.1: one
// directory per instance id holding a "current" record and a "history/" of
// timestamped prior records, plus a top-level blob for the auto-instance
// config. ConfigBlobPath names a daemon settings path that Store itself
// never reads or writes.
//
// Every write goes through the same atomic write-then-rename helper used by
// the teacher's internal/config.Config.Save: write to a temp file in the
// destination directory, fsync, chmod, close, then os.Rename. A crash
// mid-write leaves either the old file or the new one, never a partial one.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/tomtom215/capturemgrd/internal/instance"
)

const (
	currentFileName = "current"
	historyDirName  = "history"
	autoBlobName    = "auto_instance"
	configBlobName  = "config"

	instancesDirName = "instances"

	// DefaultMaxHistoryFiles bounds per-instance revision history
	// (SPEC_FULL.md §3 invariant: at most N historical snapshots).
	DefaultMaxHistoryFiles = 100
)

// Store owns the on-disk layout under root.
type Store struct {
	root            string
	maxHistoryFiles int
	logger          *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistoryFiles overrides the default retention bound.
func WithMaxHistoryFiles(n int) Option {
	return func(s *Store) { s.maxHistoryFiles = n }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at root, creating the directory tree as
// needed.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:            root,
		maxHistoryFiles: DefaultMaxHistoryFiles,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(root, instancesDirName), 0750); err != nil {
		return nil, instance.IOFailure("create state root", err)
	}
	return s, nil
}

func (s *Store) instanceDir(id string) string {
	return filepath.Join(s.root, instancesDirName, id)
}

// LoadAll enumerates instance directories and returns deserialized
// records. Missing or corrupt records are skipped with a warning. Every
// returned record has its runtime-only fields reset.
func (s *Store) LoadAll() ([]*instance.Instance, error) {
	base := filepath.Join(s.root, instancesDirName)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, instance.IOFailure("read instances directory", err)
	}

	var out []*instance.Instance
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		inst, err := s.loadCurrent(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable instance record", "id", e.Name(), "error", err)
			continue
		}
		inst.ResetRuntimeFields()
		out = append(out, inst)
	}
	return out, nil
}

func (s *Store) loadCurrent(id string) (*instance.Instance, error) {
	data, err := os.ReadFile(filepath.Join(s.instanceDir(id), currentFileName))
	if err != nil {
		return nil, err
	}
	var inst instance.Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Save persists inst, first backing up any existing current record into
// history, then atomically writing the new current record.
func (s *Store) Save(inst *instance.Instance) error {
	if inst.ID == "" {
		return instance.InvalidInput("cannot save instance without id")
	}
	dir := s.instanceDir(inst.ID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return instance.IOFailure("create instance directory", err)
	}

	currentPath := filepath.Join(dir, currentFileName)
	if _, err := os.Stat(currentPath); err == nil {
		if err := s.backup(dir, currentPath); err != nil {
			s.logger.Warn("failed to back up prior revision", "id", inst.ID, "error", err)
		}
	}

	data, err := yaml.Marshal(inst)
	if err != nil {
		return instance.IOFailure("marshal instance", err)
	}
	if err := atomicWrite(currentPath, data); err != nil {
		return instance.IOFailure("write instance record", err)
	}
	return nil
}

func (s *Store) backup(instDir, currentPath string) error {
	histDir := filepath.Join(instDir, historyDirName)
	if err := os.MkdirAll(histDir, 0750); err != nil {
		return err
	}
	data, err := os.ReadFile(currentPath)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	backupPath := filepath.Join(histDir, ts+".yaml")
	if err := atomicWrite(backupPath, data); err != nil {
		return err
	}
	return s.trimHistory(histDir)
}

func (s *Store) trimHistory(histDir string) error {
	entries, err := os.ReadDir(histDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
	if len(entries) <= s.maxHistoryFiles {
		return nil
	}
	for _, e := range entries[s.maxHistoryFiles:] {
		_ = os.Remove(filepath.Join(histDir, e.Name()))
	}
	return nil
}

// History returns newest-first past snapshots for id.
func (s *Store) History(id string) ([]*instance.Instance, error) {
	histDir := filepath.Join(s.instanceDir(id), historyDirName)
	entries, err := os.ReadDir(histDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, instance.IOFailure("read instance history", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })

	var out []*instance.Instance
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(histDir, e.Name()))
		if err != nil {
			continue
		}
		var inst instance.Instance
		if err := yaml.Unmarshal(data, &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

// Delete recursively removes the instance directory.
func (s *Store) Delete(id string) error {
	if err := os.RemoveAll(s.instanceDir(id)); err != nil {
		return instance.IOFailure("delete instance directory", err)
	}
	return nil
}

// Export returns the canonical textual form of the current record with
// runtime-only fields stripped, or ("", false) if id has no record.
func (s *Store) Export(id string) (string, bool, error) {
	inst, err := s.loadCurrent(id)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, instance.IOFailure("read instance record", err)
	}
	inst.ResetRuntimeFields()
	data, err := yaml.Marshal(inst)
	if err != nil {
		return "", false, instance.IOFailure("marshal instance", err)
	}
	return string(data), true, nil
}

// Import parses text and persists it, generating a fresh id (and
// appending " (copy)" to the name) if the embedded id is already live.
func (s *Store) Import(text string) (string, error) {
	var inst instance.Instance
	if err := yaml.Unmarshal([]byte(text), &inst); err != nil {
		return "", instance.InvalidInput("invalid instance record: " + err.Error())
	}
	if inst.ID == "" {
		return "", instance.InvalidInput("import record missing id")
	}

	createdAt := inst.CreatedAt
	if _, err := os.Stat(filepath.Join(s.instanceDir(inst.ID), currentFileName)); err == nil {
		newID, err := newID()
		if err != nil {
			return "", instance.IOFailure("generate id", err)
		}
		inst.ID = newID
		inst.Name = strings.TrimSpace(inst.Name) + " (copy)"
	}

	now := time.Now().UTC()
	inst.ModifiedAt = now
	if createdAt.IsZero() {
		inst.CreatedAt = now
	} else {
		inst.CreatedAt = createdAt
	}
	inst.ResetRuntimeFields()

	if err := s.Save(&inst); err != nil {
		return "", err
	}
	return inst.ID, nil
}

// SaveAutoConfig persists the controller's auto-instance config blob.
func (s *Store) SaveAutoConfig(cfg *instance.AutoConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return instance.IOFailure("marshal auto config", err)
	}
	if err := atomicWrite(filepath.Join(s.root, autoBlobName), data); err != nil {
		return instance.IOFailure("write auto config", err)
	}
	return nil
}

// LoadAutoConfig loads the auto-instance config blob, or (nil, false) if
// none has been persisted yet.
func (s *Store) LoadAutoConfig() (*instance.AutoConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, autoBlobName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, instance.IOFailure("read auto config", err)
	}
	var cfg instance.AutoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, false, instance.IOFailure("parse auto config", err)
	}
	return &cfg, true, nil
}

// DeleteAutoConfig removes the persisted auto-instance config blob.
func (s *Store) DeleteAutoConfig() error {
	if err := os.Remove(filepath.Join(s.root, autoBlobName)); err != nil && !os.IsNotExist(err) {
		return instance.IOFailure("delete auto config", err)
	}
	return nil
}

// ConfigBlobPath returns the path of the daemon settings blob under the
// state root. Store does not write that file; atomicWrite is unexported.
func (s *Store) ConfigBlobPath() string {
	return filepath.Join(s.root, configBlobName)
}

// atomicWrite writes data to path via temp-file-then-rename in the same
// directory, matching internal/config.Config.saveWith.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".store.*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Chmod(0640); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

// newID generates an 8-character lowercase-hex opaque id, matching the
// length of the original uuid4()[:8] scheme.
func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// NewInstanceID is exported so the supervisor can mint ids using the same
// scheme as Import's collision-id generation.
func NewInstanceID() (string, error) { return newID() }
