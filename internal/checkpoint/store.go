// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

const (
	slotsDir     = "slots"
	walFile      = "wal.log"
	manifestFile = "manifest.json"
	lockFile     = "LOCK"

	// maxWALLine bounds a single WAL entry during replay.
	maxWALLine = 16 << 20
)

// ReplayReport describes what Open found on disk.
type ReplayReport struct {
	Slots     int      `json:"slots"`
	Committed int      `json:"committed"`
	Corrupt   []string `json:"corrupt,omitempty"`
	// Indexed is how many entries the manifest left by the previous owner
	// listed. Missing names those whose checkpoint could not be found.
	Indexed int      `json:"indexed"`
	Missing []string `json:"missing,omitempty"`
}

// Store is the file-backed checkpoint store. One process owns a directory
// at a time.
type Store struct {
	mu      sync.Mutex
	dir     string
	lock    *os.File
	wal     *os.File
	seq     uint64
	entries map[string]ManifestEntry
	closed  bool

	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNowFunc overrides the clock (for testing).
func WithNowFunc(fn func() time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open locks dir and replays its write-ahead log. Corrupt slots and WAL
// entries are quarantined or skipped and listed in the report; they never
// fail the open.
func Open(dir string, opts ...StoreOption) (*Store, ReplayReport, error) {
	if err := os.MkdirAll(filepath.Join(dir, slotsDir), 0o700); err != nil {
		return nil, ReplayReport{}, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure,
			"creating checkpoint directory", sigilerr.Field("dir", dir))
	}

	lock, err := acquireLock(filepath.Join(dir, lockFile))
	if err != nil {
		return nil, ReplayReport{}, err
	}

	s := &Store{
		dir:     dir,
		lock:    lock,
		entries: make(map[string]ManifestEntry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	report, err := s.replay()
	if err != nil {
		_ = releaseLock(lock)
		return nil, report, err
	}

	s.wal, err = os.OpenFile(s.walPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		_ = releaseLock(lock)
		return nil, report, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "opening write-ahead log")
	}

	s.logger.Info("checkpoint store opened",
		"dir", dir, "slots", report.Slots, "committed", report.Committed,
		"corrupt", len(report.Corrupt), "missing", len(report.Missing))
	return s, report, nil
}

// replay reads the previous owner's manifest, loads every slot, commits
// WAL entries newer than their slot and reconciles the result against the
// manifest before writing a fresh one. This is the only time the manifest
// file is read by an owner; afterwards the in-memory index is authoritative.
func (s *Store) replay() (ReplayReport, error) {
	var report ReplayReport

	indexed, err := ReadManifest(s.dir)
	if err != nil {
		s.logger.Warn("checkpoint manifest unreadable, rebuilding from slots", "error", err)
	}
	report.Indexed = len(indexed)
	quarantined := make(map[string]struct{})

	dirents, err := os.ReadDir(filepath.Join(s.dir, slotsDir))
	if err != nil {
		return report, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "reading checkpoint slots")
	}
	for _, de := range dirents {
		name := de.Name()
		path := filepath.Join(s.dir, slotsDir, name)
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(path)
			continue
		}
		if de.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		id := strings.TrimSuffix(name, ".json")
		cp, err := readSlot(path, id)
		if err != nil {
			s.quarantine(path, err)
			report.Corrupt = append(report.Corrupt, path)
			quarantined[id] = struct{}{}
			continue
		}
		s.entries[cp.TaskID] = s.entryFor(cp)
		s.seq = max(s.seq, cp.Seq)
	}

	if err := s.replayWAL(&report); err != nil {
		return report, err
	}

	for _, e := range indexed {
		if _, ok := s.entries[e.TaskID]; ok {
			continue
		}
		if _, ok := quarantined[e.TaskID]; ok {
			continue
		}
		report.Missing = append(report.Missing, e.TaskID)
		s.logger.Warn("indexed checkpoint has no slot", "task_id", e.TaskID, "seq", e.Seq)
	}

	if err := s.writeManifestLocked(); err != nil {
		return report, err
	}
	if err := os.Truncate(s.walPath(), 0); err != nil && !os.IsNotExist(err) {
		return report, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "truncating write-ahead log")
	}
	report.Slots = len(s.entries)
	return report, nil
}

func (s *Store) replayWAL(report *ReplayReport) error {
	f, err := os.Open(s.walPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "opening write-ahead log")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxWALLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil || !validTaskID(cp.TaskID) || !cp.verify() {
			where := s.walPath() + ":" + strconv.Itoa(line)
			s.logger.Warn("discarding corrupt write-ahead log entry", "entry", where,
				"error", sigilerr.New(sigilerr.CodeCheckpointWALCorrupt, "undecodable or checksum mismatch"))
			report.Corrupt = append(report.Corrupt, where)
			continue
		}

		s.seq = max(s.seq, cp.Seq)
		if cur, ok := s.entries[cp.TaskID]; ok && cur.Seq >= cp.Seq {
			continue
		}
		if err := s.writeSlot(&cp); err != nil {
			return err
		}
		s.entries[cp.TaskID] = s.entryFor(&cp)
		report.Committed++
		s.logger.Info("committed checkpoint from write-ahead log", "task_id", cp.TaskID, "seq", cp.Seq)
	}
	if err := sc.Err(); err != nil {
		// A torn or oversized final line; everything before it was replayed.
		s.logger.Warn("write-ahead log ended with an unreadable entry", "error", err)
		report.Corrupt = append(report.Corrupt, s.walPath()+":"+strconv.Itoa(line+1))
	}
	return nil
}

// Write assigns the next sequence number, logs the checkpoint to the WAL,
// commits it to the task's slot and rebuilds the manifest.
func (s *Store) Write(cp Checkpoint) (*Checkpoint, error) {
	if !validTaskID(cp.TaskID) {
		return nil, sigilerr.Errorf(sigilerr.CodeCheckpointInvalidInput, "invalid task id %q", cp.TaskID)
	}
	if !cp.Type.Valid() {
		return nil, sigilerr.Errorf(sigilerr.CodeCheckpointInvalidInput, "invalid task type %q", cp.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	cp.Seq = s.seq + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	if err := cp.seal(); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointInvalidInput, "encoding checkpoint",
			sigilerr.FieldTaskID(cp.TaskID))
	}
	line, err := json.Marshal(cp)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointInvalidInput, "encoding checkpoint",
			sigilerr.FieldTaskID(cp.TaskID))
	}

	if _, err := s.wal.Write(append(line, '\n')); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "appending to write-ahead log",
			sigilerr.FieldTaskID(cp.TaskID))
	}
	if err := s.wal.Sync(); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "syncing write-ahead log",
			sigilerr.FieldTaskID(cp.TaskID))
	}
	s.seq = cp.Seq

	if err := s.writeSlot(&cp); err != nil {
		return nil, err
	}
	s.entries[cp.TaskID] = s.entryFor(&cp)
	if err := s.writeManifestLocked(); err != nil {
		return nil, err
	}
	if err := s.wal.Truncate(0); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "truncating write-ahead log")
	}

	out := cp
	return &out, nil
}

// Load returns the latest checkpoint for taskID. A slot that fails to
// decode or verify is quarantined and reported as corrupt.
func (s *Store) Load(taskID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	if _, ok := s.entries[taskID]; !ok || !validTaskID(taskID) {
		return nil, sigilerr.New(sigilerr.CodeCheckpointNotFound, "no checkpoint for task "+taskID,
			sigilerr.FieldTaskID(taskID))
	}

	path := s.slotPath(taskID)
	cp, err := readSlot(path, taskID)
	if err != nil {
		s.quarantine(path, err)
		delete(s.entries, taskID)
		if merr := s.writeManifestLocked(); merr != nil {
			s.logger.Warn("rewriting manifest failed", "error", merr)
		}
		return nil, err
	}
	return cp, nil
}

// Delete removes the checkpoint for taskID. Deleting a missing checkpoint
// is not an error.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	if _, ok := s.entries[taskID]; !ok {
		return nil
	}
	return s.deleteLocked(taskID)
}

// caller holds s.mu.
func (s *Store) deleteLocked(taskID string) error {
	if err := os.Remove(s.slotPath(taskID)); err != nil && !os.IsNotExist(err) {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "removing checkpoint",
			sigilerr.FieldTaskID(taskID))
	}
	delete(s.entries, taskID)
	return s.writeManifestLocked()
}

// Manifest returns the index of latest checkpoints, oldest first.
func (s *Store) Manifest() []ManifestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEntries(s.entries)
}

// List loads every checkpoint, oldest first. Corrupt slots are skipped.
func (s *Store) List() ([]*Checkpoint, error) {
	entries := s.Manifest()
	out := make([]*Checkpoint, 0, len(entries))
	for _, e := range entries {
		cp, err := s.Load(e.TaskID)
		if err != nil {
			if sigilerr.IsCorrupt(err) || sigilerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prune deletes checkpoints created more than olderThan ago and returns
// how many were removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed()
	}

	cutoff := s.now().Add(-olderThan)
	n := 0
	for id, e := range s.entries {
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.slotPath(id)); err != nil && !os.IsNotExist(err) {
			return n, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "pruning checkpoint",
				sigilerr.FieldTaskID(id))
		}
		delete(s.entries, id)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	s.logger.Info("pruned stale checkpoints", "count", n, "older_than", olderThan)
	return n, s.writeManifestLocked()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the WAL and the directory lock. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.wal != nil {
		errs = append(errs, s.wal.Close())
	}
	errs = append(errs, releaseLock(s.lock))
	return sigilerr.Join(errs...)
}

// ReadManifest reads dir's manifest without taking the lock, for offline
// inspection. A missing manifest yields an empty list.
func ReadManifest(dir string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "reading manifest")
	}
	var m map[string]ManifestEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointManifestCorrupt, "decoding manifest")
	}
	return sortedEntries(m), nil
}

func (s *Store) writeSlot(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointInvalidInput, "encoding checkpoint",
			sigilerr.FieldTaskID(cp.TaskID))
	}
	if err := writeFileAtomic(s.slotPath(cp.TaskID), data); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "writing checkpoint slot",
			sigilerr.FieldTaskID(cp.TaskID))
	}
	return nil
}

// caller holds s.mu, or owns s exclusively during replay.
func (s *Store) writeManifestLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "encoding manifest")
	}
	if err := writeFileAtomic(filepath.Join(s.dir, manifestFile), data); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "writing manifest")
	}
	return nil
}

// quarantine renames a bad slot aside so it is neither loaded again nor
// lost.
func (s *Store) quarantine(path string, cause error) {
	dst := path + ".corrupt-" + s.now().UTC().Format("20060102-150405")
	if err := os.Rename(path, dst); err != nil {
		s.logger.Warn("quarantining corrupt checkpoint failed", "path", path, "error", err)
		_ = os.Remove(path)
		return
	}
	s.logger.Warn("discarded corrupt checkpoint", "path", path, "moved_to", dst, "error", cause)
}

func (s *Store) entryFor(cp *Checkpoint) ManifestEntry {
	return ManifestEntry{
		TaskID:    cp.TaskID,
		Type:      cp.Type,
		Seq:       cp.Seq,
		CreatedAt: cp.CreatedAt,
		Slot:      filepath.Join(slotsDir, cp.TaskID+".json"),
	}
}

func (s *Store) slotPath(taskID string) string {
	return filepath.Join(s.dir, slotsDir, taskID+".json")
}

func (s *Store) walPath() string {
	return filepath.Join(s.dir, walFile)
}

func readSlot(path, taskID string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sigilerr.New(sigilerr.CodeCheckpointNotFound, "checkpoint slot missing",
				sigilerr.FieldTaskID(taskID))
		}
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointIOFailure, "reading checkpoint slot",
			sigilerr.FieldTaskID(taskID))
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCheckpointSlotCorrupt, "decoding checkpoint slot",
			sigilerr.FieldTaskID(taskID))
	}
	if cp.TaskID != taskID || !cp.verify() {
		return nil, sigilerr.New(sigilerr.CodeCheckpointSlotCorrupt, "checkpoint slot failed verification",
			sigilerr.FieldTaskID(taskID))
	}
	return &cp, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func sortedEntries(m map[string]ManifestEntry) []ManifestEntry {
	out := make([]ManifestEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func validTaskID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func errClosed() error {
	return sigilerr.New(sigilerr.CodeCheckpointIOFailure, "checkpoint store is closed")
}
