// Package progress implements C11: a per-shard progress journal that
// survives a worker crash. Every update is a full snapshot written to a
// temp file and renamed into place, the same durable-publish pattern
// pkg/pointerstore and pkg/storage/local use for their own artifacts,
// applied here to a small JSON document instead of a parquet shard.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Stage names one pipeline phase a shard can be in. Stages only ever
// advance forward; a resumed worker reads the last snapshot and
// continues from its Stage rather than restarting the whole shard.
type Stage string

const (
	StagePending  Stage = "pending"
	StageParsing  Stage = "parsing"
	StageWritten  Stage = "written"
	StageSorting  Stage = "sorting"
	StageSorted   Stage = "sorted"
	StageIndexed  Stage = "indexed"
	StageIngested Stage = "ingested"
	StageFailed   Stage = "failed"
)

// Snapshot is the full state of one shard's progress, serialized as one
// JSON document per shard key.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	Collection string    `json:"collection"`
	Shard      string    `json:"shard"`
	Stage      Stage     `json:"stage"`
	RowsParsed int64     `json:"rows_parsed"`
	BytesRead  int64     `json:"bytes_read"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Journal reads and atomically writes snapshot files under a directory,
// one file per shard key (paths.Layout.ProgressFile).
type Journal struct {
	dir   string
	runID string
}

// Open creates dir if needed and returns a Journal tagging every snapshot
// it writes with a fresh run id, so a crashed worker's stale snapshot is
// distinguishable from the current run's.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("progress: error creating directory %q: %w", dir, err)
	}

	return &Journal{dir: dir, runID: uuid.NewString()}, nil
}

// RunID returns the run id this Journal stamps onto every snapshot it
// writes.
func (j *Journal) RunID() string {
	return j.runID
}

// path returns the snapshot file for shardKey.
func (j *Journal) path(shardKey string) string {
	return filepath.Join(j.dir, fmt.Sprintf("progress_%s.json", shardKey))
}

// Read loads the current snapshot for shardKey, or (Snapshot{}, false,
// nil) if none exists yet.
func (j *Journal) Read(shardKey string) (Snapshot, bool, error) {
	buf, err := os.ReadFile(j.path(shardKey))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fmt.Errorf("progress: error reading snapshot for %q: %w", shardKey, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("progress: error decoding snapshot for %q: %w", shardKey, err)
	}

	return snap, true, nil
}

// Write records snap for shardKey via temp-file-then-rename, so a reader
// never observes a partially written snapshot. snap.RunID is stamped with
// this Journal's run id and UpdatedAt with the current time.
func (j *Journal) Write(shardKey string, snap Snapshot) error {
	snap.RunID = j.runID
	snap.UpdatedAt = time.Now().UTC()

	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: error encoding snapshot for %q: %w", shardKey, err)
	}

	dst := j.path(shardKey)

	tmp, err := os.CreateTemp(j.dir, "progress-*.json.tmp")
	if err != nil {
		return fmt.Errorf("progress: error creating temp file for %q: %w", shardKey, err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error writing snapshot for %q: %w", shardKey, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error syncing snapshot for %q: %w", shardKey, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error closing snapshot for %q: %w", shardKey, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error publishing snapshot for %q: %w", shardKey, err)
	}

	return nil
}

// Advance reads the current snapshot for shardKey (if any), applies
// mutate, and writes the result back. It is the normal way callers move
// a shard through its stages without hand-rolling read/modify/write.
func (j *Journal) Advance(shardKey string, mutate func(*Snapshot)) error {
	snap, _, err := j.Read(shardKey)
	if err != nil {
		return err
	}

	mutate(&snap)

	return j.Write(shardKey, snap)
}

// Overview is the supervisor's run-wide counterpart to the per-shard
// Snapshot: one file summarizing the whole ingest run for out-of-band
// monitoring (the "watchdog" path a separate external process polls),
// while Snapshot/per-shard files are what pkg/ingest and the
// supervisor's completion check read.
type Overview struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ElapsedSeconds float64   `json:"elapsed_s"`
	IngestedShards int64     `json:"ingested_shards"`
	IngestedRows   int64     `json:"ingested_rows"`
	LastShard      string    `json:"last_shard"`
	LastEvent      string    `json:"last_event"`
}

// overviewFile is the well-known filename for a Journal's Overview.
const overviewFile = "overview.json"

// WriteOverview atomically publishes a run-wide Overview snapshot,
// stamping StartedAt from the first call and UpdatedAt/ElapsedSeconds on
// every call.
func (j *Journal) WriteOverview(mutate func(*Overview)) error {
	path := filepath.Join(j.dir, overviewFile)

	var ov Overview

	if buf, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(buf, &ov)
	}

	if ov.StartedAt.IsZero() {
		ov.StartedAt = time.Now().UTC()
	}

	ov.RunID = j.runID
	mutate(&ov)

	now := time.Now().UTC()
	ov.UpdatedAt = now
	ov.ElapsedSeconds = now.Sub(ov.StartedAt).Seconds()

	buf, err := json.MarshalIndent(ov, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: error encoding overview: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, "overview-*.json.tmp")
	if err != nil {
		return fmt.Errorf("progress: error creating overview temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error writing overview: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error closing overview temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("progress: error publishing overview: %w", err)
	}

	return nil
}

// ReadOverview loads the current run-wide Overview, or (Overview{},
// false, nil) if none has been written yet.
func (j *Journal) ReadOverview() (Overview, bool, error) {
	buf, err := os.ReadFile(filepath.Join(j.dir, overviewFile))
	if errors.Is(err, os.ErrNotExist) {
		return Overview{}, false, nil
	}

	if err != nil {
		return Overview{}, false, fmt.Errorf("progress: error reading overview: %w", err)
	}

	var ov Overview
	if err := json.Unmarshal(buf, &ov); err != nil {
		return Overview{}, false, fmt.Errorf("progress: error decoding overview: %w", err)
	}

	return ov, true, nil
}
