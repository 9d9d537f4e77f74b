package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// ErrRunNotFound reports a run id with no record on disk.
var ErrRunNotFound = errors.New("workflow run not found")

// Store persists runs under the state tree.
type Store struct {
	paths statepaths.StatePaths
	clk   clock.Clock
}

// NewStore builds a run store over an already-bootstrapped state tree.
func NewStore(paths statepaths.StatePaths, clk clock.Clock) (*Store, error) {
	if err := paths.Verify(); err != nil {
		return nil, err
	}
	return &Store{paths: paths, clk: clk}, nil
}

// Create persists a new run record and its progress snapshot.
func (s *Store) Create(run *Run) error {
	if run.RunID == "" {
		return errors.New("run without id")
	}
	now := s.clk.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.State == "" {
		run.State = StatePending
	}
	if err := os.MkdirAll(s.paths.RunDir(run.RunID), 0o755); err != nil {
		return err
	}
	if err := s.Save(run); err != nil {
		return err
	}
	return s.SaveProgress(&Progress{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		State:      run.State,
		UpdatedAt:  now,
		Steps:      map[string]*StepProgress{},
	})
}

// Save writes the run record atomically.
func (s *Store) Save(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(s.paths.RunFile(run.RunID), data)
}

// Load reads a run record. Returns ErrRunNotFound for unknown ids.
func (s *Store) Load(runID string) (*Run, error) {
	data, err := os.ReadFile(s.paths.RunFile(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	return &run, nil
}

// SaveProgress writes the progress snapshot atomically.
func (s *Store) SaveProgress(p *Progress) error {
	p.UpdatedAt = s.clk.Now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(s.paths.RunProgress(p.RunID), data)
}

// LoadProgress reads the progress snapshot.
func (s *Store) LoadProgress(runID string) (*Progress, error) {
	data, err := os.ReadFile(s.paths.RunProgress(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse progress %s: %w", runID, err)
	}
	if p.Steps == nil {
		p.Steps = map[string]*StepProgress{}
	}
	return &p, nil
}

// NextAttempt returns the next attempt number for a step: existing attempts
// are contiguous 1..N, so the next is N+1.
func (s *Store) NextAttempt(runID, stepID string) (int, error) {
	dir := s.paths.StepAttemptsDir(runID, stepID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// EnsureAttemptDir creates the attempt directory tree (with outputs/).
func (s *Store) EnsureAttemptDir(runID, stepID string, attempt int) (string, error) {
	dir := s.paths.StepAttemptDir(runID, stepID, attempt)
	if err := os.MkdirAll(filepath.Join(dir, "outputs"), 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// AppendTransition appends one JSON line to the per-run engine log.
func (s *Store) AppendTransition(runID, event string, fields map[string]any) error {
	rec := map[string]any{
		"event": event,
		"ts":    s.clk.Now().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		rec[k] = v
	}
	return appendJSONLine(s.paths.RunEngineLog(runID), rec)
}

// AppendHistory records a resume message against the run.
func (s *Store) AppendHistory(runID string, entry *HistoryEntry) error {
	if entry.At.IsZero() {
		entry.At = s.clk.Now()
	}
	return appendJSONLine(s.paths.RunHistory(runID), entry)
}

// LoadHistory returns the recorded resume messages, oldest first.
func (s *Store) LoadHistory(runID string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(s.paths.RunHistory(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []HistoryEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e HistoryEntry
		if json.Unmarshal([]byte(line), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// List returns all run ids, newest first by record modification time.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.paths.RunsDir())
	if err != nil {
		return nil, err
	}
	type rec struct {
		id  string
		mod int64
	}
	var recs []rec
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		recs = append(recs, rec{id: strings.TrimSuffix(e.Name(), ".json"), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].mod > recs[j].mod })
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.id
	}
	return ids, nil
}

func appendJSONLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
