package db2pgtunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/utils/v4"
)

const DefaultStateFile = ".migration_state.json"

const phaseNotStarted = "not_started"

type TableProgress struct {
	RowsMigrated int64     `json:"rows_migrated"`
	TotalRows    int64     `json:"total_rows"`
	Percentage   float64   `json:"percentage"`
	LastUpdated  time.Time `json:"last_updated"`
}

type CheckpointState struct {
	Phase           string                    `json:"phase"`
	CompletedPhases []string                  `json:"completed_phases"`
	Tables          map[string]*TableProgress `json:"tables"`
	LastUpdated     *time.Time                `json:"last_updated"`
}

func newCheckpointState() CheckpointState {
	return CheckpointState{
		Phase:           phaseNotStarted,
		CompletedPhases: []string{},
		Tables:          make(map[string]*TableProgress),
	}
}

type LoadOutcome int

const (
	// LoadFresh: no checkpoint file existed.
	LoadFresh LoadOutcome = iota
	// LoadRestored: the file was read and trusted verbatim.
	LoadRestored
	// LoadReset: the file was unreadable or corrupt and state was emptied.
	LoadReset
)

func (o LoadOutcome) String() string {
	switch o {
	case LoadFresh:
		return "fresh"
	case LoadRestored:
		return "restored"
	case LoadReset:
		return "reset"
	}
	return fmt.Sprintf("LoadOutcome(%d)", int(o))
}

type LoadResult struct {
	Outcome LoadOutcome
	Err     error
}

type CheckpointSummary struct {
	CurrentPhase      string     `json:"current_phase"`
	CompletedPhases   []string   `json:"completed_phases"`
	TotalTables       int        `json:"total_tables"`
	CompletedTables   int        `json:"completed_tables"`
	TotalRows         int64      `json:"total_rows"`
	MigratedRows      int64      `json:"migrated_rows"`
	OverallPercentage float64    `json:"overall_percentage"`
	LastUpdated       *time.Time `json:"last_updated"`
}

// ProgressRecorder receives cumulative per-table row counts.
type ProgressRecorder interface {
	UpdateProgress(table string, rowsMigrated int64) error
}

// CheckpointStore is the durable record of job and per-table progress. Every
// mutation is written through to the backing file before the call returns.
// It is safe for concurrent use; writes are serialized.
type CheckpointStore struct {
	path  string
	clock clock.Clock

	mu    sync.Mutex
	state CheckpointState
}

var _ ProgressRecorder = (*CheckpointStore)(nil)

func NewCheckpointStore(path string, clk clock.Clock) *CheckpointStore {
	if path == "" {
		path = DefaultStateFile
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &CheckpointStore{
		path:  path,
		clock: clk,
		state: newCheckpointState(),
	}
}

func (s *CheckpointStore) Path() string { return s.path }

// Load replaces the in-memory state with the file contents. It never fails: a
// missing file yields LoadFresh and an unreadable one LoadReset.
func (s *CheckpointStore) Load() LoadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.state = newCheckpointState()
		return LoadResult{Outcome: LoadFresh}
	}
	if err != nil {
		s.state = newCheckpointState()
		return LoadResult{Outcome: LoadReset, Err: fmt.Errorf("read checkpoint %s: %w", s.path, err)}
	}
	var state CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		s.state = newCheckpointState()
		return LoadResult{Outcome: LoadReset, Err: fmt.Errorf("decode checkpoint %s: %w", s.path, err)}
	}
	if state.Tables == nil {
		state.Tables = make(map[string]*TableProgress)
	}
	for name, progress := range state.Tables {
		if progress == nil {
			delete(state.Tables, name)
		}
	}
	if state.CompletedPhases == nil {
		state.CompletedPhases = []string{}
	}
	if state.Phase == "" {
		state.Phase = phaseNotStarted
	}
	s.state = state
	return LoadResult{Outcome: LoadRestored}
}

func (s *CheckpointStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// clone copies the state so that edits leave the original untouched. Table
// entries are replaced on update, never modified, so sharing them is safe.
func (c CheckpointState) clone() CheckpointState {
	next := c
	next.CompletedPhases = slices.Clone(c.CompletedPhases)
	if next.CompletedPhases == nil {
		next.CompletedPhases = []string{}
	}
	next.Tables = maps.Clone(c.Tables)
	if next.Tables == nil {
		next.Tables = make(map[string]*TableProgress)
	}
	return next
}

func (s *CheckpointStore) saveLocked() error {
	return s.commitLocked(s.state.clone())
}

// commitLocked writes next to the file and adopts it as the current state only
// once the write succeeded.
func (s *CheckpointStore) commitLocked(next CheckpointState) error {
	now := s.clock.Now()
	next.LastUpdated = &now
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	if err := utils.AtomicWriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", s.path, err)
	}
	s.state = next
	return nil
}

func (s *CheckpointStore) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

func (s *CheckpointStore) SetPhase(phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	next.Phase = phase
	return s.commitLocked(next)
}

func (s *CheckpointStore) IsCompleted(phase string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.state.CompletedPhases, phase)
}

// MarkCompleted adds phase to the completed set. Marking an already completed
// phase does nothing.
func (s *CheckpointStore) MarkCompleted(phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.state.CompletedPhases, phase) {
		return nil
	}
	next := s.state.clone()
	next.CompletedPhases = append(next.CompletedPhases, phase)
	return s.commitLocked(next)
}

func (s *CheckpointStore) UpdateTableProgress(table string, rowsMigrated, totalRows int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	next.Tables[table] = &TableProgress{
		RowsMigrated: rowsMigrated,
		TotalRows:    totalRows,
		Percentage:   percentage(rowsMigrated, totalRows),
		LastUpdated:  s.clock.Now(),
	}
	return s.commitLocked(next)
}

// UpdateProgress records rowsMigrated against the total already on file. A
// table seen for the first time uses rowsMigrated as its total.
func (s *CheckpointStore) UpdateProgress(table string, rowsMigrated int64) error {
	s.mu.Lock()
	total := rowsMigrated
	if existing, ok := s.state.Tables[table]; ok {
		total = existing.TotalRows
	}
	s.mu.Unlock()
	return s.UpdateTableProgress(table, rowsMigrated, total)
}

func (s *CheckpointStore) TableProgress(table string) (TableProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.state.Tables[table]
	if !ok {
		return TableProgress{}, false
	}
	return *progress, true
}

func (s *CheckpointStore) AllTableProgress() map[string]TableProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TableProgress, len(s.state.Tables))
	for name, progress := range s.state.Tables {
		out[name] = *progress
	}
	return out
}

// IsTableComplete reports whether a table already reached its recorded total.
func (s *CheckpointStore) IsTableComplete(table string) bool {
	progress, ok := s.TableProgress(table)
	return ok && progress.RowsMigrated >= progress.TotalRows
}

func (s *CheckpointStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(newCheckpointState())
}

func (s *CheckpointStore) Summary() CheckpointSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := CheckpointSummary{
		CurrentPhase:    s.state.Phase,
		CompletedPhases: slices.Clone(s.state.CompletedPhases),
		TotalTables:     len(s.state.Tables),
		LastUpdated:     s.state.LastUpdated,
	}
	for _, progress := range s.state.Tables {
		if progress.RowsMigrated == progress.TotalRows {
			summary.CompletedTables++
		}
		summary.TotalRows += progress.TotalRows
		summary.MigratedRows += progress.RowsMigrated
	}
	summary.OverallPercentage = percentage(summary.MigratedRows, summary.TotalRows)
	return summary
}

func percentage(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)/float64(total)*100*100) / 100
}
