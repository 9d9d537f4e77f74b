package supervisor

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// Supervisor status values reported by Status().
const (
	StatusRunning    = "running"
	StatusNotRunning = "not_running"
	StatusStale      = "stale"
)

// State is the persisted supervisor document at supervisor.state.
type State struct {
	PID       int                  `json:"pid"`
	StartedAt time.Time            `json:"started_at"`
	Workers   map[string]time.Time `json:"workers,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// stateHolder serializes worker heartbeat updates and persistence.
type stateHolder struct {
	mu    sync.Mutex
	paths statepaths.StatePaths
	clk   clock.Clock
	state State
}

func newStateHolder(paths statepaths.StatePaths, clk clock.Clock, pid int) *stateHolder {
	return &stateHolder{
		paths: paths,
		clk:   clk,
		state: State{PID: pid, StartedAt: clk.Now(), Workers: map[string]time.Time{}},
	}
}

// Beat records a worker heartbeat and persists the document.
func (h *stateHolder) Beat(worker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Workers[worker] = h.clk.Now()
	h.persistLocked()
}

func (h *stateHolder) persistLocked() {
	h.state.UpdatedAt = h.clk.Now()
	data, err := json.MarshalIndent(&h.state, "", "  ")
	if err != nil {
		return
	}
	_ = queue.WriteFileAtomic(h.paths.SupervisorState(), data)
}

// snapshot returns a copy of the current state.
func (h *stateHolder) snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := h.state
	cp.Workers = make(map[string]time.Time, len(h.state.Workers))
	for k, v := range h.state.Workers {
		cp.Workers[k] = v
	}
	return cp
}

// LoadState reads the persisted supervisor state.
func LoadState(paths statepaths.StatePaths) (*State, error) {
	data, err := os.ReadFile(paths.SupervisorState())
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StatusInfo is the reconciled view returned by Status.
type StatusInfo struct {
	Status  string
	PID     int
	State   *State
	LockPID int
}

// Status reconciles the lock file and state document against live processes:
// no lock means not running; a lock whose PID is dead means stale.
func Status(paths statepaths.StatePaths) StatusInfo {
	lockPID, err := ReadLockPID(paths)
	if err != nil {
		return StatusInfo{Status: StatusNotRunning}
	}
	info := StatusInfo{PID: lockPID, LockPID: lockPID}
	if !ProcessAlive(lockPID) {
		info.Status = StatusStale
		return info
	}
	info.Status = StatusRunning
	if st, err := LoadState(paths); err == nil && st.PID == lockPID {
		info.State = st
	}
	return info
}
