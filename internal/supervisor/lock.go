// Package supervisor owns process lifecycle: the PID lock, crash recovery,
// the worker group, heartbeat, and stop handling. Exactly one supervisor may
// run per state root.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// ErrAlreadyRunning reports a live supervisor holding the lock.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Lock is the held PID lock.
type Lock struct {
	path string
	pid  int
}

// AcquireLock takes the supervisor lock for this process. A lock file whose
// PID no longer maps to a live process is stale and is cleaned up.
func AcquireLock(paths statepaths.StatePaths) (*Lock, error) {
	path := paths.SupervisorLock()
	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", pid); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, werr
			}
			f.Close()
			return &Lock{path: path, pid: pid}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		holder, herr := ReadLockPID(paths)
		if herr != nil {
			// Unreadable lock file: treat as stale.
			os.Remove(path)
			continue
		}
		if ProcessAlive(holder) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, holder)
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("could not acquire supervisor lock at %s", path)
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	holder, err := readPIDFile(l.path)
	if err != nil || holder != l.pid {
		return nil
	}
	return os.Remove(l.path)
}

// PID returns the owning process id.
func (l *Lock) PID() int { return l.pid }

// ReadLockPID reads the lock file's PID.
func ReadLockPID(paths statepaths.StatePaths) (int, error) {
	return readPIDFile(paths.SupervisorLock())
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid lock %s", path)
	}
	return pid, nil
}

// ProcessAlive probes a PID with signal 0.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Supervisor request verbs written to the request file.
const (
	RequestVerbStop           = "stop"
	RequestVerbReconnectSlack = "reconnect-slack"
)

// RequestStop writes the stop request the running supervisor polls.
func RequestStop(paths statepaths.StatePaths) error {
	return queue.WriteFileAtomic(paths.SupervisorRequest(), []byte(RequestVerbStop+"\n"))
}

// RequestReconnectSlack asks the running supervisor to restart its slack
// adapters without stopping.
func RequestReconnectSlack(paths statepaths.StatePaths) error {
	return queue.WriteFileAtomic(paths.SupervisorRequest(), []byte(RequestVerbReconnectSlack+"\n"))
}

// ClearStopRequest removes a pending request.
func ClearStopRequest(paths statepaths.StatePaths) {
	os.Remove(paths.SupervisorRequest())
}

// ReadRequest returns the pending request verb, or "" when none exists.
func ReadRequest(paths statepaths.StatePaths) string {
	data, err := os.ReadFile(paths.SupervisorRequest())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// StopRequested reports whether a stop request is pending.
func StopRequested(paths statepaths.StatePaths) bool {
	return ReadRequest(paths) == RequestVerbStop
}
