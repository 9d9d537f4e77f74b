package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// ParseError reports an unparseable queue payload. The offending file has
// already been requeued under a unique name when this is returned.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse queue payload %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Claimed owns a successfully claimed message: the original incoming path,
// the processing path it was moved to, and the parsed payload.
type Claimed struct {
	IncomingPath   string
	ProcessingPath string
	Message        *IncomingMessage
}

// Store is the filesystem queue over incoming/processing/outgoing.
type Store struct {
	paths    statepaths.StatePaths
	clk      clock.Clock
	requeues *clock.Counter
	security *logging.FileLogger

	mu sync.Mutex
	// requeued holds incoming names this store renamed back after a failure.
	// They are skipped by ClaimOldest until the queue drains, so one claim
	// pass surfaces a poison payload at most once instead of spinning on it.
	requeued map[string]bool
}

// NewStore builds a queue store. The requeue counter is supervisor-owned so
// requeue names stay unique process-wide; security receives dropped-file and
// path-validation events.
func NewStore(paths statepaths.StatePaths, clk clock.Clock, requeues *clock.Counter, security *logging.FileLogger) (*Store, error) {
	if err := paths.Verify(); err != nil {
		return nil, err
	}
	return &Store{paths: paths, clk: clk, requeues: requeues, security: security, requeued: make(map[string]bool)}, nil
}

// Paths exposes the state tree for collaborators that derive paths.
func (s *Store) Paths() statepaths.StatePaths { return s.paths }

type candidate struct {
	name    string
	modTime int64
}

// ClaimOldest claims the oldest incoming payload by atomically renaming it
// into processing. Returns nil when the queue is empty. A rename lost to
// another worker is not an error; the next candidate is tried.
func (s *Store) ClaimOldest() (*Claimed, error) {
	entries, err := os.ReadDir(s.paths.QueueIncoming())
	if err != nil {
		return nil, fmt.Errorf("list incoming: %w", err)
	}

	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isQueuePayload(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime != candidates[j].modTime {
			return candidates[i].modTime < candidates[j].modTime
		}
		return candidates[i].name < candidates[j].name
	})

	for _, c := range candidates {
		if s.skipRequeued(c.name) {
			continue
		}
		incoming := filepath.Join(s.paths.QueueIncoming(), c.name)
		processing := filepath.Join(s.paths.QueueProcessing(), c.name)
		if err := os.Rename(incoming, processing); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // another worker claimed it
			}
			return nil, fmt.Errorf("claim %s: %w", c.name, err)
		}

		data, err := os.ReadFile(processing)
		if err != nil {
			s.requeueProcessingFile(processing)
			return nil, &ParseError{Path: processing, Err: err}
		}
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.MessageID == "" {
			if err == nil {
				err = errors.New("missing message_id")
			}
			requeued := s.requeueProcessingFile(processing)
			s.security.Event("queue.payload_requeued", "from", processing, "to", requeued, "error", err.Error())
			return nil, &ParseError{Path: processing, Err: err}
		}

		NormalizeInbound(&msg)
		return &Claimed{IncomingPath: incoming, ProcessingPath: processing, Message: &msg}, nil
	}

	// Nothing claimable: payloads requeued this pass become eligible again.
	s.mu.Lock()
	s.requeued = make(map[string]bool)
	s.mu.Unlock()
	return nil, nil
}

func (s *Store) skipRequeued(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeued[name]
}

// CompleteSuccess finishes a claim: prepares and writes the outgoing reply
// (nil for no reply) and deletes the processing file. Returns the outgoing
// path, empty when out is nil.
func (s *Store) CompleteSuccess(c *Claimed, out *OutgoingMessage) (string, error) {
	outPath := ""
	if out != nil {
		var err error
		outPath, err = s.WriteOutgoing(out)
		if err != nil {
			return "", err
		}
	}
	if err := os.Remove(c.ProcessingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return outPath, fmt.Errorf("remove processing file: %w", err)
	}
	return outPath, nil
}

// RequeueFailure moves a claimed message back to incoming under a unique
// name so it can be retried without ever losing the payload.
func (s *Store) RequeueFailure(c *Claimed) (string, error) {
	target := s.requeueProcessingFile(c.ProcessingPath)
	if target == "" {
		return "", fmt.Errorf("requeue %s: rename failed", c.ProcessingPath)
	}
	return target, nil
}

// WriteOutgoing prepares outbound content (tag stripping, truncation) and
// writes the outgoing file atomically.
func (s *Store) WriteOutgoing(out *OutgoingMessage) (string, error) {
	msg := *out
	msg.Message, msg.Files = PrepareOutboundContent(out.Message, out.Files, func(path, reason string) {
		s.security.Event("queue.outbound_file_dropped", "path", path, "reason", reason, "message_id", out.MessageID)
	})
	if msg.Timestamp == 0 {
		msg.Timestamp = s.clk.Now().Unix()
	}
	path := filepath.Join(s.paths.QueueOutgoing(), OutgoingFileName(&msg))
	if err := writeJSONAtomic(path, &msg); err != nil {
		return "", err
	}
	return path, nil
}

// WriteIncoming enqueues a new incoming message (used by the send CLI, the
// scheduler, the heartbeat worker, and channel adapters).
func (s *Store) WriteIncoming(msg *IncomingMessage) (string, error) {
	if msg.MessageID == "" {
		return "", errors.New("incoming message without message_id")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.clk.Now().Unix()
	}
	path := filepath.Join(s.paths.QueueIncoming(), IncomingFileName(msg))
	if err := writeJSONAtomic(path, msg); err != nil {
		return "", err
	}
	return path, nil
}

// ListOutgoing returns the outgoing payload files sorted by name.
func (s *Store) ListOutgoing() ([]string, error) {
	entries, err := os.ReadDir(s.paths.QueueOutgoing())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isQueuePayload(e.Name()) {
			names = append(names, filepath.Join(s.paths.QueueOutgoing(), e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Depths returns the number of payloads in each queue directory.
func (s *Store) Depths() (incoming, processing, outgoing int) {
	count := func(dir string) int {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && isQueuePayload(e.Name()) {
				n++
			}
		}
		return n
	}
	return count(s.paths.QueueIncoming()), count(s.paths.QueueProcessing()), count(s.paths.QueueOutgoing())
}

var requeueSuffix = regexp.MustCompile(`_requeue_\d+$`)

// requeueProcessingFile renames a processing file back into incoming under
// <stem>_requeue_<N>.<ext> where N is process-monotonic. Any prior requeue
// suffix is stripped from the stem first so the name stays bounded no matter
// how many times a payload cycles, and the mtime is refreshed so the retry
// sorts behind the existing backlog. Returns the target path, or "" when the
// rename failed (the file then stays in processing for crash recovery).
func (s *Store) requeueProcessingFile(processing string) string {
	name := filepath.Base(processing)
	ext := filepath.Ext(name)
	stem := requeueSuffix.ReplaceAllString(strings.TrimSuffix(name, ext), "")
	var target string
	for {
		target = filepath.Join(s.paths.QueueIncoming(),
			fmt.Sprintf("%s_requeue_%d%s", stem, s.requeues.Next(), ext))
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
	}
	if err := os.Rename(processing, target); err != nil {
		s.security.Event("queue.requeue_failed", "from", processing, "error", err.Error())
		return ""
	}
	now := time.Now()
	os.Chtimes(target, now, now)
	s.mu.Lock()
	s.requeued[filepath.Base(target)] = true
	s.mu.Unlock()
	return target
}

// writeJSONAtomic writes v as JSON via temp-file + fsync + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path through a same-directory temp file,
// fsync, then rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
