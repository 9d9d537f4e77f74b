// Package logging writes the durable append-only log streams
// (runtime, engine, security, memory). Each record is a single JSON line
// with an "event" name and a "ts" timestamp; writers append with O_APPEND so
// interleaved workers never tear a line.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends JSON-line events to a single log file.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open opens (creating if needed) an append-only JSON-line log at path.
func Open(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	h := slog.NewJSONHandler(f, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.MessageKey:
				a.Key = "event"
			case slog.LevelKey:
				return slog.Attr{}
			}
			return a
		},
	})
	return &FileLogger{file: f, logger: slog.New(h)}, nil
}

// Event appends one record. args are alternating key/value pairs as in slog.
func (l *FileLogger) Event(event string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info(event, args...)
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Set bundles the four runtime log streams.
type Set struct {
	Runtime  *FileLogger
	Engine   *FileLogger
	Security *FileLogger
	Memory   *FileLogger
}

// OpenSet opens all four streams under the given logs directory.
func OpenSet(dir string) (*Set, error) {
	s := &Set{}
	var err error
	if s.Runtime, err = Open(filepath.Join(dir, "runtime.log")); err != nil {
		return nil, err
	}
	if s.Engine, err = Open(filepath.Join(dir, "engine.log")); err != nil {
		return nil, err
	}
	if s.Security, err = Open(filepath.Join(dir, "security.log")); err != nil {
		return nil, err
	}
	if s.Memory, err = Open(filepath.Join(dir, "memory.log")); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes all streams.
func (s *Set) Close() {
	if s == nil {
		return
	}
	s.Runtime.Close()
	s.Engine.Close()
	s.Security.Close()
	s.Memory.Close()
}
