// Package provider runs LLM CLIs as subprocesses. The runner owns spawning,
// deadline enforcement (kill on expiry), and invocation capture; it never
// parses domain envelopes — that stays with the engine and selector, which
// is what keeps providers swappable.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/direclaw/direclaw/internal/queue"
)

// ErrSpawn reports that the provider binary could not be started at all.
var ErrSpawn = errors.New("provider spawn failure")

// Invocation is the durable record of one provider call, written to
// invocation.json next to the step artifacts.
type Invocation struct {
	Provider   string `json:"provider"`
	Binary     string `json:"binary"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationNS int64  `json:"duration_ns"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Error      string `json:"error,omitempty"`
}

// OK reports a clean exit within the deadline.
func (inv *Invocation) OK() bool {
	return inv.Error == "" && !inv.TimedOut && inv.ExitCode == 0
}

// Request describes one provider invocation.
type Request struct {
	Provider       string
	AgentID        string
	Model          string
	PromptPath     string
	ContextPath    string
	OutputPath     string
	WorkDir        string
	Deadline       time.Duration
	InvocationPath string // where invocation.json is written; empty skips
}

// Runner executes provider binaries.
type Runner struct {
	tracer trace.Tracer
}

// NewRunner returns a provider runner.
func NewRunner() *Runner {
	return &Runner{tracer: otel.Tracer("direclaw/provider")}
}

// Invoke spawns the provider binary, waits for completion or deadline, and
// returns the captured invocation. A non-zero exit or timeout is not a Go
// error: the caller inspects the invocation. Only spawn failures and
// invocation-record write failures surface as errors (spawn failures are
// still recorded first).
func (r *Runner) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	binary, err := BinaryFor(req.Provider)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "provider.invoke",
		trace.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("agent", req.AgentID),
			attribute.String("binary", binary),
		))
	defer span.End()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, binary, buildArgs(req.Provider, req.PromptPath, req.ContextPath, req.OutputPath)...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv := &Invocation{Provider: req.Provider, Binary: binary}
	start := time.Now()
	runErr := cmd.Run()
	inv.DurationNS = time.Since(start).Nanoseconds()
	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	inv.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)

	switch {
	case runErr == nil:
		inv.ExitCode = 0
	case inv.TimedOut:
		inv.ExitCode = -1
		inv.Error = "timeout"
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			inv.ExitCode = exitErr.ExitCode()
		} else {
			inv.ExitCode = -1
			inv.Error = "spawn: " + runErr.Error()
		}
	}

	if req.InvocationPath != "" {
		if err := writeInvocation(req.InvocationPath, inv); err != nil {
			return inv, err
		}
	}
	if inv.Error != "" && !inv.TimedOut {
		return inv, ErrSpawn
	}
	return inv, nil
}

func writeInvocation(path string, inv *Invocation) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(path, data)
}
