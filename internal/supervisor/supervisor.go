package supervisor

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/direclaw/direclaw/internal/authsync"
	"github.com/direclaw/direclaw/internal/automation"
	"github.com/direclaw/direclaw/internal/channels"
	"github.com/direclaw/direclaw/internal/channels/local"
	slackchannel "github.com/direclaw/direclaw/internal/channels/slack"
	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/engine"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/orchestrator"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/selector"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/internal/templates"
)

// Worker cadences. The queue poll is the correctness backstop behind the
// fsnotify wake; the others are plain tickers.
const (
	queuePoll        = 250 * time.Millisecond
	dispatchInterval = time.Second
	schedulerTick    = time.Second
	stopPoll         = 500 * time.Millisecond
	egressPerSecond  = 1.0
)

// stopGrace is how long StopActive waits before escalating to SIGKILL.
const stopGrace = 5 * time.Second

// Supervisor owns the whole runtime for one state root.
type Supervisor struct {
	cfg   *config.Config
	paths statepaths.StatePaths
	clk   clock.Clock
}

// New builds a supervisor over a loaded config.
func New(cfg *config.Config, clk clock.Clock) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		paths: statepaths.New(cfg.StateRoot),
		clk:   clk,
	}
}

// Run starts the runtime and blocks until ctx is canceled, a stop request
// arrives, or startup fails. The sequence is lock, queue recovery, auth
// sync, then workers; auth sync failure aborts before any worker starts.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.paths.Bootstrap(); err != nil {
		return err
	}
	logs, err := logging.OpenSet(s.paths.LogsDir())
	if err != nil {
		return err
	}
	defer logs.Close()

	lock, err := AcquireLock(s.paths)
	if err != nil {
		return err
	}
	defer lock.Release()
	ClearStopRequest(s.paths)
	logs.Runtime.Event("supervisor.started", "pid", lock.PID(), "state_root", s.paths.Root)

	requeues := &clock.Counter{}
	store, err := queue.NewStore(s.paths, s.clk, requeues, logs.Security)
	if err != nil {
		return err
	}
	recovery, err := store.RecoverProcessing()
	if err != nil {
		return err
	}
	logs.Runtime.Event("queue.recovered",
		"recovered", recovery.Recovered, "deleted", recovery.Deleted)

	if err := authsync.Sync(ctx, &s.cfg.AuthSync, s.paths, logs); err != nil {
		logs.Runtime.Event("supervisor.aborted", "error", err.Error())
		return err
	}
	for orchID := range s.cfg.Orchestrators {
		if err := templates.EnsureOrchestratorPrompts(s.paths, orchID); err != nil {
			return err
		}
	}

	runs, err := runstore.NewStore(s.paths, s.clk)
	if err != nil {
		return err
	}
	runner := provider.NewRunner()
	eng := engine.New(s.cfg, s.paths, runs, runner, logs, s.clk)
	registry := orchestrator.NewRegistry()
	sel := selector.New(s.cfg, s.paths, runner, logs, s.clk, registry.Specs())

	autoStore, err := automation.NewStore(s.paths, s.clk)
	if err != nil {
		return err
	}
	sched := automation.NewScheduler(autoStore, store, logs, s.clk)
	proc := orchestrator.NewProcessor(s.cfg, s.paths, store, runs, eng, sel, sched, registry, logs, s.clk, orchestrator.DefaultMaxItems)

	manager := channels.NewManager(store, logs, egressPerSecond)
	s.registerAdapters(manager, store, logs)

	state := newStateHolder(s.paths, s.clk, lock.PID())
	state.Beat("supervisor")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	manager.StartAll(gctx)
	defer manager.StopAll(context.Background())

	g.Go(func() error { return s.queueWorker(gctx, proc, state, logs) })
	g.Go(func() error {
		return manager.RunDispatch(gctx, dispatchInterval, func() { state.Beat("channels") })
	})
	g.Go(func() error {
		return sched.Run(gctx, schedulerTick, func() { state.Beat("scheduler") })
	})
	hb := &heartbeatWorker{cfg: s.cfg, queue: store, logs: logs, clk: s.clk, state: state}
	g.Go(func() error { return hb.run(gctx) })
	g.Go(func() error { return s.stopWorker(gctx, cancel, manager, logs) })

	err = g.Wait()
	s.requeuePending(proc, store, logs)
	logs.Runtime.Event("supervisor.stopped", "pid", lock.PID())
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// queueWorker is the claim-and-process loop.
func (s *Supervisor) queueWorker(ctx context.Context, proc *orchestrator.Processor, state *stateHolder, logs *logging.Set) error {
	watcher, err := queue.NewWatcher(s.paths.QueueIncoming())
	if err == nil {
		defer watcher.Close()
	} else {
		logs.Runtime.Event("queue.watcher_unavailable", "error", err.Error())
		watcher = nil
	}
	for {
		if cerr := proc.ClaimAvailable(); cerr != nil && ctx.Err() == nil {
			logs.Runtime.Event("queue.claim_error", "error", cerr.Error())
		}
		proc.ProcessRunnable(ctx)
		state.Beat("queue")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if proc.PendingLen() > 0 {
			continue
		}
		if watcher != nil {
			watcher.Wait(ctx, queuePoll)
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queuePoll):
			}
		}
	}
}

// stopWorker polls the request file written by the stop and reconnect CLIs.
func (s *Supervisor) stopWorker(ctx context.Context, cancel context.CancelFunc, manager *channels.Manager, logs *logging.Set) error {
	ticker := time.NewTicker(stopPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch ReadRequest(s.paths) {
			case RequestVerbStop:
				logs.Runtime.Event("supervisor.stop_requested")
				ClearStopRequest(s.paths)
				cancel()
				return context.Canceled
			case RequestVerbReconnectSlack:
				logs.Runtime.Event("supervisor.reconnect_requested", "channel", config.ChannelSlack)
				ClearStopRequest(s.paths)
				manager.RestartChannel(ctx, config.ChannelSlack)
			}
		}
	}
}

// registerAdapters builds one adapter per enabled channel profile. Slack
// credential problems disable slack ingest but never the runtime.
func (s *Supervisor) registerAdapters(manager *channels.Manager, store *queue.Store, logs *logging.Set) {
	slackProfiles := s.cfg.SlackProfileIDs()
	var tokens map[string]slackchannel.Tokens
	if len(slackProfiles) > 0 {
		var err error
		tokens, err = slackchannel.ResolveTokens(slackProfiles)
		if err != nil {
			logs.Runtime.Event("slack.tokens_unavailable", "error", err.Error())
			tokens = nil
		}
	}
	for id, profile := range s.cfg.Profiles {
		if !profile.Enabled {
			continue
		}
		switch profile.Channel {
		case config.ChannelLocal:
			manager.Register(local.New(s.paths, id))
		case config.ChannelSlack:
			t, ok := tokens[id]
			if !ok {
				continue
			}
			client := slackchannel.NewClient(t.Bot, t.App)
			manager.Register(slackchannel.New(id, client, store, logs))
		}
	}
}

// requeuePending puts scheduled-but-unstarted messages back on the incoming
// queue so the next supervisor sees them without waiting for recovery.
func (s *Supervisor) requeuePending(proc *orchestrator.Processor, store *queue.Store, logs *logging.Set) {
	for _, claim := range proc.DrainPending() {
		if _, err := store.RequeueFailure(claim); err != nil {
			logs.Runtime.Event("supervisor.requeue_pending_failed",
				"message_id", claim.Message.MessageID, "error", err.Error())
		}
	}
}

// StopActive asks the running supervisor to stop, waiting stopGrace before
// escalating to SIGKILL. Returns forced=true when the kill was needed.
func StopActive(paths statepaths.StatePaths) (forced bool, err error) {
	pid, err := ReadLockPID(paths)
	if err != nil {
		return false, fmt.Errorf("no supervisor lock: %w", err)
	}
	if !ProcessAlive(pid) {
		os.Remove(paths.SupervisorLock())
		return false, fmt.Errorf("supervisor pid %d is not running (stale lock removed)", pid)
	}
	if err := RequestStop(paths); err != nil {
		return false, err
	}
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return true, err
	}
	os.Remove(paths.SupervisorLock())
	return true, nil
}
