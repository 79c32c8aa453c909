// Package engine drives the task lifecycle: the resolver loop takes
// submissions through the provider, the dispatcher starts downloads under
// the concurrency and disk gates, and the monitor promotes finished
// artifacts. The store is the source of truth; the loops are stateless
// scans over it, so a restart resumes wherever the last process stopped.
package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"fetchd/internal/bus"
	"fetchd/internal/config"
	"fetchd/internal/provider"
	"fetchd/internal/storage"
)

type Engine struct {
	cfg    config.Config
	store  *storage.Store
	bus    bus.Bus
	client provider.Client
	log    *slog.Logger

	executor  *Executor
	admission *Admission

	// Per-task resolver bookkeeping. Lost on restart, which only means a
	// resumed task gets a fresh attempt budget.
	mu      sync.Mutex
	resolve map[string]*resolveState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type resolveState struct {
	attempts int
	nextPoll time.Time
}

func New(cfg config.Config, store *storage.Store, b bus.Bus, client provider.Client, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		bus:     b,
		client:  client,
		log:     log.With(slog.String("component", "engine")),
		resolve: make(map[string]*resolveState),
	}
	e.executor = NewExecutor(cfg.Download, cfg.Storage, store, client, log)
	e.admission = NewAdmission(cfg.Storage, store, log)
	return e
}

// Start recovers in-flight state and launches the worker loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.loop(ctx, "resolver", e.cfg.Worker.LoopInterval.Std(), e.resolvePass)
	e.loop(ctx, "dispatcher", e.cfg.Worker.LoopInterval.Std(), e.dispatchPass)
	e.loop(ctx, "monitor", e.cfg.Worker.MonitorInterval.Std(), e.monitorPass)
	e.loop(ctx, "janitor", time.Duration(e.cfg.Storage.JanitorIntervalMins)*time.Minute, e.janitorPass)

	e.log.Info("engine started")
	return nil
}

// Stop halts the loops, waits for in-flight downloads to park, and
// checkpoints the database.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.executor.Wait()
	if err := e.store.Checkpoint(); err != nil {
		e.log.Warn("checkpoint on shutdown failed", slog.Any("error", err))
	}
	e.log.Info("engine stopped")
}

// loop runs fn every interval until ctx is done. A panicking pass is
// logged and the loop keeps going.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runPass(ctx, name, fn)
			}
		}
	}()
}

func (e *Engine) runPass(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("worker pass panicked",
				slog.String("loop", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn(ctx)
}

// recover re-queues work interrupted by the previous process. Files stuck
// in downloading go back to selected (their byte counters reset); tasks in
// resolving keep their provider ref and resume polling.
func (e *Engine) recover() error {
	files, err := e.store.FilesInState(storage.FileDownloading)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := e.store.UpdateFileState(f.ID, storage.FileSelected); err != nil {
			e.log.Warn("recovery re-queue failed",
				slog.String("file", f.ID), slog.Any("error", err))
		}
	}
	if len(files) > 0 {
		e.log.Info("recovered interrupted downloads", slog.Int("files", len(files)))
	}

	resuming, err := e.store.TasksByStatus(storage.StatusResolving)
	if err != nil {
		return err
	}
	for _, t := range resuming {
		e.log.Info("resuming resolve",
			slog.String("task", t.ID), slog.String("providerRef", t.ProviderRef))
	}
	return nil
}

func (e *Engine) resolveStateFor(taskID string) *resolveState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.resolve[taskID]
	if !ok {
		st = &resolveState{}
		e.resolve[taskID] = st
	}
	return st
}

func (e *Engine) dropResolveState(taskID string) {
	e.mu.Lock()
	delete(e.resolve, taskID)
	e.mu.Unlock()
}

// abortTask stops a task's in-flight work immediately. Used when the task
// is deleted out from under the loops.
func (e *Engine) abortTask(taskID string) {
	e.executor.CancelTask(taskID)
	e.dropResolveState(taskID)
}
