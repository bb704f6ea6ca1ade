package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

const maxLineSize = 1024 * 1024

var DefaultProgressThresholds = []float64{5, 40, 70, 90}

type OrchestratorConfig struct {
	DownloadDir        string
	ProgressThresholds []float64
}

type OrchestratorOption func(*Orchestrator)

// WithObserver registers an observer for every persisted job transition.
func WithObserver(observer core.JobObserver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// Task is the handle of one job's background monitoring.
type Task struct {
	jobID uuid.UUID
	done  chan struct{}
}

func (t *Task) JobID() uuid.UUID {
	return t.jobID
}

// Done is closed once the job has been finalized and its lock released.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Orchestrator runs one monitoring goroutine per job. Each goroutine drives
// the downloader process and turns its output into job state transitions.
type Orchestrator struct {
	launcher   core.ProcessLauncher
	store      core.JobStateStore
	locks      *core.LockRegistry
	observer   core.JobObserver
	cfg        OrchestratorConfig
	thresholds []float64
	logger     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	wg    sync.WaitGroup
}

func NewOrchestrator(
	launcher core.ProcessLauncher,
	store core.JobStateStore,
	locks *core.LockRegistry,
	cfg OrchestratorConfig,
	logger logging.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	thresholds := cfg.ProgressThresholds
	if thresholds == nil {
		thresholds = DefaultProgressThresholds
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		launcher:   launcher,
		store:      store,
		locks:      locks,
		cfg:        cfg,
		thresholds: append([]float64(nil), thresholds...),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[uuid.UUID]*Task),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins monitoring job in the background and returns immediately.
func (o *Orchestrator) Start(job *core.Job) *Task {
	task := &Task{jobID: job.ID, done: make(chan struct{})}
	o.locks.Acquire(job.ID)

	o.mu.Lock()
	o.tasks[job.ID] = task
	o.mu.Unlock()

	snapshot := job.Clone()
	o.wg.Go(func() {
		defer close(task.done)
		defer o.forget(task)
		defer o.locks.Release(job.ID)

		o.monitor(o.ctx, snapshot)
	})
	return task
}

// Active returns the number of jobs still being monitored.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits for running jobs to finish. If ctx ends first, the remaining
// downloader processes are killed and their jobs end in ERROR.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.logger.Warn("Shutdown deadline reached, cancelling downloads", "active", o.Active())
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) forget(task *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tasks[task.jobID] == task {
		delete(o.tasks, task.jobID)
	}
}

func (o *Orchestrator) monitor(ctx context.Context, snapshot *core.Job) {
	jobID := snapshot.ID
	logger := o.logger

	proc, err := o.launcher.Launch(ctx, snapshot.SourceURL)
	if err != nil {
		o.fail(ctx, snapshot, core.FailureProcess, err)
		return
	}

	var (
		next     int
		fileHint string
		finished bool
	)

	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(core.ScanOutputLines)
	for scanner.Scan() {
		c := core.ParseLine(scanner.Text())
		if c.IsEmpty() {
			continue
		}

		if p, ok := c.Progress.Get(); ok && next < len(o.thresholds) && p > o.thresholds[next] {
			o.mutate(ctx, snapshot, func(j *core.Job) {
				j.Progress = min(max(p, j.Progress), 100)
			})
			next++
		}

		if hint, ok := c.FileHint.Get(); ok {
			fileHint = hint
		}

		if c.Success {
			finished = true
			if fileHint == "" {
				o.fail(ctx, snapshot, core.FailureInconsistentCompletion, nil)
				break
			}
			filePath := filepath.Join(o.cfg.DownloadDir, fileHint)
			if o.mutate(ctx, snapshot, func(j *core.Job) {
				j.FilePath = filePath
				j.Status = core.JobStatusCompleted
				j.Progress = 100
			}) {
				logger.Info("Download completed", "job_id", jobID, "file_path", filePath)
			}
			break
		}
	}
	scanErr := scanner.Err()

	// Keep the pipe empty so the process can exit.
	_, _ = io.Copy(io.Discard, proc.Output())
	waitErr := proc.Wait()

	// snapshot only turns terminal once a terminal transition was persisted,
	// so a completion whose write failed is still finalized here.
	if snapshot.Status.IsTerminal() {
		return
	}
	switch {
	case scanErr != nil:
		o.fail(ctx, snapshot, core.FailureProcess, scanErr)
	case waitErr != nil:
		o.fail(ctx, snapshot, core.FailureProcess, waitErr)
	case finished:
		o.fail(ctx, snapshot, core.FailureProcess, errors.New("final status could not be persisted"))
	default:
		o.fail(ctx, snapshot, core.FailureIncompleteStream, nil)
	}
	if !snapshot.Status.IsTerminal() {
		logger.Error("Job left unfinished, store rejected every final update", "job_id", jobID)
	}
}

func (o *Orchestrator) fail(ctx context.Context, snapshot *core.Job, reason core.FailureReason, cause error) {
	applied := o.mutate(ctx, snapshot, func(j *core.Job) {
		j.Status = core.JobStatusError
	})
	if !applied {
		return
	}
	args := []any{"job_id", snapshot.ID, "reason", reason}
	if cause != nil {
		args = append(args, "error", cause)
	}
	o.logger.Error("Download failed", args...)
}

// mutate applies fn to the latest stored snapshot under the job's lock and
// persists the result. Jobs already in a terminal status are left untouched.
// It reports whether the mutation was persisted.
func (o *Orchestrator) mutate(ctx context.Context, snapshot *core.Job, fn func(*core.Job)) bool {
	// Final transitions must still be written after a shutdown cancel.
	ctx = context.WithoutCancel(ctx)

	applied := false
	err := o.locks.WithLock(snapshot.ID, func() error {
		current, err := o.store.GetByID(ctx, snapshot.ID)
		if errors.Is(err, core.ErrJobNotFound) {
			o.logger.Warn("Job record missing, restoring from last known state", "job_id", snapshot.ID)
			current = snapshot.Clone()
		} else if err != nil {
			return err
		}

		if current.Status.IsTerminal() {
			o.logger.Debug("Ignoring update for finished job", "job_id", snapshot.ID, "status", current.Status)
			*snapshot = *current
			return nil
		}

		fn(current)
		saved, err := o.store.Save(ctx, current)
		if err != nil {
			return err
		}
		*snapshot = *saved
		applied = true

		if o.observer != nil {
			o.observer.JobUpdated(saved.Clone())
		}
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to persist job update", "job_id", snapshot.ID, "error", err)
	}
	return applied
}
