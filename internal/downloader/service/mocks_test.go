package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/downloader/storage"
)

type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Error(msg string, args ...any) { l.record(msg) }
func (l *mockLogger) Fatal(msg string, args ...any) { l.record(msg) }

func (l *mockLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.messages...)
}

// recordingStore is an in-memory store that remembers every persisted snapshot.
type recordingStore struct {
	*storage.InMemoryJobStore

	mu    sync.Mutex
	saves []core.Job
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryJobStore: storage.NewInMemoryJobStore()}
}

func (s *recordingStore) Save(ctx context.Context, job *core.Job) (*core.Job, error) {
	saved, err := s.InMemoryJobStore.Save(ctx, job)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.saves = append(s.saves, *saved)
	s.mu.Unlock()
	return saved, nil
}

func (s *recordingStore) savesFor(id uuid.UUID) []core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Job
	for _, j := range s.saves {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

// flakyStore rejects the first save matched by failOn and behaves normally afterwards.
type flakyStore struct {
	*recordingStore

	mu     sync.Mutex
	failOn func(job *core.Job) bool
	failed bool
}

func newFlakyStore(failOn func(job *core.Job) bool) *flakyStore {
	return &flakyStore{recordingStore: newRecordingStore(), failOn: failOn}
}

func (s *flakyStore) Save(ctx context.Context, job *core.Job) (*core.Job, error) {
	s.mu.Lock()
	if !s.failed && s.failOn(job) {
		s.failed = true
		s.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.recordingStore.Save(ctx, job)
}

type fakeProcess struct {
	output io.Reader
	wait   func() error
}

func (p *fakeProcess) Output() io.Reader {
	return p.output
}

func (p *fakeProcess) Wait() error {
	if p.wait == nil {
		return nil
	}
	return p.wait()
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	launch   func(ctx context.Context, sourceURL string) (core.Process, error)
}

func (l *fakeLauncher) Launch(ctx context.Context, sourceURL string) (core.Process, error) {
	l.mu.Lock()
	l.launched = append(l.launched, sourceURL)
	l.mu.Unlock()
	return l.launch(ctx, sourceURL)
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// scriptedLauncher emits the given lines and then exits with waitErr.
func scriptedLauncher(waitErr error, lines ...string) *fakeLauncher {
	return &fakeLauncher{
		launch: func(ctx context.Context, sourceURL string) (core.Process, error) {
			return &fakeProcess{
				output: strings.NewReader(strings.Join(lines, "\n") + "\n"),
				wait:   func() error { return waitErr },
			}, nil
		},
	}
}

// rawLauncher emits output exactly as given, without adding line endings.
func rawLauncher(output string) *fakeLauncher {
	return &fakeLauncher{
		launch: func(ctx context.Context, sourceURL string) (core.Process, error) {
			return &fakeProcess{output: strings.NewReader(output)}, nil
		},
	}
}

// blockingLauncher emits nothing until its context is cancelled.
func blockingLauncher() *fakeLauncher {
	return &fakeLauncher{
		launch: func(ctx context.Context, sourceURL string) (core.Process, error) {
			pr, pw := io.Pipe()
			go func() {
				<-ctx.Done()
				pw.Close()
			}()
			return &fakeProcess{
				output: pr,
				wait: func() error {
					<-ctx.Done()
					return ctx.Err()
				},
			}, nil
		},
	}
}

type recordingObserver struct {
	mu   sync.Mutex
	jobs []core.Job
}

func (o *recordingObserver) JobUpdated(job *core.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, *job)
}

func (o *recordingObserver) updates() []core.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.Job{}, o.jobs...)
}

func saveDownloadingJob(t *testing.T, store core.JobStore, sourceURL string) *core.Job {
	t.Helper()
	job, err := store.Save(context.Background(), &core.Job{
		SourceURL: sourceURL,
		Status:    core.JobStatusDownloading,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return job
}

func waitForTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task for job %s did not finish", task.JobID())
	}
}
