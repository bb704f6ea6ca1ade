package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
)

func newTestOrchestrator(launcher core.ProcessLauncher, store core.JobStateStore, opts ...OrchestratorOption) (*Orchestrator, *core.LockRegistry) {
	locks := core.NewLockRegistry()
	o := NewOrchestrator(launcher, store, locks, OrchestratorConfig{
		DownloadDir:        "downloads",
		ProgressThresholds: []float64{5, 40, 70, 90},
	}, &mockLogger{}, opts...)
	return o, locks
}

func progressWrites(saves []core.Job) []float64 {
	var out []float64
	for _, s := range saves {
		if s.Status == core.JobStatusDownloading {
			out = append(out, s.Progress)
		}
	}
	return out
}

func TestOrchestrator_CompletesDownload(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"10%",
		"50%",
		"Download complete: a/b/file.iso",
		"(OK):download completed.",
	)
	o, locks := newTestOrchestrator(launcher, store)

	task := o.Start(job)
	waitForTask(t, task)

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, filepath.Join("downloads", "file.iso"), got.FilePath)

	// initial save + two progress updates + completion
	saves := store.savesFor(job.ID)
	require.Len(t, saves, 4)
	assert.Equal(t, []float64{0, 10, 50}, progressWrites(saves))

	assert.Equal(t, 0, locks.Len())
	assert.Equal(t, 0, o.Active())
	assert.Equal(t, []string{"https://example.com/file.torrent"}, launcher.launched)
}

func TestOrchestrator_SuccessWithoutFileHintIsError(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"10%",
		"(OK):download completed.",
		"Download complete: a/b/late.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Empty(t, got.FilePath)
	assert.Equal(t, 10.0, got.Progress)
}

func TestOrchestrator_StreamClosesWithoutMarker(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil, "10%", "Download complete: /tmp/x/movie.mp4", "60%")
	o, locks := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Empty(t, got.FilePath)
	assert.Equal(t, 0, locks.Len())
}

func TestOrchestrator_EmptyStream(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	o, _ := newTestOrchestrator(scriptedLauncher(nil), store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
}

func TestOrchestrator_AtMostOneUpdatePerThreshold(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")

	lines := make([]string, 0, 100)
	for i := 1; i <= 100; i++ {
		lines = append(lines, fmt.Sprintf("[#1 %d%% CN:1]", i))
	}
	o, _ := newTestOrchestrator(scriptedLauncher(nil, lines...), store)

	waitForTask(t, o.Start(job))

	saves := store.savesFor(job.ID)
	writes := progressWrites(saves)
	// initial save, then one write per threshold crossed
	assert.Equal(t, []float64{0, 6, 41, 71, 91}, writes)
	assert.Equal(t, core.JobStatusError, saves[len(saves)-1].Status)
}

func TestOrchestrator_OneThresholdPerLine(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	o, _ := newTestOrchestrator(scriptedLauncher(nil, "95%", "96%"), store)

	waitForTask(t, o.Start(job))

	// a jump past every threshold still consumes one per line
	assert.Equal(t, []float64{0, 95, 96}, progressWrites(store.savesFor(job.ID)))
}

func TestOrchestrator_ProgressNeverDecreases(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	o, _ := newTestOrchestrator(scriptedLauncher(nil, "50%", "45%", "250%"), store)

	waitForTask(t, o.Start(job))

	assert.Equal(t, []float64{0, 50, 50, 100}, progressWrites(store.savesFor(job.ID)))
}

func TestOrchestrator_ProcessErrorAfterCompletionKeepsCompleted(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(errors.New("exit status 7"),
		"Download complete: /downloads/ubuntu.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
	assert.Equal(t, filepath.Join("downloads", "ubuntu.iso"), got.FilePath)
}

func TestOrchestrator_ProcessErrorWithoutCompletion(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	logger := &mockLogger{}
	o := NewOrchestrator(scriptedLauncher(errors.New("exit status 1"), "10%"), store, core.NewLockRegistry(),
		OrchestratorConfig{DownloadDir: "downloads"}, logger)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.True(t, slices.Contains(logger.getMessages(), "Download failed"))
}

func TestOrchestrator_LaunchFailure(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := &fakeLauncher{
		launch: func(ctx context.Context, sourceURL string) (core.Process, error) {
			return nil, errors.New("executable file not found")
		},
	}
	o, locks := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Equal(t, 0, locks.Len())
}

func TestOrchestrator_LineTooLong(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"10%",
		strings.Repeat("x", maxLineSize+1),
		"Download complete: /downloads/ubuntu.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
}

func TestOrchestrator_CarriageReturnSeparatedOutput(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := rawLauncher("10%\r50%\rDownload complete: a/b/file.iso\r(OK):download completed.\r")
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
	assert.Equal(t, filepath.Join("downloads", "file.iso"), got.FilePath)
	assert.Equal(t, []float64{0, 10, 50}, progressWrites(store.savesFor(job.ID)))
}

func TestOrchestrator_LongProgressRedrawStreamCompletes(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")

	// well past maxLineSize in total, but every redraw is its own line
	var out strings.Builder
	for i := range 100_000 {
		fmt.Fprintf(&out, "[#1 %dMiB/2.0GiB(%d%%) CN:4]\r", i, i*100/100_000)
	}
	out.WriteString("Download complete: /downloads/big.iso\r\n(OK):download completed.\r\n")
	require.Greater(t, out.Len(), maxLineSize)

	o, _ := newTestOrchestrator(rawLauncher(out.String()), store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
	assert.Equal(t, filepath.Join("downloads", "big.iso"), got.FilePath)
}

func TestOrchestrator_DotDotHintIsNotAFile(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"Download complete: /downloads/..",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Empty(t, got.FilePath)
}

func TestOrchestrator_FailedCompletionWriteIsFinalized(t *testing.T) {
	store := newFlakyStore(func(j *core.Job) bool { return j.Status == core.JobStatusCompleted })
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"Download complete: a/b/file.iso",
		"(OK):download completed.",
	)
	o, locks := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Empty(t, got.FilePath)
	assert.Equal(t, 0, locks.Len())
}

func TestOrchestrator_FailedErrorWriteIsRetriedAtFinalize(t *testing.T) {
	store := newFlakyStore(func(j *core.Job) bool { return j.Status == core.JobStatusError })
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil, "10%", "(OK):download completed.")
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Equal(t, 10.0, got.Progress)
}

func TestOrchestrator_TerminalJobIsNotMutated(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	job.Status = core.JobStatusError
	_, err := store.Save(context.Background(), job)
	require.NoError(t, err)

	launcher := scriptedLauncher(nil,
		"50%",
		"Download complete: /downloads/ubuntu.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)

	waitForTask(t, o.Start(job))

	saves := store.savesFor(job.ID)
	require.Len(t, saves, 2)
	assert.Equal(t, core.JobStatusError, saves[1].Status)
	assert.Equal(t, 0.0, saves[1].Progress)
}

func TestOrchestrator_MissingRecordIsRestored(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	require.NoError(t, store.Delete(context.Background(), job.ID))

	logger := &mockLogger{}
	o := NewOrchestrator(scriptedLauncher(nil, "10%"), store, core.NewLockRegistry(),
		OrchestratorConfig{DownloadDir: "downloads"}, logger)

	waitForTask(t, o.Start(job))

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Equal(t, 10.0, got.Progress)
	assert.True(t, slices.Contains(logger.getMessages(), "Job record missing, restoring from last known state"))
}

func TestOrchestrator_NotifiesObserver(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	observer := &recordingObserver{}
	launcher := scriptedLauncher(nil,
		"10%",
		"Download complete: /downloads/ubuntu.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store, WithObserver(observer))

	waitForTask(t, o.Start(job))

	updates := observer.updates()
	require.Len(t, updates, 2)
	assert.Equal(t, 10.0, updates[0].Progress)
	assert.Equal(t, core.JobStatusCompleted, updates[1].Status)
}

func TestOrchestrator_ConcurrentJobs(t *testing.T) {
	store := newRecordingStore()
	launcher := scriptedLauncher(nil,
		"10%",
		"45%",
		"Download complete: /downloads/file.bin",
		"(OK):download completed.",
	)
	o, locks := newTestOrchestrator(launcher, store)

	const n = 25
	tasks := make([]*Task, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range n {
		job := saveDownloadingJob(t, store, fmt.Sprintf("https://example.com/%d.torrent", i))
		wg.Go(func() {
			task := o.Start(job)
			mu.Lock()
			tasks = append(tasks, task)
			mu.Unlock()
		})
	}
	wg.Wait()
	o.Wait()

	for _, task := range tasks {
		waitForTask(t, task)
		got, err := store.GetByID(context.Background(), task.JobID())
		require.NoError(t, err)
		assert.Equal(t, core.JobStatusCompleted, got.Status)
		assert.Len(t, store.savesFor(task.JobID()), 4)
	}
	assert.Equal(t, 0, locks.Len())
	assert.Equal(t, n, launcher.launchCount())
}

func TestOrchestrator_ShutdownWaitsForRunningJobs(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	launcher := scriptedLauncher(nil,
		"Download complete: /downloads/ubuntu.iso",
		"(OK):download completed.",
	)
	o, _ := newTestOrchestrator(launcher, store)
	task := o.Start(job)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	waitForTask(t, task)
	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
}

func TestOrchestrator_ShutdownCancelsAfterDeadline(t *testing.T) {
	store := newRecordingStore()
	job := saveDownloadingJob(t, store, "https://example.com/file.torrent")
	o, locks := newTestOrchestrator(blockingLauncher(), store)
	task := o.Start(job)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := o.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	waitForTask(t, task)
	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusError, got.Status)
	assert.Equal(t, 0, locks.Len())
}

func TestOrchestrator_ShutdownWithoutJobs(t *testing.T) {
	o, _ := newTestOrchestrator(scriptedLauncher(nil), newRecordingStore())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}
