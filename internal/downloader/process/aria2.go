package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

// Aria2Launcher starts aria2c for one source. The process stops seeding as
// soon as the payload is complete and skips file preallocation.
type Aria2Launcher struct {
	binaryPath  string
	downloadDir string
	logger      logging.Logger
}

func NewAria2Launcher(binaryPath, downloadDir string, logger logging.Logger) *Aria2Launcher {
	return &Aria2Launcher{
		binaryPath:  binaryPath,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

func (l *Aria2Launcher) Args(sourceURL string) []string {
	return []string{
		"--dir=" + l.downloadDir,
		"--seed-time=0",
		"--file-allocation=none",
		sourceURL,
	}
}

func (l *Aria2Launcher) Launch(ctx context.Context, sourceURL string) (core.Process, error) {
	// stdout and stderr share one pipe so lines keep their relative order.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.binaryPath, l.Args(sourceURL)...)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start %s: %w", l.binaryPath, err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	w.Close()

	l.logger.Debug("Downloader started", "pid", cmd.Process.Pid, "source_url", sourceURL)
	return &osProcess{cmd: cmd, output: r}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	output *os.File
}

func (p *osProcess) Output() io.Reader {
	return p.output
}

func (p *osProcess) Wait() error {
	defer p.output.Close()
	return p.cmd.Wait()
}
