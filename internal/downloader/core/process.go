package core

import (
	"context"
	"io"
)

// Process is a running downloader whose stdout and stderr arrive on a
// single reader.
type Process interface {
	Output() io.Reader
	Wait() error
}

type ProcessLauncher interface {
	Launch(ctx context.Context, sourceURL string) (Process, error)
}
