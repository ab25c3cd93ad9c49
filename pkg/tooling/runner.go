// Package tooling wraps invocation of the external log-manager and
// corruption-manager binaries: both are spawned as
// subprocesses, poll a JSON progress file while running, and stream
// stdout asynchronously so a full pipe buffer never deadlocks the
// subprocess.
package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/lancache/cachectl-core/pkg/coreerrors"
)

// ProgressDoc is the JSON shape both tools write to their progress
// file.
type ProgressDoc struct {
	IsProcessing    bool              `json:"is_processing"`
	PercentComplete float64           `json:"percent_complete"`
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	LinesProcessed  uint64            `json:"lines_processed"`
	ServiceCounts   map[string]uint64 `json:"service_counts,omitempty"`
}

// pollInterval is how often the progress file is re-read while the
// subprocess runs.
const pollInterval = 500 * time.Millisecond

// Runner invokes a named external tool binary.
type Runner struct {
	// BinaryPath is the path to the tool executable, e.g.
	// log_manager or corruption_manager.
	BinaryPath string
}

// NewRunner builds a Runner for the given binary path.
func NewRunner(binaryPath string) *Runner {
	return &Runner{BinaryPath: binaryPath}
}

// RunAndWatchProgress runs `BinaryPath verb args...`, polling
// progressPath for ProgressDoc updates and invoking onProgress on each
// read whose percent changed or that carries a message, until the
// process exits (plus one final read after exit). A non-zero exit is surfaced
// as a Transient error (retriable at the caller's discretion); stdout
// is drained on a separate goroutine so a chatty tool never blocks on
// a full pipe.
func (r *Runner) RunAndWatchProgress(ctx context.Context, verb string, args []string, progressPath string, onProgress func(ProgressDoc)) error {
	cmdArgs := append([]string{verb}, args...)
	cmd := exec.CommandContext(ctx, r.BinaryPath, cmdArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tooling: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return coreerrors.New(coreerrors.KindFatal, fmt.Errorf("tooling: start %s: %w", r.BinaryPath, err))
	}

	drained := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stdout)
		drained <- data
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastPercent float64 = -1
	for {
		select {
		case <-ctx.Done():
			return coreerrors.New(coreerrors.KindCancelled, ctx.Err())
		case <-ticker.C:
			if doc, ok := readProgress(progressPath); ok {
				if doc.PercentComplete != lastPercent || doc.Message != "" {
					lastPercent = doc.PercentComplete
					if onProgress != nil {
						onProgress(doc)
					}
				}
			}
		case err := <-done:
			<-drained
			if doc, ok := readProgress(progressPath); ok && onProgress != nil {
				onProgress(doc)
			}
			if err != nil {
				return coreerrors.New(coreerrors.KindTransient, fmt.Errorf("tooling: %s %s failed: %w (stderr: %s)", r.BinaryPath, verb, err, stderrBuf.String()))
			}
			return nil
		}
	}
}

// RunCapture runs `BinaryPath verb args...` to completion and returns
// its stdout, for verbs like `summary` that print a single JSON
// document rather than writing a progress file.
func (r *Runner) RunCapture(ctx context.Context, verb string, args []string) ([]byte, error) {
	cmdArgs := append([]string{verb}, args...)
	cmd := exec.CommandContext(ctx, r.BinaryPath, cmdArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, coreerrors.New(coreerrors.KindCancelled, ctx.Err())
		}
		return nil, coreerrors.New(coreerrors.KindTransient, fmt.Errorf("tooling: %s %s failed: %w (stderr: %s)", r.BinaryPath, verb, err, stderr.String()))
	}
	return stdout.Bytes(), nil
}

func readProgress(path string) (ProgressDoc, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProgressDoc{}, false
	}
	var doc ProgressDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ProgressDoc{}, false
	}
	return doc, true
}

// InvalidateProgressFile deletes a prior tool's progress/result file,
// used e.g. when LogRemove invalidates the LogCount cache.
func InvalidateProgressFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tooling: invalidate %s: %w", path, err)
	}
	return nil
}
