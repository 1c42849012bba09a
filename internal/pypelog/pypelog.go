// Package pypelog builds the orchestrator's ambient structured loggers on
// top of zerolog: one persistent logger per worker, writing to
// worker.<worker_id>.log under the activity root, and one short-lived
// logger per in-flight activity, writing only to that activity's own
// "<unique_key>_<ts>.log" attachment for the duration of one processing
// attempt.
package pypelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// NewWorkerLogger opens (creating or appending to) worker.<workerID>.log
// under root and returns a logger writing to it, tagged with the worker's
// id on every line.
func NewWorkerLogger(root, workerID string) (zerolog.Logger, io.Closer, error) {
	path := filepath.Join(root, fmt.Sprintf("worker.%s.log", workerID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("pypelog: open %s: %w", path, err)
	}
	logger := zerolog.New(f).With().Timestamp().Str("worker_id", workerID).Logger()
	return logger, f, nil
}

// NewActivityLogger opens (creating) the file at path and returns a logger
// that writes only to it, tagged with the activity's unique key. Callers
// detach it (via the returned io.Closer) once the processing attempt
// finishes, mirroring the original's per-activity add_file_handler /
// remove_file_handlers pairing — implemented here as composition (a
// dedicated zerolog.Logger instance) rather than mutating a shared logger's
// handler set, since zerolog has no handler-removal API to mirror directly.
func NewActivityLogger(path, uniqueKey string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("pypelog: open %s: %w", path, err)
	}
	logger := zerolog.New(f).With().Timestamp().Str("activity", uniqueKey).Logger()
	return logger, f, nil
}
