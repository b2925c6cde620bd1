package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

// ErrTimeout is returned when no stable result appeared within the deadline.
var ErrTimeout = errors.New("timed out waiting for transcription output")

// ErrSourceLost is returned when the input artifact disappeared from the
// shared directory before a result was produced. The agent discarded the
// job, so waiting out the full timeout would be pointless.
var ErrSourceLost = errors.New("source artifact disappeared before result was produced")

// Watcher polls the shared directory for result artifacts correlated to a
// job id. The agent writes results beside the inputs, so a single directory
// is scanned for both.
type Watcher struct {
	sharedDir       string
	pollInterval    time.Duration
	stabilityWindow time.Duration
	resultExt       string
	logger          *slog.Logger
}

// New creates a watcher for the given shared directory
func New(logger *slog.Logger, sharedDir string, cfg config.WatcherConfig) *Watcher {
	return &Watcher{
		sharedDir:       sharedDir,
		pollInterval:    cfg.GetPollInterval(),
		stabilityWindow: cfg.GetStabilityWindow(),
		resultExt:       cfg.ResultExtension,
		logger:          logger,
	}
}

// candidate tracks a potential result file across polls so stability can be
// judged without re-reading the whole directory history.
type candidate struct {
	path      string
	size      int64
	unchanged time.Time // when the current size was first observed
}

// AwaitResult polls until a stable, non-empty result artifact for jobID
// appears, the source artifact vanishes, the timeout elapses, or ctx is
// cancelled. Returns the result file path.
func (w *Watcher) AwaitResult(ctx context.Context, jobID, sourcePath string, timeout time.Duration) (string, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	w.logger.Info("Waiting for transcription output",
		slog.String("job_id", jobID),
		slog.Duration("timeout", timeout),
		slog.Duration("poll_interval", w.pollInterval),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var tracked *candidate

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-ticker.C:
			if time.Now().After(deadline) {
				w.logger.Warn("Timeout waiting for transcription output",
					slog.String("job_id", jobID),
					slog.Duration("timeout", timeout),
				)
				return "", ErrTimeout
			}

			path, size, err := w.findResult(jobID)
			if err != nil {
				w.logger.Warn("Failed to scan shared directory",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if path == "" {
				tracked = nil
				// Only with no result in sight does a missing source mean
				// the agent dropped the job. Agents may consume the input
				// after writing the result, so a found candidate always
				// wins over a vanished source.
				if _, err := os.Stat(sourcePath); err != nil {
					if os.IsNotExist(err) {
						w.logger.Warn("Source artifact lost while waiting",
							slog.String("job_id", jobID),
							slog.String("source", sourcePath),
						)
						return "", ErrSourceLost
					}
					w.logger.Warn("Failed to stat source artifact",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			now := time.Now()
			if tracked == nil || tracked.path != path || tracked.size != size {
				tracked = &candidate{path: path, size: size, unchanged: now}
				continue
			}

			// Accept only once the size has been non-zero and unchanged for
			// the full stability window.
			if size > 0 && now.Sub(tracked.unchanged) >= w.stabilityWindow {
				w.logger.Info("Transcription output found",
					slog.String("job_id", jobID),
					slog.String("file", path),
					slog.Float64("wait_time", time.Since(start).Seconds()),
				)
				return path, nil
			}
		}
	}
}

// findResult scans the shared directory for a result file whose name embeds
// the job id. Unrelated files are tolerated; only the matched entry is
// stat'ed, keeping the per-poll cost bounded by the directory listing.
func (w *Watcher) findResult(jobID string) (string, int64, error) {
	entries, err := os.ReadDir(w.sharedDir)
	if err != nil {
		return "", 0, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, w.resultExt) || !strings.Contains(name, jobID) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Raced with a delete; treat as not found this poll.
			continue
		}
		return filepath.Join(w.sharedDir, name), info.Size(), nil
	}

	return "", 0, nil
}

// ReadTranscript reads and trims the contents of a result artifact
func (w *Watcher) ReadTranscript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(data))
	w.logger.Info("Transcription file read",
		slog.String("file", path),
		slog.Int("chars", len(text)),
	)

	return text, nil
}

// ListArtifacts returns all shared-directory files whose name embeds the
// job id, inputs and results alike.
func (w *Watcher) ListArtifacts(jobID string) ([]string, error) {
	entries, err := os.ReadDir(w.sharedDir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), jobID) {
			paths = append(paths, filepath.Join(w.sharedDir, entry.Name()))
		}
	}
	return paths, nil
}
