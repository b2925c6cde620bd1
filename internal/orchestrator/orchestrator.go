package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/audio"
	"github.com/skypro1111/whisper-watch-service/internal/config"
	"github.com/skypro1111/whisper-watch-service/internal/convert"
	"github.com/skypro1111/whisper-watch-service/internal/job"
	"github.com/skypro1111/whisper-watch-service/internal/metrics"
	"github.com/skypro1111/whisper-watch-service/internal/validate"
	"github.com/skypro1111/whisper-watch-service/internal/watcher"
)

// AgentProbe reports whether the transcription agent process is alive.
type AgentProbe interface {
	Running(ctx context.Context) (bool, int, error)
}

// HealthSentry is the watchdog surface the orchestrator talks to: it
// records agent successes and performs budget-bounded restarts.
type HealthSentry interface {
	RecordSuccess()
	TryRestart(ctx context.Context) error
}

// Orchestrator drives admitted jobs through staging, the agent's shared
// directory, and result collection. One goroutine per job; concurrency
// inside the active section is bounded by the governor.
type Orchestrator struct {
	store     *job.Store
	watcher   *watcher.Watcher
	agent     AgentProbe
	sentry    HealthSentry
	converter *convert.Converter
	governor  *Governor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sharedDir     string
	modelName     string
	timeouts      config.TimeoutConfig
	maxConcurrent int
	keepAudio     bool
	keepText      bool
	archiveDir    string
	resultExt     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator wired to the store, watcher, and agent.
func New(logger *slog.Logger, store *job.Store, w *watcher.Watcher, agent AgentProbe, sentry HealthSentry, converter *convert.Converter, m *metrics.Metrics, cfg *config.Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:         store,
		watcher:       w,
		agent:         agent,
		sentry:        sentry,
		converter:     converter,
		governor:      NewGovernor(cfg.Queue.MaxConcurrentJobs),
		metrics:       m,
		logger:        logger,
		sharedDir:     cfg.Agent.SharedDir,
		modelName:     cfg.Agent.ModelName,
		timeouts:      cfg.Timeouts,
		maxConcurrent: cfg.Queue.MaxConcurrentJobs,
		keepAudio:     cfg.Files.KeepAudio,
		keepText:      cfg.Files.KeepTranscripts,
		archiveDir:    cfg.Files.ArchiveDir,
		resultExt:     cfg.Watcher.ResultExtension,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Submit starts processing a stored job in the background.
func (o *Orchestrator) Submit(jobID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(o.ctx, jobID)
	}()
}

// ActiveJobs returns the number of jobs currently holding a slot.
func (o *Orchestrator) ActiveJobs() int {
	return o.governor.InUse()
}

// Stop cancels in-flight jobs and waits for their goroutines to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// process drives a job through its attempts, backing off between
// timeout retries. The concurrency slot is held per attempt, so a job
// sleeping out its backoff does not starve the queue.
func (o *Orchestrator) process(ctx context.Context, jobID string) {
	for {
		backoff, retry := o.attempt(ctx, jobID)
		if !retry {
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt runs a single attempt. It returns a backoff duration and
// whether the job should be retried after it.
func (o *Orchestrator) attempt(ctx context.Context, jobID string) (time.Duration, bool) {
	j, ok := o.store.Get(jobID)
	if !ok {
		o.logger.Error("Submitted job not found", slog.String("job_id", jobID))
		return 0, false
	}
	snap := j.Snapshot()

	// Pre-flight before taking a slot: a restart sequence sleeps for
	// seconds and must not hold up peers in the meantime.
	if !o.ensureAgent(ctx) {
		o.fail(jobID, job.CodeAgentUnavailable, "transcription agent is not running and could not be restarted")
		return 0, false
	}

	if err := o.governor.Acquire(ctx); err != nil {
		// Shutdown while queued; the job stays pending and is reported
		// as such until the store evicts it.
		return 0, false
	}
	defer o.governor.Release()
	o.updateGauges()
	defer o.updateGauges()

	// The upload may have been cleaned up while the job waited in queue.
	if _, err := os.Stat(snap.InputPath); err != nil {
		o.fail(jobID, job.CodeSourceLost, "uploaded file no longer exists")
		return 0, false
	}

	if err := o.store.Transition(jobID, job.StatusActive, nil, nil); err != nil {
		o.logger.Error("Failed to activate job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return 0, false
	}
	o.updateGauges()
	started := time.Now()

	stagedPath, err := o.stage(ctx, snap)
	if err != nil {
		code := job.CodeUnexpected
		if errors.Is(err, errConversion) {
			code = job.CodeConversionFailed
		}
		o.failActive(jobID, code, err.Error())
		return 0, false
	}

	timeout := o.timeouts.ForSize(snap.FileSizeMB)
	resultPath, err := o.watcher.AwaitResult(ctx, jobID, stagedPath, timeout)
	switch {
	case err == nil:
		o.complete(jobID, snap, resultPath, time.Since(started))

	case errors.Is(err, watcher.ErrTimeout):
		return o.handleTimeout(jobID, snap, timeout)

	case errors.Is(err, watcher.ErrSourceLost):
		o.failActive(jobID, job.CodeSourceLost, "input artifact disappeared from the shared directory")
		o.cleanupArtifacts(jobID, snap)

	case errors.Is(err, context.Canceled):
		// Shutdown mid-flight; leave the job active for the watchdog or
		// the next start to reconcile.

	default:
		o.failActive(jobID, job.CodeUnexpected, err.Error())
		o.cleanupArtifacts(jobID, snap)
	}
	return 0, false
}

// ensureAgent verifies the agent process is alive, attempting one
// budget-bounded restart if it is not.
func (o *Orchestrator) ensureAgent(ctx context.Context) bool {
	running, _, err := o.agent.Running(ctx)
	if err != nil {
		o.logger.Error("Agent probe failed", slog.String("error", err.Error()))
		return false
	}
	if running {
		return true
	}

	o.logger.Warn("Agent not running before job start, attempting restart")
	if err := o.sentry.TryRestart(ctx); err != nil {
		o.logger.Error("Pre-flight restart failed", slog.String("error", err.Error()))
		return false
	}

	running, _, err = o.agent.Running(ctx)
	return err == nil && running
}

var errConversion = errors.New("audio conversion failed")

// stage places the input into the shared directory under the
// {job_id}_{original_filename} naming contract, converting first when
// the agent cannot ingest the format natively.
func (o *Orchestrator) stage(ctx context.Context, snap job.Snapshot) (string, error) {
	sourcePath := snap.InputPath
	stagedName := snap.ID + "_" + snap.OriginalFilename

	if o.converter.Needed(snap.Format) {
		target := o.converter.TargetFormat()
		converted := sourcePath + "." + target
		if err := o.converter.Convert(ctx, sourcePath, converted); err != nil {
			return "", fmt.Errorf("%w: %s", errConversion, err.Error())
		}
		sourcePath = converted
		stem := strings.TrimSuffix(snap.OriginalFilename, filepath.Ext(snap.OriginalFilename))
		stagedName = snap.ID + "_" + stem + "." + target
	}

	stagedPath := filepath.Join(o.sharedDir, stagedName)
	if err := copyFile(sourcePath, stagedPath); err != nil {
		return "", fmt.Errorf("failed to stage input: %w", err)
	}

	o.logger.Info("Input staged for transcription",
		slog.String("job_id", snap.ID),
		slog.String("staged", stagedName),
		slog.Float64("size_mb", snap.FileSizeMB))
	return stagedPath, nil
}

// complete reads the transcript, derives result metrics, and finalizes
// the job and its artifacts.
func (o *Orchestrator) complete(jobID string, snap job.Snapshot, resultPath string, elapsed time.Duration) {
	text, err := o.watcher.ReadTranscript(resultPath)
	if err != nil {
		o.failActive(jobID, job.CodeUnexpected, fmt.Sprintf("failed to read result: %v", err))
		o.cleanupArtifacts(jobID, snap)
		return
	}

	audioDuration := o.audioDuration(snap)
	result := &job.Result{
		Text:           text,
		Words:          len(strings.Fields(text)),
		ProcessingTime: elapsed.Seconds(),
		AudioDuration:  audioDuration,
		Format:         snap.Format,
		FileSizeMB:     snap.FileSizeMB,
		Model:          o.modelName,
	}
	if audioDuration > 0 {
		result.RTF = elapsed.Seconds() / audioDuration
	}

	if err := o.store.Transition(jobID, job.StatusCompleted, result, nil); err != nil {
		o.logger.Error("Failed to complete job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}

	o.sentry.RecordSuccess()
	o.metrics.RecordJobCompleted(elapsed.Seconds(), result.Words)
	o.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("words", result.Words),
		slog.Float64("processing_time", result.ProcessingTime),
		slog.Float64("rtf", result.RTF))

	o.cleanupArtifacts(jobID, snap)
}

// audioDuration prefers the exact duration from the WAV header and
// falls back to the format-based size estimate for everything else.
func (o *Orchestrator) audioDuration(snap job.Snapshot) float64 {
	if strings.EqualFold(snap.Format, "wav") {
		if d, err := audio.FileDuration(snap.InputPath); err == nil {
			return d
		}
	}
	return validate.EstimateDuration(snap.Format, snap.FileSizeMB)
}

// handleTimeout marks the attempt timed out and, while retries remain,
// re-enters the job into pending with exponential backoff.
func (o *Orchestrator) handleTimeout(jobID string, snap job.Snapshot, timeout time.Duration) (time.Duration, bool) {
	o.metrics.RecordJobTimedOut()
	failure := &job.Failure{
		Code:    job.CodeTimeout,
		Message: fmt.Sprintf("no result after %.0f seconds", timeout.Seconds()),
	}
	if err := o.store.Transition(jobID, job.StatusTimedOut, nil, failure); err != nil {
		o.logger.Error("Failed to time out job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return 0, false
	}
	o.updateGauges()

	// Remove the staged copy so the retry starts from the original upload.
	o.removeStaged(jobID)

	retryCount, ok := o.store.ResetForRetry(jobID)
	if !ok {
		o.logger.Warn("Retries exhausted",
			slog.String("job_id", jobID),
			slog.Int("retry_count", snap.RetryCount))
		o.cleanupArtifacts(jobID, snap)
		return 0, false
	}

	o.metrics.RecordJobRetried()
	backoff := time.Duration(1<<uint(retryCount)) * time.Second
	o.logger.Info("Retrying job after timeout",
		slog.String("job_id", jobID),
		slog.Int("retry_count", retryCount),
		slog.Duration("backoff", backoff))

	return backoff, true
}

// fail marks a pending job failed before it entered the active section.
func (o *Orchestrator) fail(jobID, code, message string) {
	failure := &job.Failure{Code: code, Message: message}
	if err := o.store.Transition(jobID, job.StatusFailed, nil, failure); err != nil {
		o.logger.Error("Failed to fail job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}
	o.metrics.RecordJobFailed(code)
	o.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("code", code),
		slog.String("message", message))
}

// failActive marks an active job failed.
func (o *Orchestrator) failActive(jobID, code, message string) {
	o.fail(jobID, code, message)
	o.updateGauges()
}

// cleanupArtifacts archives or removes everything the job left behind:
// the original upload, the staged input, and the result file.
func (o *Orchestrator) cleanupArtifacts(jobID string, snap job.Snapshot) {
	paths, err := o.watcher.ListArtifacts(jobID)
	if err != nil {
		o.logger.Warn("Failed to list artifacts for cleanup",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}

	for _, path := range paths {
		keep := o.keepAudio
		if strings.HasSuffix(path, o.resultExt) {
			keep = o.keepText
		}
		if keep {
			if err := o.archive(path); err != nil {
				o.logger.Warn("Failed to archive artifact",
					slog.String("file", path),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove artifact",
				slog.String("file", path),
				slog.String("error", err.Error()))
		}
	}

	// The temporary upload (and any converted copy) always goes.
	if p := snap.InputPath; p != "" {
		os.Remove(p)
		os.Remove(p + "." + o.converter.TargetFormat())
	}
}

func (o *Orchestrator) archive(path string) error {
	if err := os.MkdirAll(o.archiveDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(o.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		// Cross-device moves fall back to copy and delete.
		if err := copyFile(path, dest); err != nil {
			return err
		}
		return os.Remove(path)
	}
	return nil
}

// removeStaged deletes shared-directory files for the job without
// touching the original upload.
func (o *Orchestrator) removeStaged(jobID string) {
	paths, err := o.watcher.ListArtifacts(jobID)
	if err != nil {
		return
	}
	for _, path := range paths {
		os.Remove(path)
	}
}

func (o *Orchestrator) updateGauges() {
	stats := o.store.Stats(o.maxConcurrent)
	o.metrics.SetQueueSize(stats.QueueSize)
	o.metrics.SetActiveJobs(o.governor.InUse())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
