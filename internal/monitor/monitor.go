package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
	"github.com/skypro1111/whisper-watch-service/internal/job"
	"github.com/skypro1111/whisper-watch-service/internal/metrics"
)

// AgentController is the subset of agent control the watchdog needs.
type AgentController interface {
	Running(ctx context.Context) (bool, int, error)
	Restart(ctx context.Context) error
}

// HealthStatus is the aggregate verdict exposed on the health endpoint.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Orphan describes an input artifact in the shared directory that no
// longer maps to a live job.
type Orphan struct {
	Name    string  `json:"name"`
	SizeMB  float64 `json:"size_mb"`
	AgeSecs float64 `json:"age_seconds"`
}

// FolderStats summarizes the shared directory contents.
type FolderStats struct {
	InputFiles  int     `json:"input_files"`
	ResultFiles int     `json:"result_files"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

// Report is the watchdog's view of agent health.
type Report struct {
	Status              HealthStatus `json:"status"`
	AgentRunning        bool         `json:"agent_running"`
	AgentPID            int          `json:"agent_pid,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	RestartsLastHour    int          `json:"restarts_last_hour"`
	MaxRestartsPerHour  int          `json:"max_restarts_per_hour"`
	Orphans             []Orphan     `json:"orphaned_files"`
	LastCheck           time.Time    `json:"last_check"`
	Folder              FolderStats  `json:"shared_folder"`
}

// Monitor runs the periodic watchdog: it sweeps stuck jobs, probes the
// agent process, restarts it within a rolling-hour budget, and cleans
// old artifacts out of the shared directory.
type Monitor struct {
	store   *job.Store
	agent   AgentController
	logger  *slog.Logger
	metrics *metrics.Metrics

	sharedDir      string
	resultExt      string
	checkInterval  time.Duration
	stuckThreshold time.Duration
	orphanGrace    time.Duration
	maxArtifactAge time.Duration

	failureThreshold   int
	maxRestartsPerHour int

	mu                  sync.Mutex
	consecutiveFailures int
	restartTimes        []time.Time
	lastReport          Report

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor from the agent and watchdog configuration.
func New(logger *slog.Logger, store *job.Store, agent AgentController, m *metrics.Metrics, cfg config.AgentConfig, watcher config.WatcherConfig, files config.FilesConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:              store,
		agent:              agent,
		logger:             logger,
		metrics:            m,
		sharedDir:          cfg.SharedDir,
		resultExt:          watcher.ResultExtension,
		checkInterval:      cfg.GetCheckInterval(),
		stuckThreshold:     cfg.GetStuckThreshold(),
		orphanGrace:        cfg.GetOrphanGracePeriod(),
		maxArtifactAge:     files.GetMaxArtifactAge(),
		failureThreshold:   cfg.FailureThreshold,
		maxRestartsPerHour: cfg.MaxRestartsPerHour,
		ctx:                ctx,
		cancel:             cancel,
		done:               make(chan struct{}),
	}
}

// Start launches the watchdog loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info("Watchdog started",
		slog.Duration("check_interval", m.checkInterval),
		slog.Duration("stuck_threshold", m.stuckThreshold),
		slog.Int("failure_threshold", m.failureThreshold),
		slog.Int("max_restarts_per_hour", m.maxRestartsPerHour))
}

// Stop terminates the watchdog loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
	m.logger.Info("Watchdog stopped")
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.sweepStuckJobs()
	report := m.CheckHealth(m.ctx)

	if report.Status == StatusUnhealthy {
		m.mu.Lock()
		m.consecutiveFailures++
		failures := m.consecutiveFailures
		m.mu.Unlock()
		m.metrics.RecordHealthCheckFailure()

		m.logger.Warn("Agent health check failed",
			slog.Int("consecutive_failures", failures),
			slog.Int("threshold", m.failureThreshold))

		if failures >= m.failureThreshold {
			if err := m.TryRestart(m.ctx); err != nil {
				m.logger.Error("Agent restart failed", slog.String("error", err.Error()))
			}
		}
	} else {
		m.mu.Lock()
		m.consecutiveFailures = 0
		m.mu.Unlock()
	}

	m.cleanOldArtifacts()
}

// sweepStuckJobs force-times-out jobs that have been ACTIVE longer than
// the stuck threshold. The transition is conditional on the job still
// being ACTIVE, so a job that completed between the scan and the
// transition is left untouched.
func (m *Monitor) sweepStuckJobs() {
	now := time.Now()
	for _, snap := range m.store.All() {
		if snap.Status != job.StatusActive || snap.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*snap.StartedAt)
		if elapsed <= m.stuckThreshold {
			continue
		}
		moved := m.store.ForceTransition(snap.ID, job.StatusActive, job.StatusTimedOut, &job.Failure{
			Code:    job.CodeTimeout,
			Message: fmt.Sprintf("job stuck for %.0f seconds, forced timeout", elapsed.Seconds()),
		})
		if moved {
			m.metrics.RecordStuckJobCleaned()
			m.logger.Warn("Stuck job forced to timeout",
				slog.String("job_id", snap.ID),
				slog.Duration("elapsed", elapsed))
		}
	}
}

// CheckHealth probes the agent process and scans the shared directory
// for inputs waiting without a result. An absent agent process is
// unhealthy, and so is a running agent with an input waiting past the
// grace period: an aged input with no sibling result is the strongest
// sign the agent stopped working. A spent restart budget only degrades
// the service.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	running, pid, err := m.agent.Running(ctx)
	if err != nil {
		m.logger.Error("Agent probe error", slog.String("error", err.Error()))
		running = false
	}

	orphans := m.scanOrphans()
	folder := m.scanFolder()

	m.mu.Lock()
	restarts := m.restartsInWindowLocked(time.Now())

	status := StatusHealthy
	switch {
	case !running:
		status = StatusUnhealthy
	case len(orphans) > 0:
		status = StatusUnhealthy
	case restarts >= m.maxRestartsPerHour:
		status = StatusDegraded
	}

	report := Report{
		Status:              status,
		AgentRunning:        running,
		AgentPID:            pid,
		ConsecutiveFailures: m.consecutiveFailures,
		RestartsLastHour:    restarts,
		MaxRestartsPerHour:  m.maxRestartsPerHour,
		Orphans:             orphans,
		LastCheck:           time.Now(),
		Folder:              folder,
	}
	m.lastReport = report
	m.mu.Unlock()

	return report
}

// Report returns the outcome of the most recent health check without
// probing again. If no check has run yet it performs one inline.
func (m *Monitor) Report(ctx context.Context) Report {
	m.mu.Lock()
	last := m.lastReport
	m.mu.Unlock()
	if last.LastCheck.IsZero() {
		return m.CheckHealth(ctx)
	}
	return last
}

// scanOrphans lists input files that have waited in the shared
// directory past the grace period without a sibling result. Inputs of
// live jobs count too: the agent answering nothing for an aged input
// is what distinguishes "running but wedged" from merely busy.
func (m *Monitor) scanOrphans() []Orphan {
	entries, err := os.ReadDir(m.sharedDir)
	if err != nil {
		return nil
	}

	var orphans []Orphan
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), m.resultExt) {
			continue
		}
		if m.hasResult(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < m.orphanGrace {
			continue
		}
		orphans = append(orphans, Orphan{
			Name:    entry.Name(),
			SizeMB:  float64(info.Size()) / (1024 * 1024),
			AgeSecs: age.Seconds(),
		})
	}
	return orphans
}

// hasResult reports whether a staged input already has its sibling
// result file beside it.
func (m *Monitor) hasResult(inputName string) bool {
	stem := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	_, err := os.Stat(filepath.Join(m.sharedDir, stem+m.resultExt))
	return err == nil
}

// splitJobID extracts the job id prefix from a staged input filename of
// the form {job_id}_{original_filename}.
func splitJobID(name string) (string, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return "", false
	}
	return name[:idx], true
}

func (m *Monitor) scanFolder() FolderStats {
	var stats FolderStats
	entries, err := os.ReadDir(m.sharedDir)
	if err != nil {
		return stats
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasSuffix(entry.Name(), m.resultExt) {
			stats.ResultFiles++
		} else {
			stats.InputFiles++
		}
		stats.TotalSizeMB += float64(info.Size()) / (1024 * 1024)
	}
	return stats
}

// cleanOldArtifacts removes shared-directory files older than the
// configured artifact age. Files belonging to live jobs are kept.
func (m *Monitor) cleanOldArtifacts() {
	if m.maxArtifactAge <= 0 {
		return
	}
	entries, err := os.ReadDir(m.sharedDir)
	if err != nil {
		return
	}

	live := make(map[string]bool)
	for _, snap := range m.store.All() {
		if !snap.Status.IsTerminal() {
			live[snap.ID] = true
		}
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if jobID, ok := splitJobID(entry.Name()); ok && live[jobID] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= m.maxArtifactAge {
			continue
		}
		path := filepath.Join(m.sharedDir, entry.Name())
		if err := os.Remove(path); err != nil {
			m.logger.Warn("Failed to remove old artifact",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Info("Removed old artifact", slog.String("file", entry.Name()))
	}
}

// CanRestart reports whether another restart attempt fits inside the
// rolling one-hour budget.
func (m *Monitor) CanRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartsInWindowLocked(time.Now()) < m.maxRestartsPerHour
}

func (m *Monitor) restartsInWindowLocked(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	kept := m.restartTimes[:0]
	for _, t := range m.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.restartTimes = kept
	return len(m.restartTimes)
}

// TryRestart attempts an agent restart if the rolling-hour budget
// allows it. Every attempt consumes budget regardless of outcome, and
// the consecutive-failure counter is reset after the attempt so a
// single outage triggers at most one restart per accumulation cycle.
func (m *Monitor) TryRestart(ctx context.Context) error {
	m.mu.Lock()
	if m.restartsInWindowLocked(time.Now()) >= m.maxRestartsPerHour {
		m.mu.Unlock()
		return fmt.Errorf("restart budget exhausted: %d restarts in the last hour", m.maxRestartsPerHour)
	}
	m.restartTimes = append(m.restartTimes, time.Now())
	m.consecutiveFailures = 0
	m.mu.Unlock()

	m.metrics.RecordAgentRestart()
	m.logger.Warn("Restarting transcription agent")

	if err := m.agent.Restart(ctx); err != nil {
		return fmt.Errorf("agent restart: %w", err)
	}
	m.logger.Info("Transcription agent restarted")
	return nil
}

// RecordSuccess resets the consecutive-failure counter. Called by the
// orchestrator whenever the agent produces a result.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
}

// ForceCleanup fails jobs stuck in the active state or carrying
// inconsistent timestamps and removes their staged inputs from the
// shared directory. Returns the ids that were failed.
func (m *Monitor) ForceCleanup() []string {
	now := time.Now()
	var cleaned []string
	for _, snap := range m.store.All() {
		if !needsForceCleanup(snap, now, m.stuckThreshold) {
			continue
		}
		ok := m.store.AdminFail(snap.ID, &job.Failure{
			Code:    job.CodeUnexpected,
			Message: "job failed by administrative cleanup",
		})
		if !ok {
			continue
		}
		cleaned = append(cleaned, snap.ID)
		m.removeStagedInput(snap.ID)
	}
	if len(cleaned) > 0 {
		m.logger.Warn("Administrative cleanup failed jobs", slog.Int("count", len(cleaned)))
	}
	return cleaned
}

// needsForceCleanup flags jobs that are stuck in the active state or
// carry inconsistent timestamps.
func needsForceCleanup(snap job.Snapshot, now time.Time, stuckThreshold time.Duration) bool {
	if snap.Status == job.StatusActive && snap.StartedAt != nil && now.Sub(*snap.StartedAt) > stuckThreshold {
		return true
	}
	if snap.StartedAt != nil && snap.CompletedAt != nil && snap.CompletedAt.Before(*snap.StartedAt) {
		return true
	}
	return false
}

func (m *Monitor) removeStagedInput(jobID string) {
	entries, err := os.ReadDir(m.sharedDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), jobID+"_") {
			continue
		}
		_ = os.Remove(filepath.Join(m.sharedDir, entry.Name()))
	}
}
