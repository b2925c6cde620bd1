package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Agent     AgentConfig     `yaml:"agent"`
	Files     FilesConfig     `yaml:"files"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API server configuration
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	MaxUploadMB  int    `yaml:"max_upload_mb"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// QueueConfig contains job queue and retry configuration
type QueueConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	MaxQueueSize      int `yaml:"max_queue_size"`
	MaxRetries        int `yaml:"max_retries"`
	RetentionTime     int `yaml:"retention_time"`   // seconds, terminal jobs kept in memory
	CleanupInterval   int `yaml:"cleanup_interval"` // seconds, between eviction sweeps
}

// TimeoutConfig contains the dynamic per-job timeout formula parameters
type TimeoutConfig struct {
	BaseTimeout  int     `yaml:"base_timeout"`   // seconds
	PerMBTimeout float64 `yaml:"per_mb_timeout"` // seconds added per megabyte of input
	MinTimeout   int     `yaml:"min_timeout"`    // seconds
	MaxTimeout   int     `yaml:"max_timeout"`    // seconds
}

// WatcherConfig contains result-detection polling configuration
type WatcherConfig struct {
	PollInterval    float64 `yaml:"poll_interval"`    // seconds between directory scans
	StabilityWindow float64 `yaml:"stability_window"` // seconds a result's size must stay unchanged
	ResultExtension string  `yaml:"result_extension"` // extension produced by the agent
}

// AgentConfig identifies the external transcription agent and its controls
type AgentConfig struct {
	ProcessName   string   `yaml:"process_name"`
	ModelName     string   `yaml:"model_name"` // reported in job results, informational only
	SharedDir     string   `yaml:"shared_dir"`
	QuitCommand   []string `yaml:"quit_command"`
	KillCommand   []string `yaml:"kill_command"`
	LaunchCommand []string `yaml:"launch_command"`
	QuitWait      int      `yaml:"quit_wait"`    // seconds to wait after graceful quit
	StartupWait   int      `yaml:"startup_wait"` // seconds to wait after relaunch

	// Watchdog behaviour
	CheckInterval      int `yaml:"check_interval"`      // seconds between watchdog sweeps
	StuckThreshold     int `yaml:"stuck_threshold"`     // seconds an ACTIVE job may run before force-timeout
	OrphanGracePeriod  int `yaml:"orphan_grace_period"` // seconds an input may wait without a result
	FailureThreshold   int `yaml:"failure_threshold"`   // consecutive unhealthy probes before restart
	MaxRestartsPerHour int `yaml:"max_restarts_per_hour"`
}

// FilesConfig contains upload validation and artifact retention policy
type FilesConfig struct {
	SupportedFormats []string `yaml:"supported_formats"`
	NativeFormats    []string `yaml:"native_formats"` // accepted by the agent without conversion
	MaxFileSizeMB    float64  `yaml:"max_file_size_mb"`
	KeepAudio        bool     `yaml:"keep_audio"`
	KeepTranscripts  bool     `yaml:"keep_transcripts"`
	ArchiveDir       string   `yaml:"archive_dir"`
	MaxArtifactAge   int      `yaml:"max_artifact_age"` // hours before leftover files are removed
	FFmpegPath       string   `yaml:"ffmpeg_path"`
	ConvertFormat    string   `yaml:"convert_format"` // target format for pre-conversion
}

// RateLimitConfig contains per-client admission control configuration
type RateLimitConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window"`
	WindowSeconds     int `yaml:"window_seconds"`
	SweepInterval     int `yaml:"sweep_interval"` // seconds between idle-identity sweeps
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts config: %w", err)
	}

	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher config: %w", err)
	}

	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}

	if err := c.Files.Validate(); err != nil {
		return fmt.Errorf("files config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", s.MaxUploadMB)
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", q.MaxConcurrentJobs)
	}

	if q.MaxQueueSize < q.MaxConcurrentJobs {
		return fmt.Errorf("max_queue_size (%d) must be at least max_concurrent_jobs (%d)",
			q.MaxQueueSize, q.MaxConcurrentJobs)
	}

	if q.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", q.MaxRetries)
	}

	if q.RetentionTime < 1 {
		return fmt.Errorf("retention_time must be at least 1 second, got %d", q.RetentionTime)
	}

	if q.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", q.CleanupInterval)
	}

	return nil
}

// Validate validates timeout formula configuration
func (t *TimeoutConfig) Validate() error {
	if t.BaseTimeout < 1 {
		return fmt.Errorf("base_timeout must be at least 1 second, got %d", t.BaseTimeout)
	}

	if t.PerMBTimeout < 0 {
		return fmt.Errorf("per_mb_timeout cannot be negative, got %f", t.PerMBTimeout)
	}

	if t.MinTimeout < 1 {
		return fmt.Errorf("min_timeout must be at least 1 second, got %d", t.MinTimeout)
	}

	if t.MaxTimeout < t.MinTimeout {
		return fmt.Errorf("max_timeout (%d) must be at least min_timeout (%d)",
			t.MaxTimeout, t.MinTimeout)
	}

	return nil
}

// Validate validates watcher configuration
func (w *WatcherConfig) Validate() error {
	if w.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", w.PollInterval)
	}

	if w.StabilityWindow <= 0 {
		return fmt.Errorf("stability_window must be positive, got %f", w.StabilityWindow)
	}

	if w.ResultExtension == "" {
		return fmt.Errorf("result_extension cannot be empty")
	}

	if w.ResultExtension[0] != '.' {
		return fmt.Errorf("result_extension must start with a dot, got %q", w.ResultExtension)
	}

	return nil
}

// Validate validates agent configuration
func (a *AgentConfig) Validate() error {
	if a.ProcessName == "" {
		return fmt.Errorf("process_name cannot be empty")
	}

	if a.SharedDir == "" {
		return fmt.Errorf("shared_dir cannot be empty")
	}

	if len(a.QuitCommand) == 0 {
		return fmt.Errorf("quit_command cannot be empty")
	}

	if len(a.KillCommand) == 0 {
		return fmt.Errorf("kill_command cannot be empty")
	}

	if len(a.LaunchCommand) == 0 {
		return fmt.Errorf("launch_command cannot be empty")
	}

	if a.QuitWait < 1 {
		return fmt.Errorf("quit_wait must be at least 1 second, got %d", a.QuitWait)
	}

	if a.StartupWait < 1 {
		return fmt.Errorf("startup_wait must be at least 1 second, got %d", a.StartupWait)
	}

	if a.CheckInterval < 1 {
		return fmt.Errorf("check_interval must be at least 1 second, got %d", a.CheckInterval)
	}

	if a.StuckThreshold < 1 {
		return fmt.Errorf("stuck_threshold must be at least 1 second, got %d", a.StuckThreshold)
	}

	if a.OrphanGracePeriod < 1 {
		return fmt.Errorf("orphan_grace_period must be at least 1 second, got %d", a.OrphanGracePeriod)
	}

	if a.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", a.FailureThreshold)
	}

	if a.MaxRestartsPerHour < 1 {
		return fmt.Errorf("max_restarts_per_hour must be at least 1, got %d", a.MaxRestartsPerHour)
	}

	return nil
}

// Validate validates files configuration
func (f *FilesConfig) Validate() error {
	if len(f.SupportedFormats) == 0 {
		return fmt.Errorf("supported_formats cannot be empty")
	}

	if len(f.NativeFormats) == 0 {
		return fmt.Errorf("native_formats cannot be empty")
	}

	supported := make(map[string]bool, len(f.SupportedFormats))
	for _, format := range f.SupportedFormats {
		supported[format] = true
	}
	for _, format := range f.NativeFormats {
		if !supported[format] {
			return fmt.Errorf("native format %q is not listed in supported_formats", format)
		}
	}

	if f.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be positive, got %f", f.MaxFileSizeMB)
	}

	if (f.KeepAudio || f.KeepTranscripts) && f.ArchiveDir == "" {
		return fmt.Errorf("archive_dir cannot be empty when artifacts are kept")
	}

	if f.MaxArtifactAge < 1 {
		return fmt.Errorf("max_artifact_age must be at least 1 hour, got %d", f.MaxArtifactAge)
	}

	if f.ConvertFormat == "" {
		return fmt.Errorf("convert_format cannot be empty")
	}

	return nil
}

// Validate validates rate limit configuration
func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerWindow < 1 {
		return fmt.Errorf("requests_per_window must be at least 1, got %d", r.RequestsPerWindow)
	}

	if r.WindowSeconds < 1 {
		return fmt.Errorf("window_seconds must be at least 1, got %d", r.WindowSeconds)
	}

	if r.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", r.SweepInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// ForSize computes the per-job timeout for an input of the given size,
// clamped between min_timeout and max_timeout.
func (t *TimeoutConfig) ForSize(fileSizeMB float64) time.Duration {
	seconds := float64(t.BaseTimeout) + t.PerMBTimeout*fileSizeMB
	if seconds < float64(t.MinTimeout) {
		seconds = float64(t.MinTimeout)
	}
	if seconds > float64(t.MaxTimeout) {
		seconds = float64(t.MaxTimeout)
	}
	return time.Duration(seconds * float64(time.Second))
}

// GetRetentionDuration returns the terminal-job retention window as a time.Duration
func (q *QueueConfig) GetRetentionDuration() time.Duration {
	return time.Duration(q.RetentionTime) * time.Second
}

// GetCleanupInterval returns the eviction sweep interval as a time.Duration
func (q *QueueConfig) GetCleanupInterval() time.Duration {
	return time.Duration(q.CleanupInterval) * time.Second
}

// GetPollInterval returns the watcher poll interval as a time.Duration
func (w *WatcherConfig) GetPollInterval() time.Duration {
	return time.Duration(w.PollInterval * float64(time.Second))
}

// GetStabilityWindow returns the result stability window as a time.Duration
func (w *WatcherConfig) GetStabilityWindow() time.Duration {
	return time.Duration(w.StabilityWindow * float64(time.Second))
}

// GetQuitWait returns the post-quit wait as a time.Duration
func (a *AgentConfig) GetQuitWait() time.Duration {
	return time.Duration(a.QuitWait) * time.Second
}

// GetStartupWait returns the post-launch wait as a time.Duration
func (a *AgentConfig) GetStartupWait() time.Duration {
	return time.Duration(a.StartupWait) * time.Second
}

// GetCheckInterval returns the watchdog sweep interval as a time.Duration
func (a *AgentConfig) GetCheckInterval() time.Duration {
	return time.Duration(a.CheckInterval) * time.Second
}

// GetStuckThreshold returns the stuck-job threshold as a time.Duration
func (a *AgentConfig) GetStuckThreshold() time.Duration {
	return time.Duration(a.StuckThreshold) * time.Second
}

// GetOrphanGracePeriod returns the orphaned-input grace period as a time.Duration
func (a *AgentConfig) GetOrphanGracePeriod() time.Duration {
	return time.Duration(a.OrphanGracePeriod) * time.Second
}

// GetMaxArtifactAge returns the shared-directory file age limit as a time.Duration
func (f *FilesConfig) GetMaxArtifactAge() time.Duration {
	return time.Duration(f.MaxArtifactAge) * time.Hour
}

// GetWindowDuration returns the rate limit window as a time.Duration
func (r *RateLimitConfig) GetWindowDuration() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// GetSweepInterval returns the idle-identity sweep interval as a time.Duration
func (r *RateLimitConfig) GetSweepInterval() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}
