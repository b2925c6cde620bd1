package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// createTestConfig returns a configuration that passes validation.
func createTestConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			BindAddress:  "0.0.0.0",
			MaxUploadMB:  600,
			ReadTimeout:  300,
			WriteTimeout: 600,
		},
		Queue: QueueConfig{
			MaxConcurrentJobs: 2,
			MaxQueueSize:      50,
			MaxRetries:        2,
			RetentionTime:     3600,
			CleanupInterval:   300,
		},
		Timeouts: TimeoutConfig{
			BaseTimeout:  60,
			PerMBTimeout: 30.0,
			MinTimeout:   120,
			MaxTimeout:   3600,
		},
		Watcher: WatcherConfig{
			PollInterval:    0.5,
			StabilityWindow: 1.0,
			ResultExtension: ".txt",
		},
		Agent: AgentConfig{
			ProcessName:        "MacWhisper",
			SharedDir:          "/tmp/whisper-watch",
			QuitCommand:        []string{"osascript", "-e", "quit app \"MacWhisper\""},
			KillCommand:        []string{"pkill", "-9", "-x", "MacWhisper"},
			LaunchCommand:      []string{"open", "-a", "MacWhisper"},
			QuitWait:           5,
			StartupWait:        10,
			CheckInterval:      60,
			StuckThreshold:     1800,
			OrphanGracePeriod:  300,
			FailureThreshold:   3,
			MaxRestartsPerHour: 3,
		},
		Files: FilesConfig{
			SupportedFormats: []string{"wav", "mp3", "opus"},
			NativeFormats:    []string{"wav", "mp3"},
			MaxFileSizeMB:    500,
			KeepTranscripts:  true,
			ArchiveDir:       "/tmp/whisper-watch-archive",
			MaxArtifactAge:   24,
			ConvertFormat:    "wav",
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 10,
			WindowSeconds:     60,
			SweepInterval:     300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "queue smaller than concurrency",
			mutate:      func(c *Config) { c.Queue.MaxQueueSize = 1 },
			expectError: true,
			errorMsg:    "must be at least max_concurrent_jobs",
		},
		{
			name:        "negative retries",
			mutate:      func(c *Config) { c.Queue.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries cannot be negative",
		},
		{
			name:        "max timeout below min",
			mutate:      func(c *Config) { c.Timeouts.MaxTimeout = 60 },
			expectError: true,
			errorMsg:    "max_timeout",
		},
		{
			name:        "result extension without dot",
			mutate:      func(c *Config) { c.Watcher.ResultExtension = "txt" },
			expectError: true,
			errorMsg:    "must start with a dot",
		},
		{
			name:        "empty quit command",
			mutate:      func(c *Config) { c.Agent.QuitCommand = nil },
			expectError: true,
			errorMsg:    "quit_command cannot be empty",
		},
		{
			name:        "zero failure threshold",
			mutate:      func(c *Config) { c.Agent.FailureThreshold = 0 },
			expectError: true,
			errorMsg:    "failure_threshold must be at least 1",
		},
		{
			name:        "native format not supported",
			mutate:      func(c *Config) { c.Files.NativeFormats = []string{"weird"} },
			expectError: true,
			errorMsg:    "not listed in supported_formats",
		},
		{
			name: "archive dir required when keeping artifacts",
			mutate: func(c *Config) {
				c.Files.KeepTranscripts = true
				c.Files.ArchiveDir = ""
			},
			expectError: true,
			errorMsg:    "archive_dir cannot be empty",
		},
		{
			name:        "zero rate limit window",
			mutate:      func(c *Config) { c.RateLimit.WindowSeconds = 0 },
			expectError: true,
			errorMsg:    "window_seconds must be at least 1",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTimeoutForSize(t *testing.T) {
	timeouts := TimeoutConfig{
		BaseTimeout:  60,
		PerMBTimeout: 30.0,
		MinTimeout:   120,
		MaxTimeout:   600,
	}

	tests := []struct {
		name     string
		sizeMB   float64
		expected time.Duration
	}{
		{name: "small file clamped to minimum", sizeMB: 1.0, expected: 120 * time.Second},
		{name: "two megabytes", sizeMB: 2.0, expected: 120 * time.Second},
		{name: "mid-size file uses formula", sizeMB: 4.0, expected: 180 * time.Second},
		{name: "large file clamped to maximum", sizeMB: 100.0, expected: 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timeouts.ForSize(tt.sizeMB)
			if got != tt.expected {
				t.Errorf("ForSize(%.1f) = %v, expected %v", tt.sizeMB, got, tt.expected)
			}
		})
	}
}

func TestTimeoutForSizeMonotonic(t *testing.T) {
	timeouts := TimeoutConfig{
		BaseTimeout:  60,
		PerMBTimeout: 30.0,
		MinTimeout:   60,
		MaxTimeout:   3600,
	}

	prev := time.Duration(0)
	for size := 0.5; size <= 200; size += 0.5 {
		got := timeouts.ForSize(size)
		if got < prev {
			t.Fatalf("timeout decreased at %.1fMB: %v < %v", size, got, prev)
		}
		prev = got
	}
}

func TestLoadConfig(t *testing.T) {
	content := `
server:
  port: 9090
  bind_address: "127.0.0.1"
  max_upload_mb: 100
  read_timeout: 60
  write_timeout: 60
queue:
  max_concurrent_jobs: 3
  max_queue_size: 20
  max_retries: 1
  retention_time: 600
  cleanup_interval: 60
timeouts:
  base_timeout: 30
  per_mb_timeout: 10.0
  min_timeout: 30
  max_timeout: 300
watcher:
  poll_interval: 0.5
  stability_window: 1.0
  result_extension: ".txt"
agent:
  process_name: "MacWhisper"
  shared_dir: "/tmp/test-shared"
  quit_command: ["osascript", "-e", "quit"]
  kill_command: ["pkill", "-9", "MacWhisper"]
  launch_command: ["open", "-a", "MacWhisper"]
  quit_wait: 5
  startup_wait: 10
  check_interval: 60
  stuck_threshold: 1800
  orphan_grace_period: 300
  failure_threshold: 3
  max_restarts_per_hour: 3
files:
  supported_formats: ["wav", "mp3"]
  native_formats: ["wav"]
  max_file_size_mb: 100
  keep_audio: false
  keep_transcripts: false
  max_artifact_age: 24
  ffmpeg_path: "ffmpeg"
  convert_format: "wav"
rate_limit:
  requests_per_window: 5
  window_seconds: 30
  sweep_interval: 60
logging:
  level: "debug"
  format: "text"
  output: "stdout"
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Queue.MaxConcurrentJobs != 3 {
		t.Errorf("expected 3 concurrent jobs, got %d", cfg.Queue.MaxConcurrentJobs)
	}
	if cfg.Watcher.GetPollInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %v", cfg.Watcher.GetPollInterval())
	}
	if cfg.Agent.GetStuckThreshold() != 1800*time.Second {
		t.Errorf("expected 1800s stuck threshold, got %v", cfg.Agent.GetStuckThreshold())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}
