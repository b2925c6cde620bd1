package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
	"github.com/skypro1111/whisper-watch-service/internal/convert"
	"github.com/skypro1111/whisper-watch-service/internal/job"
	"github.com/skypro1111/whisper-watch-service/internal/metrics"
	"github.com/skypro1111/whisper-watch-service/internal/monitor"
	"github.com/skypro1111/whisper-watch-service/internal/orchestrator"
	"github.com/skypro1111/whisper-watch-service/internal/ratelimit"
	"github.com/skypro1111/whisper-watch-service/internal/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Prometheus collectors register globally, so the test binary shares one set.
var (
	testMetrics     *metrics.Metrics
	testMetricsOnce sync.Once
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics()
	})
	return testMetrics
}

type fakeAgent struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeAgent) Running(ctx context.Context) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return true, 4242, nil
	}
	return false, 0, nil
}

func (f *fakeAgent) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func createTestConfig(sharedDir string, rateLimit int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:         8080,
			BindAddress:  "127.0.0.1",
			MaxUploadMB:  10,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Queue: config.QueueConfig{
			MaxConcurrentJobs: 2,
			MaxQueueSize:      10,
			MaxRetries:        1,
			RetentionTime:     3600,
			CleanupInterval:   3600,
		},
		Timeouts: config.TimeoutConfig{
			BaseTimeout:  1,
			PerMBTimeout: 0,
			MinTimeout:   1,
			MaxTimeout:   2,
		},
		Watcher: config.WatcherConfig{
			PollInterval:    0.02,
			StabilityWindow: 0.05,
			ResultExtension: ".txt",
		},
		Agent: config.AgentConfig{
			ProcessName:        "TestAgent",
			SharedDir:          sharedDir,
			QuitCommand:        []string{"true"},
			KillCommand:        []string{"true"},
			LaunchCommand:      []string{"true"},
			QuitWait:           1,
			StartupWait:        1,
			CheckInterval:      3600,
			StuckThreshold:     1800,
			OrphanGracePeriod:  300,
			FailureThreshold:   3,
			MaxRestartsPerHour: 3,
		},
		Files: config.FilesConfig{
			SupportedFormats: []string{"wav", "mp3"},
			NativeFormats:    []string{"wav", "mp3"},
			MaxFileSizeMB:    5,
			MaxArtifactAge:   24,
			ConvertFormat:    "wav",
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerWindow: rateLimit,
			WindowSeconds:     60,
			SweepInterval:     3600,
		},
		Logging: config.LoggingConfig{
			Level:  "error",
			Format: "text",
			Output: "stdout",
		},
	}
}

func createTestServer(t *testing.T, rateLimit int) (*HTTPServer, *job.Store) {
	t.Helper()

	sharedDir := t.TempDir()
	cfg := createTestConfig(sharedDir, rateLimit)

	store := job.NewStore(testLogger(), cfg.Queue)
	t.Cleanup(store.Stop)

	agent := &fakeAgent{running: true}
	w := watcher.New(testLogger(), sharedDir, cfg.Watcher)
	converter := convert.New(testLogger(), cfg.Files)
	watchdog := monitor.New(testLogger(), store, agent, sharedMetrics(), cfg.Agent, cfg.Watcher, cfg.Files)
	orch := orchestrator.New(testLogger(), store, w, agent, watchdog, converter, sharedMetrics(), cfg)
	t.Cleanup(orch.Stop)

	limiter := ratelimit.New(testLogger(), cfg.RateLimit)
	t.Cleanup(limiter.Stop)

	h := NewHTTPServer(testLogger(), cfg, store, orch, watchdog, limiter, sharedMetrics(), t.TempDir())
	return h, store
}

// wavUpload builds a multipart body whose payload sniffs as RIFF/WAVE.
func wavUpload(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	head := append([]byte("RIFF"), 0x24, 0x00, 0x00, 0x00)
	head = append(head, []byte("WAVEfmt ")...)
	part.Write(head)
	part.Write(bytes.Repeat([]byte{0x00}, 256))
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestStatusCodeFor(t *testing.T) {
	tests := []struct {
		name     string
		snap     job.Snapshot
		expected int
	}{
		{
			name:     "completed",
			snap:     job.Snapshot{Status: job.StatusCompleted},
			expected: http.StatusOK,
		},
		{
			name:     "timed out",
			snap:     job.Snapshot{Status: job.StatusTimedOut},
			expected: http.StatusGatewayTimeout,
		},
		{
			name:     "generic failure",
			snap:     job.Snapshot{Status: job.StatusFailed, Error: &job.Failure{Code: job.CodeUnexpected}},
			expected: http.StatusInternalServerError,
		},
		{
			name:     "agent unavailable",
			snap:     job.Snapshot{Status: job.StatusFailed, Error: &job.Failure{Code: job.CodeAgentUnavailable}},
			expected: http.StatusServiceUnavailable,
		},
		{
			name:     "pending",
			snap:     job.Snapshot{Status: job.StatusPending},
			expected: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCodeFor(tt.snap); got != tt.expected {
				t.Errorf("statusCodeFor(%s) = %d, expected %d", tt.snap.Status, got, tt.expected)
			}
		})
	}
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/queue", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	if got := clientIdentity(r); got != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIdentity(r); got != "203.0.113.7" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{in: "plain.wav", expected: "plain.wav"},
		{in: "../../etc/passwd", expected: "_____etc_passwd"},
		{in: "dir/file.wav", expected: "dir_file.wav"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.expected {
			t.Errorf("sanitizeFilename(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestTranscribeAccepted(t *testing.T) {
	h, store := createTestServer(t, 100)

	body, contentType := wavUpload(t, "meeting.wav")
	r := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.handleTranscribe(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var snap job.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if snap.ID == "" {
		t.Error("response has no job id")
	}
	if _, ok := store.Get(snap.ID); !ok {
		t.Error("accepted job not in store")
	}
}

func TestTranscribeRejectsUnsupportedFormat(t *testing.T) {
	h, _ := createTestServer(t, 100)

	body, contentType := wavUpload(t, "movie.mkv")
	r := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.handleTranscribe(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported format, got %d", w.Code)
	}
}

func TestTranscribeRejectsMissingFile(t *testing.T) {
	h, _ := createTestServer(t, 100)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("note", "no file here")
	writer.Close()

	r := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	h.handleTranscribe(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing file field, got %d", w.Code)
	}
}

func TestTranscribeQueueFull(t *testing.T) {
	h, store := createTestServer(t, 100)

	// Saturate the queue ceiling with pending jobs.
	for i := 0; i < 10; i++ {
		if _, err := store.Create("/tmp/x.wav", "x.wav", "wav", 1.0); err != nil {
			t.Fatalf("failed to prefill queue: %v", err)
		}
	}

	body, contentType := wavUpload(t, "late.wav")
	r := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.handleTranscribe(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with queue full, got %d", w.Code)
	}
}

func TestJobDetail(t *testing.T) {
	h, store := createTestServer(t, 100)

	j, _ := store.Create("/tmp/a.wav", "a.wav", "wav", 1.0)

	r := httptest.NewRequest(http.MethodGet, "/job/"+j.ID, nil)
	w := httptest.NewRecorder()
	h.handleJobDetail(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/job/nope", nil)
	w = httptest.NewRecorder()
	h.handleJobDetail(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", w.Code)
	}
}

func TestHistoryLimits(t *testing.T) {
	h, store := createTestServer(t, 100)

	for i := 0; i < 5; i++ {
		store.Create("/tmp/x.wav", "x.wav", "wav", 1.0)
	}

	r := httptest.NewRequest(http.MethodGet, "/jobs/history?limit=2", nil)
	w := httptest.NewRecorder()
	h.handleHistory(w, r)

	var resp struct {
		Count int            `json:"count"`
		Jobs  []job.Snapshot `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 jobs, got %d", resp.Count)
	}

	r = httptest.NewRequest(http.MethodGet, "/jobs/history?limit=bogus", nil)
	w = httptest.NewRecorder()
	h.handleHistory(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bogus limit, got %d", w.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	h, store := createTestServer(t, 100)

	store.Create("/tmp/a.wav", "a.wav", "wav", 1.0)

	r := httptest.NewRequest(http.MethodGet, "/queue", nil)
	w := httptest.NewRecorder()
	h.handleQueue(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["queue_size"].(float64) != 1 {
		t.Errorf("expected queue_size 1, got %v", resp["queue_size"])
	}
	if resp["max_queue_size"].(float64) != 10 {
		t.Errorf("expected max_queue_size 10, got %v", resp["max_queue_size"])
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h, _ := createTestServer(t, 2)

	handler := h.withRateLimit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/queue", nil)
		r.RemoteAddr = "10.1.1.1:1234"
		w := httptest.NewRecorder()
		handler(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d rejected below limit: %d", i+1, w.Code)
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/queue", nil)
	r.RemoteAddr = "10.1.1.1:1234"
	w := httptest.NewRecorder()
	handler(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 beyond limit, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("unexpected X-RateLimit-Limit: %q", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected X-RateLimit-Remaining: %q", w.Header().Get("X-RateLimit-Remaining"))
	}

	// A different client is unaffected.
	r = httptest.NewRequest(http.MethodGet, "/queue", nil)
	r.RemoteAddr = "10.2.2.2:1234"
	w = httptest.NewRecorder()
	handler(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("independent client rejected: %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := createTestServer(t, 100)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.handleHealth(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", resp["status"])
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	h, _ := createTestServer(t, 5)

	r := httptest.NewRequest(http.MethodGet, "/rate-limit", nil)
	r.RemoteAddr = "10.3.3.3:1234"
	w := httptest.NewRecorder()
	h.handleRateLimit(w, r)

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["limit"].(float64) != 5 {
		t.Errorf("expected limit 5, got %v", resp["limit"])
	}
	if resp["remaining"].(float64) != 5 {
		t.Errorf("expected remaining 5, got %v", resp["remaining"])
	}
}

func TestCleanupStuckEndpoint(t *testing.T) {
	h, store := createTestServer(t, 100)

	stuck, _ := store.Create("/tmp/a.wav", "a.wav", "wav", 1.0)
	store.Transition(stuck.ID, job.StatusActive, nil, nil)
	past := time.Now().Add(-1801 * time.Second)
	stuck.StartedAt = &past

	r := httptest.NewRequest(http.MethodPost, "/admin/cleanup-stuck", nil)
	w := httptest.NewRecorder()
	h.handleCleanupStuck(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 cleaned job, got %d", resp.Count)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := createTestServer(t, 100)

	r := httptest.NewRequest(http.MethodGet, "/transcribe", nil)
	w := httptest.NewRecorder()
	h.handleTranscribe(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /transcribe: expected 405, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/queue", nil)
	w = httptest.NewRecorder()
	h.handleQueue(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /queue: expected 405, got %d", w.Code)
	}
}

func TestTranscribeWaitMode(t *testing.T) {
	h, _ := createTestServer(t, 100)

	body, contentType := wavUpload(t, "sync.wav")
	r := httptest.NewRequest(http.MethodPost, "/transcribe?wait=true", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	// Play the agent: answer whatever gets staged in the shared dir.
	sharedDir := h.config.Agent.SharedDir
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := os.ReadDir(sharedDir)
			for _, entry := range entries {
				name := entry.Name()
				if strings.HasSuffix(name, ".txt") {
					continue
				}
				result := strings.TrimSuffix(name, filepath.Ext(name)) + ".txt"
				os.WriteFile(filepath.Join(sharedDir, result), []byte("synchronous result here"), 0o644)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	h.handleTranscribe(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from wait mode, got %d: %s", w.Code, w.Body.String())
	}

	var snap job.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if snap.Status != job.StatusCompleted {
		t.Errorf("expected completed, got %s", snap.Status)
	}
	if snap.Result == nil || snap.Result.Text != "synchronous result here" {
		t.Errorf("unexpected result: %+v", snap.Result)
	}
}
