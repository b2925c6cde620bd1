package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/whisper-watch-service/internal/config"
	"github.com/skypro1111/whisper-watch-service/internal/job"
	"github.com/skypro1111/whisper-watch-service/internal/metrics"
	"github.com/skypro1111/whisper-watch-service/internal/monitor"
	"github.com/skypro1111/whisper-watch-service/internal/orchestrator"
	"github.com/skypro1111/whisper-watch-service/internal/ratelimit"
	"github.com/skypro1111/whisper-watch-service/internal/validate"
)

const historyLimitCap = 500

// HTTPServer provides the transcription gateway's HTTP API
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	store     *job.Store
	orch      *orchestrator.Orchestrator
	watchdog  *monitor.Monitor
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	metrics   *metrics.Metrics

	uploadDir string
	startTime time.Time
}

// NewHTTPServer creates the HTTP API server with all routes configured
func NewHTTPServer(logger *slog.Logger, cfg *config.Config, store *job.Store,
	orch *orchestrator.Orchestrator, watchdog *monitor.Monitor,
	limiter *ratelimit.Limiter, m *metrics.Metrics, uploadDir string) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		store:     store,
		orch:      orch,
		watchdog:  watchdog,
		limiter:   limiter,
		validator: validate.New(cfg.Files),
		metrics:   m,
		uploadDir: uploadDir,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Job submission and inspection
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.withRateLimit(h.handleTranscribe)))
	mux.HandleFunc("/job/", h.withMetrics("/job/{id}", h.withRateLimit(h.handleJobDetail)))
	mux.HandleFunc("/jobs/history", h.withMetrics("/jobs/history", h.withRateLimit(h.handleHistory)))
	mux.HandleFunc("/queue", h.withMetrics("/queue", h.withRateLimit(h.handleQueue)))

	// Rate limit introspection
	mux.HandleFunc("/rate-limit", h.withMetrics("/rate-limit", h.withRateLimit(h.handleRateLimit)))

	// Health check endpoint (exempt from rate limiting)
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Administrative endpoints
	mux.HandleFunc("/admin/cleanup-stuck", h.withMetrics("/admin/cleanup-stuck", h.withRateLimit(h.handleCleanupStuck)))
	mux.HandleFunc("/admin/restart-agent", h.withMetrics("/admin/restart-agent", h.withRateLimit(h.handleRestartAgent)))

	// Prometheus metrics endpoint (exempt from rate limiting)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// withRateLimit enforces the per-client sliding window before the handler runs
func (h *HTTPServer) withRateLimit(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := clientIdentity(r)
		allowed, remaining := h.limiter.Allow(identity)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.config.RateLimit.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			h.metrics.RecordRateLimitRejection()
			retryAfter := h.limiter.RetryAfter(identity)
			seconds := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(seconds))

			h.logger.Warn("Request rate limited",
				slog.String("client", identity),
				slog.String("path", r.URL.Path),
				slog.Int("retry_after", seconds))

			h.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				fmt.Sprintf("rate limit exceeded, retry after %d seconds", seconds))
			return
		}

		handler(w, r)
	}
}

// clientIdentity derives the rate limit key from the first X-Forwarded-For
// hop, falling back to the connection's remote address.
func clientIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleTranscribe implements POST /transcribe: multipart upload, job
// creation, and optional synchronous waiting via ?wait=true.
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxUpload := int64(h.config.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_UPLOAD",
			fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "missing 'file' form field")
		return
	}
	defer file.Close()

	format, err := h.validator.CheckName(header.Filename)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error())
		return
	}
	if err := h.validator.CheckSize(header.Size); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error())
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	if err := h.validator.CheckContent(head[:n]); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error())
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.writeError(w, http.StatusInternalServerError, job.CodeUnexpected, "failed to rewind upload")
		return
	}

	inputPath, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.logger.Error("Failed to save upload", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, job.CodeUnexpected, "failed to save upload")
		return
	}

	sizeMB := float64(header.Size) / (1024 * 1024)
	j, err := h.store.Create(inputPath, header.Filename, format, sizeMB)
	if err != nil {
		os.Remove(inputPath)
		if errors.Is(err, job.ErrCapacityExceeded) {
			h.writeError(w, http.StatusServiceUnavailable, job.CodeCapacityExceeded,
				"queue is full, retry later")
			return
		}
		h.writeError(w, http.StatusInternalServerError, job.CodeUnexpected, err.Error())
		return
	}

	h.metrics.RecordJobCreated()
	h.logger.Info("Job accepted",
		slog.String("job_id", j.ID),
		slog.String("filename", header.Filename),
		slog.Float64("size_mb", sizeMB),
		slog.String("client", clientIdentity(r)))

	h.orch.Submit(j.ID)

	if r.URL.Query().Get("wait") == "true" {
		h.waitForJob(w, r, j.ID, sizeMB)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j.Snapshot())
}

// saveUpload writes the multipart payload to the upload directory.
func (h *HTTPServer) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(h.uploadDir, "upload-*-"+sanitizeFilename(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// sanitizeFilename strips path separators so uploads cannot escape the
// upload directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return strings.ReplaceAll(name, "..", "_")
}

// waitForJob polls the store until the job reaches a terminal state or
// the dynamic timeout (plus retry headroom) elapses, then responds with
// the outcome-mapped status code.
func (h *HTTPServer) waitForJob(w http.ResponseWriter, r *http.Request, jobID string, sizeMB float64) {
	attempts := h.config.Queue.MaxRetries + 1
	deadline := time.Now().Add(h.config.Timeouts.ForSize(sizeMB)*time.Duration(attempts) + 30*time.Second)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			j, ok := h.store.Get(jobID)
			if !ok {
				h.writeError(w, http.StatusNotFound, "NOT_FOUND", "job evicted while waiting")
				return
			}
			snap := j.Snapshot()
			if snap.Status.IsTerminal() && snap.Status != job.StatusTimedOut {
				h.writeJSON(w, statusCodeFor(snap), snap)
				return
			}
			// A timed-out job still holding retries re-enters pending, so
			// only a spent retry budget ends the wait.
			if snap.Status == job.StatusTimedOut && h.store.RetriesExhausted(jobID) {
				h.writeJSON(w, statusCodeFor(snap), snap)
				return
			}
			if time.Now().After(deadline) {
				h.writeJSON(w, http.StatusAccepted, snap)
				return
			}
		}
	}
}

// statusCodeFor maps a terminal job outcome to an HTTP status code.
func statusCodeFor(snap job.Snapshot) int {
	switch snap.Status {
	case job.StatusCompleted:
		return http.StatusOK
	case job.StatusTimedOut:
		return http.StatusGatewayTimeout
	case job.StatusFailed:
		if snap.Error != nil {
			switch snap.Error.Code {
			case job.CodeAgentUnavailable, job.CodeCapacityExceeded:
				return http.StatusServiceUnavailable
			case job.CodeTimeout:
				return http.StatusGatewayTimeout
			}
		}
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// handleJobDetail implements GET /job/{id}
func (h *HTTPServer) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Path[len("/job/"):]
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job id required")
		return
	}

	j, ok := h.store.Get(jobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}

	h.writeJSON(w, http.StatusOK, j.Snapshot())
}

// handleHistory implements GET /jobs/history?limit=N
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > historyLimitCap {
		limit = historyLimitCap
	}

	jobs := h.store.History(limit)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// handleQueue implements GET /queue
func (h *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.store.Stats(h.config.Queue.MaxConcurrentJobs)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_size":          stats.QueueSize,
		"max_queue_size":      stats.MaxQueueSize,
		"active_jobs":         h.orch.ActiveJobs(),
		"max_concurrent_jobs": stats.MaxConcurrentJobs,
		"total_jobs":          stats.TotalJobs,
		"status_counts":       stats.StatusCounts,
		"timestamp":           time.Now().UTC(),
	})
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.watchdog.Report(r.Context())
	stats := h.store.Stats(h.config.Queue.MaxConcurrentJobs)

	health := map[string]interface{}{
		"status":    report.Status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "whisper-watch-service",
			"version": "1.0.0",
		},
		"agent": map[string]interface{}{
			"running":              report.AgentRunning,
			"pid":                  report.AgentPID,
			"consecutive_failures": report.ConsecutiveFailures,
			"restarts_last_hour":   report.RestartsLastHour,
			"max_restarts_per_hour": report.MaxRestartsPerHour,
			"last_check":           report.LastCheck,
		},
		"queue": map[string]interface{}{
			"size":        stats.QueueSize,
			"active_jobs": h.orch.ActiveJobs(),
			"total_jobs":  stats.TotalJobs,
		},
		"shared_folder":  report.Folder,
		"orphaned_files": report.Orphans,
	}

	statusCode := http.StatusOK
	if report.Status == monitor.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, health)
}

// handleRateLimit implements GET /rate-limit
func (h *HTTPServer) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := clientIdentity(r)
	stats := h.limiter.Stats(identity)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"client":         identity,
		"limit":          stats.Limit,
		"remaining":      stats.Remaining,
		"window_seconds": stats.Window,
	})
}

// handleCleanupStuck implements POST /admin/cleanup-stuck
func (h *HTTPServer) handleCleanupStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cleaned := h.watchdog.ForceCleanup()
	h.logger.Warn("Administrative cleanup requested",
		slog.String("client", clientIdentity(r)),
		slog.Int("cleaned", len(cleaned)))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleaned_jobs": cleaned,
		"count":        len(cleaned),
	})
}

// handleRestartAgent implements POST /admin/restart-agent
func (h *HTTPServer) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.watchdog.CanRestart() {
		h.writeError(w, http.StatusTooManyRequests, "RESTART_BUDGET_EXHAUSTED",
			"restart budget for the last hour is spent")
		return
	}

	h.logger.Warn("Administrative agent restart requested",
		slog.String("client", clientIdentity(r)))

	if err := h.watchdog.TryRestart(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, job.CodeAgentUnavailable, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"restarted": true,
		"timestamp": time.Now().UTC(),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Whisper Watch Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"POST /transcribe":            "Submit an audio file (multipart 'file' field, ?wait=true for synchronous mode)",
			"GET /job/{job_id}":           "Get job status and result",
			"GET /jobs/history":           "List recent jobs (?limit=N, max 500)",
			"GET /queue":                  "Queue statistics",
			"GET /health":                 "Service and agent health",
			"GET /rate-limit":             "Current client's rate limit state",
			"POST /admin/cleanup-stuck":   "Force-fail stuck or inconsistent jobs",
			"POST /admin/restart-agent":   "Restart the transcription agent",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
