// Package validate checks uploaded audio before a job is admitted:
// size limits, extension allow-list, and a content sniff for uploads
// whose extension lies about the payload.
package validate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

// Validator holds the upload admission policy.
type Validator struct {
	supported map[string]bool
	maxSizeMB float64
}

// New creates a Validator from the files configuration.
func New(cfg config.FilesConfig) *Validator {
	supported := make(map[string]bool, len(cfg.SupportedFormats))
	for _, format := range cfg.SupportedFormats {
		supported[strings.ToLower(format)] = true
	}
	return &Validator{
		supported: supported,
		maxSizeMB: cfg.MaxFileSizeMB,
	}
}

// Format extracts the lowercase extension (without the dot) from a filename.
func Format(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// CheckName validates the filename's extension against the allow-list.
func (v *Validator) CheckName(filename string) (string, error) {
	format := Format(filename)
	if format == "" {
		return "", fmt.Errorf("filename %q has no extension", filename)
	}
	if !v.supported[format] {
		return "", fmt.Errorf("unsupported format %q", format)
	}
	return format, nil
}

// CheckSize validates the upload size against the configured limit.
func (v *Validator) CheckSize(sizeBytes int64) error {
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	if sizeBytes <= 0 {
		return fmt.Errorf("file is empty")
	}
	if sizeMB > v.maxSizeMB {
		return fmt.Errorf("file size %.1fMB exceeds limit of %.1fMB", sizeMB, v.maxSizeMB)
	}
	return nil
}

// CheckContent sniffs the payload and rejects uploads that are not audio
// or video containers, regardless of what the extension claims.
func (v *Validator) CheckContent(head []byte) error {
	detected := mimetype.Detect(head)
	mime := detected.String()
	if strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") {
		return nil
	}
	// Some valid containers detect as application/octet-stream with a
	// short head, so only hard-reject recognizable non-media types.
	if mime == "application/octet-stream" {
		return nil
	}
	return fmt.Errorf("content type %s is not an audio payload", mime)
}

// EstimateDuration approximates audio duration in seconds from file
// size. Uncompressed formats run around 10MB per minute, compressed
// formats around 1MB per minute.
func EstimateDuration(format string, fileSizeMB float64) float64 {
	switch strings.ToLower(format) {
	case "wav", "flac", "aiff":
		return fileSizeMB / 10.0 * 60.0
	default:
		return fileSizeMB / 1.0 * 60.0
	}
}
