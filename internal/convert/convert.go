// Package convert transcodes uploads the agent cannot ingest natively
// into a format it can, using an external ffmpeg binary.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

const convertTimeout = 2 * time.Minute

// Converter wraps an ffmpeg binary for audio transcoding.
type Converter struct {
	ffmpegPath   string
	targetFormat string
	native       map[string]bool
	logger       *slog.Logger
}

// New creates a Converter from the files configuration.
func New(logger *slog.Logger, cfg config.FilesConfig) *Converter {
	native := make(map[string]bool, len(cfg.NativeFormats))
	for _, format := range cfg.NativeFormats {
		native[strings.ToLower(format)] = true
	}
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return &Converter{
		ffmpegPath:   path,
		targetFormat: strings.ToLower(cfg.ConvertFormat),
		native:       native,
		logger:       logger,
	}
}

// Needed reports whether a format requires conversion before staging.
func (c *Converter) Needed(format string) bool {
	return !c.native[strings.ToLower(format)]
}

// TargetFormat returns the format conversions produce.
func (c *Converter) TargetFormat() string {
	return c.targetFormat
}

// Convert transcodes inputPath into outputPath. The output file is
// removed on failure so a partial write never reaches the shared
// directory.
func (c *Converter) Convert(ctx context.Context, inputPath, outputPath string) error {
	convertCtx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(convertCtx, c.ffmpegPath,
		"-y",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		outputPath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("ffmpeg conversion failed: %w: %s", err, truncate(string(output), 512))
	}

	c.logger.Info("Converted audio file",
		slog.String("input", inputPath),
		slog.String("target_format", c.targetFormat),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
