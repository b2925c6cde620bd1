package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

// Command timeouts for the individual control steps. The agent is a desktop
// application and none of its controls are synchronous-instant.
const (
	probeTimeout  = 5 * time.Second
	quitTimeout   = 10 * time.Second
	killTimeout   = 5 * time.Second
	launchTimeout = 10 * time.Second
)

// Controller drives the external transcription agent process: presence
// probing, graceful quit, force-terminate and relaunch. All controls are
// configurable shell commands so the service stays agnostic of the host
// platform's process tooling.
type Controller struct {
	processName string
	quitCmd     []string
	killCmd     []string
	launchCmd   []string
	quitWait    time.Duration
	startupWait time.Duration
	logger      *slog.Logger
}

// NewController creates an agent controller from configuration
func NewController(logger *slog.Logger, cfg config.AgentConfig) *Controller {
	return &Controller{
		processName: cfg.ProcessName,
		quitCmd:     cfg.QuitCommand,
		killCmd:     cfg.KillCommand,
		launchCmd:   cfg.LaunchCommand,
		quitWait:    cfg.GetQuitWait(),
		startupWait: cfg.GetStartupWait(),
		logger:      logger,
	}
}

// Running probes for the agent process by name and returns its pid when
// present. A pgrep exit status of 1 means no match, not an error.
func (c *Controller) Running(ctx context.Context) (bool, int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "pgrep", c.processName)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("process probe failed: %w", err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out.String()), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// Quit requests a graceful shutdown of the agent
func (c *Controller) Quit(ctx context.Context) error {
	return c.runControl(ctx, "quit", c.quitCmd, quitTimeout)
}

// ForceKill terminates the agent process without ceremony
func (c *Controller) ForceKill(ctx context.Context) error {
	return c.runControl(ctx, "kill", c.killCmd, killTimeout)
}

// Launch starts the agent application
func (c *Controller) Launch(ctx context.Context) error {
	return c.runControl(ctx, "launch", c.launchCmd, launchTimeout)
}

// Restart performs the full recovery sequence: graceful quit, wait,
// force-terminate if still present, relaunch, wait, re-probe. Returns an
// error when the agent is not running at the end of the sequence.
func (c *Controller) Restart(ctx context.Context) error {
	c.logger.Warn("Attempting to restart transcription agent",
		slog.String("process", c.processName),
	)

	if err := c.Quit(ctx); err != nil {
		c.logger.Warn("Graceful quit command failed",
			slog.String("error", err.Error()),
		)
	}

	if err := sleepCtx(ctx, c.quitWait); err != nil {
		return err
	}

	running, _, err := c.Running(ctx)
	if err != nil {
		c.logger.Warn("Presence probe failed after quit", slog.String("error", err.Error()))
	}
	if running {
		if err := c.ForceKill(ctx); err != nil {
			c.logger.Warn("Force kill command failed", slog.String("error", err.Error()))
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return err
		}
	}

	if err := c.Launch(ctx); err != nil {
		return fmt.Errorf("failed to relaunch agent: %w", err)
	}

	if err := sleepCtx(ctx, c.startupWait); err != nil {
		return err
	}

	running, pid, err := c.Running(ctx)
	if err != nil {
		return fmt.Errorf("presence probe failed after relaunch: %w", err)
	}
	if !running {
		return fmt.Errorf("agent %s did not come back after restart", c.processName)
	}

	c.logger.Info("Transcription agent restarted",
		slog.String("process", c.processName),
		slog.Int("pid", pid),
	)

	return nil
}

// runControl executes one of the configured control commands with a bounded
// timeout, logging output on failure.
func (c *Controller) runControl(ctx context.Context, name string, argv []string, timeout time.Duration) error {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s command failed: %w (output: %s)", name, err, strings.TrimSpace(string(out)))
	}

	c.logger.Debug("Agent control command succeeded",
		slog.String("command", name),
	)
	return nil
}

// sleepCtx waits for d unless ctx is cancelled first
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
