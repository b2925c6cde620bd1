package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestController(processName string, quit, kill, launch []string) *Controller {
	return NewController(testLogger(), config.AgentConfig{
		ProcessName:   processName,
		QuitCommand:   quit,
		KillCommand:   kill,
		LaunchCommand: launch,
		QuitWait:      0,
		StartupWait:   0,
	})
}

func TestRunningAbsentProcess(t *testing.T) {
	c := createTestController("no-such-process-zzqx", nil, nil, nil)

	running, pid, err := c.Running(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if running {
		t.Error("expected absent process to report not running")
	}
	if pid != 0 {
		t.Errorf("expected pid 0, got %d", pid)
	}
}

func TestControlCommandSuccess(t *testing.T) {
	c := createTestController("no-such-process-zzqx",
		[]string{"true"}, []string{"true"}, []string{"true"})

	if err := c.Quit(context.Background()); err != nil {
		t.Errorf("quit with succeeding command: %v", err)
	}
	if err := c.Launch(context.Background()); err != nil {
		t.Errorf("launch with succeeding command: %v", err)
	}
}

func TestControlCommandFailure(t *testing.T) {
	c := createTestController("no-such-process-zzqx",
		[]string{"false"}, []string{"false"}, []string{"false"})

	err := c.ForceKill(context.Background())
	if err == nil {
		t.Fatal("expected error from failing kill command")
	}
	if !strings.Contains(err.Error(), "kill command failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRestartFailsWhenAgentStaysDown(t *testing.T) {
	// All controls succeed, but the probe never finds the process:
	// the restart sequence must report that.
	c := createTestController("no-such-process-zzqx",
		[]string{"true"}, []string{"true"}, []string{"true"})

	err := c.Restart(context.Background())
	if err == nil {
		t.Fatal("expected restart to fail when the agent never appears")
	}
	if !strings.Contains(err.Error(), "did not come back") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRestartFailsWhenLaunchFails(t *testing.T) {
	c := createTestController("no-such-process-zzqx",
		[]string{"true"}, []string{"true"}, []string{"false"})

	err := c.Restart(context.Background())
	if err == nil {
		t.Fatal("expected restart to fail when launch fails")
	}
	if !strings.Contains(err.Error(), "failed to relaunch") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRestartHonoursCancelledContext(t *testing.T) {
	c := createTestController("no-such-process-zzqx",
		[]string{"true"}, []string{"true"}, []string{"true"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Restart(ctx); err == nil {
		t.Error("expected error with cancelled context")
	}
}
