// Package agent controls the external transcription application. It probes
// for the process by name and drives the configured quit, force-kill and
// launch commands with per-step timeouts, including the full restart
// recovery sequence.
package agent
