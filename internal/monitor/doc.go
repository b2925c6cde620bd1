// Package monitor implements the watchdog that keeps the transcription
// agent honest. On a fixed interval it force-times-out jobs stuck in the
// active state, probes the agent process, restarts it after a run of
// consecutive failures (bounded by a rolling one-hour budget), reports
// orphaned inputs in the shared directory, and removes artifacts past
// their retention age.
package monitor
