// Package orchestrator runs admitted jobs against the external
// transcription agent. Each submitted job gets a goroutine that waits
// for a concurrency slot, verifies the agent is alive, stages the
// input into the shared directory, and polls for the result. Timeouts
// re-enter the queue with exponential backoff until the retry budget
// is spent; all other failures are terminal.
package orchestrator
