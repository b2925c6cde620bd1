// Package job implements the in-memory job store and the transcription job
// state machine. It enforces valid lifecycle transitions, the queue ceiling
// for non-terminal jobs, retry accounting, and time-based eviction of
// terminal records.
package job
