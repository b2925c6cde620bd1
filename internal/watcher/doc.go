// Package watcher implements completion detection for the shared-directory
// transcription contract. It polls for result artifacts correlated by job id,
// requires byte-size stability before accepting a result, and fails fast when
// the source artifact disappears.
package watcher
