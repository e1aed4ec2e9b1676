// Package source defines the common producer contract shared by shred-tier
// and baseline-tier sources: a name, a baseline flag, and
// a blocking Start the orchestrator runs on a dedicated goroutine.
package source

import "context"

// Source is implemented by every feed the orchestrator runs through
// AddBaselineSource: both baseline variants and the stream-shred source.
// The UDP multicast receivers do not implement it; the orchestrator runs
// them through its own shred pipelines. The orchestrator treats all
// Sources identically at startup.
type Source interface {
	// Name identifies the source in logs, metrics, and race-tracker pairs.
	Name() string

	// IsBaseline reports whether this source bypasses the fan-in allowlist
	// filter and is excluded from shred-vs-shred race tracking.
	IsBaseline() bool

	// Start runs the source until ctx is cancelled or an unrecoverable
	// error occurs. It blocks the calling goroutine.
	Start(ctx context.Context) error
}
