// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ProcessEnumTimeout is the maximum time to wait for a process
	// enumeration command (ps / PowerShell) to complete.
	ProcessEnumTimeout = 10 * time.Second

	// GitProbeTimeout is the maximum time to wait for a git branch probe.
	GitProbeTimeout = 2 * time.Second

	// ArchiveRetryBackoff is the pause before retrying a colliding
	// archive write.
	ArchiveRetryBackoff = 250 * time.Millisecond

	// ShutdownGrace is the maximum time allowed for cooperative shutdown:
	// draining the registry queue, notifying subscribers and flushing
	// pending archive writes.
	ShutdownGrace = 10 * time.Second
)

// Context window sizing.
const (
	// DefaultContextWindow is the token window used when the vendor does
	// not report one.
	DefaultContextWindow = 200_000

	// AutoCompactBugThreshold is the percentage at which the upstream CLI
	// is known to auto-compact even when the setting is disabled. Exposed
	// to UIs; the server never acts on it.
	AutoCompactBugThreshold = 78
)

// Scanner limits.
const (
	// ActiveTranscriptWindow is how recently a transcript must have been
	// modified to count as an active session during discovery.
	ActiveTranscriptWindow = 60 * time.Second

	// DiscoveryHeadEntries caps the bounded JSONL read used when no
	// catalog entry exists for a transcript.
	DiscoveryHeadEntries = 50

	// DiscoveryTitleLimit is the maximum synthesized title length.
	DiscoveryTitleLimit = 60
)
