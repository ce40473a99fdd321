// Package events provides event subjects and utilities for the Jacques event system.
package events

// Event types for session registry deltas.
const (
	SessionUpserted = "session.upserted"
	SessionRemoved  = "session.removed"
	SessionFocus    = "session.focus_changed"
)

// Event types for transcripts.
const (
	TranscriptChanged = "transcript.changed" // Base subject for transcript write notifications
)

// Event types for the archive pipeline.
const (
	ConversationArchived = "archive.conversation_archived"
	PlanLinked           = "archive.plan_linked"
)

// BuildTranscriptChangedSubject creates a transcript change subject for a specific session.
func BuildTranscriptChangedSubject(sessionID string) string {
	return TranscriptChanged + "." + sessionID
}

// BuildTranscriptChangedWildcardSubject creates a wildcard subscription for all
// transcript change notifications.
func BuildTranscriptChangedWildcardSubject() string {
	return TranscriptChanged + ".*"
}

// BuildSessionWildcardSubject creates a wildcard subscription covering every
// registry delta subject.
func BuildSessionWildcardSubject() string {
	return "session.*"
}
