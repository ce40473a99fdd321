// Package scanner discovers live vendor CLI sessions by pairing host
// processes with recently written transcript files.
package scanner

import "time"

// DetectedSession is one live session found on the host.
type DetectedSession struct {
	SessionID      string    `json:"session_id"`
	TranscriptPath string    `json:"transcript_path"`
	WorkingDir     string    `json:"working_dir"`
	ProjectID      string    `json:"project_id"`
	GitBranch      string    `json:"git_branch,omitempty"`
	Title          string    `json:"title,omitempty"`
	LastModified   time.Time `json:"last_modified"`

	// Process info. Sessions beyond the process count carry PID 0 and
	// TTY "?".
	PID int    `json:"pid"`
	TTY string `json:"tty"`
}

// vendorProcess is one live CLI process.
type vendorProcess struct {
	PID        int
	TTY        string
	WorkingDir string
	StartedAt  time.Time
}

// transcriptMeta is the bounded-read metadata extracted from a JSONL head.
type transcriptMeta struct {
	SessionID string
	GitBranch string
	Title     string
}
