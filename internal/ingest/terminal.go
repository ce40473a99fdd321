package ingest

import (
	"strings"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

// terminalProbe maps an environment variable reported by the hook to the
// tag the reverse adapter uses to target that terminal. Order is the
// priority: the first non-empty value wins.
type terminalProbe struct {
	envVar string
	tag    string
}

var terminalProbes = []terminalProbe{
	{"ITERM_SESSION_ID", "ITERM:"},
	{"TERM_SESSION_ID", "TERMAPP:"},
	{"KITTY_WINDOW_ID", "KITTY:"},
	{"WEZTERM_PANE", "WEZTERM:"},
	{"WT_SESSION", "WT:"},
	{"TTY", "TTY:"},
	{"PID", "PID:"},
}

// DeriveTerminalKey picks a stable terminal identity from the environment
// snapshot a session_start event carries. Returns TerminalKeyUnknown when
// nothing usable was reported.
func DeriveTerminalKey(env map[string]string) string {
	for _, probe := range terminalProbes {
		if v := strings.TrimSpace(env[probe.envVar]); v != "" {
			return probe.tag + v
		}
	}
	return session.TerminalKeyUnknown
}
