//go:build windows

package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// enumerateProcesses lists live vendor CLI processes via PowerShell.
// Windows exposes no cheap per-process working directory, so sessions are
// discovered from transcript recency alone and every process pairs by
// order.
func enumerateProcesses(ctx context.Context, processName string) ([]vendorProcess, error) {
	script := fmt.Sprintf(
		`Get-Process -Name %q -ErrorAction SilentlyContinue | Select-Object Id,Path | ConvertTo-Json -Compress`,
		processName)
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script).Output()
	if err != nil {
		return nil, fmt.Errorf("powershell enumeration: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	var rows []struct {
		ID   int    `json:"Id"`
		Path string `json:"Path"`
	}
	// A single match serializes as an object, not an array.
	if err := json.Unmarshal(out, &rows); err != nil {
		var row struct {
			ID   int    `json:"Id"`
			Path string `json:"Path"`
		}
		if err := json.Unmarshal(out, &row); err != nil {
			return nil, fmt.Errorf("parse enumeration output: %w", err)
		}
		rows = append(rows, row)
	}

	procs := make([]vendorProcess, 0, len(rows))
	for _, row := range rows {
		procs = append(procs, vendorProcess{PID: row.ID, TTY: "?"})
	}
	return procs, nil
}
