//go:build !windows

package scanner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// enumerateProcesses lists live vendor CLI processes via ps, resolving
// each working directory through /proc (falling back to lsof where /proc
// is unavailable).
func enumerateProcesses(ctx context.Context, processName string) ([]vendorProcess, error) {
	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid=,tty=,comm=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	var procs []vendorProcess
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		comm := fields[len(fields)-1]
		if baseName(comm) != processName {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cwd, err := processCWD(ctx, pid)
		if err != nil || cwd == "" {
			continue
		}
		procs = append(procs, vendorProcess{
			PID:        pid,
			TTY:        fields[1],
			WorkingDir: cwd,
		})
	}
	return procs, nil
}

func processCWD(ctx context.Context, pid int) (string, error) {
	if cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
		return cwd, nil
	}
	// macOS has no /proc.
	out, err := exec.CommandContext(ctx, "lsof", "-a", "-d", "cwd", "-p", strconv.Itoa(pid), "-Fn").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("no cwd for pid %d", pid)
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
