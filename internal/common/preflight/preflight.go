// Package preflight verifies at startup that no other daemon instance
// holds the socket, port, or PID file. Another live instance is a fatal
// error; leftovers from a dead one are cleaned up.
package preflight

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/config"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
)

// ErrAlreadyRunning signals that another live instance owns a resource.
var ErrAlreadyRunning = errors.New("another instance is already running")

const dialTimeout = 500 * time.Millisecond

// Check runs every pre-flight probe for the configured listeners. On
// success the environment is clean and stale leftovers have been
// removed; on failure the caller must exit without touching anything.
func Check(cfg *config.Config, log *logger.Logger) error {
	if err := CheckPIDFile(cfg.Server.PIDFile, log); err != nil {
		return err
	}
	if err := CheckSocket(cfg.Server.SocketPath, log); err != nil {
		return err
	}
	if err := CheckPort(cfg.Server.WSPort); err != nil {
		return err
	}
	if cfg.Server.HTTPPort != 0 {
		if err := CheckPort(cfg.Server.HTTPPort); err != nil {
			return err
		}
	}
	return nil
}

// CheckSocket probes an existing unix socket path. A connectable socket
// means a live instance; a dead one is unlinked so binding can proceed.
func CheckSocket(path string, log *logger.Logger) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}

	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use: %w", path, ErrAlreadyRunning)
	}

	log.Warn("Removing stale socket", zap.String("path", path))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

// CheckPort verifies a TCP port is free by binding and releasing it.
func CheckPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("port %d is in use: %w", port, ErrAlreadyRunning)
	}
	return ln.Close()
}

// CheckPIDFile reads an existing PID file and probes the process with
// signal 0. A live process is fatal; a stale file is removed.
func CheckPIDFile(path string, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pid file %s: %w", path, err)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr == nil && processAlive(pid) {
		return fmt.Errorf("pid file %s points at live process %d: %w", path, pid, ErrAlreadyRunning)
	}

	log.Warn("Removing stale pid file", zap.String("path", path))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale pid file %s: %w", path, err)
	}
	return nil
}

// WritePIDFile records the current process id. Returns a cleanup func.
func WritePIDFile(path string) (func(), error) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	return func() { os.Remove(path) }, nil
}

// processAlive sends signal 0, which tests existence without side
// effects. EPERM still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
