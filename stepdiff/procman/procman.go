// Package procman finds and terminates processes left behind by an earlier run.
package procman

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Process is a running process as seen by a Manager.
type Process struct {
	Pid  int
	Name string
}

// Manager lists processes by name and asks them to terminate.
type Manager interface {
	List(name string) ([]Process, error)
	Terminate(pid int) error
}

// KillByName terminates every process called name and returns how many were signalled.
// A process that cannot be terminated does not stop the others from being tried.
func KillByName(m Manager, name string) (int, error) {
	procs, err := m.List(name)
	if err != nil {
		return 0, fmt.Errorf("listing %q processes: %w", name, err)
	}
	killed := 0
	var errs []error
	for _, p := range procs {
		if err := m.Terminate(p.Pid); err != nil {
			errs = append(errs, fmt.Errorf("terminating %s (pid %d): %w", p.Name, p.Pid, err))
			continue
		}
		slog.Info("Terminated stray process", "name", p.Name, "pid", p.Pid)
		killed++
	}
	return killed, errors.Join(errs...)
}

// System is the Manager for the local machine, backed by /proc.
type System struct {
	// Root is the proc filesystem mount point, "/proc" when empty.
	Root string
	// Grace is how long a process gets to exit after SIGTERM before it is sent SIGKILL.
	Grace time.Duration
}

var _ Manager = (*System)(nil)

// NewSystem returns a Manager for the local machine.
func NewSystem() *System {
	return &System{Root: "/proc", Grace: 500 * time.Millisecond}
}

func (s *System) root() string {
	if s.Root == "" {
		return "/proc"
	}
	return s.Root
}

// List returns processes whose command name or argv[0] base name equals name.
// The calling process is never listed.
func (s *System) List(name string) ([]Process, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return nil, err
	}
	self := os.Getpid()

	var procs []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		if s.matches(pid, name) {
			procs = append(procs, Process{Pid: pid, Name: name})
		}
	}
	return procs, nil
}

func (s *System) matches(pid int, name string) bool {
	dir := filepath.Join(s.root(), strconv.Itoa(pid))

	if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if strings.TrimSpace(string(comm)) == name {
			return true
		}
	}
	// comm is truncated to 15 bytes, argv[0] is not
	return s.argv0(dir) == name
}

func (s *System) argv0(dir string) string {
	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil || len(cmdline) == 0 {
		return ""
	}
	arg0, _, _ := strings.Cut(string(cmdline), "\x00")
	return filepath.Base(arg0)
}

// Terminate sends SIGTERM, then SIGKILL if the process outlives the grace period.
// A process that is already gone is not an error.
func (s *System) Terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(s.Grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// alive probes pid with signal 0.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
