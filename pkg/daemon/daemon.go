// Package daemon supervises the sherpad server process: pidfile handling,
// detached start, signal-based stop, and log tailing. It drives the server
// binary from the outside; the in-process server lives in pkg/server.
package daemon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

const (
	startVerifyDelay = 500 * time.Millisecond
	stopPollInterval = 500 * time.Millisecond
	stopTimeout      = 10 * time.Second
	restartGrace     = 2 * time.Second
	killSettle       = 1 * time.Second
)

// Supervisor manages one sherpad instance through its pidfile.
type Supervisor struct {
	PidFile string
	LogFile string
}

// ReadPid returns the recorded pid, or a typed not-found error when no
// pidfile exists.
func (s *Supervisor) ReadPid() (int, error) {
	data, err := os.ReadFile(s.PidFile)
	if os.IsNotExist(err) {
		return 0, util.NewNotFoundError("pidfile", s.PidFile)
	}
	if err != nil {
		return 0, fmt.Errorf("daemon: read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: pidfile %s is corrupt", s.PidFile)
	}
	return pid, nil
}

// WritePid records the running server's pid.
func (s *Supervisor) WritePid(pid int) error {
	if err := os.WriteFile(s.PidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("daemon: write pidfile: %w", err)
	}
	return nil
}

// RemovePid drops the pidfile. Missing is fine.
func (s *Supervisor) RemovePid() error {
	err := os.Remove(s.PidFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove pidfile: %w", err)
	}
	return nil
}

// alive reports whether pid names a live process we can signal.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Running returns the pid of a live server, or 0.
func (s *Supervisor) Running() int {
	pid, err := s.ReadPid()
	if err != nil {
		return 0
	}
	if !alive(pid) {
		return 0
	}
	return pid
}

// Start launches the current binary detached with the run arguments,
// verifies it survived startup, and records its pid.
func (s *Supervisor) Start(runArgs []string) (int, error) {
	if pid := s.Running(); pid != 0 {
		return 0, fmt.Errorf("daemon: server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: resolve executable: %w", err)
	}

	logf, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("daemon: open log file: %w", err)
	}
	defer logf.Close()

	cmd := exec.Command(exe, runArgs...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start server: %w", err)
	}
	pid := cmd.Process.Pid
	// Orphan deliberately; the child outlives us.
	cmd.Process.Release()

	time.Sleep(startVerifyDelay)
	if !alive(pid) {
		return 0, fmt.Errorf("daemon: server exited immediately, see %s", s.LogFile)
	}

	if err := s.WritePid(pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// Stop terminates the server: SIGTERM, poll for exit, SIGKILL only when
// forced after the timeout.
func (s *Supervisor) Stop(force bool) error {
	pid := s.Running()
	if pid == 0 {
		s.RemovePid()
		return util.NewNotFoundError("server process", s.PidFile)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return s.RemovePid()
		}
		time.Sleep(stopPollInterval)
	}

	if !force {
		return fmt.Errorf("daemon: pid %d did not exit within %s (use --force)", pid, stopTimeout)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("daemon: kill pid %d: %w", pid, err)
	}
	time.Sleep(killSettle)
	return s.RemovePid()
}

// Restart stops a running server (if any) and starts a fresh one.
func (s *Supervisor) Restart(runArgs []string, force bool) (int, error) {
	if s.Running() != 0 {
		if err := s.Stop(force); err != nil {
			return 0, err
		}
		time.Sleep(restartGrace)
	}
	return s.Start(runArgs)
}

// Logs prints the last n lines of the server log, then follows appends
// when follow is set.
func (s *Supervisor) Logs(out *os.File, n int, follow bool) error {
	f, err := os.Open(s.LogFile)
	if os.IsNotExist(err) {
		return util.NewNotFoundError("log file", s.LogFile)
	}
	if err != nil {
		return fmt.Errorf("daemon: open log file: %w", err)
	}
	defer f.Close()

	lines, err := tailLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	if !follow {
		return nil
	}

	// Poll for appends from the current end.
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("daemon: seek log file: %w", err)
	}
	for {
		time.Sleep(stopPollInterval)
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("daemon: stat log file: %w", err)
		}
		if info.Size() <= offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("daemon: seek log file: %w", err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fmt.Fprintln(out, sc.Text())
		}
		offset = info.Size()
	}
}

// tailLines returns the last n lines of f.
func tailLines(f *os.File, n int) ([]string, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("daemon: read log file: %w", err)
	}
	return lines, nil
}
