// Package ptymgr owns the set of live pseudo-terminal child processes
// (spec §4.4) and the orphan/resume lifecycle that lets a session survive
// a transient client disconnect (spec §4.5).
//
// Grounded in the teacher's per-session egg server (internal/egg/server.go):
// same creack/pty spawn call, same graceful-then-hard-kill shutdown shape,
// same cwd-polling idea — generalized from a per-session gRPC subprocess
// to an in-process goroutine-per-session model, since spec §5 describes a
// single agent process, not one child process per PTY.
package ptymgr

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
	"github.com/ehrlich-b/bridgeagent/internal/sink"
)

// AllowedShells is the shell whitelist from spec §4.4.
var AllowedShells = map[string]bool{
	"/bin/bash":      true,
	"/bin/zsh":       true,
	"/bin/sh":        true,
	"system-default": true,
}

// DefaultShell resolves "system-default" to a concrete path.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// CreateOptions configures a new PTY session (spec §4.4 create()).
type CreateOptions struct {
	Cols  int
	Rows  int
	CWD   string
	Shell string
}

// ExitHandler is invoked at most once when a session's process exits; it
// is not invoked for a session already removed by Destroy or Remove.
type ExitHandler func(sessionID string, exitCode int)

type session struct {
	id       string
	pid      int
	cmd      *exec.Cmd
	ptmx     *os.File
	out      *sink.Delegate
	cwdMu    sync.Mutex
	lastCwd  string
	writeMu  sync.Mutex // serializes writes per spec §5
	done     chan struct{}
	exitCode int
	onExit   ExitHandler
}

// Manager owns the live session table, keyed by sessionID.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Create spawns a new PTY child for sessionID. Concurrent create with an
// existing sessionID fails — overwrite semantics are forbidden (spec §4.4).
func (m *Manager) Create(sessionID string, opts CreateOptions) (pid int, err error) {
	shell := opts.Shell
	if shell == "" {
		shell = "system-default"
	}
	if !AllowedShells[shell] {
		return 0, apperr.New(apperr.ShellNotAllowed, shell)
	}
	binary := shell
	if shell == "system-default" {
		binary = DefaultShell()
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return 0, apperr.New(apperr.SessionGone, "session already exists: "+sessionID)
	}
	m.mu.Unlock()

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(binary)
	cmd.Dir = opts.CWD
	cmd.Env = os.Environ()
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return 0, apperr.Wrap(apperr.IOError, "start pty", err)
	}

	s := &session{
		id:      sessionID,
		pid:     cmd.Process.Pid,
		cmd:     cmd,
		ptmx:    ptmx,
		out:     sink.New(),
		lastCwd: opts.CWD,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		cmd.Process.Kill()
		ptmx.Close()
		go cmd.Wait()
		return 0, apperr.New(apperr.SessionGone, "session already exists: "+sessionID)
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	go m.pumpOutput(s)
	go m.waitExit(s)

	return s.pid, nil
}

// pumpOutput reads PTY bytes and forwards them to the session's output
// delegate (live sink or replay buffer) until the PTY closes.
func (m *Manager) pumpOutput(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out.Write(chunk)
		}
		if err != nil {
			return
		}
	}
}

// waitExit blocks for process exit, records the exit code, and invokes the
// registered ExitHandler once if the session is still tracked.
func (m *Manager) waitExit(s *session) {
	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	s.writeMu.Lock()
	s.exitCode = exitCode
	s.writeMu.Unlock()
	close(s.done)
	s.ptmx.Close()

	m.mu.Lock()
	_, stillTracked := m.sessions[s.id]
	m.mu.Unlock()

	if stillTracked && s.onExit != nil {
		s.onExit(s.id, exitCode)
	}
}

// OnExit installs the single terminal exit callback for sessionID.
func (m *Manager) OnExit(sessionID string, fn ExitHandler) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.writeMu.Lock()
	s.onExit = fn
	s.writeMu.Unlock()
}

// OnOutput installs the live sink for sessionID (spec §4.4 onOutput()).
func (m *Manager) OnOutput(sessionID string, fn func(data []byte)) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.out.SetSink(fn)
}

// AttachOutput swaps sessionID's sink to fn and returns the bytes that had
// accumulated in the replay buffer (spec §4.4 attachOutput()).
func (m *Manager) AttachOutput(sessionID string, fn func(data []byte)) ([]byte, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return nil, apperr.New(apperr.SessionGone, sessionID)
	}
	return s.out.AttachOutput(fn), nil
}

// Detach clears sessionID's live sink, falling back to replay buffering.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.out.Detach()
}

// Write sends data to the PTY's stdin. Writes to a single session never
// interleave (spec §5) because each session serializes under its own
// mutex.
func (m *Manager) Write(sessionID string, data []byte) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return apperr.New(apperr.SessionGone, sessionID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return apperr.New(apperr.SessionGone, sessionID)
	default:
	}
	_, err := s.ptmx.Write(data)
	if err != nil {
		return apperr.Wrap(apperr.SessionGone, "write", err)
	}
	return nil
}

// Resize updates the PTY's terminal dimensions.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return apperr.New(apperr.SessionGone, sessionID)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Destroy terminates sessionID's process and stops tracking it.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s == nil {
		return apperr.New(apperr.SessionGone, sessionID)
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-s.done:
			case <-time.After(5 * time.Second):
				s.cmd.Process.Kill()
			}
		}()
	}
	return nil
}

// Remove drops sessionID from the tracked table without signaling the
// process (used when the process has already exited on its own — spec
// §4.5's "PTY exits while orphaned" path).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// ExitCode returns the recorded exit code and whether the process has
// exited.
func (m *Manager) ExitCode(sessionID string) (code int, exited bool) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return 0, true
	}
	select {
	case <-s.done:
		s.writeMu.Lock()
		code = s.exitCode
		s.writeMu.Unlock()
		return code, true
	default:
		return 0, false
	}
}

// PID returns sessionID's host process id.
func (m *Manager) PID(sessionID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return 0, false
	}
	return s.pid, true
}

// GetCwd inspects the session's current working directory via a
// platform-specific probe, falling back to the last known value on
// failure (spec §4.4 getCwd()).
func (m *Manager) GetCwd(sessionID string) string {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return ""
	}
	s.cwdMu.Lock()
	defer s.cwdMu.Unlock()
	if cwd, err := probeCwd(s.pid); err == nil && cwd != "" {
		s.lastCwd = cwd
	}
	return s.lastCwd
}

// probeCwd reads a process's current working directory. On Linux this is
// a symlink read; elsewhere it shells out the way the teacher's darwin
// cwd snooping does (internal/egg/server.go's ps/lsof fallback).
func probeCwd(pid int) (string, error) {
	if runtime.GOOS == "linux" {
		return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	}
	out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", err
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(line) > 1 && line[0] == 'n' {
			return string(line[1:]), nil
		}
	}
	return "", fmt.Errorf("cwd not found in lsof output")
}
