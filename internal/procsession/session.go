// Package procsession supervises background OS processes with cursor-read
// output buffers.
package procsession

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Sentinel errors returned as ordinary results by the registry.
var (
	ErrNotFound    = errors.New("process session not found")
	ErrNotAllowed  = errors.New("command not in allow-list")
	ErrExited      = errors.New("process has exited")
	ErrMaxSessions = errors.New("too many live process sessions")
)

const (
	// maxReadWait bounds the optional poll delay on Read.
	maxReadWait = 30 * time.Second
	// stopGrace is how long a graceful Stop waits before killing the
	// process group.
	stopGrace = 3 * time.Second
	// pollInterval paces the Read wait loop.
	pollInterval = 50 * time.Millisecond
)

// buffer is one output stream with a monotonic read cursor. The cursor is
// non-destructive: Delta advances it, Full does not.
type buffer struct {
	data   []byte
	cursor int
	limit  int
}

func (b *buffer) append(p []byte) {
	b.data = append(b.data, p...)
	if b.limit > 0 && len(b.data) > b.limit {
		drop := len(b.data) - b.limit
		b.data = b.data[drop:]
		b.cursor -= drop
		if b.cursor < 0 {
			b.cursor = 0
		}
	}
}

func (b *buffer) full() string {
	return string(b.data)
}

func (b *buffer) delta() string {
	out := string(b.data[b.cursor:])
	b.cursor = len(b.data)
	return out
}

// Session is one supervised external process. All fields behind mu are
// shared between the background pipe readers, the reaper, and foreground
// registry calls.
type Session struct {
	ID      string
	PID     int
	Command string
	Args    []string
	Dir     string
	Started time.Time

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   buffer
	stderr   buffer
	running  bool
	exitCode int
	done     chan struct{}
	readers  sync.WaitGroup
}

// start spawns the process and begins capturing output. The process gets
// its own process group so Stop can kill the whole tree.
func start(id, command string, args []string, dir string, bufferLimit int) (*Session, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	s := &Session{
		ID:      id,
		PID:     cmd.Process.Pid,
		Command: command,
		Args:    args,
		Dir:     dir,
		Started: time.Now(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  buffer{limit: bufferLimit},
		stderr:  buffer{limit: bufferLimit},
		running: true,
		done:    make(chan struct{}),
	}

	s.readers.Add(2)
	go s.capture(stdout, &s.stdout)
	go s.capture(stderr, &s.stderr)
	go s.reap()

	return s, nil
}

// capture appends output lines to the buffer as they arrive.
func (s *Session) capture(r io.Reader, buf *buffer) {
	defer s.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.mu.Lock()
		buf.append(append(scanner.Bytes(), '\n'))
		s.mu.Unlock()
	}
}

// reap waits for exit, records the code once, and signals done.
func (s *Session) reap() {
	s.readers.Wait()
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				code = 128 + int(status.Signal())
			}
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.running = false
	s.exitCode = code
	s.mu.Unlock()
	close(s.done)
}

// Snapshot is the state a Read or Stop returns.
type Snapshot struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Running  bool   `json:"is_running"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Read returns output. With all=true the full buffers are returned and the
// cursors are untouched; otherwise only bytes appended since the previous
// Read, advancing the cursors. waitMs, clamped to 30s, delays until new
// delta bytes show up or the process exits.
func (s *Session) Read(all bool, waitMs int) Snapshot {
	wait := time.Duration(waitMs) * time.Millisecond
	if wait > maxReadWait {
		wait = maxReadWait
	}
	deadline := time.Now().Add(wait)

	for {
		s.mu.Lock()
		hasDelta := s.stdout.cursor < len(s.stdout.data) || s.stderr.cursor < len(s.stderr.data)
		running := s.running
		s.mu.Unlock()
		if all || hasDelta || !running || wait <= 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.running}
	if all {
		snap.Stdout = s.stdout.full()
		snap.Stderr = s.stderr.full()
	} else {
		snap.Stdout = s.stdout.delta()
		snap.Stderr = s.stderr.delta()
	}
	if !s.running {
		code := s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// Write sends input to stdin, optionally appending a newline.
func (s *Session) Write(input string, newline bool) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrExited
	}
	stdin := s.stdin
	s.mu.Unlock()

	if newline {
		input += "\n"
	}
	if _, err := io.WriteString(stdin, input); err != nil {
		return fmt.Errorf("failed to write stdin: %w", err)
	}
	return nil
}

// Status describes the session without touching cursors.
type Status struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Command   string `json:"command"`
	Running   bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	UptimeMs  int64  `json:"uptime_ms"`
}

// Status reports liveness, exit code, and uptime.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID: s.ID,
		PID:       s.PID,
		Command:   s.Command,
		Running:   s.running,
		UptimeMs:  time.Since(s.Started).Milliseconds(),
	}
	if !s.running {
		code := s.exitCode
		st.ExitCode = &code
	}
	return st
}

// Stop ends the process: graceful (close stdin, wait up to 3s) unless
// force, then SIGKILL to the whole process group. Always returns the final
// full buffers and exit code. Stopping an already-exited session just
// returns its captured snapshot.
func (s *Session) Stop(force bool) Snapshot {
	s.mu.Lock()
	running := s.running
	stdin := s.stdin
	s.mu.Unlock()

	if running {
		if !force {
			stdin.Close()
			select {
			case <-s.done:
			case <-time.After(stopGrace):
				s.killGroup()
				<-s.done
			}
		} else {
			s.killGroup()
			<-s.done
		}
	}
	return s.Read(true, 0)
}

// killGroup kills the process and everything it spawned. Negative pid
// targets the process group created at start.
func (s *Session) killGroup() {
	if pgid, err := syscall.Getpgid(s.PID); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	s.cmd.Process.Kill()
}
