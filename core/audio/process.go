// Package audio runs the ffmpeg processes that turn downloaded files into
// the live stream: one long-lived encoder publishing to the origin and one
// decoder per track feeding it raw PCM.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"QueueFM/logger"
)

// DefaultGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// ProcessOptions selects which pipes Start wires up.
type ProcessOptions struct {
	Stdin  bool
	Stdout bool
}

// Process supervises one external command: it owns the handle, the pipes
// and the process group, and reports exit exactly once.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	waitOnce sync.Once
	done     chan struct{}
	err      error
}

// StartProcess launches path with args. When opts.Stdout is set the caller
// must drain Stdout before calling Wait; otherwise exit is collected in the
// background and Done fires on its own.
func StartProcess(name, path string, args []string, opts ProcessOptions) (*Process, error) {
	cmd := exec.Command(path, args...)
	setGroup(cmd)

	p := &Process{
		name:   name,
		cmd:    cmd,
		stderr: newTailBuffer(4096),
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	var err error
	if opts.Stdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("%s stdin: %w", name, err)
		}
	}
	if opts.Stdout {
		if p.stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("%s stdout: %w", name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	logger.Debug("process started",
		logger.Component("audio"),
		logger.String("name", name),
		logger.Int("pid", cmd.Process.Pid))

	if !opts.Stdout {
		go p.collect()
	}
	return p, nil
}

func (p *Process) collect() {
	p.waitOnce.Do(func() {
		p.err = p.cmd.Wait()
		close(p.done)
	})
}

// Stdin is nil unless requested.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is nil unless requested.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait reaps the process and returns its exit error.
func (p *Process) Wait() error {
	p.collect()
	return p.err
}

// Stderr returns the tail of the process's stderr output.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Terminate sends SIGTERM to the process group, then SIGKILL after grace.
// It returns once the process is reaped.
func (p *Process) Terminate(grace time.Duration) {
	if !p.Alive() {
		return
	}
	_ = terminateGroup(p.cmd)
	go p.collect()

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	logger.Warn("process ignored SIGTERM, killing",
		logger.Component("audio"),
		logger.String("name", p.name))
	_ = killGroup(p.cmd)
	<-p.done
}

// ExitedCleanly treats exit 0, ffmpeg's 255 (interrupted) and death by
// signal as a normal end of stream.
func ExitedCleanly(err error) bool {
	if err == nil {
		return true
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	code := ee.ExitCode()
	return code == 255 || code == -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
