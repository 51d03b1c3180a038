package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	kenv "github.com/loykin/keepalive/internal/env"
)

// Process is a single launched worker. Its combined stdout and stderr form a
// finite stream of lines that ends when every writer of the pipe has exited.
type Process struct {
	spec      Spec
	startedAt time.Time
	pid       int

	out   *os.File
	lines chan string
	quit  chan struct{}

	waitDone chan struct{}

	mu        sync.Mutex
	waitErr   error
	streamErr error
	closeOnce sync.Once
}

// Start launches the worker described by spec with the given environment.
// A nil env inherits the environment of the current process. spec.Env is
// layered on top of it.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	switch {
	case len(spec.Env) > 0:
		base := env
		if len(base) == 0 {
			base = os.Environ()
		}
		cmd.Env = kenv.New().FromList(base).Merge(spec.Env)
	case len(env) > 0:
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// the child holds its own copy of the write end
	_ = w.Close()

	p := &Process{
		spec:      spec,
		startedAt: time.Now(),
		pid:       cmd.Process.Pid,
		out:       r,
		lines:     make(chan string),
		quit:      make(chan struct{}),
		waitDone:  make(chan struct{}),
	}
	go p.read()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.waitDone)
	}()
	return p, nil
}

func (p *Process) read() {
	defer close(p.lines)
	br := bufio.NewReader(p.out)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case p.lines <- strings.TrimRight(line, "\r\n"):
			case <-p.quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.mu.Lock()
				p.streamErr = err
				p.mu.Unlock()
			}
			return
		}
	}
}

// Name returns the configured worker name.
func (p *Process) Name() string { return p.spec.Name }

// PID returns the OS process id of the worker.
func (p *Process) PID() int { return p.pid }

// StartedAt returns the time the worker was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Lines yields output lines without their trailing newline. The channel is
// closed at end of stream or after Close.
func (p *Process) Lines() <-chan string { return p.lines }

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the worker has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// ExitCode returns the worker's exit code, 128+signal for a worker killed by
// a signal, or -1 while it is still running.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return exitCode(p.waitErr)
}

// Err returns the error reported by Wait, if any.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StreamErr returns the first read error on the output pipe other than EOF.
func (p *Process) StreamErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamErr
}

// Close stops output streaming and releases the read end of the pipe.
// It does not signal the worker.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.out.Close()
	})
}

// Stop asks the worker's process group to terminate, waits up to grace for
// it to exit and then kills the group. It returns once the worker is reaped.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	// an already-gone group is handled by the Exited checks below
	_ = terminateGroup(p.pid)
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.waitDone:
			return nil
		case <-t.C:
		}
	}
	if err := killGroup(p.pid); err != nil {
		select {
		case <-p.waitDone:
			return nil
		case <-time.After(time.Second):
			return fmt.Errorf("kill %s (pid %d): %w", p.spec.Name, p.pid, err)
		}
	}
	<-p.waitDone
	return nil
}

// Status is a point-in-time view of a worker process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Snapshot returns the current status of p.
func (p *Process) Snapshot() Status {
	s := Status{Name: p.spec.Name, PID: p.pid, StartedAt: p.startedAt, Running: !p.Exited()}
	if !s.Running {
		code := p.ExitCode()
		s.ExitCode = &code
	}
	return s
}
