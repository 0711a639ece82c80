package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout is how long Stop waits after closing stdin before it
// kills the server.
const DefaultStopTimeout = 2 * time.Second

// ProcessConfig describes how to spawn a tool server speaking MCP over stdio.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env         []string
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// FilesystemServer returns the default configuration launching the reference
// filesystem server restricted to allowedDir.
func FilesystemServer(allowedDir string) ProcessConfig {
	return ProcessConfig{
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", allowedDir},
	}
}

// Process supervises a tool server subprocess. It owns the child's stdio but
// knows nothing about the protocol spoken over it.
type Process struct {
	cfg    ProcessConfig
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	started  atomic.Bool
	dead     atomic.Bool
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	stopErr  error
}

// NewProcess prepares a process; nothing is spawned until Start.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		cfg:    cfg,
		logger: logger.With(zap.String("command", cfg.Command)),
		done:   make(chan struct{}),
	}
}

// Start launches the configured command. A missing executable or a failed
// spawn is reported as ErrToolServerUnavailable.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("mcp: process already started")
	}
	command := strings.TrimSpace(p.cfg.Command)
	if command == "" {
		return fmt.Errorf("%w: no command configured", ErrToolServerUnavailable)
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrToolServerUnavailable, err)
	}

	// The child must outlive ctx; Stop is the only way it is terminated.
	cmd := exec.Command(path, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	cmd.Stderr = &stderrLogger{logger: p.logger}
	cmd.WaitDelay = p.cfg.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %w", ErrToolServerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %w", ErrToolServerUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrToolServerUnavailable, command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.logger.Debug("tool server started", zap.Int("pid", cmd.Process.Pid))

	go func() {
		p.waitErr = cmd.Wait()
		p.dead.Store(true)
		p.logger.Debug("tool server exited", zap.Error(p.waitErr))
		close(p.done)
	}()
	return nil
}

// Stdin returns the write side of the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read side of the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// IsAlive reports whether the child is running and has not been marked dead.
func (p *Process) IsAlive() bool {
	if p == nil || p.cmd == nil {
		return false
	}
	return !p.dead.Load()
}

// MarkDead flags the process as unusable without stopping it.
func (p *Process) MarkDead() {
	if p != nil {
		p.dead.Store(true)
	}
}

// Stop closes stdin, waits for the child to exit and kills it after the
// grace period. Safe to call more than once.
func (p *Process) Stop() error {
	if p == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.dead.Store(true)
		if p.cmd == nil {
			return
		}
		_ = p.stdin.Close()

		timer := time.NewTimer(p.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}

		p.logger.Warn("tool server did not exit, killing", zap.Duration("grace", p.cfg.StopTimeout))
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = fmt.Errorf("mcp: kill tool server: %w", err)
		}
		<-p.done
	})
	return p.stopErr
}

// stderrLogger forwards the child's stderr to the logger one line at a time.
type stderrLogger struct {
	logger *zap.Logger
	buf    []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.logger.Debug("tool server stderr", zap.String("line", line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
