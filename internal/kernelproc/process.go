package kernelproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/nbkernel/internal/wire"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Config controls how the kernel process is invoked.
type Config struct {
	Binary string
	Args   []string
	Env    map[string]string
	Dir    string
	// ShutdownGrace is how long Close waits after closing stdin, and again
	// after SIGTERM, before escalating.
	ShutdownGrace time.Duration
}

// Process is a running kernel subprocess. It implements core.Transport.
type Process struct {
	cmd   *exec.Cmd
	conn  *wire.Conn
	stdin io.Closer
	log   pslog.Logger
	grace time.Duration

	stderrDone chan struct{}
	waitDone   chan struct{}
	waitErr    error

	closeOnce sync.Once
	closeErr  error
	started   time.Time
}

// Start launches the kernel process.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Binary == "" {
		return nil, errors.New("kernel binary is required")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	log := pslog.Ctx(ctx)
	log.Info("kernel process start", "binary", cfg.Binary, "args", cfg.Args, "env_extra", len(cfg.Env))

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stderr: %w", err)
	}
	// stdout is read by the wire codec, which may outlive cmd.Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		log.Error("kernel process start failed", "err", err)
		return nil, err
	}
	_ = stdoutW.Close()
	log = log.With("pid", cmd.Process.Pid)
	log.Info("kernel process started")

	p := &Process{
		cmd:        cmd,
		conn:       wire.NewConn(pslog.ContextWithLogger(ctx, log), stdoutR, stdin, stdin, stdoutR),
		stdin:      stdin,
		log:        log,
		grace:      cfg.ShutdownGrace,
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
		started:    time.Now(),
	}
	go p.readStderr(stderr)
	go p.wait()
	return p, nil
}

// Pid returns the process id of the kernel.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the kernel process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.waitDone
}

// Wait blocks until the kernel process exits and returns its wait error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.waitDone:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a message to the kernel's stdin.
func (p *Process) Send(ctx context.Context, msg schema.Message) error {
	return p.conn.Send(ctx, msg)
}

// Recv reads the next message from the kernel's stdout.
func (p *Process) Recv(ctx context.Context) (schema.Message, error) {
	return p.conn.Recv(ctx)
}

// Close stops the kernel: stdin is closed first, then the process group gets
// SIGTERM and finally SIGKILL, each after the shutdown grace period.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if !p.waitFor(p.grace) {
			p.signal(unix.SIGTERM)
			if !p.waitFor(p.grace) {
				p.signal(unix.SIGKILL)
				<-p.waitDone
			}
		}
		p.closeErr = p.conn.Close()
		if errors.Is(p.closeErr, os.ErrClosed) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}

func (p *Process) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) signal(sig unix.Signal) {
	pid := p.cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		pgid = pid
	}
	p.log.Warn("kernel process signal", "signal", sig.String(), "pgid", pgid)
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = p.cmd.Process.Signal(sig)
	}
}

func (p *Process) wait() {
	<-p.stderrDone
	err := p.cmd.Wait()
	fields := []any{"duration_ms", time.Since(p.started).Milliseconds()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		fields = append(fields, "exit_code", 0)
	case errors.As(err, &exitErr):
		fields = append(fields, "exit_code", exitErr.ExitCode())
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			fields = append(fields, "signal", status.Signal().String())
		}
	default:
		fields = append(fields, "err", err)
	}
	p.waitErr = err
	p.log.Info("kernel process exited", fields...)
	close(p.waitDone)
}

func (p *Process) readStderr(reader io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	count := 0
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		count++
		preview := previewText(text, 200)
		p.log.Debug("kernel stderr", "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Warn("kernel stderr read failed", "err", err)
	}
	if count > 0 {
		p.log.Debug("kernel stderr completed", "lines", count)
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
