// Package supervisor runs intel_gpu_top and feeds its JSON output through the
// telemetry decoder.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

const (
	// stderrLimit bounds how much of the tool's error output is kept.
	stderrLimit = 64 << 10
	// bufferWarnThreshold is the decode backlog size that triggers a warning.
	bufferWarnThreshold = 1 << 20
	waitDelay           = 2 * time.Second
)

var (
	// ErrNotStarted is returned by Run when Start has not succeeded.
	ErrNotStarted = errors.New("supervisor: process not started")
	// ErrClosed is returned by Run when Close stopped the process.
	ErrClosed = errors.New("supervisor: closed")
)

// Handler receives every decoded sample, in stream order, on the read loop.
type Handler func(telemetry.Sample)

// Options configures a Supervisor.
type Options struct {
	Binary        string
	RefreshPeriod time.Duration
	Handler       Handler
	Logger        *slog.Logger
}

// Supervisor owns the telemetry tool process. Start spawns it, Run consumes
// its output until it exits, and Close kills it.
type Supervisor struct {
	binary  string
	period  time.Duration
	handle  Handler
	logger  *slog.Logger
	decoder *telemetry.Decoder

	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *tailBuffer
	buffered atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New validates options and builds an idle Supervisor.
func New(opts Options) (*Supervisor, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("binary must not be empty")
	}
	if opts.RefreshPeriod < time.Millisecond {
		return nil, fmt.Errorf("refresh period must be at least 1ms, got %s", opts.RefreshPeriod)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		binary:  opts.Binary,
		period:  opts.RefreshPeriod,
		handle:  opts.Handler,
		logger:  logger,
		decoder: telemetry.NewDecoder(),
		stderr:  newTailBuffer(stderrLimit),
	}, nil
}

// Args returns the tool arguments: JSON output sampled once per period.
func (s *Supervisor) Args() []string {
	return []string{"-J", "-s", strconv.FormatInt(s.period.Milliseconds(), 10)}
}

// Command renders the full invocation for logs.
func (s *Supervisor) Command() string {
	return strings.Join(append([]string{s.binary}, s.Args()...), " ")
}

// Start spawns the tool. The process is killed when ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.binary, s.Args()...)
	cmd.Stderr = s.stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.binary, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.logger.Info("started", "cmd", s.Command(), "pid", cmd.Process.Pid)
	return nil
}

// Run reads the tool output line by line until EOF, forwarding each decoded
// sample to the handler, then reaps the process. A failed exit is logged with
// the captured stderr and returned as an error. Run kills the process before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cmd == nil {
		return ErrNotStarted
	}
	defer s.Close()

	reader := bufio.NewReader(s.stdout)
	warned := false
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			for _, sample := range s.decoder.Feed(line) {
				s.handle(sample)
			}
			buffered := s.decoder.Buffered()
			s.buffered.Store(int64(buffered))
			if buffered > bufferWarnThreshold && !warned {
				warned = true
				s.logger.Warn("decode buffer keeps growing without a complete object", "bytes", buffered)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.logger.Warn("read tool output", "err", readErr)
			}
			break
		}
	}

	waitErr := s.cmd.Wait()
	if ctx.Err() != nil {
		s.logger.Info("stopped", "reason", ctx.Err())
		return ctx.Err()
	}
	if s.closed.Load() {
		s.logger.Info("stopped", "reason", ErrClosed)
		return ErrClosed
	}
	if waitErr != nil {
		stderr := strings.TrimSpace(s.stderr.String())
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			s.logger.Error("tool exited with failure", "exit_code", exitErr.ExitCode(), "stderr", stderr)
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr, err: waitErr}
		}
		return fmt.Errorf("wait %s: %w", s.binary, waitErr)
	}

	s.logger.Info("tool exited")
	return nil
}

// Buffered reports the size of the pending decode buffer. Safe for concurrent
// use.
func (s *Supervisor) Buffered() int {
	return int(s.buffered.Load())
}

// Close kills the tool process if it is still running. It is idempotent.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill %s: %w", s.binary, killErr)
		}
	})
	return err
}

// ExitError reports a non-zero exit of the telemetry tool. Stderr holds the
// captured tail of its error output. Run logs it; Error omits it.
type ExitError struct {
	Code   int
	Stderr string
	err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("telemetry tool exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.err
}
