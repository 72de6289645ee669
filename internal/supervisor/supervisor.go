// Package supervisor spawns and monitors external agent processes. Each
// run is watched by its own goroutine which enforces the wall-clock
// deadline, relays output lines in emission order, and reports the outcome
// asynchronously so callers never block on agent completion.
package supervisor

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// OutcomeKind classifies how a supervised process ended
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the terminal result of a supervised process
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Err      error
}

// Spec describes the process to supervise
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Handle tracks one running process. Done delivers exactly one Outcome.
type Handle struct {
	PID int

	done     chan Outcome
	cancelCh chan struct{}
	once     sync.Once
}

// Done returns the channel the outcome is delivered on
func (h *Handle) Done() <-chan Outcome {
	return h.done
}

// Cancel requests termination of the process. It is idempotent and safe
// to call after the process has already exited.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancelCh) })
}

// Supervisor starts and monitors agent processes
type Supervisor struct {
	logger *zap.Logger
}

// New creates a Supervisor
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Start launches the process and begins supervision. onLine receives every
// stdout and stderr line in emission order; calls are serialized. A failure
// to spawn at all is returned synchronously as a ProcessLaunchError.
func (s *Supervisor) Start(spec Spec, onLine func(string)) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	// Own process group so the whole tree can be killed on timeout/cancel
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.ProcessLaunchError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &domain.ProcessLaunchError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &domain.ProcessLaunchError{Err: err}
	}

	h := &Handle{
		PID:      cmd.Process.Pid,
		done:     make(chan Outcome, 1),
		cancelCh: make(chan struct{}),
	}

	go s.monitor(cmd, spec, h, stdout, stderr, onLine)

	return h, nil
}

func (s *Supervisor) monitor(cmd *exec.Cmd, spec Spec, h *Handle, stdout, stderr io.ReadCloser, onLine func(string)) {
	var lineMu sync.Mutex
	emit := func(line string) {
		lineMu.Lock()
		onLine(line)
		lineMu.Unlock()
	}

	var readers errgroup.Group
	readers.Go(func() error { return readLines(stdout, emit) })
	readers.Go(func() error { return readLines(stderr, emit) })

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var outcome Outcome
	select {
	case err := <-waitCh:
		outcome = exitOutcome(err)

	case <-timer.C:
		s.logger.Warn("agent process deadline exceeded, killing process group",
			zap.Int("pid", h.PID), zap.Duration("timeout", spec.Timeout))
		killGroup(h.PID)
		<-waitCh
		outcome = Outcome{Kind: OutcomeTimeout, Err: domain.ErrTimeout}

	case <-h.cancelCh:
		s.logger.Info("agent process cancelled, killing process group", zap.Int("pid", h.PID))
		killGroup(h.PID)
		<-waitCh
		outcome = Outcome{Kind: OutcomeCancelled}
	}

	h.done <- outcome
}

func exitOutcome(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return Outcome{Kind: OutcomeFailure, ExitCode: code, Err: &domain.ProcessFailure{ExitCode: code}}
	}
	return Outcome{Kind: OutcomeFailure, ExitCode: -1, Err: err}
}

// killGroup kills the whole process group. Falls back to the single
// process when the group is already gone.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// IsProcessRunning reports whether pid still exists, used during crash
// recovery to detect orphaned sessions.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readLines(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	// Agent output can contain very long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	return scanner.Err()
}
