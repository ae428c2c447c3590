// Package supervisor runs the bridge host process: it starts the command,
// waits for the readiness line on stdout, restarts the process when it
// crashes and stops it with SIGTERM, escalating to SIGKILL.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mini-bridge/config"
)

type EventType string

const (
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventReady    EventType = "ready"
	EventExit     EventType = "exit"
	EventShutdown EventType = "shutdown"
)

// Event is one lifecycle notification. Line is set for output events,
// ExitCode and Err for exit events, Reason for shutdown.
type Event struct {
	Type     EventType
	Line     string
	ExitCode int
	Err      error
	Reason   string
}

// Process is what a gateway host needs from a bridge process manager.
type Process interface {
	Start(ctx context.Context) error
	Stop(reason string) error
	IsRunning() bool
	Events() <-chan Event
}

var (
	ErrAlreadyStarted = errors.New("supervisor: already started")
	ErrStartupTimeout = errors.New("supervisor: bridge did not become ready in time")
)

const eventBuffer = 256

// Supervisor implements Process on os/exec.
type Supervisor struct {
	cfg    config.SupervisorConfig
	logger *zap.Logger
	events chan Event

	mu          sync.Mutex
	current     *run
	started     bool
	stopping    bool
	running     bool
	restarts    int
	monitorDone chan struct{}
}

// run is one spawned process.
type run struct {
	cmd       *exec.Cmd
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{} // closed once the process has been waited for
	err       error
}

var _ Process = (*Supervisor)(nil)

func New(cfg config.SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With(zap.String("command", cfg.Command)),
		events:      make(chan Event, eventBuffer),
		monitorDone: make(chan struct{}),
	}
}

// Events delivers lifecycle events. The channel is closed by Stop. Events
// are dropped when the buffer is full.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the process and blocks until it prints the ready signal,
// exits, or the startup timeout or ctx expires.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	r, err := s.spawn()
	if err != nil {
		close(s.monitorDone)
		s.mu.Unlock()
		return err
	}
	s.current = r
	s.running = true
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.GetStartupTimeout())
	defer timer.Stop()

	select {
	case <-r.ready:
		s.logger.Info("bridge ready", zap.Int("pid", r.cmd.Process.Pid))
		go s.monitor(r)
		return nil
	case <-r.done:
		s.startFailed()
		return fmt.Errorf("supervisor: bridge exited before ready: %w", exitErr(r.err))
	case <-timer.C:
		s.kill(r)
		s.startFailed()
		return ErrStartupTimeout
	case <-ctx.Done():
		s.kill(r)
		s.startFailed()
		return ctx.Err()
	}
}

func (s *Supervisor) startFailed() {
	s.mu.Lock()
	s.running = false
	s.current = nil
	s.mu.Unlock()
	close(s.monitorDone)
}

// spawn starts one process. Callers hold s.mu.
func (s *Supervisor) spawn() (*run, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", s.cfg.Command, err)
	}

	r := &run{cmd: cmd, ready: make(chan struct{}), done: make(chan struct{})}
	if s.cfg.ReadySignal == "" {
		s.markReady(r)
	}
	s.logger.Info("bridge process started", zap.Int("pid", cmd.Process.Pid))

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.scan(r, stdout, EventStdout, &pipes)
	go s.scan(r, stderr, EventStderr, &pipes)
	go func() {
		// Wait closes the pipes, so both readers must be drained first.
		pipes.Wait()
		r.err = cmd.Wait()
		close(r.done)
	}()
	return r, nil
}

func (s *Supervisor) scan(r *run, pipe io.Reader, typ EventType, pipes *sync.WaitGroup) {
	defer pipes.Done()
	sc := bufio.NewScanner(pipe)
	for sc.Scan() {
		line := sc.Text()
		s.emit(Event{Type: typ, Line: line})
		if typ == EventStdout && s.cfg.ReadySignal != "" && strings.Contains(line, s.cfg.ReadySignal) {
			s.markReady(r)
		}
	}
}

func (s *Supervisor) markReady(r *run) {
	r.readyOnce.Do(func() {
		close(r.ready)
		s.emit(Event{Type: EventReady})
	})
}

// monitor waits for each process to exit and restarts it until the restart
// budget is spent or Stop is called.
func (s *Supervisor) monitor(r *run) {
	defer close(s.monitorDone)
	for {
		<-r.done
		code := exitCode(r.err)
		s.emit(Event{Type: EventExit, ExitCode: code, Err: r.err})

		s.mu.Lock()
		if s.stopping {
			s.running = false
			s.mu.Unlock()
			return
		}
		if s.restarts >= s.cfg.MaxRestarts {
			s.running = false
			s.mu.Unlock()
			s.logger.Error("bridge exited, giving up", zap.Int("exit_code", code), zap.Int("restarts", s.restarts))
			return
		}
		s.restarts++
		s.logger.Warn("bridge exited, restarting", zap.Int("exit_code", code), zap.Int("attempt", s.restarts))
		next, err := s.spawn()
		if err != nil {
			s.running = false
			s.mu.Unlock()
			s.logger.Error("restart failed", zap.Error(err))
			return
		}
		s.current = next
		s.mu.Unlock()
		r = next
	}
}

// Stop sends SIGTERM, waits the stop grace period, then kills the process.
// Stop is idempotent and closes the event channel.
func (s *Supervisor) Stop(reason string) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	r := s.current
	s.mu.Unlock()

	s.logger.Info("stopping bridge", zap.String("reason", reason))
	s.emit(Event{Type: EventShutdown, Reason: reason})

	var err error
	if r != nil {
		err = s.terminate(r)
	}
	<-s.monitorDone
	close(s.events)
	return err
}

func (s *Supervisor) terminate(r *run) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	timer := time.NewTimer(s.cfg.GetStopGrace())
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		s.logger.Warn("bridge ignored SIGTERM, killing")
		s.kill(r)
		return nil
	}
}

func (s *Supervisor) kill(r *run) {
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill failed", zap.Error(err))
	}
	<-r.done
}

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Debug("event dropped", zap.String("type", string(e.Type)))
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func exitErr(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}
