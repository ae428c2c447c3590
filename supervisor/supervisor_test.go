package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"mini-bridge/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shell(t *testing.T, script string) config.SupervisorConfig {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return config.SupervisorConfig{
		Command:        "sh",
		Args:           []string{"-c", script},
		ReadySignal:    "Gateway",
		StartupTimeout: "5s",
		StopGrace:      "1s",
	}
}

// drain collects every event until Stop closes the channel.
func drain(s *Supervisor) []Event {
	var events []Event
	for e := range s.Events() {
		events = append(events, e)
	}
	return events
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestStartReadyStop(t *testing.T) {
	cfg := shell(t, "echo booting; echo oops >&2; echo 'Gateway Server Started'; exec sleep 30")
	s := New(cfg, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, s.Stop("test done"))
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop("again"), "stop is idempotent")

	events := drain(s)
	stdout := ofType(events, EventStdout)
	require.Len(t, stdout, 2)
	assert.Equal(t, "booting", stdout[0].Line)
	assert.Equal(t, "Gateway Server Started", stdout[1].Line)
	assert.Len(t, ofType(events, EventStderr), 1)
	assert.Len(t, ofType(events, EventReady), 1)

	shutdown := ofType(events, EventShutdown)
	require.Len(t, shutdown, 1)
	assert.Equal(t, "test done", shutdown[0].Reason)
	assert.Len(t, ofType(events, EventExit), 1)
}

func TestNoReadySignal(t *testing.T) {
	cfg := shell(t, "exec sleep 30")
	cfg.ReadySignal = ""
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop("done"))
}

func TestStartupTimeout(t *testing.T) {
	cfg := shell(t, "exec sleep 30")
	cfg.StartupTimeout = "200ms"
	s := New(cfg, zaptest.NewLogger(t))

	assert.ErrorIs(t, s.Start(context.Background()), ErrStartupTimeout)
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop("cleanup"))
}

func TestExitBeforeReady(t *testing.T) {
	s := New(shell(t, "echo nope; exit 3"), zaptest.NewLogger(t))
	err := s.Start(context.Background())
	require.Error(t, err)
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.ExitCode())
	require.NoError(t, s.Stop("cleanup"))
}

func TestStartCanceled(t *testing.T) {
	s := New(shell(t, "exec sleep 30"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Start(ctx), context.DeadlineExceeded)
	require.NoError(t, s.Stop("cleanup"))
}

func TestMissingCommand(t *testing.T) {
	s := New(config.SupervisorConfig{Command: "/nonexistent/bridge"}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop("cleanup"))
}

func TestRestartOnCrash(t *testing.T) {
	cfg := shell(t, "echo Gateway; sleep 0.1; exit 1")
	cfg.MaxRestarts = 2
	s := New(cfg, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return !s.IsRunning() }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop("cleanup"))

	events := drain(s)
	exits := ofType(events, EventExit)
	require.Len(t, exits, 3, "first run plus two restarts")
	for _, e := range exits {
		assert.Equal(t, 1, e.ExitCode)
	}
	assert.Len(t, ofType(events, EventReady), 3)
}

func TestStopEscalatesToKill(t *testing.T) {
	cfg := shell(t, "trap '' TERM; echo Gateway; while true; do sleep 0.05; done")
	cfg.StopGrace = "200ms"
	s := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop("test"))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	exits := ofType(drain(s), EventExit)
	require.Len(t, exits, 1)
	assert.Equal(t, -1, exits[0].ExitCode, "killed by a signal")
}
