package procmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireProcessCapturesOutput(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	var mu sync.Mutex
	var lines []string

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo hello; echo world 1>&2"},
		IOMode:     IOModeLineBatched,
	})
	require.NoError(t, err)

	require.NoError(t, m.OnOutput(p.ID(), func(c OutputChunk) {
		mu.Lock()
		lines = append(lines, string(c.Data))
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcquireProcessHybridMessage(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	msgCh := make(chan Message, 1)

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", `echo '{"status":"ok"}'`},
		IOMode:     IOModeHybrid,
	})
	require.NoError(t, err)
	require.NoError(t, m.OnMessage(p.ID(), func(msg Message) { msgCh <- msg }))

	select {
	case msg := <-msgCh:
		assert.Equal(t, "ok", msg.Value["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for structured message")
	}
}

func TestTerminateProcessForcesExitAfterGracePeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracefulWindow = 50 * time.Millisecond
	m := NewManager(cfg)
	defer m.Shutdown()

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.TerminateProcess(p.ID(), 0))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusCrashed, p.Status())
}

func TestGetMetricsTracksCompletion(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Status() == StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	metrics := m.GetMetrics()
	assert.Equal(t, 1, metrics.TotalSpawned)
	assert.Equal(t, 1, metrics.TotalCompleted)
}

func TestSendInputDeliversToChildStdin(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	lineCh := make(chan string, 1)

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/cat",
	})
	require.NoError(t, err)
	require.NoError(t, m.OnOutput(p.ID(), func(c OutputChunk) {
		lineCh <- string(c.Data)
	}))

	require.NoError(t, m.SendInput(p.ID(), []byte("hello from stdin\n")))

	select {
	case line := <-lineCh:
		assert.Equal(t, "hello from stdin", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed stdin")
	}

	require.NoError(t, m.TerminateProcess(p.ID(), 0))
}

func TestSendInputUnknownIDReturnsError(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	err := m.SendInput("not-a-real-id", []byte("data"))
	require.Error(t, err)
}

func TestSendInputAfterExitReturnsError(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Status() == StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	err = m.SendInput(p.ID(), []byte("too late"))
	require.Error(t, err)
}

func TestSweepExpiredRemovesOldExitedProcesses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupRetention = 50 * time.Millisecond
	m := NewManager(cfg)
	defer m.Shutdown()

	p, err := m.AcquireProcess(context.Background(), ProcessConfig{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.GetProcess(p.ID()) == nil
	}, 3*time.Second, 20*time.Millisecond)
}
