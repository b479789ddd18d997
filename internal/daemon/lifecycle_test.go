package daemon

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureEnv(h *harness) map[string]string {
	env := make(map[string]string)
	h.d.lifecycle.setenv = func(key, value string) error {
		env[key] = value
		return nil
	}
	return env
}

func TestLifecycleSingleWorkerPerWorkspace(t *testing.T) {
	settings := testSettings(t.TempDir())
	ws := settings.Workspace()

	first := newHarnessWith(t, settings)
	env := captureEnv(first)
	require.NoError(t, first.d.lifecycle.Start())
	t.Cleanup(func() { _ = first.d.lifecycle.Stop() })

	assert.FileExists(t, ws.WorkerPIDPath())
	pid, err := first.d.lifecycle.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, first.d.lifecycle.IsRunning())

	assert.Equal(t, "C.UTF-8", env["LANG"])
	assert.Equal(t, "C.UTF-8", env["LC_ALL"])
	assert.Equal(t, ws.Root, env["WORK_DIR"])
	assert.Equal(t, ws.Logs, env["LOGS_DIR"])
	assert.Equal(t, ws.Tasks, env["TASKS_DIR"])
	assert.Equal(t, "bot-1", env["SONOLBOT_BOT_ID"])
	assert.Equal(t, "42", env["TELEGRAM_ALLOWED_USERS"])

	second := newHarnessWith(t, settings)
	captureEnv(second)
	assert.ErrorIs(t, second.d.lifecycle.Start(), ErrWorkerRunning)

	require.NoError(t, first.d.lifecycle.Stop())
	assert.NoFileExists(t, ws.WorkerPIDPath())
	assert.False(t, first.d.lifecycle.IsRunning())

	require.NoError(t, second.d.lifecycle.Start())
	require.NoError(t, second.d.lifecycle.Stop())
}

func TestDaemonStartStop(t *testing.T) {
	h := newHarness(t, nil)
	captureEnv(h)

	require.NoError(t, h.d.Start())
	assert.Error(t, h.d.Start())
	status := h.d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "bot-1", status.BotID)

	h.startTurn(103, "x")
	assert.Equal(t, 1, h.d.Status().ActiveTurns)

	require.NoError(t, h.d.Stop())
	h.d.Wait()
	assert.False(t, h.app.Running())
	assert.Contains(t, h.app.stops, "worker shutdown")
	lease, err := h.leases.Read(testChat)
	require.NoError(t, err)
	assert.Nil(t, lease)
	assert.NoFileExists(t, h.settings.Workspace().WorkerPIDPath())
	assert.FileExists(t, h.settings.Workspace().ThreadStatePath())
	assert.Error(t, h.d.Stop())
}

func TestEventLoopTickPollsAndCycles(t *testing.T) {
	h := newHarness(t, nil)
	h.bindThread(fakeThreadID(900))
	h.say(103, "x")

	h.d.eventLoop.Tick(h.ctx)

	assert.Equal(t, 1, h.tg.polls)
	assert.Len(t, h.app.turns, 1)
}

func TestRunReturnsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	captureEnv(h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.d.Run(ctx))
	assert.Equal(t, 1, h.tg.polls)
	assert.False(t, h.d.Status().Running)
}
