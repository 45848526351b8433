package kernel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsebook/pulsebook/internal/application/kernel"
	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/testutil"
)

func testKernelConfig() config.KernelConfig {
	return config.KernelConfig{
		PythonPath:     "python3",
		ExecTimeout:    200 * time.Millisecond,
		TerminateGrace: 20 * time.Millisecond,
		StartTimeout:   time.Second,
	}
}

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

func newTestWorker(t *testing.T, factory *testutil.FakeWorkerFactory) *kernel.Worker {
	t.Helper()
	w := kernel.NewWorker(testKernelConfig(), testLogger(), kernel.WithSpawnFunc(factory.Spawn))
	t.Cleanup(w.Stop)
	return w
}

func TestWorker_ExecuteSuccess(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		if req.Command() == "execute" {
			return map[string]any{"status": "success", "output": "42", "error": ""}
		}
		return map[string]any{"status": "ok"}
	}))
	w := newTestWorker(t, factory)

	result := w.Execute(context.Background(), "6 * 7")
	assert.Equal(t, kernel.StatusSuccess, result.Status)
	assert.Equal(t, "42", result.Output)
	assert.Empty(t, result.Error)
}

func TestWorker_ExecuteError(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		return map[string]any{
			"status": "error",
			"output": "",
			"error":  "NameError: name 'x' is not defined",
		}
	}))
	w := newTestWorker(t, factory)

	result := w.Execute(context.Background(), "x + 1")
	assert.Equal(t, kernel.StatusError, result.Status)
	assert.Contains(t, result.Error, "NameError")
}

func TestWorker_TimeoutRestartsWorker(t *testing.T) {
	t.Parallel()

	// A handler that never answers execute simulates an infinite loop.
	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		if req.Command() == "execute" {
			return nil // hang
		}
		return map[string]any{"status": "ok"}
	}))
	w := newTestWorker(t, factory)

	result := w.Execute(context.Background(), "while True: pass")
	assert.Equal(t, kernel.StatusError, result.Status)
	assert.Contains(t, result.Error, "TimeoutError")

	// A fresh worker was spawned after the kill.
	assert.Equal(t, 2, factory.SpawnCount())

	// The kernel self-heals: a subsequent command works again.
	factory.SetHandler(func(req testutil.Request) map[string]any {
		if req.Command() == "execute" {
			return map[string]any{"status": "success", "output": "", "error": ""}
		}
		return map[string]any{"status": "ok"}
	})
	// The replacement worker was spawned with the hanging handler; one
	// more timeout swaps in the healthy one.
	w.Execute(context.Background(), "y = 1")
	result = w.Execute(context.Background(), "y = 1")
	assert.Equal(t, kernel.StatusSuccess, result.Status)
}

func TestWorker_InterruptUnblocksExecute(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		if req.Command() == "execute" {
			return nil // hang until killed
		}
		return map[string]any{"status": "ok"}
	}))
	w := newTestWorker(t, factory)
	require.NoError(t, w.Start(context.Background()))

	var wg sync.WaitGroup
	var result kernel.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		result = w.Execute(context.Background(), "while True: pass")
	}()

	// Give the execute a moment to get in flight, then interrupt.
	time.Sleep(20 * time.Millisecond)
	w.Interrupt()
	wg.Wait()

	assert.True(t, result.Interrupted())
	assert.Equal(t, 2, factory.SpawnCount(), "interrupt kills and respawns")
}

func TestWorker_InterruptWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	w.Interrupt()
	assert.Equal(t, 0, factory.SpawnCount())
}

func TestWorker_GetSetVar(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	ctx := context.Background()
	require.NoError(t, w.SetVar(ctx, "x", 10))

	value, err := w.GetVar(ctx, "x")
	require.NoError(t, err)
	assert.JSONEq(t, "10", string(value))
}

func TestWorker_GetVarUnserializable(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		if req.Command() == "get_var" {
			return map[string]any{"value": nil, "error": "value of 'f' is not serializable"}
		}
		return map[string]any{"status": "ok"}
	}))
	w := newTestWorker(t, factory)

	_, err := w.GetVar(context.Background(), "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not serializable")
}

func TestWorker_Reset(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	ctx := context.Background()
	require.NoError(t, w.SetVar(ctx, "x", 1))
	require.NoError(t, w.Reset(ctx))

	value, err := w.GetVar(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "null", string(value))
}

func TestWorker_Builtins(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	names, err := w.Builtins(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "print")
}

func TestWorker_LazySpawnOnFirstCommand(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	assert.False(t, w.Running())
	assert.Equal(t, 0, factory.SpawnCount())

	w.Execute(context.Background(), "x = 1")
	assert.True(t, w.Running())
	assert.Equal(t, 1, factory.SpawnCount())
}

func TestWorker_SingleCommandInFlight(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(func(req testutil.Request) map[string]any {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		return map[string]any{"status": "success", "output": "", "error": ""}
	}))
	w := newTestWorker(t, factory)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Execute(context.Background(), "x = 1")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "only one command may be in flight")
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := testutil.NewFakeWorkerFactory()
	w := newTestWorker(t, factory)

	w.Execute(context.Background(), "x = 1")
	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
}
