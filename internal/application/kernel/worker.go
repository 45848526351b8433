package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// errTimeout signals that the worker did not answer within the deadline.
var errTimeout = errors.New("worker response timed out")

// ErrNotRunning is returned for commands against a stopped worker that
// also failed to start.
var ErrNotRunning = errors.New("worker is not running")

// Process is the handle to one worker subprocess. The production
// implementation wraps os/exec; tests substitute an in-memory fake.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// Terminate asks the process to exit politely (close stdin, SIGTERM).
	Terminate() error
	// Kill stops the process forcefully.
	Kill() error
	// Wait reaps the process after Terminate or Kill.
	Wait() error
}

// SpawnFunc starts a fresh worker process with an empty namespace.
type SpawnFunc func() (Process, error)

// Worker is the channel to one isolated execution subprocess.
//
// All communication is serialized: a single command is in flight at a
// time, paired with a bounded wait on the response stream. A wait that
// expires kills the subprocess (polite termination escalating to kill)
// and starts a fresh worker, losing the namespace by construction. A user
// interrupt pushes a sentinel onto the current response stream to unblock
// any waiter, then takes the same kill-and-restart path.
type Worker struct {
	cfg    config.KernelConfig
	logger *logger.Logger
	spawn  SpawnFunc

	// cmdMu serializes commands: single-reader, single-writer.
	cmdMu sync.Mutex

	// mu guards the process handle and response stream.
	mu        sync.Mutex
	proc      Process
	responses chan response
	running   bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithSpawnFunc replaces how worker processes are started. Used by tests
// to drive the channel against an in-memory process.
func WithSpawnFunc(spawn SpawnFunc) WorkerOption {
	return func(w *Worker) {
		w.spawn = spawn
	}
}

// NewWorker creates a worker channel. No subprocess is spawned until
// Start or the first command.
func NewWorker(cfg config.KernelConfig, log *logger.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:    cfg,
		logger: log,
	}
	w.spawn = func() (Process, error) {
		return spawnPython(cfg, log)
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start spawns the subprocess and waits for its ready handshake.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	return w.startLocked(ctx)
}

// startLocked spawns a fresh process. Caller holds w.mu.
func (w *Worker) startLocked(ctx context.Context) error {
	proc, err := w.spawn()
	if err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	responses := make(chan response, 4)
	go readResponses(proc, responses)

	select {
	case resp := <-responses:
		if resp.Status != "ready" {
			proc.Kill()
			proc.Wait()
			return fmt.Errorf("unexpected worker handshake: %q", resp.Status)
		}
	case <-time.After(w.cfg.StartTimeout):
		proc.Kill()
		proc.Wait()
		return fmt.Errorf("worker did not become ready within %s", w.cfg.StartTimeout)
	case <-ctx.Done():
		proc.Kill()
		proc.Wait()
		return ctx.Err()
	}

	w.proc = proc
	w.responses = responses
	w.running = true

	w.logger.Debug("worker started")
	return nil
}

// readResponses decodes worker stdout into the response stream until the
// pipe dies. Sends never block: with one command in flight the buffer
// cannot fill in normal operation, and after a restart any straggler from
// the old process is dropped rather than wedging this goroutine.
func readResponses(proc Process, ch chan response) {
	dec := json.NewDecoder(proc.Stdout())
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			return
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

// send issues one command and waits for its response with a deadline.
func (w *Worker) send(ctx context.Context, req request) (response, error) {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()

	w.mu.Lock()
	if !w.running {
		if err := w.startLocked(ctx); err != nil {
			w.mu.Unlock()
			return response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
	}
	proc, responses := w.proc, w.responses
	w.mu.Unlock()

	if err := json.NewEncoder(proc.Stdin()).Encode(req); err != nil {
		// Dead subprocess: restart transparently, report timeout-shaped.
		w.restartFrom(proc)
		return response{}, errTimeout
	}

	select {
	case resp := <-responses:
		return resp, nil
	case <-time.After(w.cfg.ExecTimeout):
		w.restartFrom(proc)
		return response{}, errTimeout
	case <-ctx.Done():
		w.restartFrom(proc)
		return response{}, ctx.Err()
	}
}

// Execute runs cell source in the worker namespace.
func (w *Worker) Execute(ctx context.Context, source string) Result {
	resp, err := w.send(ctx, request{Command: commandExecute, Source: source})
	if err != nil {
		return Result{
			Status: StatusError,
			Error:  w.timeoutError(),
		}
	}
	if resp.Interrupted {
		return Result{Status: StatusInterrupted}
	}
	return Result{
		Status:     resp.Status,
		Output:     resp.Output,
		Error:      resp.Error,
		RichOutput: resp.RichOutput,
	}
}

// GetVar reads a variable from the worker namespace as JSON. Values the
// runner cannot serialize yield an error.
func (w *Worker) GetVar(ctx context.Context, name string) (json.RawMessage, error) {
	resp, err := w.send(ctx, request{Command: commandGetVar, Name: name})
	if err != nil {
		return nil, err
	}
	if resp.Interrupted {
		return nil, errors.New("interrupted")
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Value, nil
}

// SetVar writes a variable into the worker namespace.
func (w *Worker) SetVar(ctx context.Context, name string, value any) error {
	resp, err := w.send(ctx, request{Command: commandSetVar, Name: name, Value: value})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("set_var failed: %s", resp.Error)
	}
	return nil
}

// Reset clears the worker namespace without restarting the process.
func (w *Worker) Reset(ctx context.Context) error {
	resp, err := w.send(ctx, request{Command: commandReset})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("reset failed: %s", resp.Error)
	}
	return nil
}

// Builtins returns the worker runtime's builtin names, used to seed the
// dependency analyzer's exclusion set.
func (w *Worker) Builtins(ctx context.Context) ([]string, error) {
	resp, err := w.send(ctx, request{Command: commandListBuiltins})
	if err != nil {
		return nil, err
	}
	return resp.Builtins, nil
}

// Interrupt unblocks any in-flight command with a sentinel response, then
// kills and restarts the worker. All namespace state is lost.
func (w *Worker) Interrupt() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	proc, responses := w.proc, w.responses
	select {
	case responses <- response{Interrupted: true}:
	default:
	}
	w.mu.Unlock()

	w.restartFrom(proc)
}

// restartFrom tears down old and spawns a fresh worker, unless another
// restart already replaced it.
func (w *Worker) restartFrom(old Process) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc != old {
		return
	}

	w.stopLocked()

	if err := w.startLocked(context.Background()); err != nil {
		// Leave the worker stopped; the next command retries the spawn.
		w.logger.Error("failed to restart worker", "error", err)
	}
}

// Stop shuts the worker down, asking politely first.
func (w *Worker) Stop() {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc != nil {
		// Best effort: the runner exits on shutdown without a response.
		json.NewEncoder(w.proc.Stdin()).Encode(request{Command: commandShutdown})
	}
	w.stopLocked()
}

// Running reports whether a subprocess is currently alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// stopLocked terminates the current process, escalating from polite
// termination to kill after the grace window. Caller holds w.mu.
func (w *Worker) stopLocked() {
	proc := w.proc
	if proc == nil {
		return
	}
	w.proc = nil
	w.responses = nil
	w.running = false

	proc.Terminate()

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.TerminateGrace):
		proc.Kill()
		<-done
	}

	w.logger.Debug("worker stopped")
}

// timeoutError renders the synthesized error for an expired wait.
func (w *Worker) timeoutError() string {
	return fmt.Sprintf("TimeoutError: Cell execution timed out after %d seconds", int(w.cfg.ExecTimeout.Seconds()))
}
