// Package testutil provides in-memory doubles for tests: a fake worker
// process that speaks the kernel's JSON protocol without spawning Python.
package testutil

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pulsebook/pulsebook/internal/application/kernel"
)

// Request is a decoded worker command, as raw JSON fields.
type Request map[string]any

// Command returns the request's command name.
func (r Request) Command() string {
	cmd, _ := r["command"].(string)
	return cmd
}

// Source returns the request's source payload.
func (r Request) Source() string {
	src, _ := r["source"].(string)
	return src
}

// Handler maps one request to its response. Returning nil sends nothing,
// simulating a worker that hangs (for timeout tests).
type Handler func(req Request) map[string]any

// FakeWorkerFactory spawns in-memory worker processes. Safe for use as a
// kernel.SpawnFunc via Spawn.
type FakeWorkerFactory struct {
	mu      sync.Mutex
	handler Handler
	delay   time.Duration
	spawned int
	procs   []*FakeProcess
}

// FactoryOption configures a FakeWorkerFactory.
type FactoryOption func(*FakeWorkerFactory)

// WithHandler sets the request handler for spawned processes.
func WithHandler(h Handler) FactoryOption {
	return func(f *FakeWorkerFactory) {
		f.handler = h
	}
}

// WithResponseDelay delays every response, useful to widen race windows.
func WithResponseDelay(d time.Duration) FactoryOption {
	return func(f *FakeWorkerFactory) {
		f.delay = d
	}
}

// NewFakeWorkerFactory creates a factory. The default handler answers
// every command successfully with empty output and an empty namespace.
func NewFakeWorkerFactory(opts ...FactoryOption) *FakeWorkerFactory {
	f := &FakeWorkerFactory{
		handler: DefaultHandler(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DefaultHandler answers all commands with success and keeps a trivial
// in-memory namespace for get_var/set_var.
func DefaultHandler() Handler {
	var mu sync.Mutex
	namespace := make(map[string]any)

	return func(req Request) map[string]any {
		switch req.Command() {
		case "execute":
			return map[string]any{"status": "success", "output": "", "error": ""}
		case "get_var":
			mu.Lock()
			defer mu.Unlock()
			name, _ := req["name"].(string)
			return map[string]any{"value": namespace[name]}
		case "set_var":
			mu.Lock()
			defer mu.Unlock()
			name, _ := req["name"].(string)
			namespace[name] = req["value"]
			return map[string]any{"status": "ok"}
		case "reset":
			mu.Lock()
			defer mu.Unlock()
			namespace = make(map[string]any)
			return map[string]any{"status": "ok"}
		case "list_builtins":
			return map[string]any{"builtins": []string{"print", "len", "range"}}
		default:
			return map[string]any{"error": "unknown command"}
		}
	}
}

// Spawn implements kernel.SpawnFunc.
func (f *FakeWorkerFactory) Spawn() (kernel.Process, error) {
	f.mu.Lock()
	f.spawned++
	handler := f.handler
	delay := f.delay
	f.mu.Unlock()

	proc := newFakeProcess(handler, delay)

	f.mu.Lock()
	f.procs = append(f.procs, proc)
	f.mu.Unlock()

	return proc, nil
}

// SpawnCount returns how many processes have been spawned; restarts after
// timeouts and interrupts show up here.
func (f *FakeWorkerFactory) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

// SetHandler swaps the handler for future spawns.
func (f *FakeWorkerFactory) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// FakeProcess is one in-memory worker process.
type FakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProcess(handler Handler, delay time.Duration) *FakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	p := &FakeProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		done:    make(chan struct{}),
	}

	go p.serve(handler, delay)

	return p
}

// serve is the fake runner loop: ready handshake, then request/response.
func (p *FakeProcess) serve(handler Handler, delay time.Duration) {
	defer p.exit()

	enc := json.NewEncoder(p.stdoutW)
	if err := enc.Encode(map[string]any{"status": "ready"}); err != nil {
		return
	}

	dec := json.NewDecoder(p.stdinR)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		if req.Command() == "shutdown" {
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-p.done:
				return
			}
		}

		resp := handler(req)
		if resp == nil {
			// Simulated hang: stop answering but keep the pipe open.
			<-p.done
			return
		}

		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (p *FakeProcess) exit() {
	p.doneOnce.Do(func() {
		close(p.done)
		p.stdinR.Close()
		p.stdoutW.Close()
	})
}

// Stdin implements kernel.Process.
func (p *FakeProcess) Stdin() io.Writer {
	return p.stdinW
}

// Stdout implements kernel.Process.
func (p *FakeProcess) Stdout() io.Reader {
	return p.stdoutR
}

// Terminate implements kernel.Process.
func (p *FakeProcess) Terminate() error {
	p.stdinW.Close()
	return nil
}

// Kill implements kernel.Process.
func (p *FakeProcess) Kill() error {
	p.exit()
	p.stdinW.CloseWithError(io.ErrClosedPipe)
	p.stdoutR.Close()
	return nil
}

// Wait implements kernel.Process.
func (p *FakeProcess) Wait() error {
	<-p.done
	return nil
}
