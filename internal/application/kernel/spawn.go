package kernel

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// runnerSource is the worker program shipped inside the server binary.
//
//go:embed runner.py
var runnerSource string

// pythonProcess wraps a real Python subprocess.
type pythonProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// spawnPython starts the embedded runner under the configured interpreter.
// -u keeps the pipes unbuffered so responses are not held back.
func spawnPython(cfg config.KernelConfig, log *logger.Logger) (Process, error) {
	cmd := exec.Command(cfg.PythonPath, "-u", "-c", runnerSource)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.PythonPath, err)
	}

	go logWorkerStderr(stderr, log)

	log.Debug("spawned worker process", "pid", cmd.Process.Pid, "python", cfg.PythonPath)

	return &pythonProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// logWorkerStderr drains process-level stderr. User-code stderr is
// captured inside the runner; anything arriving here is interpreter-level
// noise (warnings, crashes) worth keeping in the server log.
func logWorkerStderr(r io.Reader, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug("worker stderr", "line", scanner.Text())
	}
}

func (p *pythonProcess) Stdin() io.Writer {
	return p.stdin
}

func (p *pythonProcess) Stdout() io.Reader {
	return p.stdout
}

// Terminate closes stdin (ending the runner's read loop) and sends
// SIGTERM.
func (p *pythonProcess) Terminate() error {
	p.stdin.Close()
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *pythonProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *pythonProcess) Wait() error {
	return p.cmd.Wait()
}
