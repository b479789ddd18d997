package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// WorkerSpec describes one worker child.
type WorkerSpec struct {
	BotID string
	Env   []string
	Dir   string
}

// Process is a running worker child.
type Process interface {
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts worker children.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecSpawner runs `<Path> <Args...>` for every worker.
type ExecSpawner struct {
	Path   string
	Args   []string
	Output io.Writer
}

// NewExecSpawner re-executes the current binary with the worker subcommand.
func NewExecSpawner(output io.Writer) (*ExecSpawner, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: self, Args: []string{"worker"}, Output: output}, nil
}

// Spawn implements Spawner. The child does not inherit ctx cancellation; the
// supervisor terminates children itself.
func (s *ExecSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = s.Output
	cmd.Stderr = s.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", spec.BotID, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), code: -1}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	default:
		p.code = -1
	}
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	return p.code
}

func (p *execProcess) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
