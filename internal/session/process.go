package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/helmsman-dev/helmsman/internal/acp"
	"github.com/helmsman-dev/helmsman/internal/invoke"
)

// Process is one running agent subprocess as the orchestrator sees it.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and reports how it ended.
	Wait() acp.ExitStatus
	Kill() error
}

// Launcher spawns agent subprocesses from resolved invocations.
type Launcher interface {
	Launch(inv invoke.Invocation) (Process, error)
}

type execLauncher struct{}

func (execLauncher) Launch(inv invoke.Invocation) (Process, error) {
	cmd := exec.Command(inv.Executable, inv.Args...)
	cmd.Dir = inv.WorkDir
	if len(inv.Env) > 0 {
		env := os.Environ()
		for name, value := range inv.Env {
			env = append(env, name+"="+value)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Executable, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() acp.ExitStatus {
	_ = p.cmd.Wait()

	state := p.cmd.ProcessState
	if state == nil {
		return acp.ExitStatus{Code: -1}
	}
	exit := acp.ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
	}
	return exit
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
