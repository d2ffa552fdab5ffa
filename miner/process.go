package miner

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Process is a running miner.
type Process interface {
	// Output yields combined stdout and stderr until the process exits.
	Output() io.Reader
	// Wait blocks until the process exits.
	Wait() error
}

// Launcher starts miner processes. The process must stop when ctx is done.
type Launcher interface {
	Launch(ctx context.Context, op Operation) (Process, error)
}

// ExecLauncher runs operations as local subprocesses.
type ExecLauncher struct {
	// GracePeriod is how long a cancelled miner gets to exit after SIGTERM
	// before it is killed.
	GracePeriod time.Duration
}

// Launch starts op.Executable() with the expanded arguments.
func (l ExecLauncher) Launch(ctx context.Context, op Operation) (Process, error) {
	cmd := exec.CommandContext(ctx, op.Executable(), op.Args()...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, output: pr, writer: pw}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output *io.PipeReader
	writer *io.PipeWriter
}

func (p *execProcess) Output() io.Reader { return p.output }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.writer.Close()
	return err
}
