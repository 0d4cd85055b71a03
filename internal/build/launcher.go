package build

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultBuildCommand installs the project's dependencies and runs its build script.
const DefaultBuildCommand = "npm install --legacy-peer-deps && npm run build"

// Launcher starts the build command in a directory.
type Launcher interface {
	Launch(ctx context.Context, dir string) (Process, error)
}

// Process is a started build command.
// Stdout and Stderr must be read until EOF before calling Wait.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (exitCode int, err error)
}

// ShellLauncher runs Command with sh -c.
type ShellLauncher struct {
	Command   string        // default: DefaultBuildCommand
	Env       []string      // appended to the current environment
	WaitDelay time.Duration // default: 10s
}

func (l *ShellLauncher) command() string {
	c := l.Command
	if c == "" {
		c = DefaultBuildCommand
	}
	return c
}

func (l *ShellLauncher) waitDelay() time.Duration {
	d := l.WaitDelay
	if d == 0 {
		d = 10 * time.Second
	}
	return d
}

func (l *ShellLauncher) Launch(ctx context.Context, dir string) (Process, error) {
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	cmd := exec.CommandContext(ctx, "sh", "-c", l.command())
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter
	cmd.WaitDelay = l.waitDelay()
	killProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()
		return nil, err
	}

	p := &shellProcess{
		stdout: stdoutReader,
		stderr: stderrReader,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		p.exitCode, p.err = exitCode(cmd.Wait())
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()
	}()

	return p, nil
}

type shellProcess struct {
	stdout io.Reader
	stderr io.Reader

	done     chan struct{}
	exitCode int
	err      error
}

func (p *shellProcess) Stdout() io.Reader { return p.stdout }
func (p *shellProcess) Stderr() io.Reader { return p.stderr }

func (p *shellProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
