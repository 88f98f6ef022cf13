package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const defaultGracePeriod = 5 * time.Second

// ErrNotFound is returned when the binary cannot be resolved via PATH.
var ErrNotFound = errors.New("process: binary not found")

// Command configures a subprocess to execute.
type Command struct {
	// Binary is the executable path or name (resolved via PATH).
	Binary string
	Args   []string
	Dir    string
	// Env is appended to os.Environ. Secrets such as access tokens travel here
	// rather than on the command line.
	Env   []string
	Stdin io.Reader
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	GracePeriod time.Duration
}

// Result holds the output and status of a completed subprocess.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Collaborators depend on this so tests can swap
// in a fake instead of spawning ffmpeg or python.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) { return f(ctx, cmd) }

// Exec is the Runner backed by os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, cmd Command) (*Result, error) { return Run(ctx, cmd) }

// Run executes a subprocess and waits for it to complete.
// If the context is canceled, SIGTERM is sent to the process group first,
// then SIGKILL after GracePeriod.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, errors.New("process: binary is required")
	}
	if _, err := exec.LookPath(cmd.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cmd.Binary)
	}

	grace := cmd.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...) //nolint:gosec // running external tools is the point
	c.Dir = cmd.Dir
	c.Env = mergeEnv(cmd.Env)
	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = grace

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: c.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("process: %s killed by context: %w", cmd.Binary, ctx.Err())
		}
		return result, fmt.Errorf("process: %s exit code %d: %w", cmd.Binary, result.ExitCode, err)
	}
	return result, nil
}

// Available reports whether binary resolves via PATH.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Stage writes data to a fresh temp file under dir (os.TempDir when empty)
// and returns its path plus a cleanup func that removes it.
func Stage(dir, pattern string, data []byte, perm os.FileMode) (string, func(), error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("process: stage %s: %w", pattern, err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("process: stage %s: %w", pattern, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("process: stage %s: %w", pattern, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("process: stage %s: %w", pattern, err)
	}
	return path, cleanup, nil
}

// Tail returns the last n bytes of b as a trimmed string, for error messages.
func Tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}
