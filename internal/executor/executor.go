// Package executor runs the agent as a child process. It is the default
// implementation of the loop's Executor collaborator: the prompt goes in
// as the final argument, stdout is teed live to the output writer, and
// the process is killed on context expiry or output idleness.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/arjhun-personal/ralph-orchestrator/internal/config"
	"github.com/arjhun-personal/ralph-orchestrator/internal/loop"
)

// DefaultTimeout is the default per-iteration agent timeout.
const DefaultTimeout = 10 * time.Minute

// CommandFactory builds an *exec.Cmd for the given context, working
// directory, and arguments. Tests inject a factory that invokes a helper
// process instead of the real agent binary.
type CommandFactory func(ctx context.Context, workDir string, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, workDir string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	return cmd
}

// CLI spawns the configured agent command once per iteration.
type CLI struct {
	Command    string
	Args       []string
	WorkDir    string
	EventsFile string

	Timeout     time.Duration
	IdleTimeout time.Duration
	PTY         bool

	// StdoutWriter receives live output (default os.Stdout).
	StdoutWriter io.Writer

	// Factory overrides command construction (tests).
	Factory CommandFactory
}

var _ loop.Executor = (*CLI)(nil)

// NewCLI builds an executor from config. The events file path is passed
// back in every result so the loop knows where the agent appends.
func NewCLI(cfg *config.Config, workDir string, out io.Writer) *CLI {
	command := cfg.Executor.Command
	if command == "" {
		command = "claude"
	}
	return &CLI{
		Command:      command,
		Args:         append([]string(nil), cfg.Executor.Args...),
		WorkDir:      workDir,
		EventsFile:   cfg.EventsFile,
		Timeout:      cfg.Executor.Timeout.Std(),
		IdleTimeout:  cfg.Executor.IdleTimeout.Std(),
		PTY:          cfg.Executor.PTY,
		StdoutWriter: out,
	}
}

// Execute implements loop.Executor.
func (c *CLI) Execute(ctx context.Context, prompt string) (*loop.ExecutionResult, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	factory := c.Factory
	if factory == nil {
		factory = defaultCommandFactory
	}
	args := append(append([]string(nil), c.Args...), prompt)
	cmd := factory(ctx, c.WorkDir, c.Command, args...)
	// Stop waiting on output pipes shortly after a kill, so a grandchild
	// holding stdout open cannot keep Execute from returning.
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	live := c.StdoutWriter
	if live == nil {
		live = os.Stdout
	}

	// Capture stdout: tee to the live writer + buffer, resetting the idle
	// watchdog on every write.
	var stdoutBuf bytes.Buffer
	watchdog := newIdleWatchdog(c.IdleTimeout, cancel)
	defer watchdog.stop()
	sink := io.MultiWriter(&stdoutBuf, live, watchdog)

	var stderrBuf bytes.Buffer

	start := time.Now()
	var runErr error
	if c.PTY {
		runErr = runInPTY(cmd, sink)
	} else {
		cmd.Stdout = sink
		cmd.Stderr = &stderrBuf
		runErr = cmd.Run()
	}
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == nil {
			return nil, fmt.Errorf("failed to run agent: %w", runErr)
		} else {
			exitCode = -1
		}
	}

	result := &loop.ExecutionResult{
		Stdout:     stdoutBuf.String(),
		EventsFile: c.EventsFile,
		ExitCode:   exitCode,
		IsError:    runErr != nil,
		Duration:   duration,
	}
	if usage, ok := parseUsage(result.Stdout); ok {
		result.CostUSD = usage.CostUSD
		result.TokensIn = usage.TokensIn
		result.TokensOut = usage.TokensOut
	}
	return result, nil
}

// idleWatchdog cancels the run when no output arrives for the configured
// duration. Zero disables it.
type idleWatchdog struct {
	mu    sync.Mutex
	timer *time.Timer
	idle  time.Duration
}

func newIdleWatchdog(idle time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{idle: idle}
	if idle > 0 {
		w.timer = time.AfterFunc(idle, cancel)
	}
	return w
}

// Write implements io.Writer: every chunk of output resets the timer.
func (w *idleWatchdog) Write(p []byte) (int, error) {
	if w.timer != nil {
		w.mu.Lock()
		w.timer.Reset(w.idle)
		w.mu.Unlock()
	}
	return len(p), nil
}

func (w *idleWatchdog) stop() {
	if w.timer != nil {
		w.mu.Lock()
		w.timer.Stop()
		w.mu.Unlock()
	}
}
