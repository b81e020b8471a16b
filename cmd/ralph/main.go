package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/arjhun-personal/ralph-orchestrator/internal/config"
	"github.com/arjhun-personal/ralph-orchestrator/internal/eventlog"
	"github.com/arjhun-personal/ralph-orchestrator/internal/executor"
	"github.com/arjhun-personal/ralph-orchestrator/internal/loop"
	"github.com/arjhun-personal/ralph-orchestrator/internal/memory"
	"github.com/arjhun-personal/ralph-orchestrator/internal/tasks"
	"github.com/arjhun-personal/ralph-orchestrator/internal/tui"
	"github.com/arjhun-personal/ralph-orchestrator/internal/workspace"
)

// cliConfig holds the parsed CLI flags for a ralph run.
type cliConfig struct {
	workdir    string
	configPath string
	objective  string
	promptFile string
	maxIter    int
	dryRun     bool
	watch      bool
}

func parseFlags() cliConfig {
	var cfg cliConfig

	flag.StringVar(&cfg.workdir, "workdir", ".", "directory to run the loop in")
	flag.StringVar(&cfg.configPath, "config", "ralph.yml", "path to the loop config file")
	flag.StringVar(&cfg.objective, "objective", "", "the objective for this loop run")
	flag.StringVar(&cfg.promptFile, "prompt-file", "", "read the objective from this file instead")
	flag.IntVar(&cfg.maxIter, "max-iterations", 0, "override the configured iteration cap")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "print the hat topology and exit without running agents")
	flag.BoolVar(&cfg.watch, "watch", false, "watch a running loop instead of starting one")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ralph [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Ralph drives an AI coding agent through repeated iterations,\n")
		fmt.Fprintf(os.Stderr, "routing events between hats until the task completes.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	if cfg.watch {
		if err := runWatch(cfg.workdir); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func runWatch(workdir string) error {
	model := tui.NewWatchModel(loop.NewStatusWriter(workdir).Path())
	_, err := tea.NewProgram(model).Run()
	return err
}

func run(cli cliConfig) (int, error) {
	info, err := os.Stat(cli.workdir)
	if err != nil {
		return 1, fmt.Errorf("workdir %q: %w", cli.workdir, err)
	}
	if !info.IsDir() {
		return 1, fmt.Errorf("workdir %q is not a directory", cli.workdir)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return 1, err
	}
	if cli.maxIter > 0 {
		cfg.MaxIterations = cli.maxIter
	}
	// Collaborator paths are relative to the workdir the agent runs in.
	cfg.EventsFile = filepath.Join(cli.workdir, cfg.EventsFile)
	cfg.EventLogFile = filepath.Join(cli.workdir, cfg.EventLogFile)
	cfg.MemoryDir = filepath.Join(cli.workdir, cfg.MemoryDir)
	cfg.TasksFile = filepath.Join(cli.workdir, cfg.TasksFile)

	if cli.dryRun {
		printTopology(cfg)
		return 0, nil
	}

	objective, err := resolveObjective(cli)
	if err != nil {
		return 1, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing := loop.NewTracingObserver()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	engine, err := loop.New(cfg, loop.Options{
		Executor:  executor.NewCLI(cfg, cli.workdir, os.Stdout),
		Memory:    memory.NewDir(cfg.MemoryDir),
		Tasks:     tasks.NewStore(cfg.TasksFile),
		Workspace: workspace.NewGit(cli.workdir),
		Signals:   newSignalPoller(),
		Observers: []loop.Observer{
			eventlog.NewLogObserver(eventlog.NewLogger(cfg.EventLogFile)),
			tracing,
		},
		Output:  os.Stdout,
		WorkDir: cli.workdir,
	})
	if err != nil {
		return 1, err
	}

	report, err := engine.Run(ctx, objective)
	if err != nil {
		return 1, err
	}
	return report.Reason.ExitCode(), nil
}

func loadConfig(cli cliConfig) (*config.Config, error) {
	path := cli.configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cli.workdir, path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No config file means a hatless run with defaults.
		return config.Default(), nil
	}
	return config.Load(path)
}

func resolveObjective(cli cliConfig) (string, error) {
	if cli.promptFile != "" {
		data, err := os.ReadFile(cli.promptFile)
		if err != nil {
			return "", fmt.Errorf("prompt file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if cli.objective == "" {
		return "", fmt.Errorf("an objective is required: pass -objective or -prompt-file")
	}
	return cli.objective, nil
}

func printTopology(cfg *config.Config) {
	reg, err := cfg.BuildRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid topology: %v\n", err)
		return
	}
	fmt.Println("ralph: dry-run mode, no agents will be executed")
	fmt.Printf("completion promise: %s\n", cfg.CompletionPromise)
	if len(cfg.RequiredEvents) > 0 {
		fmt.Printf("required events: %s\n", strings.Join(cfg.RequiredEvents, ", "))
	}
	for _, h := range reg.Custom() {
		fmt.Printf("hat %s: triggers=%v publishes=%v\n", h.ID, h.Triggers, h.Publishes)
	}
}

// signalPoller folds restart/cancel POSIX signals into the loop's signal
// collaborator. SIGINT/SIGTERM interrupt via context cancellation instead.
type signalPoller struct {
	ch chan os.Signal
}

func newSignalPoller() *signalPoller {
	p := &signalPoller{ch: make(chan os.Signal, 4)}
	signal.Notify(p.ch, syscall.SIGUSR1, syscall.SIGUSR2)
	return p
}

// Poll implements loop.SignalSource without blocking.
func (p *signalPoller) Poll() loop.SignalKind {
	select {
	case sig := <-p.ch:
		switch sig {
		case syscall.SIGUSR1:
			return loop.SignalRestart
		case syscall.SIGUSR2:
			return loop.SignalCancel
		}
	default:
	}
	return loop.SignalNone
}
