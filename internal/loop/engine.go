package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arjhun-personal/ralph-orchestrator/internal/config"
	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
	"github.com/arjhun-personal/ralph-orchestrator/internal/hat"
	"github.com/arjhun-personal/ralph-orchestrator/internal/parser"
	"github.com/arjhun-personal/ralph-orchestrator/internal/prompt"
)

// DefaultStartingTopic is published at initialization when the config
// names no starting event.
const DefaultStartingTopic = "task.start"

// Options wires the engine's external collaborators. Executor is
// required; nil collaborators fall back to inert defaults.
type Options struct {
	Executor  Executor
	Memory    MemorySource
	Tasks     TaskSource
	Human     Human
	Workspace Workspace
	Signals   SignalSource

	// Observers receive lifecycle callbacks (tracing, event log, UI).
	Observers []Observer

	// Output is where progress lines go. Defaults to os.Stdout.
	Output io.Writer

	// WorkDir, when set, enables the .ralph-status.json status file.
	WorkDir string
}

// Engine is the loop driver. Single-threaded and cooperative: all state
// mutation happens from Run's goroutine.
type Engine struct {
	cfg      *config.Config
	registry *hat.Registry
	limits   Limits

	executor  Executor
	memory    MemorySource
	tasks     TaskSource
	human     Human
	workspace Workspace
	signals   SignalSource

	observer *MultiObserver
	out      io.Writer
	status   *StatusWriter

	// Per-run state, reset by Run.
	state     *State
	bus       *event.Bus
	builder   *prompt.Builder
	parse     *parser.Parser
	cursor    *eventsCursor
	loopID    string
	exhausted map[string]bool

	tallyRouted    int
	tallyScope     int
	tallyRejects   int
	tallyFailures  int
	currentHat     string
}

// New builds an engine from a validated config.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor collaborator is required")
	}
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		limits:    LimitsFrom(cfg),
		executor:  opts.Executor,
		memory:    opts.Memory,
		tasks:     opts.Tasks,
		human:     opts.Human,
		workspace: opts.Workspace,
		signals:   opts.Signals,
		observer:  NewMultiObserver(opts.Observers...),
		out:       opts.Output,
	}
	if e.memory == nil {
		e.memory = noopMemory{}
	}
	if e.tasks == nil {
		e.tasks = noopTasks{}
	}
	if e.human == nil {
		e.human = noopHuman{}
	}
	if e.workspace == nil {
		e.workspace = noopWorkspace{}
	}
	if e.signals == nil {
		e.signals = noopSignals{}
	}
	if e.out == nil {
		e.out = os.Stdout
	}
	if opts.WorkDir != "" {
		e.status = NewStatusWriter(opts.WorkDir)
	}
	return e, nil
}

// Registry exposes the hat topology for drivers above the core.
func (e *Engine) Registry() *hat.Registry { return e.registry }

// Run drives the loop until a termination reason fires, then reports it.
// One iteration: check termination, select a hat, build the prompt,
// execute the agent, parse and route its events, post-audit, update
// counters.
func (e *Engine) Run(ctx context.Context, objective string) (*Report, error) {
	e.state = NewState()
	e.bus = event.NewBus(e.registry, hat.Coordinator)
	e.cursor = newEventsCursor(e.cfg.EventsFile)
	e.loopID = uuid.NewString()
	e.exhausted = make(map[string]bool)
	e.tallyRouted, e.tallyScope, e.tallyRejects, e.tallyFailures = 0, 0, 0, 0

	e.builder = &prompt.Builder{
		Objective:          objective,
		CompletionPromise:  e.cfg.CompletionPromise,
		EventsFile:         e.cfg.EventsFile,
		StartingEvent:      e.cfg.StartingEvent,
		MemoryBudgetTokens: e.cfg.MemoryBudgetTokens,
		TaskBudgetTokens:   e.cfg.TaskBudgetTokens,
	}
	e.parse = &parser.Parser{
		CompletionPromise:   e.cfg.CompletionPromise,
		CancellationPromise: e.cfg.CancellationPromise,
		BackpressureTopics:  e.cfg.BackpressureSet(),
	}
	if e.cfg.EnforceHatScope {
		e.parse.CanPublish = e.registry.CanPublish
	}

	e.bus.Observe(func(ev event.Event, deliveredTo string) {
		e.tallyRouted++
		e.observer.OnEventRouted(e.state.Iteration+1, e.currentHat, ev, deliveredTo)
	})

	e.observer.OnLoopStart(e.loopID, objective)
	if e.status != nil {
		defer e.status.Clear()
	}

	// Initialize: publish the starting event and seed the objective.
	starting := e.cfg.StartingEvent
	if starting == "" {
		starting = DefaultStartingTopic
	}
	e.ingest(event.Event{Topic: event.Topic(starting), Payload: objective})

	var reason TerminationReason
	for {
		e.pollSignals(ctx)

		decision := CheckTermination(e.state, e.limits)
		if len(decision.MissingRequired) > 0 {
			// Completion promise rejected: required events are still
			// unseen. Clear the request and push the agent back to work.
			e.state.CompletionRequested = false
			missing := strings.Join(decision.MissingRequired, ", ")
			fmt.Fprintf(e.out, "completion rejected: missing required events: %s\n", missing)
			e.ingest(event.Event{
				Topic:   "task.resume",
				Payload: fmt.Sprintf("Completion rejected. Required events not yet seen: %s", missing),
			})
			decision = CheckTermination(e.state, e.limits)
		}
		if decision.Reason == ReasonCompletionPromise && !e.tasks.AllClosed() {
			// The task store still has open work; the promise was premature.
			e.state.CompletionRequested = false
			fmt.Fprintln(e.out, "completion rejected: open tasks remain")
			e.ingest(event.Event{
				Topic:   "task.resume",
				Payload: "Completion rejected. Open tasks remain in the task store.",
			})
			decision = CheckTermination(e.state, e.limits)
		}
		if decision.Terminate() {
			reason = decision.Reason
			break
		}

		hatID := e.selectHat()
		active, _ := e.registry.Get(hatID)
		e.currentHat = hatID
		e.observer.OnIterationStart(e.state.Iteration+1, hatID)
		e.writeStatus("running", hatID, "")

		pending := e.bus.DrainPending(hatID)
		promptText := e.builder.Build(prompt.Inputs{
			Hat:          active,
			Topology:     e.registry.All(),
			Events:       pending,
			ReadyTasks:   e.tasks.ReadyTasks(),
			MemoryDigest: e.memory.Digest(e.cfg.MemoryBudgetTokens),
		})

		auditFiles := active != nil && (active.DisallowsTool("Edit") || active.DisallowsTool("Write"))
		var mark string
		if auditFiles {
			m, err := e.workspace.Mark()
			if err != nil {
				fmt.Fprintf(e.out, "workspace mark failed: %v\n", err)
				auditFiles = false
			}
			mark = m
		}

		start := time.Now()
		result, err := e.executor.Execute(ctx, promptText)
		if err != nil {
			if ctx.Err() != nil {
				e.state.InterruptRequested = true
				continue
			}
			fmt.Fprintf(e.out, "executor error: %v\n", err)
			result = &ExecutionResult{IsError: true, Duration: time.Since(start)}
		}
		if ctx.Err() != nil {
			// Partial iteration: do not ingest anything the cancelled
			// invocation produced.
			e.state.InterruptRequested = true
			continue
		}

		accepted := e.ingestResult(hatID, result)

		if auditFiles {
			changed, err := e.workspace.FilesChangedSince(mark)
			if err == nil && changed {
				e.tallyScope++
				e.ingest(event.Event{
					Topic:   event.Topic(hatID + ".scope_violation"),
					Payload: "tracked files changed during an iteration with Edit/Write disallowed",
					Source:  hatID,
				})
			}
		}

		// UpdateState.
		e.state.Iteration++
		e.state.RecordActivation(hatID)
		e.state.AddCost(result.CostUSD)
		if result.IsError {
			e.state.ConsecutiveFailures++
			e.tallyFailures++
		} else {
			e.state.ConsecutiveFailures = 0
		}

		e.observer.OnIterationEnd(e.state.Iteration, hatID, result, accepted)
		fmt.Fprintf(e.out, "%s\n", formatIterationLog(e.state.Iteration, e.cfg.MaxIterations, hatID, accepted, result))
		e.writeStatus("running", "", "")
	}

	report := &Report{
		Reason:     reason,
		Iterations: e.state.Iteration,
		Duration:   e.state.Elapsed(),
		CostUSD:    e.state.CumulativeCost,
		SeenTopics: e.state.SeenTopics(),
	}
	e.writeStatus("completed", "", reason.String())
	e.observer.OnLoopEnd(report)
	fmt.Fprintf(e.out, "\n%s\n", formatSummary(report, e.tallyScope, e.tallyRejects))
	return report, nil
}

// ingestResult parses one iteration's output, routes surviving events, and
// runs the default_publishes injection. Returns the number of accepted
// events.
func (e *Engine) ingestResult(hatID string, result *ExecutionResult) int {
	eventsPath := result.EventsFile
	if eventsPath == "" {
		eventsPath = e.cfg.EventsFile
	}
	if eventsPath != e.cursor.path {
		e.cursor = newEventsCursor(eventsPath)
	}
	fileLines, err := e.cursor.readNew()
	if err != nil {
		fmt.Fprintf(e.out, "events file: %v\n", err)
	}

	res := e.parse.Parse(hatID, result.Stdout, fileLines)
	e.tallyScope += res.ScopeViolations
	e.tallyRejects += res.BackpressureRejects
	if res.CancellationRequested {
		e.state.CancellationRequested = true
	}
	if res.CompletionRequested {
		e.state.CompletionRequested = true
	}

	for _, ev := range res.Events {
		e.ingest(ev)
	}

	// default_publishes: a hat that wrote no events still advances the
	// chain. Record the topic like any accepted event, and when the topic
	// IS the completion promise, set the flag directly — the stdout
	// detector never sees the phrase on this path.
	// A failed invocation did not "complete producing zero events"; only
	// clean iterations trigger the injection.
	active, ok := e.registry.Get(hatID)
	if res.Produced == 0 && !result.IsError && ok && active.DefaultPublishes != "" {
		topic := active.DefaultPublishes
		if string(topic) == e.cfg.CompletionPromise {
			e.state.CompletionRequested = true
		}
		e.ingest(event.Event{Topic: topic, Source: hatID})
	}

	// Human interactions resolve before the next iteration begins; a
	// timeout is injected as an event, never silently dropped.
	for _, ev := range e.bus.DrainHuman() {
		e.resolveHuman(ev)
	}

	return len(res.Events)
}

// ingest accepts one event onto the bus: record_topic first, then publish.
// Every accepted event flows through here regardless of source.
func (e *Engine) ingest(ev event.Event) {
	e.state.RecordTopic(ev.Topic)
	if strings.HasSuffix(string(ev.Topic), ".blocked") {
		e.state.RecordBlocked(ev.Topic)
	}
	e.bus.Publish(ev)
}

// resolveHuman asks the human collaborator about one human.* event and
// hands the outcome back to the requesting hat's queue.
func (e *Engine) resolveHuman(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.InteractionTimeout.Std())
	defer cancel()

	outcome := e.human.AwaitResponse(ctx, ev.Payload, e.cfg.InteractionTimeout.Std())

	var response event.Event
	switch outcome.Kind {
	case HumanTimeout:
		response = event.Event{
			Topic:   "human.timeout",
			Payload: fmt.Sprintf("no human response within %s for: %s", e.cfg.InteractionTimeout, ev.Topic),
		}
	case HumanGuidance:
		response = event.Event{Topic: "human.guidance", Payload: outcome.Payload}
	default:
		response = event.Event{Topic: "human.response", Payload: outcome.Payload}
	}

	target := ev.Source
	if target == "" {
		target = hat.Coordinator
	}
	e.state.RecordTopic(response.Topic)
	e.bus.Deliver(target, response)
}

// selectHat picks the next hat: the lowest-id specialized hat with pending
// events, else the coordinator. Hats past their activation cap are
// announced exhausted once and their queues fold into the coordinator.
func (e *Engine) selectHat() string {
	for _, id := range e.bus.HatsWithPending() {
		if id == hat.Coordinator {
			continue
		}
		h, ok := e.registry.Get(id)
		if !ok {
			// Targeted at an unknown hat; the coordinator picks it up.
			e.bus.Requeue(id, hat.Coordinator)
			continue
		}
		if h.MaxActivations > 0 && e.state.Activations(id) >= h.MaxActivations {
			if !e.exhausted[id] {
				e.exhausted[id] = true
				e.ingest(event.Event{
					Topic:   event.Topic(id + ".exhausted"),
					Payload: fmt.Sprintf("hat %s reached max_activations (%d)", id, h.MaxActivations),
				})
			}
			e.bus.Requeue(id, hat.Coordinator)
			continue
		}
		return id
	}
	return hat.Coordinator
}

// pollSignals folds externally delivered signals into state flags.
func (e *Engine) pollSignals(ctx context.Context) {
	if ctx.Err() != nil {
		e.state.InterruptRequested = true
	}
	switch e.signals.Poll() {
	case SignalInterrupt:
		e.state.InterruptRequested = true
	case SignalRestart:
		e.state.RestartRequested = true
	case SignalCancel:
		e.state.CancellationRequested = true
	}
}

func (e *Engine) writeStatus(stateStr, activeHat, stopReason string) {
	if e.status == nil {
		return
	}
	status := Status{
		State:      stateStr,
		LoopID:     e.loopID,
		Iteration:  e.state.Iteration,
		MaxIter:    e.cfg.MaxIterations,
		ActiveHat:  activeHat,
		Elapsed:    e.state.Elapsed().Nanoseconds(),
		CostUSD:    e.state.CumulativeCost,
		SeenTopics: len(e.state.SeenTopics()),
		StopReason: stopReason,
	}
	status.Tallies.EventsRouted = e.tallyRouted
	status.Tallies.ScopeViolations = e.tallyScope
	status.Tallies.BuildRejects = e.tallyRejects
	status.Tallies.Failures = e.tallyFailures
	_ = e.status.Write(status) // Best effort; don't fail the loop on status writes.
}

// formatDuration formats a duration in a human-readable way (e.g. "2m34s").
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatIterationLog formats a per-iteration progress line.
func formatIterationLog(iter, maxIter int, hatID string, accepted int, result *ExecutionResult) string {
	status := "ok"
	if result.IsError {
		status = fmt.Sprintf("error (exit code %d)", result.ExitCode)
	}
	return fmt.Sprintf("[%d/%d] %s → %d event(s), %s (%s)",
		iter, maxIter, hatID, accepted, status, formatDuration(result.Duration))
}

// formatSummary formats the end-of-loop summary.
func formatSummary(report *Report, scopeViolations, buildRejects int) string {
	lines := make([]string, 0, 6)
	lines = append(lines, "Ralph loop complete:")
	lines = append(lines, fmt.Sprintf("  reason: %s", report.Reason))
	lines = append(lines, fmt.Sprintf("  iterations: %d", report.Iterations))
	if scopeViolations > 0 {
		lines = append(lines, fmt.Sprintf("  ✗ %d scope violation(s)", scopeViolations))
	}
	if buildRejects > 0 {
		lines = append(lines, fmt.Sprintf("  ✗ %d rejected build event(s)", buildRejects))
	}
	if report.CostUSD > 0 {
		lines = append(lines, fmt.Sprintf("  cost: $%.2f", report.CostUSD))
	}
	lines = append(lines, fmt.Sprintf("  Duration: %s", formatDuration(report.Duration)))
	return strings.Join(lines, "\n")
}
