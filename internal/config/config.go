// Package config loads and validates the ralph loop configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
	"github.com/arjhun-personal/ralph-orchestrator/internal/hat"
)

// Defaults applied by ApplyDefaults. DefaultStaleTopicThreshold has no
// config field; the loop's termination limits use it directly.
const (
	DefaultCompletionPromise       = "LOOP_COMPLETE"
	DefaultMaxIterations           = 50
	DefaultMaxRuntime              = 2 * time.Hour
	DefaultConsecutiveFailureLimit = 3
	DefaultThrashingThreshold      = 3
	DefaultStaleTopicThreshold     = 3
	DefaultInteractionTimeout      = 5 * time.Minute
	DefaultEventsFile              = ".agent/events.jsonl"
	DefaultEventLogFile            = ".agent/events-log.jsonl"
	DefaultMemoryDir               = ".agent/memory"
	DefaultTasksFile               = ".agent/tasks.jsonl"
	DefaultMemoryBudgetTokens      = 2000
	DefaultTaskBudgetTokens        = 1000
)

// DefaultBackpressureTopics are the build-done-class topics that require
// backpressure evidence before they are accepted onto the bus.
var DefaultBackpressureTopics = []string{"build.done", "review.done", "verify.passed"}

// HatConfig is the YAML shape of one hat definition.
type HatConfig struct {
	Name             string   `yaml:"name"`
	Triggers         []string `yaml:"triggers"`
	Publishes        []string `yaml:"publishes"`
	Instructions     string   `yaml:"instructions"`
	DefaultPublishes string   `yaml:"default_publishes"`
	DisallowedTools  []string `yaml:"disallowed_tools"`
	MaxActivations   int      `yaml:"max_activations"`
}

// ExecutorConfig configures the child-process agent executor.
type ExecutorConfig struct {
	// Command is the agent binary. Args are prepended before the prompt.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Timeout is the per-invocation hard deadline. IdleTimeout kills the
	// process when it produces no output for the given duration.
	Timeout     Duration `yaml:"timeout"`
	IdleTimeout Duration `yaml:"idle_timeout"`

	// PTY runs the agent under a pseudo-terminal for CLIs that refuse to
	// stream without one.
	PTY bool `yaml:"pty"`
}

// Config is the full loop configuration snapshot. Immutable after Load.
type Config struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxRuntime    Duration      `yaml:"max_runtime"`
	MaxCost       float64       `yaml:"max_cost"`

	CompletionPromise   string `yaml:"completion_promise"`
	CancellationPromise string `yaml:"cancellation_promise"`

	// StartingEvent is published at loop initialization. Empty means the
	// loop publishes task.start, routed like any other event.
	StartingEvent string `yaml:"starting_event"`

	// RequiredEvents must all appear in seen topics before a completion
	// promise is honored.
	RequiredEvents []string `yaml:"required_events"`

	EnforceHatScope bool `yaml:"enforce_hat_scope"`

	// Persistent suppresses completion-promise termination: completion is
	// logged but the loop keeps running.
	Persistent bool `yaml:"persistent"`

	ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit"`
	ThrashingThreshold      int `yaml:"thrashing_threshold"`

	// BackpressureTopics require evidence payloads (tests, lint, typecheck,
	// audit, coverage, duplication, complexity) before acceptance.
	BackpressureTopics []string `yaml:"backpressure_topics"`

	EventsFile   string `yaml:"events_file"`
	EventLogFile string `yaml:"event_log_file"`
	MemoryDir    string `yaml:"memory_dir"`
	TasksFile    string `yaml:"tasks_file"`

	InteractionTimeout Duration      `yaml:"interaction_timeout"`
	MemoryBudgetTokens int           `yaml:"memory_budget_tokens"`
	TaskBudgetTokens   int           `yaml:"task_budget_tokens"`

	Hats map[string]HatConfig `yaml:"hats"`

	Executor ExecutorConfig `yaml:"executor"`
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{EnforceHatScope: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated config with no custom hats.
func Default() *Config {
	cfg := &Config{EnforceHatScope: true}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued limits and paths.
func (c *Config) ApplyDefaults() {
	if c.CompletionPromise == "" {
		c.CompletionPromise = DefaultCompletionPromise
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = Duration(DefaultMaxRuntime)
	}
	if c.ConsecutiveFailureLimit <= 0 {
		c.ConsecutiveFailureLimit = DefaultConsecutiveFailureLimit
	}
	if c.ThrashingThreshold <= 0 {
		c.ThrashingThreshold = DefaultThrashingThreshold
	}
	if c.BackpressureTopics == nil {
		c.BackpressureTopics = append([]string(nil), DefaultBackpressureTopics...)
	}
	if c.EventsFile == "" {
		c.EventsFile = DefaultEventsFile
	}
	if c.EventLogFile == "" {
		c.EventLogFile = DefaultEventLogFile
	}
	if c.MemoryDir == "" {
		c.MemoryDir = DefaultMemoryDir
	}
	if c.TasksFile == "" {
		c.TasksFile = DefaultTasksFile
	}
	if c.InteractionTimeout <= 0 {
		c.InteractionTimeout = Duration(DefaultInteractionTimeout)
	}
	if c.MemoryBudgetTokens <= 0 {
		c.MemoryBudgetTokens = DefaultMemoryBudgetTokens
	}
	if c.TaskBudgetTokens <= 0 {
		c.TaskBudgetTokens = DefaultTaskBudgetTokens
	}
}

// Validate checks topic patterns, hat definitions, and required-event
// reachability. All failures here are fatal at load.
func (c *Config) Validate() error {
	reg, err := c.BuildRegistry()
	if err != nil {
		return err
	}

	for _, t := range c.RequiredEvents {
		topic := event.Topic(t)
		if err := topic.Validate(); err != nil {
			return fmt.Errorf("required_events: %w", err)
		}
		if topic.IsPattern() {
			return fmt.Errorf("required_events: %q must be a concrete topic", t)
		}
		// With scope enforcement on, a required event no custom hat can
		// publish would gate completion forever.
		if c.EnforceHatScope && reg.HasCustomHats() && t != c.CompletionPromise && !reg.PublishReachable(topic) {
			return fmt.Errorf("required_events: no hat publishes %q", t)
		}
	}

	if c.StartingEvent != "" {
		se := event.Topic(c.StartingEvent)
		if err := se.Validate(); err != nil {
			return fmt.Errorf("starting_event: %w", err)
		}
		if se.IsPattern() {
			return fmt.Errorf("starting_event: %q must be a concrete topic", c.StartingEvent)
		}
	}

	for _, t := range c.BackpressureTopics {
		if err := event.Topic(t).Validate(); err != nil {
			return fmt.Errorf("backpressure_topics: %w", err)
		}
	}
	return nil
}

// BuildRegistry constructs the hat registry described by this config.
// Registration order is sorted by hat id so duplicate-trigger errors are
// deterministic.
func (c *Config) BuildRegistry() (*hat.Registry, error) {
	reg := hat.NewRegistry(c.EnforceHatScope)
	for _, id := range sortedHatIDs(c.Hats) {
		hc := c.Hats[id]
		h := &hat.Hat{
			ID:               id,
			Name:             hc.Name,
			Instructions:     hc.Instructions,
			DefaultPublishes: event.Topic(hc.DefaultPublishes),
			DisallowedTools:  append([]string(nil), hc.DisallowedTools...),
			MaxActivations:   hc.MaxActivations,
		}
		if h.Name == "" {
			h.Name = id
		}
		for _, t := range hc.Triggers {
			h.Triggers = append(h.Triggers, event.Topic(t))
		}
		for _, t := range hc.Publishes {
			h.Publishes = append(h.Publishes, event.Topic(t))
		}
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BackpressureSet returns the gated topics as a lookup set.
func (c *Config) BackpressureSet() map[event.Topic]bool {
	set := make(map[event.Topic]bool, len(c.BackpressureTopics))
	for _, t := range c.BackpressureTopics {
		set[event.Topic(t)] = true
	}
	return set
}

func sortedHatIDs(hats map[string]HatConfig) []string {
	ids := make([]string, 0, len(hats))
	for id := range hats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
