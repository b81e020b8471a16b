// Package prompt assembles the per-iteration agent prompt. Given identical
// inputs the builder produces byte-identical output, which keeps loop runs
// reproducible.
package prompt

import (
	"fmt"
	"strings"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
	"github.com/arjhun-personal/ralph-orchestrator/internal/hat"
)

// BytesPerToken is the truncation heuristic for collaborator digests.
const BytesPerToken = 4

// Builder holds the stable, per-loop pieces of the prompt.
type Builder struct {
	Objective         string
	CompletionPromise string
	EventsFile        string
	StartingEvent     string

	// MemoryBudgetTokens and TaskBudgetTokens bound the collaborator
	// sections.
	MemoryBudgetTokens int
	TaskBudgetTokens   int
}

// Inputs are the per-iteration pieces.
type Inputs struct {
	// Hat is the selected hat; Topology is every hat sorted by id.
	Hat      *hat.Hat
	Topology []*hat.Hat

	// Events are the pending events drained for the selected hat.
	Events []event.Event

	// ReadyTasks and MemoryDigest come from external collaborators; either
	// may be empty.
	ReadyTasks   []string
	MemoryDigest string

	// SkillsIndex and HumanGuidance are optional appendices.
	SkillsIndex   string
	HumanGuidance string
}

// Build renders the prompt. Section order: coordinator preamble, hat
// topology, active hat instructions, events, objective, tasks/memory,
// appendices.
func (b *Builder) Build(in Inputs) string {
	var sb strings.Builder

	b.writePreamble(&sb)
	b.writeTopology(&sb, in.Topology)
	b.writeActiveHat(&sb, in.Hat)
	b.writeEvents(&sb, in.Events)

	sb.WriteString("## OBJECTIVE\n\n")
	sb.WriteString(strings.TrimSpace(b.Objective))
	sb.WriteString("\n\n")

	b.writeTasks(&sb, in.ReadyTasks)
	b.writeMemory(&sb, in.MemoryDigest)

	if in.SkillsIndex != "" {
		sb.WriteString("## SKILLS\n\n")
		sb.WriteString(strings.TrimSpace(in.SkillsIndex))
		sb.WriteString("\n\n")
	}
	if in.HumanGuidance != "" {
		sb.WriteString("## HUMAN GUIDANCE\n\n")
		sb.WriteString(strings.TrimSpace(in.HumanGuidance))
		sb.WriteString("\n\n")
	}

	b.writeEventWriting(&sb)
	b.writeDone(&sb)

	return sb.String()
}

func (b *Builder) writePreamble(sb *strings.Builder) {
	sb.WriteString("I'm Ralph. Fresh context each iteration.\n\n")
	sb.WriteString("I coordinate work by routing events between hats. Each iteration I wear\n")
	sb.WriteString("one hat, act on its pending events, and publish new events to hand work\n")
	sb.WriteString("on. The loop ends when I output the completion promise ")
	sb.WriteString(b.CompletionPromise)
	sb.WriteString("\nas my final line.\n\n")
}

func (b *Builder) writeTopology(sb *strings.Builder, topology []*hat.Hat) {
	var custom []*hat.Hat
	for _, h := range topology {
		if !h.IsCoordinator() {
			custom = append(custom, h)
		}
	}
	if len(custom) == 0 {
		return
	}

	sb.WriteString("## HATS\n\nDelegate via events.\n\n")
	if b.StartingEvent != "" {
		fmt.Fprintf(sb, "**After coordination, publish `%s` to start the workflow.**\n\n", b.StartingEvent)
	}
	sb.WriteString("| Hat | Triggers On | Publishes |\n")
	sb.WriteString("|-----|-------------|----------|\n")
	for _, h := range custom {
		fmt.Fprintf(sb, "| %s | %s | %s |\n", h.Name, joinTopics(h.Triggers), joinTopics(h.Publishes))
	}
	sb.WriteString("\n")
}

func (b *Builder) writeActiveHat(sb *strings.Builder, h *hat.Hat) {
	if h == nil || h.IsCoordinator() {
		return
	}
	fmt.Fprintf(sb, "## ACTIVE HAT: %s\n\n", h.Name)
	if h.Instructions != "" {
		sb.WriteString(strings.TrimSpace(h.Instructions))
		sb.WriteString("\n\n")
	}
	if len(h.DisallowedTools) > 0 {
		sb.WriteString("### TOOL RESTRICTIONS\n\n")
		sb.WriteString("The following tools are FORBIDDEN while wearing this hat:\n\n")
		for _, tool := range h.DisallowedTools {
			fmt.Fprintf(sb, "- %s\n", tool)
		}
		sb.WriteString("\nUnauthorized tool use is a scope violation and is audited after the iteration.\n\n")
	}
}

func (b *Builder) writeEvents(sb *strings.Builder, events []event.Event) {
	sb.WriteString("## EVENTS\n\n")
	if len(events) == 0 {
		// No hat-targeted events: inject a resume stub so the agent always
		// has something to act on.
		events = []event.Event{{Topic: "task.resume", Payload: "No pending events. Resume work on the objective."}}
	}
	for _, ev := range events {
		source := ev.Source
		if source == "" {
			source = "loop"
		}
		fmt.Fprintf(sb, "### %s (from %s)\n\n%s\n\n", ev.Topic, source, ev.Payload)
	}
}

func (b *Builder) writeTasks(sb *strings.Builder, tasks []string) {
	if len(tasks) == 0 {
		return
	}
	sb.WriteString("## READY TASKS\n\n")
	body := truncateToBudget(strings.Join(tasks, "\n"), b.TaskBudgetTokens)
	sb.WriteString(body)
	sb.WriteString("\n\n")
}

func (b *Builder) writeMemory(sb *strings.Builder, digest string) {
	if digest == "" {
		return
	}
	sb.WriteString("## MEMORY\n\n")
	sb.WriteString(truncateToBudget(digest, b.MemoryBudgetTokens))
	sb.WriteString("\n\n")
}

func (b *Builder) writeEventWriting(sb *strings.Builder) {
	sb.WriteString("## EVENT WRITING\n\n")
	fmt.Fprintf(sb, "Write events to `%s` as:\n", b.EventsFile)
	sb.WriteString(`{"topic": "build.task", "payload": "..."}` + "\n\n")
	sb.WriteString("or emit them inline as `<event topic=\"...\">payload</event>`.\n\n")
}

func (b *Builder) writeDone(sb *strings.Builder) {
	sb.WriteString("## DONE\n\n")
	fmt.Fprintf(sb, "Output %s as your final line when all tasks complete.\n", b.CompletionPromise)
}

func joinTopics(topics []event.Topic) string {
	if len(topics) == 0 {
		return "-"
	}
	parts := make([]string, len(topics))
	for i, t := range topics {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

// truncateToBudget caps s at roughly budget tokens. Zero budget means no
// cap.
func truncateToBudget(s string, budget int) string {
	if budget <= 0 {
		return strings.TrimSpace(s)
	}
	max := budget * BytesPerToken
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}
