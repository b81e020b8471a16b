// Package parser extracts events and termination promises from agent
// output and enforces the backpressure and scope rules that keep a loop
// honest.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

// eventTagRe matches <event topic="...">payload</event> in stdout.
// Payloads may span lines; matching is non-greedy.
var eventTagRe = regexp.MustCompile(`(?s)<event\s+topic="([^"]+)"\s*>(.*?)</event>`)

// Parser turns one iteration's raw agent output into accepted events plus
// termination flags. It is stateless across iterations.
type Parser struct {
	// CompletionPromise terminates the loop when it appears as the last
	// non-empty stdout line. CancellationPromise is symmetric; empty
	// disables it.
	CompletionPromise   string
	CancellationPromise string

	// BackpressureTopics require evidence payloads.
	BackpressureTopics map[event.Topic]bool

	// CanPublish gates parsed events by hat scope. Nil allows everything.
	CanPublish func(hatID string, topic event.Topic) bool
}

// Result is the outcome of parsing one iteration's output.
type Result struct {
	// Events survived validation, in stdout order followed by events-file
	// order. Synthetic scope_violation/build_rejected events appear in
	// place of the events they replaced.
	Events []event.Event

	CompletionRequested   bool
	CancellationRequested bool

	// ScopeViolations and BackpressureRejects count replaced events.
	ScopeViolations     int
	BackpressureRejects int

	// MalformedLines counts dropped candidates: events-file lines that
	// failed to parse and events whose topic is invalid or a wildcard.
	MalformedLines int

	// Produced counts raw candidate events the agent emitted, before
	// validation. Zero triggers default_publishes injection.
	Produced int
}

// Parse processes stdout and the raw events-file lines appended during the
// iteration. activeHat attributes unsourced events and anchors synthetic
// diagnostics.
func (p *Parser) Parse(activeHat string, stdout string, fileLines []string) Result {
	var res Result

	tags := eventTagRe.FindAllStringSubmatchIndex(stdout, -1)

	// Promise detection runs against raw stdout before validation: the
	// phrase counts only when it appears on the last non-empty line, and
	// never from inside an event tag body.
	res.CompletionRequested = p.promiseRequested(stdout, tags, p.CompletionPromise)
	if p.CancellationPromise != "" {
		res.CancellationRequested = p.promiseRequested(stdout, tags, p.CancellationPromise)
	}

	for _, m := range tags {
		topic := event.Topic(stdout[m[2]:m[3]])
		payload := strings.TrimSpace(stdout[m[4]:m[5]])
		res.Produced++
		p.accept(&res, activeHat, event.Event{Topic: topic, Payload: payload, Source: activeHat})
	}

	for _, line := range fileLines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		res.Produced++
		ev, err := event.UnmarshalLine(line)
		if err != nil {
			res.MalformedLines++
			res.Events = append(res.Events, event.Event{
				Topic:   "loop.parse_error",
				Payload: fmt.Sprintf("skipped malformed events line: %v", err),
				Source:  activeHat,
			})
			continue
		}
		if ev.Source == "" {
			ev.Source = activeHat
		}
		p.accept(&res, activeHat, ev)
	}

	return res
}

// accept validates one candidate event, appending either the event itself
// or its synthetic replacement.
func (p *Parser) accept(res *Result, activeHat string, ev event.Event) {
	if err := ev.Topic.Validate(); err != nil || ev.Topic.IsPattern() {
		res.MalformedLines++
		res.Events = append(res.Events, event.Event{
			Topic:   "loop.parse_error",
			Payload: fmt.Sprintf("dropped event with invalid topic %q", ev.Topic),
			Source:  activeHat,
		})
		return
	}

	if p.CanPublish != nil && !p.CanPublish(activeHat, ev.Topic) {
		res.ScopeViolations++
		res.Events = append(res.Events, event.Event{
			Topic:   event.Topic(activeHat + ".scope_violation"),
			Payload: fmt.Sprintf("hat %s is not authorized to publish %q; event dropped", activeHat, ev.Topic),
			Source:  activeHat,
		})
		return
	}

	if p.BackpressureTopics[ev.Topic] {
		evidence, err := ParseEvidence(ev.Payload)
		if err != nil {
			res.BackpressureRejects++
			res.Events = append(res.Events, event.Event{
				Topic:   event.Topic(activeHat + ".build_rejected"),
				Payload: fmt.Sprintf("%s rejected: %v", ev.Topic, err),
				Source:  activeHat,
			})
			return
		}
		if fails := evidence.Failures(); len(fails) > 0 {
			res.BackpressureRejects++
			res.Events = append(res.Events, event.Event{
				Topic:   event.Topic(activeHat + ".build_rejected"),
				Payload: fmt.Sprintf("%s rejected: %s", ev.Topic, strings.Join(fails, ", ")),
				Source:  activeHat,
			})
			return
		}
	}

	res.Events = append(res.Events, ev)
}

// promiseRequested reports whether the promise phrase appears on the last
// non-empty line of stdout, outside any event tag body. Occurrences inside
// payloads never count.
func (p *Parser) promiseRequested(stdout string, tags [][]int, promise string) bool {
	if promise == "" {
		return false
	}

	// Walk back to the last non-empty line.
	end := len(stdout)
	for {
		lineStart := strings.LastIndexByte(stdout[:end], '\n') + 1
		line := stdout[lineStart:end]
		if strings.TrimSpace(line) != "" {
			// Any occurrence of the phrase on this line that lies outside
			// every tag body makes the promise count.
			for rel := 0; ; {
				idx := strings.Index(line[rel:], promise)
				if idx < 0 {
					return false
				}
				abs := lineStart + rel + idx
				if !insideTagBody(tags, abs, abs+len(promise)) {
					return true
				}
				rel += idx + len(promise)
			}
		}
		if lineStart == 0 {
			return false
		}
		end = lineStart - 1
	}
}

// insideTagBody reports whether the byte range [start, end) falls within
// any event tag's payload span.
func insideTagBody(tags [][]int, start, end int) bool {
	for _, m := range tags {
		if start >= m[4] && end <= m[5] {
			return true
		}
	}
	return false
}
