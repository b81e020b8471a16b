package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

func newParser() *Parser {
	return &Parser{
		CompletionPromise:   "LOOP_COMPLETE",
		CancellationPromise: "LOOP_CANCEL",
		BackpressureTopics: map[event.Topic]bool{
			"build.done": true, "review.done": true, "verify.passed": true,
		},
	}
}

func TestParseStdoutTags(t *testing.T) {
	p := newParser()
	stdout := `working on it
<event topic="notes.log">first note</event>
more text
<event topic="build.task">multi
line
payload</event>
`
	res := p.Parse("ralph", stdout, nil)

	require.Len(t, res.Events, 2)
	assert.Equal(t, event.Topic("notes.log"), res.Events[0].Topic)
	assert.Equal(t, "first note", res.Events[0].Payload)
	assert.Equal(t, event.Topic("build.task"), res.Events[1].Topic)
	assert.Equal(t, "multi\nline\npayload", res.Events[1].Payload)
	assert.Equal(t, "ralph", res.Events[0].Source)
	assert.Equal(t, 2, res.Produced)
}

func TestParseNonGreedyTags(t *testing.T) {
	p := newParser()
	stdout := `<event topic="a.one">x</event><event topic="a.two">y</event>`
	res := p.Parse("ralph", stdout, nil)

	require.Len(t, res.Events, 2)
	assert.Equal(t, "x", res.Events[0].Payload)
	assert.Equal(t, "y", res.Events[1].Payload)
}

func TestParseFileLinesAppendAfterStdout(t *testing.T) {
	p := newParser()
	stdout := `<event topic="a.stdout">s</event>`
	lines := []string{
		`{"topic":"b.file","payload":"f1"}`,
		`{"topic":"c.file","payload":"f2","source":"planner"}`,
	}
	res := p.Parse("ralph", stdout, lines)

	require.Len(t, res.Events, 3)
	assert.Equal(t, event.Topic("a.stdout"), res.Events[0].Topic)
	assert.Equal(t, event.Topic("b.file"), res.Events[1].Topic)
	assert.Equal(t, "ralph", res.Events[1].Source, "unsourced file events belong to the active hat")
	assert.Equal(t, "planner", res.Events[2].Source, "explicit source is preserved")
}

func TestParseMalformedFileLines(t *testing.T) {
	p := newParser()
	lines := []string{
		"not json at all",
		`{"topic":"ok.event","payload":"good"}`,
		`{"payload":"missing topic"}`,
	}
	res := p.Parse("ralph", "", lines)

	assert.Equal(t, 2, res.MalformedLines)
	require.Len(t, res.Events, 3)
	assert.Equal(t, event.Topic("loop.parse_error"), res.Events[0].Topic)
	assert.Equal(t, event.Topic("ok.event"), res.Events[1].Topic)
	assert.Equal(t, event.Topic("loop.parse_error"), res.Events[2].Topic)
}

func TestParseScopeViolation(t *testing.T) {
	p := newParser()
	p.CanPublish = func(hatID string, topic event.Topic) bool {
		return topic == "dispatch.build"
	}

	res := p.Parse("dispatcher", `<event topic="build.task">x</event><event topic="dispatch.build">y</event>`, nil)

	require.Len(t, res.Events, 2)
	assert.Equal(t, event.Topic("dispatcher.scope_violation"), res.Events[0].Topic)
	assert.Contains(t, res.Events[0].Payload, "build.task")
	assert.Equal(t, event.Topic("dispatch.build"), res.Events[1].Topic)
	assert.Equal(t, 1, res.ScopeViolations)
}

func TestParseBackpressure(t *testing.T) {
	p := newParser()

	full := "tests: pass\nlint: pass\ntypecheck: pass\naudit: pass\ncoverage: pass\nduplication: pass\ncomplexity: 4"
	res := p.Parse("builder", "<event topic=\"build.done\">"+full+"</event>", nil)
	require.Len(t, res.Events, 1)
	assert.Equal(t, event.Topic("build.done"), res.Events[0].Topic)
	assert.Zero(t, res.BackpressureRejects)

	failing := strings.Replace(full, "lint: pass", "lint: fail", 1)
	res = p.Parse("builder", "<event topic=\"build.done\">"+failing+"</event>", nil)
	require.Len(t, res.Events, 1)
	assert.Equal(t, event.Topic("builder.build_rejected"), res.Events[0].Topic)
	assert.Contains(t, res.Events[0].Payload, "lint")
	assert.Equal(t, 1, res.BackpressureRejects)

	// Non-gated topics pass without evidence.
	res = p.Parse("builder", `<event topic="notes.log">free text</event>`, nil)
	require.Len(t, res.Events, 1)
	assert.Equal(t, event.Topic("notes.log"), res.Events[0].Topic)
}

func TestCompletionPromiseLastLine(t *testing.T) {
	p := newParser()

	res := p.Parse("ralph", "all done\nLOOP_COMPLETE\n", nil)
	assert.True(t, res.CompletionRequested)

	res = p.Parse("ralph", "all done\nLOOP_COMPLETE\n\n   \n", nil)
	assert.True(t, res.CompletionRequested, "trailing blank lines don't hide the promise")

	res = p.Parse("ralph", "Done! LOOP_COMPLETE\n", nil)
	assert.True(t, res.CompletionRequested, "promise embedded in the final line still counts")

	res = p.Parse("ralph", "LOOP_COMPLETE\nbut then more text\n", nil)
	assert.False(t, res.CompletionRequested, "promise must be on the last non-empty line")

	res = p.Parse("ralph", "", nil)
	assert.False(t, res.CompletionRequested)
}

func TestCompletionPromiseInsideTagIgnored(t *testing.T) {
	p := newParser()

	res := p.Parse("ralph", `<event topic="notes.log">LOOP_COMPLETE is the goal</event>`+"\n", nil)
	assert.False(t, res.CompletionRequested, "promise inside an event payload never triggers")

	// Promise after the tag on its own line does trigger.
	res = p.Parse("ralph", `<event topic="notes.log">LOOP_COMPLETE is the goal</event>`+"\nLOOP_COMPLETE\n", nil)
	assert.True(t, res.CompletionRequested)
}

func TestCancellationPromise(t *testing.T) {
	p := newParser()

	res := p.Parse("ralph", "stopping\nLOOP_CANCEL\n", nil)
	assert.True(t, res.CancellationRequested)
	assert.False(t, res.CompletionRequested)

	disabled := &Parser{CompletionPromise: "LOOP_COMPLETE"}
	res = disabled.Parse("ralph", "LOOP_CANCEL\n", nil)
	assert.False(t, res.CancellationRequested, "empty cancellation promise is disabled")
}

func TestParseInvalidTopicInTag(t *testing.T) {
	p := newParser()
	res := p.Parse("ralph", `<event topic="build.*">wild</event>`, nil)

	require.Len(t, res.Events, 1)
	assert.Equal(t, event.Topic("loop.parse_error"), res.Events[0].Topic)
}
