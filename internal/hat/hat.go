// Package hat defines hats (personas the loop can wear for an iteration)
// and the registry that answers subscription and publish-authorization
// queries.
package hat

import (
	"fmt"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

// Coordinator is the id of the always-present fallback hat. It cannot be
// removed or scope-restricted.
const Coordinator = "ralph"

// Hat is a named persona with a subscription list, a publish list, and
// instructions injected into the prompt when active.
type Hat struct {
	ID           string
	Name         string
	Triggers     []event.Topic // subscriptions
	Publishes    []event.Topic // authorized output patterns
	Instructions string

	// DefaultPublishes, when set, is synthesized on the hat's behalf if an
	// iteration produces no events.
	DefaultPublishes event.Topic

	// DisallowedTools are advertised as forbidden in the prompt and audited
	// after each iteration.
	DisallowedTools []string

	// MaxActivations caps how many iterations this hat may run in one loop.
	// Zero means unlimited.
	MaxActivations int
}

// IsCoordinator reports whether this is the ralph hat.
func (h *Hat) IsCoordinator() bool {
	return h.ID == Coordinator
}

// DisallowsTool reports whether the named tool is forbidden for this hat.
func (h *Hat) DisallowsTool(name string) bool {
	for _, t := range h.DisallowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Validate checks the hat's topic lists.
func (h *Hat) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("hat with empty id")
	}
	for _, t := range h.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("hat %s trigger: %w", h.ID, err)
		}
	}
	for _, t := range h.Publishes {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("hat %s publish: %w", h.ID, err)
		}
	}
	if h.DefaultPublishes != "" {
		if err := h.DefaultPublishes.Validate(); err != nil {
			return fmt.Errorf("hat %s default_publishes: %w", h.ID, err)
		}
		if h.DefaultPublishes.IsPattern() {
			return fmt.Errorf("hat %s default_publishes %q: must be concrete", h.ID, h.DefaultPublishes)
		}
	}
	return nil
}

func coordinatorHat() *Hat {
	return &Hat{
		ID:       Coordinator,
		Name:     "Ralph",
		Triggers: []event.Topic{event.Universal},
	}
}
