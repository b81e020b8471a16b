package hat

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

// Registration errors. Both are ConfigErrors: they surface at load time and
// are fatal.
var (
	ErrDuplicateHat     = errors.New("duplicate hat id")
	ErrAmbiguousTrigger = errors.New("ambiguous trigger")
)

// Registry holds hat definitions and answers routing and scope queries.
// Immutable after initialization; the coordinator is injected at
// construction and cannot be replaced.
type Registry struct {
	hats map[string]*Hat

	// exact subscriptions: concrete topic → hat id. At most one
	// non-coordinator hat may claim a concrete topic.
	exact map[event.Topic]string
	// suffix subscriptions: "<prefix>." → hat ids (sorted).
	suffix map[string][]string
	// universal subscribers ("*"), excluding the coordinator.
	universal []string

	enforceScope bool
}

// NewRegistry creates a registry containing only the coordinator.
func NewRegistry(enforceScope bool) *Registry {
	r := &Registry{
		hats:         make(map[string]*Hat),
		exact:        make(map[event.Topic]string),
		suffix:       make(map[string][]string),
		enforceScope: enforceScope,
	}
	r.hats[Coordinator] = coordinatorHat()
	return r
}

// Register adds a hat. It fails with ErrDuplicateHat if the id is taken
// (the coordinator id included) and with ErrAmbiguousTrigger if a concrete
// trigger is already claimed by another hat. Wildcard overlap with concrete
// subscriptions is permitted; concrete wins at routing time.
func (r *Registry) Register(h *Hat) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if _, taken := r.hats[h.ID]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateHat, h.ID)
	}
	for _, t := range h.Triggers {
		if !t.IsPattern() {
			if owner, claimed := r.exact[t]; claimed {
				return fmt.Errorf("%w: topic %q already routed to %s", ErrAmbiguousTrigger, t, owner)
			}
		}
	}

	cp := *h
	r.hats[cp.ID] = &cp
	for _, t := range cp.Triggers {
		switch {
		case t == event.Universal:
			r.universal = insertSorted(r.universal, cp.ID)
		case t.IsPattern():
			prefix := strings.TrimSuffix(string(t), "*")
			r.suffix[prefix] = insertSorted(r.suffix[prefix], cp.ID)
		default:
			r.exact[t] = cp.ID
		}
	}
	return nil
}

// Get returns the hat with the given id.
func (r *Registry) Get(id string) (*Hat, bool) {
	h, ok := r.hats[id]
	return h, ok
}

// All returns every hat sorted by id. The coordinator is included.
func (r *Registry) All() []*Hat {
	ids := make([]string, 0, len(r.hats))
	for id := range r.hats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	hats := make([]*Hat, 0, len(ids))
	for _, id := range ids {
		hats = append(hats, r.hats[id])
	}
	return hats
}

// Custom returns every hat except the coordinator, sorted by id.
func (r *Registry) Custom() []*Hat {
	all := r.All()
	hats := make([]*Hat, 0, len(all))
	for _, h := range all {
		if !h.IsCoordinator() {
			hats = append(hats, h)
		}
	}
	return hats
}

// HasCustomHats reports whether any hat beyond the coordinator exists.
func (r *Registry) HasCustomHats() bool {
	return len(r.hats) > 1
}

// HatForTopic returns the single hat that should receive a topic.
// Precedence: exact subscription, then suffix wildcard, then universal;
// ties break alphabetically by hat id. The coordinator is returned only
// when no other hat matches; ok is then false.
func (r *Registry) HatForTopic(topic event.Topic) (string, bool) {
	if id, ok := r.exact[topic]; ok {
		return id, true
	}
	var suffixMatches []string
	for prefix, ids := range r.suffix {
		if strings.HasPrefix(string(topic), prefix) {
			suffixMatches = append(suffixMatches, ids...)
		}
	}
	if len(suffixMatches) > 0 {
		sort.Strings(suffixMatches)
		return suffixMatches[0], true
	}
	if len(r.universal) > 0 {
		return r.universal[0], true
	}
	return Coordinator, false
}

// Subscribers returns all hat ids whose subscriptions match the topic,
// sorted. The coordinator always matches. Diagnostic/broadcast use only;
// routing goes through HatForTopic.
func (r *Registry) Subscribers(topic event.Topic) []string {
	seen := map[string]bool{Coordinator: true}
	for id, h := range r.hats {
		if seen[id] {
			continue
		}
		for _, sub := range h.Triggers {
			if topic.Matches(sub) {
				seen[id] = true
				break
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CanPublish reports whether a hat is authorized to publish a topic.
// The coordinator is never restricted, unknown hat ids are treated as the
// coordinator, and everything is allowed when scope enforcement is off.
func (r *Registry) CanPublish(hatID string, topic event.Topic) bool {
	if !r.enforceScope || hatID == Coordinator {
		return true
	}
	h, ok := r.hats[hatID]
	if !ok {
		return true
	}
	for _, p := range h.Publishes {
		if topic.Matches(p) {
			return true
		}
	}
	return false
}

// PublishReachable reports whether any custom hat's publishes or
// default_publishes can produce the topic. Used by config validation for
// required-event reachability.
func (r *Registry) PublishReachable(topic event.Topic) bool {
	for _, h := range r.Custom() {
		if h.DefaultPublishes == topic {
			return true
		}
		for _, p := range h.Publishes {
			if topic.Matches(p) {
				return true
			}
		}
	}
	return false
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
