package hat

import (
	"errors"
	"testing"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

func mustRegister(t *testing.T, r *Registry, h *Hat) {
	t.Helper()
	if err := r.Register(h); err != nil {
		t.Fatalf("Register(%s): %v", h.ID, err)
	}
}

func TestRegistryCoordinatorAlwaysPresent(t *testing.T) {
	r := NewRegistry(true)
	h, ok := r.Get(Coordinator)
	if !ok || !h.IsCoordinator() {
		t.Fatal("coordinator must exist in a fresh registry")
	}
	if err := r.Register(&Hat{ID: Coordinator}); !errors.Is(err, ErrDuplicateHat) {
		t.Errorf("registering over the coordinator: err = %v, want ErrDuplicateHat", err)
	}
}

func TestRegistryDuplicateHat(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "builder", Triggers: []event.Topic{"build.task"}})
	err := r.Register(&Hat{ID: "builder", Triggers: []event.Topic{"other.task"}})
	if !errors.Is(err, ErrDuplicateHat) {
		t.Errorf("err = %v, want ErrDuplicateHat", err)
	}
}

func TestRegistryAmbiguousTrigger(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "builder", Triggers: []event.Topic{"build.task"}})

	err := r.Register(&Hat{ID: "other", Triggers: []event.Topic{"build.task"}})
	if !errors.Is(err, ErrAmbiguousTrigger) {
		t.Errorf("duplicate concrete trigger: err = %v, want ErrAmbiguousTrigger", err)
	}

	// Wildcard overlap with a concrete subscription is permitted.
	if err := r.Register(&Hat{ID: "watcher", Triggers: []event.Topic{"build.*"}}); err != nil {
		t.Errorf("wildcard overlap should register: %v", err)
	}
}

func TestRegistryRoutingPrecedence(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "exact", Triggers: []event.Topic{"build.done"}})
	mustRegister(t, r, &Hat{ID: "suffix", Triggers: []event.Topic{"build.*"}})
	mustRegister(t, r, &Hat{ID: "universal", Triggers: []event.Topic{"*"}})

	if id, _ := r.HatForTopic("build.done"); id != "exact" {
		t.Errorf("exact should win, got %s", id)
	}
	if id, _ := r.HatForTopic("build.started"); id != "suffix" {
		t.Errorf("suffix should beat universal, got %s", id)
	}
	if id, _ := r.HatForTopic("deploy.done"); id != "universal" {
		t.Errorf("universal fallback, got %s", id)
	}
}

func TestRegistryAlphabeticalTieBreak(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "zulu", Triggers: []event.Topic{"build.*"}})
	mustRegister(t, r, &Hat{ID: "alpha", Triggers: []event.Topic{"build.*"}})

	if id, _ := r.HatForTopic("build.x"); id != "alpha" {
		t.Errorf("alphabetical tie break, got %s", id)
	}
}

func TestRegistryCoordinatorOnlyAsFallback(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "builder", Triggers: []event.Topic{"build.task"}})

	id, ok := r.HatForTopic("nothing.matches")
	if id != Coordinator {
		t.Errorf("fallback = %s, want coordinator", id)
	}
	if ok {
		t.Error("ok must be false when only the coordinator matches")
	}

	if id, ok := r.HatForTopic("build.task"); id != "builder" || !ok {
		t.Errorf("HatForTopic = %s/%v, want builder/true", id, ok)
	}
}

func TestRegistrySubscribers(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "builder", Triggers: []event.Topic{"build.task"}})
	mustRegister(t, r, &Hat{ID: "watcher", Triggers: []event.Topic{"build.*"}})

	subs := r.Subscribers("build.task")
	want := []string{"builder", Coordinator, "watcher"}
	if len(subs) != len(want) {
		t.Fatalf("subscribers = %v, want %v", subs, want)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("subscribers = %v, want %v (sorted)", subs, want)
			break
		}
	}
}

func TestRegistryCanPublish(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{
		ID:        "dispatcher",
		Triggers:  []event.Topic{"task.dispatch"},
		Publishes: []event.Topic{"dispatch.*"},
	})

	if !r.CanPublish("dispatcher", "dispatch.build") {
		t.Error("dispatcher should publish dispatch.build")
	}
	if r.CanPublish("dispatcher", "build.done") {
		t.Error("dispatcher must not publish build.done")
	}
	if !r.CanPublish(Coordinator, "anything.at.all") {
		t.Error("the coordinator is never restricted")
	}
	if !r.CanPublish("unknown-hat", "build.done") {
		t.Error("unknown hat ids are treated as the coordinator")
	}

	relaxed := NewRegistry(false)
	mustRegister(t, relaxed, &Hat{ID: "dispatcher", Publishes: []event.Topic{"dispatch.*"}})
	if !relaxed.CanPublish("dispatcher", "build.done") {
		t.Error("scope enforcement off allows everything")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry(true)
	mustRegister(t, r, &Hat{ID: "zeta"})
	mustRegister(t, r, &Hat{ID: "alpha"})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len(All) = %d, want 3 (coordinator included)", len(all))
	}
	if all[0].ID != "alpha" || all[1].ID != Coordinator || all[2].ID != "zeta" {
		t.Errorf("All order = [%s %s %s], want sorted by id", all[0].ID, all[1].ID, all[2].ID)
	}
}
