package plugin

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
)

type testPlugin struct {
	name     string
	deps     []string
	loaded   *[]string
	register func(*Deps) error
}

func (p *testPlugin) Name() string           { return p.name }
func (p *testPlugin) Roles() []string        { return []string{"test"} }
func (p *testPlugin) Dependencies() []string { return p.deps }
func (p *testPlugin) Register(deps *Deps) error {
	if p.register != nil {
		return p.register(deps)
	}
	*p.loaded = append(*p.loaded, p.name)
	return nil
}

func newDeps() *Deps {
	return &Deps{Hooks: hook.NewRegistry(zerolog.Nop()), Log: zerolog.Nop()}
}

func TestLoadHonorsDependencies(t *testing.T) {
	var loaded []string
	h := NewHost(zerolog.Nop())
	h.Add(&testPlugin{name: "trash", deps: []string{"org-consistency"}, loaded: &loaded})
	h.Add(&testPlugin{name: "authz", loaded: &loaded})
	h.Add(&testPlugin{name: "org-consistency", deps: []string{"authz"}, loaded: &loaded})

	if err := h.Load(newDeps()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"authz", "org-consistency", "trash"}
	if len(loaded) != len(want) {
		t.Fatalf("loaded = %v, want %v", loaded, want)
	}
	for i := range want {
		if loaded[i] != want[i] {
			t.Fatalf("loaded = %v, want %v", loaded, want)
		}
	}
	if h.Count() != 3 {
		t.Errorf("Count = %d, want 3", h.Count())
	}
}

func TestLoadKeepsInsertionOrderAmongIndependents(t *testing.T) {
	var loaded []string
	h := NewHost(zerolog.Nop())
	h.Add(&testPlugin{name: "a", loaded: &loaded})
	h.Add(&testPlugin{name: "b", loaded: &loaded})
	h.Add(&testPlugin{name: "c", loaded: &loaded})

	if err := h.Load(newDeps()); err != nil {
		t.Fatal(err)
	}
	if loaded[0] != "a" || loaded[1] != "b" || loaded[2] != "c" {
		t.Errorf("loaded = %v, want insertion order", loaded)
	}
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	var loaded []string
	h := NewHost(zerolog.Nop())
	h.Add(&testPlugin{name: "a", deps: []string{"missing"}, loaded: &loaded})

	err := h.Load(newDeps())
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	var loaded []string
	h := NewHost(zerolog.Nop())
	h.Add(&testPlugin{name: "a", deps: []string{"b"}, loaded: &loaded})
	h.Add(&testPlugin{name: "b", deps: []string{"a"}, loaded: &loaded})

	err := h.Load(newDeps())
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestLoadSealsRegistry(t *testing.T) {
	h := NewHost(zerolog.Nop())
	deps := newDeps()
	if err := h.Load(deps); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("registration after Load must panic")
		}
	}()
	deps.Hooks.RegisterChained("late", func(ctx context.Context, v any) (any, error) { return v, nil })
}
