// Package plugin defines the contract optional components implement and the
// host that loads them in dependency order. Hook chains run in load order,
// so the topological sort decides the pipeline.
package plugin

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/schema"
)

// Deps is what the host hands each plugin at registration time.
type Deps struct {
	Dir       ldap.Directory
	Hooks     *hook.Registry
	Schemas   *schema.Store
	Validator *schema.Validator
	Log       zerolog.Logger
}

// Plugin is the common capability set. Register binds hooks; it runs once,
// in dependency order, before the registry is sealed.
type Plugin interface {
	Name() string
	Roles() []string
	Dependencies() []string
	Register(deps *Deps) error
}

// Router is implemented by plugins that mount HTTP routes.
type Router interface {
	Mount(router fiber.Router)
}

// Starter is implemented by plugins with startup work (for example the
// trash plugin creating its branch).
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by plugins with shutdown work.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Host owns the plugins for the process lifetime.
type Host struct {
	log     zerolog.Logger
	plugins []Plugin
	ordered []Plugin
}

// NewHost creates an empty host.
func NewHost(log zerolog.Logger) *Host {
	return &Host{log: log.With().Str("component", "plugins").Logger()}
}

// Add queues a plugin for loading.
func (h *Host) Add(p Plugin) {
	h.plugins = append(h.plugins, p)
}

// Load sorts the plugins by declared dependencies, registers each in order,
// and seals the hook registry. An unknown dependency or a cycle is
// CONFIG_INVALID.
func (h *Host) Load(deps *Deps) error {
	ordered, err := h.sort()
	if err != nil {
		return err
	}

	for _, p := range ordered {
		if err := p.Register(deps); err != nil {
			return direrr.Wrapf(direrr.KindConfigInvalid, "plugin.load", "", err,
				"plugin %s failed to register", p.Name())
		}
		h.log.Info().Str("plugin", p.Name()).Strs("roles", p.Roles()).Msg("plugin registered")
	}
	h.ordered = ordered
	deps.Hooks.Seal()
	return nil
}

// Start runs every Starter in load order.
func (h *Host) Start(ctx context.Context) error {
	for _, p := range h.ordered {
		if s, ok := p.(Starter); ok {
			if err := s.Start(ctx); err != nil {
				return direrr.Wrapf(direrr.KindConfigInvalid, "plugin.start", "", err,
					"plugin %s failed to start", p.Name())
			}
		}
	}
	return nil
}

// Stop runs every Stopper in reverse load order. Errors are logged, not
// surfaced; shutdown continues.
func (h *Host) Stop(ctx context.Context) {
	for i := len(h.ordered) - 1; i >= 0; i-- {
		if s, ok := h.ordered[i].(Stopper); ok {
			if err := s.Stop(ctx); err != nil {
				h.log.Warn().Str("plugin", h.ordered[i].Name()).Err(err).Msg("plugin stop failed")
			}
		}
	}
}

// Mount gives every Router plugin a chance to add routes.
func (h *Host) Mount(router fiber.Router) {
	for _, p := range h.ordered {
		if r, ok := p.(Router); ok {
			r.Mount(router)
		}
	}
}

// Ordered returns the plugins in load order. Empty before Load.
func (h *Host) Ordered() []Plugin {
	return h.ordered
}

// Count returns the number of loaded plugins.
func (h *Host) Count() int {
	return len(h.ordered)
}

// sort resolves the load order: dependencies first, insertion order among
// independent plugins.
func (h *Host) sort() ([]Plugin, error) {
	byName := make(map[string]Plugin, len(h.plugins))
	for _, p := range h.plugins {
		if _, dup := byName[p.Name()]; dup {
			return nil, direrr.Newf(direrr.KindConfigInvalid, "plugin.load", "",
				"duplicate plugin name %q", p.Name())
		}
		byName[p.Name()] = p
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(h.plugins))
	ordered := make([]Plugin, 0, len(h.plugins))

	var visit func(p Plugin) error
	visit = func(p Plugin) error {
		switch state[p.Name()] {
		case done:
			return nil
		case visiting:
			return direrr.Newf(direrr.KindConfigInvalid, "plugin.load", "",
				"dependency cycle through plugin %q", p.Name())
		}
		state[p.Name()] = visiting
		for _, dep := range p.Dependencies() {
			target, ok := byName[dep]
			if !ok {
				return direrr.Newf(direrr.KindConfigInvalid, "plugin.load", "",
					"plugin %q depends on unknown plugin %q", p.Name(), dep)
			}
			if err := visit(target); err != nil {
				return err
			}
		}
		state[p.Name()] = done
		ordered = append(ordered, p)
		return nil
	}

	for _, p := range h.plugins {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
