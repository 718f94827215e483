// Package trash intercepts deletes on watched branches and moves the
// entries to a trash branch instead, stamping them with their origin.
package trash

import (
	"context"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/plugin"
	"github.com/isometry/dirmand/internal/request"
)

// Config controls the trash plugin.
type Config struct {
	// TrashBase is the branch deleted entries are moved to.
	TrashBase string `json:"trashBase"`

	// WatchedBases are the branches whose deletes are intercepted.
	// Entries outside every watched base are hard-deleted as usual.
	WatchedBases []string `json:"watchedBases"`

	// AddMetadata stamps moved entries with a description recording when
	// and from where they were deleted. nil means true.
	AddMetadata *bool `json:"addMetadata,omitempty" default:"true"`

	// AutoCreate creates the trash branch at startup when absent. nil
	// means true.
	AutoCreate *bool `json:"autoCreate,omitempty" default:"true"`
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if err := defaults.Set(c); err != nil {
		return direrr.Wrap(direrr.KindConfigInvalid, "trash.config", "", err)
	}
	if c.TrashBase == "" {
		return direrr.New(direrr.KindConfigInvalid, "trash.config", "", "trashBase is required")
	}
	for _, base := range c.WatchedBases {
		if ldap.IsUnder(c.TrashBase, base) {
			return direrr.Newf(direrr.KindConfigInvalid, "trash.config", c.TrashBase,
				"trashBase must not lie under watched base %s", base)
		}
	}
	return nil
}

// Plugin soft-deletes entries by moving them under the trash base.
type Plugin struct {
	cfg Config
	dir ldap.Directory
	log zerolog.Logger
	now func() time.Time
}

var (
	_ plugin.Plugin  = (*Plugin)(nil)
	_ plugin.Starter = (*Plugin)(nil)
)

// New creates the trash plugin. Fails fast on invalid configuration.
func New(cfg Config, dir ldap.Directory, log zerolog.Logger) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{
		cfg: cfg,
		dir: dir,
		log: log.With().Str("component", "trash").Logger(),
		now: time.Now,
	}, nil
}

func (p *Plugin) Name() string           { return "trash" }
func (p *Plugin) Roles() []string        { return []string{"soft-delete"} }
func (p *Plugin) Dependencies() []string { return []string{"org-consistency"} }

// Register subscribes the delete interceptor. It runs after the
// org-consistency delete check, so only deletable entries reach the trash.
func (p *Plugin) Register(deps *plugin.Deps) error {
	deps.Hooks.RegisterChained(hook.LDAPDeleteRequest, hook.ChainOf(p.onDelete))
	return nil
}

// Start creates the trash branch when missing and AutoCreate is on.
func (p *Plugin) Start(ctx context.Context) error {
	if p.cfg.AutoCreate != nil && !*p.cfg.AutoCreate {
		return nil
	}
	res, err := p.dir.Search(ctx, p.cfg.TrashBase, &ldap.SearchOpts{
		Scope:  ldap.ScopeBase,
		Filter: "(objectClass=*)",
	})
	if err == nil && len(res.Entries) > 0 {
		return nil
	}
	if err != nil && !direrr.IsKind(err, direrr.KindNotFound) {
		return err
	}

	attrs := map[string][]string{
		"objectClass": {"top", "organizationalUnit"},
		"ou":          {ldap.RDNValue(p.cfg.TrashBase)},
	}
	if err := p.dir.Add(ctx, p.cfg.TrashBase, attrs); err != nil {
		return direrr.Wrapf(direrr.KindTrashMoveFailed, "trash.start", p.cfg.TrashBase, err,
			"cannot create trash branch")
	}
	p.log.Info().Str("dn", p.cfg.TrashBase).Msg("trash branch created")
	return nil
}

// onDelete moves watched entries to the trash and shrinks the batch so the
// downstream hard delete skips them. The bookkeeping runs as an internal
// operation: a delete the caller is permitted to make must not fail on the
// caller's missing rights over the trash branch.
func (p *Plugin) onDelete(ctx context.Context, ev *ldap.DeleteEvent) (*ldap.DeleteEvent, error) {
	ictx := request.Internal(ctx)
	remaining := ev.DNs[:0]
	for _, dn := range ev.DNs {
		if !p.watched(dn) {
			remaining = append(remaining, dn)
			continue
		}
		if err := p.moveToTrash(ictx, dn); err != nil {
			return nil, err
		}
	}
	ev.DNs = remaining
	return ev, nil
}

// watched reports whether dn falls under a watched base and is not already
// trashed.
func (p *Plugin) watched(dn string) bool {
	if ldap.IsUnder(dn, p.cfg.TrashBase) {
		return false
	}
	for _, base := range p.cfg.WatchedBases {
		if ldap.IsUnder(dn, base) {
			return true
		}
	}
	return false
}

// moveToTrash relocates one entry under the trash base, evicting any older
// trash entry holding the same RDN first.
func (p *Plugin) moveToTrash(ctx context.Context, dn string) error {
	if _, err := p.lookup(ctx, dn); err != nil {
		return direrr.Wrapf(direrr.KindTrashMoveFailed, "trash.move", dn, err,
			"cannot read entry before trashing")
	}

	trashDN := ldap.RDN(dn) + "," + p.cfg.TrashBase
	if prior, err := p.lookup(ctx, trashDN); err == nil && prior.DN != "" {
		if err := p.dir.Delete(ctx, trashDN); err != nil {
			return direrr.Wrapf(direrr.KindTrashMoveFailed, "trash.move", dn, err,
				"cannot evict older trash entry %s", trashDN)
		}
		p.log.Debug().Str("dn", trashDN).Msg("older trash entry evicted")
	}

	if err := p.dir.Move(ctx, dn, trashDN); err != nil {
		return direrr.Wrapf(direrr.KindTrashMoveFailed, "trash.move", dn, err,
			"cannot move entry to trash")
	}

	if p.cfg.AddMetadata == nil || *p.cfg.AddMetadata {
		stamp := p.now().UTC().Format(time.RFC3339)
		changes := &ldap.Changes{Replace: map[string][]string{
			"description": {"Deleted on " + stamp + ", originally at " + dn},
		}}
		if _, err := p.dir.Modify(ctx, trashDN, changes); err != nil {
			return direrr.Wrapf(direrr.KindTrashMoveFailed, "trash.move", dn, err,
				"entry moved to %s but metadata update failed", trashDN)
		}
	}

	p.log.Info().Str("dn", dn).Str("trash", trashDN).Msg("entry moved to trash")
	return nil
}

func (p *Plugin) lookup(ctx context.Context, dn string) (ldap.Entry, error) {
	res, err := p.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"})
	if err != nil {
		return ldap.Entry{}, err
	}
	if len(res.Entries) == 0 {
		return ldap.Entry{}, direrr.New(direrr.KindNotFound, "trash.lookup", dn, "entry does not exist")
	}
	return res.Entries[0], nil
}
