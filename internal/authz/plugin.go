package authz

import (
	"context"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/plugin"
	"github.com/isometry/dirmand/internal/request"
)

// Plugin gates every authenticated operation on the caller's branch
// permissions. Operations without a request identity are internal
// (cascades, trash bookkeeping) and pass ungated.
type Plugin struct {
	svc *Service
}

var _ plugin.Plugin = (*Plugin)(nil)

// NewPlugin wraps a service as the authz plugin.
func NewPlugin(svc *Service) *Plugin {
	return &Plugin{svc: svc}
}

func (p *Plugin) Name() string           { return "authz" }
func (p *Plugin) Roles() []string        { return []string{"authorization"} }
func (p *Plugin) Dependencies() []string { return nil }

// Register subscribes the gates. Loaded first, so a denied operation never
// reaches consistency or trash handling.
func (p *Plugin) Register(deps *plugin.Deps) error {
	deps.Hooks.RegisterChained(hook.LDAPSearchRequest, hook.ChainOf(p.onSearch))
	deps.Hooks.RegisterChained(hook.LDAPAddRequest, hook.ChainOf(p.onAdd))
	deps.Hooks.RegisterChained(hook.LDAPModifyRequest, hook.ChainOf(p.onModify))
	deps.Hooks.RegisterChained(hook.LDAPRenameRequest, hook.ChainOf(p.onRename))
	deps.Hooks.RegisterChained(hook.LDAPDeleteRequest, hook.ChainOf(p.onDelete))
	return nil
}

func (p *Plugin) onSearch(ctx context.Context, ev *ldap.SearchEvent) (*ldap.SearchEvent, error) {
	if err := p.gate(ctx, ev.Req, ev.Base, AccessRead); err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Plugin) onAdd(ctx context.Context, ev *ldap.AddEvent) (*ldap.AddEvent, error) {
	if err := p.gate(ctx, ev.Req, ev.DN, AccessWrite); err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Plugin) onModify(ctx context.Context, ev *ldap.ModifyEvent) (*ldap.ModifyEvent, error) {
	if err := p.gate(ctx, ev.Req, ev.DN, AccessWrite); err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Plugin) onRename(ctx context.Context, ev *ldap.RenameEvent) (*ldap.RenameEvent, error) {
	if err := p.gate(ctx, ev.Req, ev.DN, AccessWrite); err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Plugin) onDelete(ctx context.Context, ev *ldap.DeleteEvent) (*ldap.DeleteEvent, error) {
	for _, dn := range ev.DNs {
		if err := p.gate(ctx, ev.Req, dn, AccessDelete); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// gate rejects with PERMISSION_DENIED unless the caller holds the access on
// the target branch. A nil identity passes.
func (p *Plugin) gate(ctx context.Context, req *request.Info, dn string, access Access) error {
	if req == nil {
		return nil
	}
	perms, err := p.svc.PermissionsFor(ctx, req.User, dn)
	if err != nil {
		return err
	}
	if !perms.Allows(access) {
		return direrr.Newf(direrr.KindPermissionDenied, "authz."+string(access), dn,
			"user %s lacks %s permission", req.User, access)
	}
	return nil
}
