package orgs

import (
	"context"
	"strings"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/plugin"
)

// Consistency is the plugin that enforces the organization invariants:
// link targets exist and are organizations, paths match the linked
// organization, non-empty organizations cannot be deleted, and renames or
// moves rewrite every downstream link and path.
type Consistency struct {
	svc *Service
}

var (
	_ plugin.Plugin  = (*Consistency)(nil)
	_ plugin.Starter = (*Consistency)(nil)
)

// NewConsistency wraps a service as the org-consistency plugin.
func NewConsistency(svc *Service) *Consistency {
	return &Consistency{svc: svc}
}

func (c *Consistency) Name() string           { return "org-consistency" }
func (c *Consistency) Roles() []string        { return []string{"consistency"} }
func (c *Consistency) Dependencies() []string { return []string{"authz"} }

// Register binds the hook pipeline.
func (c *Consistency) Register(deps *plugin.Deps) error {
	deps.Hooks.RegisterChained(hook.LDAPAddRequest, hook.ChainOf(c.onAdd))
	deps.Hooks.RegisterChained(hook.LDAPModifyRequest, hook.ChainOf(c.onModify))
	deps.Hooks.RegisterChained(hook.LDAPDeleteRequest, hook.ChainOf(c.onDelete))
	deps.Hooks.RegisterFanout(hook.LDAPRenameDone, hook.FanoutOf(c.onRenameDone))
	deps.Hooks.RegisterFanout(hook.LDAPMoveDone, hook.FanoutOf(c.onMoveDone))
	return nil
}

// Start verifies the tree root is reachable; an unreachable directory still
// loads (it may come up later), so only a log line results.
func (c *Consistency) Start(ctx context.Context) error {
	if _, err := c.svc.dir.Search(ctx, c.svc.base, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"}); err != nil {
		c.svc.log.Warn().Str("base", c.svc.base).Err(err).Msg("organization tree root not reachable yet")
	}
	return nil
}

// onAdd verifies the organizationLink of a new entry and fills or checks
// its organizationPath.
func (c *Consistency) onAdd(ctx context.Context, ev *ldap.AddEvent) (*ldap.AddEvent, error) {
	link := firstValue(ev.Attrs, AttrLink)
	if link == "" {
		return ev, nil
	}

	if _, err := c.svc.Get(ctx, link); err != nil {
		if direrr.IsKind(err, direrr.KindNotFound) {
			return nil, direrr.Newf(direrr.KindPointerDangling, "orgs.add", ev.DN,
				"%s target %s does not exist", AttrLink, link)
		}
		return nil, err
	}

	want := c.svc.PathOf(link)
	if supplied := firstValue(ev.Attrs, AttrPath); supplied != "" && supplied != want {
		return nil, direrr.Newf(direrr.KindConstraint, "orgs.add", ev.DN,
			"%s %q does not match the path of %s (%q)", AttrPath, supplied, link, want)
	}
	ev.Attrs[AttrPath] = []string{want}
	return ev, nil
}

// onModify rejects deletion of link or path on non-organization entries and
// keeps the path in step when the link is replaced.
func (c *Consistency) onModify(ctx context.Context, ev *ldap.ModifyEvent) (*ldap.ModifyEvent, error) {
	if ev.Changes == nil {
		return ev, nil
	}

	if touchesAttr(ev.Changes.Delete, AttrLink) || touchesAttr(ev.Changes.Delete, AttrPath) {
		target, err := c.lookup(ctx, ev.DN)
		if err != nil {
			return nil, err
		}
		if !IsOrganization(target) {
			if touchesAttr(ev.Changes.Delete, AttrLink) {
				return nil, direrr.Newf(direrr.KindOrgLinkImmutable, "orgs.modify", ev.DN,
					"%s cannot be deleted", AttrLink)
			}
			return nil, direrr.Newf(direrr.KindOrgPathImmutable, "orgs.modify", ev.DN,
				"%s cannot be deleted", AttrPath)
		}
	}

	if link := firstValue(ev.Changes.Replace, AttrLink); link != "" {
		if _, err := c.svc.Get(ctx, link); err != nil {
			if direrr.IsKind(err, direrr.KindNotFound) {
				return nil, direrr.Newf(direrr.KindPointerDangling, "orgs.modify", ev.DN,
					"%s target %s does not exist", AttrLink, link)
			}
			return nil, err
		}
		ev.Changes.Replace[AttrPath] = []string{c.svc.PathOf(link)}
	}
	return ev, nil
}

// onDelete rejects deletion of any organization that still has linked
// entries. Observable states per DN: checked, then empty (delete proceeds)
// or non-empty (rejected, nothing mutated).
func (c *Consistency) onDelete(ctx context.Context, ev *ldap.DeleteEvent) (*ldap.DeleteEvent, error) {
	for _, dn := range ev.DNs {
		target, err := c.lookup(ctx, dn)
		if err != nil {
			if direrr.IsKind(err, direrr.KindNotFound) {
				continue // let the wire report the missing entry
			}
			return nil, err
		}
		if !IsOrganization(target) {
			continue
		}

		linked, err := c.svc.LinkedEntries(ctx, dn)
		if err != nil {
			return nil, err
		}
		if len(linked) > 0 {
			c.svc.log.Debug().Str("dn", dn).Int("linked", len(linked)).Msg("organization delete rejected: non-empty")
			return nil, direrr.Newf(direrr.KindOrgNotEmpty, "orgs.delete", dn,
				"organization still has %d linked entries", len(linked))
		}
		c.svc.log.Debug().Str("dn", dn).Msg("organization delete allowed: empty")
	}
	return ev, nil
}

func (c *Consistency) onRenameDone(ctx context.Context, ev *ldap.RenameEvent) error {
	return c.cascade(ctx, ev.DN, ev.NewDN)
}

func (c *Consistency) onMoveDone(ctx context.Context, ev *ldap.MoveEvent) error {
	return c.cascade(ctx, ev.DN, ev.NewDN)
}

// cascade rewrites links and paths after an organization moved from oldDN
// to newDN. Links higher in the subtree are rewritten first; replaying is
// idempotent because every rewrite is a function of current state.
func (c *Consistency) cascade(ctx context.Context, oldDN, newDN string) error {
	moved, err := c.lookup(ctx, newDN)
	if err != nil || !IsOrganization(moved) {
		return err // renames of non-organizations carry no links
	}

	linked, err := c.svc.linkedUnder(ctx, oldDN)
	if err != nil {
		return err
	}
	for _, e := range linked {
		oldLink := e.First(AttrLink)
		newLink, ok := ldap.ReplaceSuffix(oldLink, oldDN, newDN)
		if !ok {
			continue
		}
		changes := &ldap.Changes{Replace: map[string][]string{
			AttrLink: {newLink},
			AttrPath: {c.svc.PathOf(newLink)},
		}}
		if _, err := c.svc.dir.Modify(ctx, e.DN, changes); err != nil {
			return err
		}
	}

	return c.refreshPaths(ctx, newDN)
}

// refreshPaths recomputes the own path attribute of an organization and of
// every descendant organization.
func (c *Consistency) refreshPaths(ctx context.Context, dn string) error {
	res, err := c.svc.dir.Search(ctx, dn, &ldap.SearchOpts{
		Scope:      ldap.ScopeSub,
		Filter:     orgFilter,
		Attributes: []string{attrOwnPath},
	})
	if err != nil {
		return err
	}

	entries := res.Entries
	// Parents first, so a reader never sees a child path ahead of its
	// parent's.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if ldap.RDNCount(entries[j].DN) < ldap.RDNCount(entries[i].DN) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for _, e := range entries {
		want := c.svc.PathOf(e.DN)
		if e.First(attrOwnPath) == want {
			continue
		}
		changes := &ldap.Changes{Replace: map[string][]string{attrOwnPath: {want}}}
		if _, err := c.svc.dir.Modify(ctx, e.DN, changes); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consistency) lookup(ctx context.Context, dn string) (ldap.Entry, error) {
	res, err := c.svc.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"})
	if err != nil {
		return ldap.Entry{}, err
	}
	if len(res.Entries) == 0 {
		return ldap.Entry{}, direrr.New(direrr.KindNotFound, "orgs.lookup", dn, "entry does not exist")
	}
	return res.Entries[0], nil
}

func firstValue(attrs map[string][]string, name string) string {
	for k, values := range attrs {
		if strings.EqualFold(k, name) {
			if len(values) > 0 {
				return values[0]
			}
			return ""
		}
	}
	return ""
}

func touchesAttr(bucket map[string][]string, name string) bool {
	for k := range bucket {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
