// Package entity exposes schema-driven CRUD over one flat branch of the
// directory. Every instance derives its base, naming attribute, and object
// classes from a schema and publishes per-entity hook points next to the
// base-layer ones.
package entity

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/orgs"
	"github.com/isometry/dirmand/internal/request"
	"github.com/isometry/dirmand/internal/schema"
)

// Entity manages one flat entity kind, e.g. users or groups.
type Entity struct {
	dir       ldap.Directory
	hooks     *hook.Registry
	validator *schema.Validator
	orgs      *orgs.Service
	schema    *schema.Schema
	log       zerolog.Logger

	base     string
	mainAttr string
	prefix   string
}

// MoveResult reports the attributes rewritten by a flat-entity move. The DN
// is unchanged; only the organization pointers are.
type MoveResult struct {
	DepartmentLink string `json:"departmentLink"`
	DepartmentPath string `json:"departmentPath"`
}

// New builds an entity from its schema.
func New(s *schema.Schema, dir ldap.Directory, hooks *hook.Registry, validator *schema.Validator, orgSvc *orgs.Service, log zerolog.Logger) *Entity {
	prefix := s.Entity.SingularName
	if prefix == "" {
		prefix = s.Entity.Name
	}
	return &Entity{
		dir:       dir,
		hooks:     hooks,
		validator: validator,
		orgs:      orgSvc,
		schema:    s,
		log:       log.With().Str("entity", s.Entity.Name).Logger(),
		base:      s.Entity.Base,
		mainAttr:  s.Entity.MainAttribute,
		prefix:    prefix,
	}
}

// Schema returns the schema driving this entity.
func (e *Entity) Schema() *schema.Schema {
	return e.schema
}

// Name returns the entity kind name.
func (e *Entity) Name() string {
	return e.schema.Entity.Name
}

// Plural returns the plural name used in URLs.
func (e *Entity) Plural() string {
	return e.schema.Entity.PluralName
}

// HookPrefix returns the per-entity hook name prefix.
func (e *Entity) HookPrefix() string {
	return e.prefix
}

// DN resolves a bare identifier or partial DN to a full DN under the
// entity's base.
func (e *Entity) DN(idOrDN string) string {
	return ldap.NormalizeID(idOrDN, e.mainAttr, e.base)
}

// classFilter matches this entity's object classes.
func (e *Entity) classFilter() string {
	classes := e.schema.Entity.ObjectClass
	switch len(classes) {
	case 0:
		return ""
	case 1:
		return "(objectClass=" + ldap.EscapeFilter(classes[0]) + ")"
	default:
		var b strings.Builder
		b.WriteString("(|")
		for _, oc := range classes {
			b.WriteString("(objectClass=" + ldap.EscapeFilter(oc) + ")")
		}
		b.WriteString(")")
		return b.String()
	}
}

// List returns all entries keyed by their naming attribute. match narrows
// on the naming attribute, filters adds per-attribute equality terms, and
// attrs projects the returned attributes (nil for all).
func (e *Entity) List(ctx context.Context, match string, filters map[string]string, attrs []string) (map[string]ldap.Entry, error) {
	terms := []string{e.classFilter()}
	if match != "" {
		terms = append(terms, "("+e.mainAttr+"="+ldap.EscapeFilter(match)+")")
	} else {
		terms = append(terms, "("+e.mainAttr+"=*)")
	}
	for attr, value := range filters {
		terms = append(terms, "("+attr+"="+ldap.EscapeFilter(value)+")")
	}

	filter := terms[0]
	if len(terms) > 1 || filter == "" {
		filter = "(&" + strings.Join(terms, "") + ")"
	}

	if len(attrs) > 0 && !containsFold(attrs, e.mainAttr) {
		attrs = append(attrs, e.mainAttr)
	}
	res, err := e.dir.Search(ctx, e.base, &ldap.SearchOpts{Scope: ldap.ScopeSub, Filter: filter, Attributes: attrs})
	if err != nil {
		return nil, err
	}

	out := make(map[string]ldap.Entry, len(res.Entries))
	for _, entry := range res.Entries {
		key := entry.First(e.mainAttr)
		if key == "" {
			key = entry.DN
		}
		out[key] = entry
	}
	return out, nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// Get fetches one entry by identifier or DN.
func (e *Entity) Get(ctx context.Context, idOrDN string) (ldap.Entry, error) {
	dn := e.DN(idOrDN)
	res, err := e.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"})
	if err != nil {
		return ldap.Entry{}, err
	}
	if len(res.Entries) == 0 {
		return ldap.Entry{}, direrr.Newf(direrr.KindNotFound, "entity.get", dn,
			"%s does not exist", e.schema.Entity.SingularName)
	}
	return res.Entries[0], nil
}

// prepareCreate merges defaults, validates, and stamps the object classes.
func (e *Entity) prepareCreate(ctx context.Context, id string, attrs map[string][]string) (string, map[string][]string, error) {
	if id == "" {
		return "", nil, direrr.New(direrr.KindRequiredMissing, "entity.add", "", e.mainAttr+" is required")
	}
	dn := e.DN(id)

	merged := make(map[string][]string, len(attrs)+2)
	for k, v := range attrs {
		merged[k] = append([]string(nil), v...)
	}
	merged[e.mainAttr] = []string{id}
	for attr, values := range e.schema.Entity.DefaultAttributes {
		if _, supplied := merged[attr]; !supplied {
			merged[attr] = append([]string(nil), values...)
		}
	}

	validated, err := e.validator.ValidateCreate(ctx, e.schema, merged)
	if err != nil {
		return "", nil, err
	}
	if len(e.schema.Entity.ObjectClass) > 0 {
		validated["objectClass"] = append([]string(nil), e.schema.Entity.ObjectClass...)
	}
	return dn, validated, nil
}

// ValidateCreate checks a prospective entry without writing, as the bulk
// import dry run does.
func (e *Entity) ValidateCreate(ctx context.Context, id string, attrs map[string][]string) error {
	_, _, err := e.prepareCreate(ctx, id, attrs)
	return err
}

// ValidateChanges checks prospective modifications without writing.
func (e *Entity) ValidateChanges(ctx context.Context, changes *ldap.Changes) error {
	return e.validator.ValidateChanges(ctx, e.schema, changes)
}

// Add validates and creates a new entry named id. Returns its DN.
func (e *Entity) Add(ctx context.Context, id string, attrs map[string][]string) (string, error) {
	dn, validated, err := e.prepareCreate(ctx, id, attrs)
	if err != nil {
		return "", err
	}

	ev := &ldap.AddEvent{DN: dn, Attrs: validated, Req: request.InfoOf(ctx)}
	out, err := e.hooks.RunChained(ctx, hook.Prefixed(e.prefix, "AddRequest"), ev)
	if err != nil {
		return "", err
	}
	ev = out.(*ldap.AddEvent)

	if err := e.dir.Add(ctx, ev.DN, ev.Attrs); err != nil {
		return "", err
	}
	e.hooks.RunFanout(ctx, hook.Prefixed(e.prefix, "AddDone"), ev)
	return ev.DN, nil
}

// Modify applies validated changes. A replace of the naming attribute turns
// into a rename; remaining changes then apply at the new DN. Returns the
// final DN and whether anything was modified.
func (e *Entity) Modify(ctx context.Context, idOrDN string, changes *ldap.Changes) (string, bool, error) {
	dn := e.DN(idOrDN)
	if changes == nil {
		changes = &ldap.Changes{}
	}

	var newID string
	for attr, values := range changes.Replace {
		if !strings.EqualFold(attr, e.mainAttr) || len(values) == 0 {
			continue
		}
		newID = values[0]
		rest := changes.Clone()
		delete(rest.Replace, attr)
		changes = rest
		break
	}

	if err := e.validator.ValidateChanges(ctx, e.schema, changes); err != nil {
		return dn, false, err
	}

	if newID != "" {
		renamed, err := e.Rename(ctx, dn, newID)
		if err != nil {
			return dn, false, err
		}
		dn = renamed
	}

	if changes.Empty() {
		return dn, newID != "", nil
	}

	ev := &ldap.ModifyEvent{DN: dn, Changes: changes, Req: request.InfoOf(ctx)}
	out, err := e.hooks.RunChained(ctx, hook.Prefixed(e.prefix, "ModifyRequest"), ev)
	if err != nil {
		return dn, false, err
	}
	ev = out.(*ldap.ModifyEvent)

	applied, err := e.dir.Modify(ctx, ev.DN, ev.Changes)
	if err != nil {
		return dn, false, err
	}
	e.hooks.RunFanout(ctx, hook.Prefixed(e.prefix, "ModifyDone"), ev)
	return dn, applied || newID != "", nil
}

// Rename changes the entry's naming attribute in place; the old RDN value
// is dropped so the attribute follows the new name. Returns the new DN.
func (e *Entity) Rename(ctx context.Context, idOrDN, newID string) (string, error) {
	dn := e.DN(idOrDN)
	if newID == "" {
		return "", direrr.New(direrr.KindRequiredMissing, "entity.rename", dn, "new identifier is required")
	}
	newRDN := e.mainAttr + "=" + ldap.EscapeDN(newID)
	newDN := newRDN
	if parent := ldap.ParentDN(dn); parent != "" {
		newDN = newRDN + "," + parent
	}

	ev := &ldap.RenameEvent{DN: dn, NewRDN: newRDN, NewDN: newDN, Req: request.InfoOf(ctx)}
	out, err := e.hooks.RunChained(ctx, hook.Prefixed(e.prefix, "RenameRequest"), ev)
	if err != nil {
		return "", err
	}
	ev = out.(*ldap.RenameEvent)

	if err := e.dir.Rename(ctx, ev.DN, ev.NewRDN); err != nil {
		return "", err
	}
	return ev.NewDN, nil
}

// Move points the entry at a different organization. The DN stays; only
// organizationLink and organizationPath are rewritten.
func (e *Entity) Move(ctx context.Context, idOrDN, targetOrgDN string) (*MoveResult, error) {
	dn := e.DN(idOrDN)
	if _, err := e.Get(ctx, dn); err != nil {
		return nil, err
	}
	org, err := e.orgs.Get(ctx, targetOrgDN)
	if err != nil {
		return nil, err
	}

	path := org.First("path")
	if path == "" {
		path = e.orgs.PathOf(org.DN)
	}
	changes := &ldap.Changes{Replace: map[string][]string{
		orgs.AttrLink: {org.DN},
		orgs.AttrPath: {path},
	}}
	if _, err := e.dir.Modify(ctx, dn, changes); err != nil {
		return nil, err
	}
	return &MoveResult{DepartmentLink: org.DN, DepartmentPath: path}, nil
}

// Delete removes one entry.
func (e *Entity) Delete(ctx context.Context, idOrDN string) error {
	dn := e.DN(idOrDN)

	ev := &ldap.DeleteEvent{DNs: []string{dn}, Req: request.InfoOf(ctx)}
	out, err := e.hooks.RunChained(ctx, hook.Prefixed(e.prefix, "DeleteRequest"), ev)
	if err != nil {
		return err
	}
	ev = out.(*ldap.DeleteEvent)
	if len(ev.DNs) == 0 {
		return nil
	}

	if err := e.dir.Delete(ctx, ev.DNs...); err != nil {
		return err
	}
	e.hooks.RunFanout(ctx, hook.Prefixed(e.prefix, "DeleteDone"), &ldap.DeleteDoneEvent{DN: dn, Req: request.InfoOf(ctx)})
	return nil
}

// Search runs a free-form sub-scope search under the entity base.
func (e *Entity) Search(ctx context.Context, filter string, attrs []string) ([]ldap.Entry, error) {
	if filter == "" {
		filter = "(objectClass=*)"
	}
	res, err := e.dir.Search(ctx, e.base, &ldap.SearchOpts{
		Scope:      ldap.ScopeSub,
		Filter:     filter,
		Attributes: attrs,
	})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}
