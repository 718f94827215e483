// Package orgs maintains the organization tree: hierarchy queries for the
// HTTP surface and the consistency plugin that keeps organizationLink and
// organizationPath attributes coherent across renames, moves, and deletes.
package orgs

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
)

// Link and path attribute names.
const (
	AttrLink = "organizationLink"
	AttrPath = "organizationPath"

	// attrOwnPath is the human-readable path carried by organization
	// entries themselves.
	attrOwnPath = "path"
)

// orgClasses are the objectClass values that mark an organization.
var orgClasses = []string{"organizationalUnit", "organization"}

// orgFilter matches organization entries.
const orgFilter = "(|(objectClass=organizationalUnit)(objectClass=organization))"

// IsOrganization reports whether the entry is an organization.
func IsOrganization(e ldap.Entry) bool {
	for _, oc := range orgClasses {
		if e.HasObjectClass(oc) {
			return true
		}
	}
	return false
}

// Service answers hierarchy queries and performs organization mutations.
type Service struct {
	dir  ldap.Directory
	log  zerolog.Logger
	base string // root of the organization tree
}

// NewService builds a service rooted at base (usually the directory base).
func NewService(dir ldap.Directory, base string, log zerolog.Logger) *Service {
	if base == "" {
		base = dir.Base()
	}
	return &Service{
		dir:  dir,
		log:  log.With().Str("component", "orgs").Logger(),
		base: base,
	}
}

// Base returns the root of the organization tree.
func (s *Service) Base() string {
	return s.base
}

// PathOf derives the slash-separated human-readable path of an organization
// DN from its nesting below the tree root: ou=B,ou=A,dc=ex under dc=ex
// yields "/A/B".
func (s *Service) PathOf(dn string) string {
	if !ldap.IsStrictlyUnder(dn, s.base) {
		return "/"
	}
	var labels []string
	for cur := dn; cur != "" && !ldap.EqualDN(cur, s.base); cur = ldap.ParentDN(cur) {
		labels = append(labels, ldap.RDNValue(cur))
	}
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return "/" + strings.Join(labels, "/")
}

// Get fetches one organization.
func (s *Service) Get(ctx context.Context, dn string) (ldap.Entry, error) {
	res, err := s.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"})
	if err != nil {
		return ldap.Entry{}, err
	}
	if len(res.Entries) == 0 {
		return ldap.Entry{}, direrr.New(direrr.KindNotFound, "orgs.get", dn, "organization does not exist")
	}
	e := res.Entries[0]
	if !IsOrganization(e) {
		return ldap.Entry{}, direrr.New(direrr.KindConstraint, "orgs.get", dn, "entry is not an organization")
	}
	return e, nil
}

// Top lists the organizations directly under the tree root.
func (s *Service) Top(ctx context.Context) ([]ldap.Entry, error) {
	res, err := s.dir.Search(ctx, s.base, &ldap.SearchOpts{Scope: ldap.ScopeOne, Filter: orgFilter})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Subnodes lists the immediate children of an organization, optionally
// restricted to one objectClass.
func (s *Service) Subnodes(ctx context.Context, dn, objectClass string) ([]ldap.Entry, error) {
	filter := "(objectClass=*)"
	if objectClass != "" {
		filter = "(objectClass=" + ldap.EscapeFilter(objectClass) + ")"
	}
	res, err := s.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeOne, Filter: filter})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Create adds an organization named name under parentDN (the tree root when
// empty) and returns its DN.
func (s *Service) Create(ctx context.Context, parentDN, name string, attrs map[string][]string) (string, error) {
	if name == "" {
		return "", direrr.New(direrr.KindConstraint, "orgs.create", "", "organization name is required")
	}
	if parentDN == "" {
		parentDN = s.base
	}
	dn := "ou=" + ldap.EscapeDN(name) + "," + parentDN

	entry := map[string][]string{
		"objectClass": {"top", "organizationalUnit"},
		"ou":          {name},
	}
	for attr, values := range attrs {
		if _, taken := entry[attr]; !taken {
			entry[attr] = values
		}
	}
	entry[attrOwnPath] = []string{s.PathOf(dn)}

	if err := s.dir.Add(ctx, dn, entry); err != nil {
		return "", err
	}
	return dn, nil
}

// Rename changes an organization's RDN in place. The consistency plugin
// rewrites downstream links from the ldapRenameDone fan-out.
func (s *Service) Rename(ctx context.Context, dn, newName string) (string, error) {
	if _, err := s.Get(ctx, dn); err != nil {
		return "", err
	}
	newRDN := "ou=" + ldap.EscapeDN(newName)
	if err := s.dir.Rename(ctx, dn, newRDN); err != nil {
		return "", err
	}
	newDN := newRDN
	if parent := ldap.ParentDN(dn); parent != "" {
		newDN = newRDN + "," + parent
	}
	return newDN, nil
}

// Move relocates an organization under a new parent; the DN changes, unlike
// the attribute-only move of flat entities.
func (s *Service) Move(ctx context.Context, dn, newParentDN string) (string, error) {
	if _, err := s.Get(ctx, dn); err != nil {
		return "", err
	}
	if _, err := s.Get(ctx, newParentDN); err != nil {
		return "", err
	}
	newDN := ldap.RDN(dn) + "," + newParentDN
	if err := s.dir.Move(ctx, dn, newDN); err != nil {
		return "", err
	}
	return newDN, nil
}

// Delete removes an organization. The non-empty check runs in the chained
// delete hook, so it also guards deletes that bypass this service.
func (s *Service) Delete(ctx context.Context, dn string) error {
	if _, err := s.Get(ctx, dn); err != nil {
		return err
	}
	return s.dir.Delete(ctx, dn)
}

// LinkedEntries returns every entry whose organizationLink equals orgDN.
func (s *Service) LinkedEntries(ctx context.Context, orgDN string) ([]ldap.Entry, error) {
	filter := "(" + AttrLink + "=" + ldap.EscapeFilter(orgDN) + ")"
	res, err := s.dir.Search(ctx, s.base, &ldap.SearchOpts{
		Scope:      ldap.ScopeSub,
		Filter:     filter,
		Attributes: []string{AttrLink, AttrPath},
	})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// linkedUnder returns every entry whose organizationLink lies at or below
// orgDN, ordered so that links higher in the subtree come first.
func (s *Service) linkedUnder(ctx context.Context, orgDN string) ([]ldap.Entry, error) {
	res, err := s.dir.Search(ctx, s.base, &ldap.SearchOpts{
		Scope:      ldap.ScopeSub,
		Filter:     "(" + AttrLink + "=*)",
		Attributes: []string{AttrLink, AttrPath},
	})
	if err != nil {
		return nil, err
	}

	linked := make([]ldap.Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		if ldap.IsUnder(e.First(AttrLink), orgDN) {
			linked = append(linked, e)
		}
	}
	sort.SliceStable(linked, func(i, j int) bool {
		return ldap.RDNCount(linked[i].First(AttrLink)) < ldap.RDNCount(linked[j].First(AttrLink))
	})
	return linked, nil
}
