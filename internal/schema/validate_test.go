package schema

import (
	"context"
	"testing"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
)

// fakeDir serves base-scope lookups from a fixed entry set.
type fakeDir struct {
	entries map[string]ldap.Entry
}

func (f *fakeDir) Search(ctx context.Context, base string, opts *ldap.SearchOpts) (*ldap.SearchResult, error) {
	if e, ok := f.entries[ldap.Canonical(base)]; ok {
		return &ldap.SearchResult{Entries: []ldap.Entry{e.Clone()}}, nil
	}
	return nil, direrr.New(direrr.KindNotFound, "ldap.search", base, "entry does not exist")
}

func (f *fakeDir) SearchPaged(ctx context.Context, base string, opts *ldap.SearchOpts, fn func(*ldap.SearchResult) error) error {
	return nil
}
func (f *fakeDir) Add(context.Context, string, map[string][]string) error { return nil }
func (f *fakeDir) Modify(context.Context, string, *ldap.Changes) (bool, error) {
	return true, nil
}
func (f *fakeDir) Rename(context.Context, string, string) error { return nil }
func (f *fakeDir) Move(context.Context, string, string) error   { return nil }
func (f *fakeDir) Delete(context.Context, ...string) error      { return nil }
func (f *fakeDir) NormalizeDN(idOrDN string) string             { return idOrDN }
func (f *fakeDir) Base() string                                 { return "dc=ex" }

func usersSchema(t *testing.T) *Schema {
	t.Helper()
	path := writeSchema(t, `{
  "entity": {
    "name": "user",
    "mainAttribute": "uid",
    "objectClass": ["top", "inetOrgPerson"],
    "pluralName": "users",
    "base": "ou=users,dc=ex"
  },
  "strict": true,
  "attributes": {
    "uid": {"type": "string", "required": true, "role": "identifier"},
    "mail": {"type": "string", "test": "^[^@]+@example\\.com$"},
    "uidNumber": {"type": "integer"},
    "objectClass": {"type": "array", "fixed": true, "default": ["top", "inetOrgPerson"]},
    "mailboxType": {"type": "pointer", "branch": ["ou=mbt,dc=ex"]},
    "memberUid": {"type": "array", "items": {"type": "string", "test": "^[a-z]+$"}}
  }
}`)
	s, err := LoadFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newValidator() *Validator {
	return NewValidator(&fakeDir{entries: map[string]ldap.Entry{
		"cn=normal,ou=mbt,dc=ex": {
			DN:         "cn=normal,ou=mbt,dc=ex",
			Attributes: map[string][]string{"cn": {"normal"}},
		},
		"cn=foo,ou=other,dc=ex": {
			DN:         "cn=foo,ou=other,dc=ex",
			Attributes: map[string][]string{"cn": {"foo"}},
		},
	}})
}

func TestValidateCreate(t *testing.T) {
	s := usersSchema(t)
	v := newValidator()
	ctx := context.Background()

	tests := []struct {
		name     string
		attrs    map[string][]string
		wantKind direrr.Kind
	}{
		{
			name:  "minimal valid",
			attrs: map[string][]string{"uid": {"alice"}},
		},
		{
			name:     "unknown attribute on strict schema",
			attrs:    map[string][]string{"uid": {"alice"}, "shoeSize": {"42"}},
			wantKind: direrr.KindUnknownAttr,
		},
		{
			name:     "required missing",
			attrs:    map[string][]string{"mail": {"a@example.com"}},
			wantKind: direrr.KindRequiredMissing,
		},
		{
			name:     "test regex failure",
			attrs:    map[string][]string{"uid": {"alice"}, "mail": {"alice@other.org"}},
			wantKind: direrr.KindTestFailed,
		},
		{
			name:     "integer type failure",
			attrs:    map[string][]string{"uid": {"alice"}, "uidNumber": {"abc"}},
			wantKind: direrr.KindTestFailed,
		},
		{
			name:     "fixed mismatch",
			attrs:    map[string][]string{"uid": {"alice"}, "objectClass": {"top", "device"}},
			wantKind: direrr.KindFixedMismatch,
		},
		{
			name:  "fixed equal as set",
			attrs: map[string][]string{"uid": {"alice"}, "objectClass": {"inetOrgPerson", "top"}},
		},
		{
			name:     "pointer dangling",
			attrs:    map[string][]string{"uid": {"alice"}, "mailboxType": {"cn=missing,ou=mbt,dc=ex"}},
			wantKind: direrr.KindPointerDangling,
		},
		{
			name:     "pointer out of branch",
			attrs:    map[string][]string{"uid": {"alice"}, "mailboxType": {"cn=foo,ou=other,dc=ex"}},
			wantKind: direrr.KindPointerBranch,
		},
		{
			name:  "pointer valid",
			attrs: map[string][]string{"uid": {"alice"}, "mailboxType": {"cn=normal,ou=mbt,dc=ex"}},
		},
		{
			name:     "array item regex failure",
			attrs:    map[string][]string{"uid": {"alice"}, "memberUid": {"bob", "Carol"}},
			wantKind: direrr.KindTestFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := v.ValidateCreate(ctx, s, tt.attrs)
			if tt.wantKind != "" {
				if !direrr.IsKind(err, tt.wantKind) {
					t.Fatalf("kind = %v, want %v (err=%v)", direrr.KindOf(err), tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateCreate: %v", err)
			}
			// Fixed defaults are always present on the result.
			if got := out["objectClass"]; len(got) != 2 {
				t.Errorf("objectClass = %v, want the fixed default", got)
			}
		})
	}
}

func TestValidateCreateDoesNotMutateInput(t *testing.T) {
	s := usersSchema(t)
	v := newValidator()
	attrs := map[string][]string{"uid": {"alice"}}

	if _, err := v.ValidateCreate(context.Background(), s, attrs); err != nil {
		t.Fatal(err)
	}
	if len(attrs) != 1 {
		t.Errorf("input mutated: %v", attrs)
	}
}

func TestValidateChanges(t *testing.T) {
	s := usersSchema(t)
	v := newValidator()
	ctx := context.Background()

	tests := []struct {
		name     string
		changes  *ldap.Changes
		wantKind direrr.Kind
	}{
		{
			name:    "replace plain attribute",
			changes: &ldap.Changes{Replace: map[string][]string{"mail": {"alice@example.com"}}},
		},
		{
			name:     "replace fixed attribute",
			changes:  &ldap.Changes{Replace: map[string][]string{"objectClass": {"top", "inetOrgPerson", "x"}}},
			wantKind: direrr.KindFixedImmutable,
		},
		{
			name:     "delete fixed attribute",
			changes:  &ldap.Changes{Delete: map[string][]string{"objectClass": nil}},
			wantKind: direrr.KindFixedImmutable,
		},
		{
			name:     "add fixed attribute value",
			changes:  &ldap.Changes{Add: map[string][]string{"objectClass": {"x"}}},
			wantKind: direrr.KindFixedImmutable,
		},
		{
			name:     "unknown attribute on strict schema",
			changes:  &ldap.Changes{Add: map[string][]string{"shoeSize": {"42"}}},
			wantKind: direrr.KindUnknownAttr,
		},
		{
			name:     "replaced value fails test",
			changes:  &ldap.Changes{Replace: map[string][]string{"mail": {"alice@other.org"}}},
			wantKind: direrr.KindTestFailed,
		},
		{
			name:     "replaced pointer out of branch",
			changes:  &ldap.Changes{Replace: map[string][]string{"mailboxType": {"cn=foo,ou=other,dc=ex"}}},
			wantKind: direrr.KindPointerBranch,
		},
		{
			name:    "delete plain attribute",
			changes: &ldap.Changes{Delete: map[string][]string{"mail": nil}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateChanges(ctx, s, tt.changes)
			if tt.wantKind != "" {
				if !direrr.IsKind(err, tt.wantKind) {
					t.Fatalf("kind = %v, want %v (err=%v)", direrr.KindOf(err), tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateChanges: %v", err)
			}
		})
	}
}
