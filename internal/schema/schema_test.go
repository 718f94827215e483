package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/isometry/dirmand/internal/direrr"
)

func writeSchema(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const titlesSchema = `{
  "entity": {
    "name": "title",
    "mainAttribute": "cn",
    "objectClass": ["top", "organizationalRole"],
    "singularName": "title",
    "pluralName": "titles",
    "base": "ou=titles,{ldap_base}"
  },
  "strict": true,
  "attributes": {
    "cn": {"type": "string", "required": true, "role": "identifier"},
    "description": {"type": "string"}
  }
}`

func TestLoadFileSubstitutesPlaceholders(t *testing.T) {
	path := writeSchema(t, titlesSchema)
	s, err := LoadFile(path, map[string]string{"ldap_base": "dc=ex"})
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Entity.Base != "ou=titles,dc=ex" {
		t.Errorf("base = %q, want ou=titles,dc=ex", s.Entity.Base)
	}
	if s.Entity.PluralName != "titles" {
		t.Errorf("plural = %q", s.Entity.PluralName)
	}
}

func TestLoadFileRejectsUnresolvedPlaceholder(t *testing.T) {
	path := writeSchema(t, titlesSchema)
	_, err := LoadFile(path, nil)
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestLoadFileRejectsBadRegex(t *testing.T) {
	path := writeSchema(t, `{
  "entity": {"name": "u", "mainAttribute": "uid", "objectClass": ["top"], "base": "dc=ex"},
  "attributes": {"mail": {"type": "string", "test": "(["}}
}`)
	_, err := LoadFile(path, nil)
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestLoadFileRejectsFixedWithoutDefault(t *testing.T) {
	path := writeSchema(t, `{
  "entity": {"name": "u", "mainAttribute": "uid", "objectClass": ["top"], "base": "dc=ex"},
  "attributes": {"objectClass": {"type": "array", "fixed": true}}
}`)
	_, err := LoadFile(path, nil)
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestValuesUnmarshalScalars(t *testing.T) {
	path := writeSchema(t, `{
  "entity": {
    "name": "u", "mainAttribute": "uid", "objectClass": ["top"], "base": "dc=ex",
    "defaultAttributes": {"loginShell": "/bin/bash", "gidNumber": 100, "memberOf": ["a", "b"]}
  },
  "attributes": {}
}`)
	s, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tests := []struct {
		attr string
		want []string
	}{
		{"loginShell", []string{"/bin/bash"}},
		{"gidNumber", []string{"100"}},
		{"memberOf", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := s.Entity.DefaultAttributes[tt.attr]
		if len(got) != len(tt.want) {
			t.Fatalf("%s = %v, want %v", tt.attr, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s = %v, want %v", tt.attr, got, tt.want)
			}
		}
	}
}

func TestLoadAllRejectsDuplicatePlural(t *testing.T) {
	a := writeSchema(t, titlesSchema)
	dir := t.TempDir()
	b := filepath.Join(dir, "second.json")
	if err := os.WriteFile(b, []byte(titlesSchema), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadAll([]string{a, b}, map[string]string{"ldap_base": "dc=ex"})
	if !direrr.IsKind(err, direrr.KindConfigInvalid) {
		t.Fatalf("kind = %v, want CONFIG_INVALID", direrr.KindOf(err))
	}
}

func TestStoreLookupAndReplace(t *testing.T) {
	path := writeSchema(t, titlesSchema)
	s, err := LoadFile(path, map[string]string{"ldap_base": "dc=ex"})
	if err != nil {
		t.Fatal(err)
	}
	st := NewStore([]*Schema{s})

	if _, ok := st.ByPlural("TITLES"); !ok {
		t.Error("plural lookup should be case-insensitive")
	}
	if _, ok := st.ByName("title"); !ok {
		t.Error("name lookup failed")
	}
	if _, ok := st.ByPlural("users"); ok {
		t.Error("unexpected hit for an unknown plural")
	}

	st.Replace(nil)
	if st.Len() != 0 {
		t.Error("Replace did not swap the set")
	}
}

func TestAttributeByRole(t *testing.T) {
	path := writeSchema(t, `{
  "entity": {"name": "u", "mainAttribute": "uid", "objectClass": ["top"], "base": "dc=ex"},
  "attributes": {
    "uid": {"type": "string", "role": "identifier"},
    "departmentNumber": {"type": "pointer", "role": "organizationLink", "branch": ["ou=orgs,dc=ex"]}
  }
}`)
	s, err := LoadFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	name, spec, ok := s.AttributeByRole(RoleOrganizationLink)
	if !ok || name != "departmentNumber" || spec.Type != TypePointer {
		t.Errorf("AttributeByRole = %q %+v %v", name, spec, ok)
	}
}
