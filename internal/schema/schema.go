// Package schema loads the JSON entity schemas that drive the flat entity
// layer and validates attribute maps and change sets against them.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/isometry/dirmand/internal/direrr"
)

// AttributeType is the declared type of an attribute.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeNumber  AttributeType = "number"
	TypeInteger AttributeType = "integer"
	TypeArray   AttributeType = "array"
	// TypePointer values are DNs that must resolve to an existing entry
	// under one of the declared branches.
	TypePointer AttributeType = "pointer"
)

// Semantic attribute roles.
const (
	RoleIdentifier       = "identifier"
	RoleDisplayName      = "displayName"
	RolePrimaryEmail     = "primaryEmail"
	RoleOrganizationLink = "organizationLink"
	RoleOrganizationPath = "organizationPath"
)

// Values is a value list that also unmarshals from a lone JSON scalar.
type Values []string

// UnmarshalJSON accepts a string, a number, a boolean, or an array of those.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := coerceValues(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func coerceValues(raw any) (Values, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return Values{t}, nil
	case bool:
		return Values{strconv.FormatBool(t)}, nil
	case float64:
		return Values{formatNumber(t)}, nil
	case []any:
		out := make(Values, 0, len(t))
		for _, item := range t {
			vs, err := coerceValues(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vs...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// AttributeSpec describes one attribute of an entity kind.
type AttributeSpec struct {
	Type     AttributeType  `json:"type"`
	Required bool           `json:"required,omitempty"`
	Fixed    bool           `json:"fixed,omitempty"`
	Default  Values         `json:"default,omitempty"`
	Role     string         `json:"role,omitempty"`
	Test     string         `json:"test,omitempty"`
	Branch   []string       `json:"branch,omitempty"`
	Items    *AttributeSpec `json:"items,omitempty"`
	Group    string         `json:"group,omitempty"`

	test *regexp.Regexp
}

// Entity is the identity block of a schema.
type Entity struct {
	Name              string            `json:"name"`
	MainAttribute     string            `json:"mainAttribute"`
	ObjectClass       []string          `json:"objectClass"`
	SingularName      string            `json:"singularName"`
	PluralName        string            `json:"pluralName"`
	Base              string            `json:"base"`
	DefaultAttributes map[string]Values `json:"defaultAttributes,omitempty"`
}

// Schema describes one entity kind. Immutable after load.
type Schema struct {
	Entity     Entity                    `json:"entity"`
	Strict     bool                      `json:"strict"`
	Attributes map[string]*AttributeSpec `json:"attributes"`
}

// Attribute returns the spec for an attribute name, case-insensitively.
func (s *Schema) Attribute(name string) (string, *AttributeSpec, bool) {
	if spec, ok := s.Attributes[name]; ok {
		return name, spec, true
	}
	for declared, spec := range s.Attributes {
		if strings.EqualFold(declared, name) {
			return declared, spec, true
		}
	}
	return "", nil, false
}

// AttributeByRole returns the first attribute declared with the given role.
func (s *Schema) AttributeByRole(role string) (string, *AttributeSpec, bool) {
	for name, spec := range s.Attributes {
		if spec.Role == role {
			return name, spec, true
		}
	}
	return "", nil, false
}

// placeholderPattern matches {config_key} substitutions.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// substitute replaces {key} placeholders from vars. An unknown key is left
// untouched so the compile step can report it against the file.
func substitute(s string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// LoadFile parses one schema file, substitutes placeholders, and compiles
// regexes. Malformed documents are CONFIG_INVALID.
func LoadFile(path string, vars map[string]string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "schema.load", "", err, "cannot read schema %s", path)
	}

	var s Schema
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "schema.load", "", err, "malformed schema %s", path)
	}

	s.resolvePlaceholders(vars)
	if err := s.compile(); err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "schema.load", "", err, "invalid schema %s", path)
	}
	return &s, nil
}

// resolvePlaceholders substitutes {config_key} markers in entity.base,
// pointer branch lists, and array item branches.
func (s *Schema) resolvePlaceholders(vars map[string]string) {
	s.Entity.Base = substitute(s.Entity.Base, vars)
	for _, spec := range s.Attributes {
		spec.resolvePlaceholders(vars)
	}
}

func (spec *AttributeSpec) resolvePlaceholders(vars map[string]string) {
	for i, b := range spec.Branch {
		spec.Branch[i] = substitute(b, vars)
	}
	if spec.Items != nil {
		spec.Items.resolvePlaceholders(vars)
	}
}

// compile checks structural validity and compiles test regexes.
func (s *Schema) compile() error {
	e := &s.Entity
	switch {
	case e.Name == "":
		return fmt.Errorf("entity.name is required")
	case e.MainAttribute == "":
		return fmt.Errorf("entity.mainAttribute is required")
	case len(e.ObjectClass) == 0:
		return fmt.Errorf("entity.objectClass is required")
	case e.Base == "":
		return fmt.Errorf("entity.base is required")
	}
	if e.SingularName == "" {
		e.SingularName = e.Name
	}
	if e.PluralName == "" {
		e.PluralName = e.Name + "s"
	}
	if strings.Contains(e.Base, "{") {
		return fmt.Errorf("entity.base %q has an unresolved placeholder", e.Base)
	}

	for name, spec := range s.Attributes {
		if err := spec.compile(); err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
	}
	return nil
}

func (spec *AttributeSpec) compile() error {
	switch spec.Type {
	case TypeString, TypeNumber, TypeInteger, TypeArray, TypePointer:
	case "":
		spec.Type = TypeString
	default:
		return fmt.Errorf("unknown type %q", spec.Type)
	}
	if spec.Type == TypeArray && spec.Items != nil {
		if err := spec.Items.compile(); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}
	if spec.Fixed && len(spec.Default) == 0 {
		return fmt.Errorf("fixed attribute needs a default")
	}
	for _, b := range spec.Branch {
		if strings.Contains(b, "{") {
			return fmt.Errorf("branch %q has an unresolved placeholder", b)
		}
	}
	if spec.Test != "" {
		re, err := regexp.Compile(spec.Test)
		if err != nil {
			return fmt.Errorf("bad test regex: %w", err)
		}
		spec.test = re
	}
	return nil
}

// LoadAll loads every schema path, rejecting duplicate plural names.
func LoadAll(paths []string, vars map[string]string) ([]*Schema, error) {
	schemas := make([]*Schema, 0, len(paths))
	seen := make(map[string]string)
	for _, path := range paths {
		s, err := LoadFile(path, vars)
		if err != nil {
			return nil, err
		}
		plural := strings.ToLower(s.Entity.PluralName)
		if prev, dup := seen[plural]; dup {
			return nil, direrr.Newf(direrr.KindConfigInvalid, "schema.load", "",
				"duplicate plural name %q in %s and %s", s.Entity.PluralName, prev, path)
		}
		seen[plural] = path
		schemas = append(schemas, s)
	}
	return schemas, nil
}

// Store holds the loaded schema set. Hot reload swaps the whole set
// atomically; readers never see a partial set.
type Store struct {
	v atomic.Pointer[storeState]
}

type storeState struct {
	ordered  []*Schema
	byName   map[string]*Schema
	byPlural map[string]*Schema
}

// NewStore builds a store over the given schemas.
func NewStore(schemas []*Schema) *Store {
	st := &Store{}
	st.Replace(schemas)
	return st
}

// Replace swaps in a new schema set.
func (st *Store) Replace(schemas []*Schema) {
	state := &storeState{
		ordered:  append([]*Schema(nil), schemas...),
		byName:   make(map[string]*Schema, len(schemas)),
		byPlural: make(map[string]*Schema, len(schemas)),
	}
	for _, s := range schemas {
		state.byName[strings.ToLower(s.Entity.Name)] = s
		state.byPlural[strings.ToLower(s.Entity.PluralName)] = s
	}
	st.v.Store(state)
}

// All returns the schemas in load order.
func (st *Store) All() []*Schema {
	return st.v.Load().ordered
}

// ByName looks a schema up by entity name.
func (st *Store) ByName(name string) (*Schema, bool) {
	s, ok := st.v.Load().byName[strings.ToLower(name)]
	return s, ok
}

// ByPlural looks a schema up by plural name, as used in URLs.
func (st *Store) ByPlural(plural string) (*Schema, bool) {
	s, ok := st.v.Load().byPlural[strings.ToLower(plural)]
	return s, ok
}

// Len returns the number of loaded schemas.
func (st *Store) Len() int {
	return len(st.v.Load().ordered)
}
