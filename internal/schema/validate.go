package schema

import (
	"context"
	"regexp"
	"strings"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
)

var (
	integerPattern = regexp.MustCompile(`^-?\d+$`)
	numberPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Validator checks attribute maps and change sets against a schema. Pointer
// targets are resolved through the directory.
type Validator struct {
	dir ldap.Directory
}

// NewValidator builds a validator over the given directory.
func NewValidator(dir ldap.Directory) *Validator {
	return &Validator{dir: dir}
}

// ValidateCreate checks a create-request attribute map. It returns the map
// augmented with fixed-attribute defaults; the input is not mutated.
func (v *Validator) ValidateCreate(ctx context.Context, s *Schema, attrs map[string][]string) (map[string][]string, error) {
	out := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		out[name] = append([]string(nil), values...)
	}

	if s.Strict {
		for name := range out {
			if _, _, ok := s.Attribute(name); !ok && !strings.EqualFold(name, "objectClass") {
				return nil, direrr.Newf(direrr.KindUnknownAttr, "schema.validate", "",
					"attribute %q is not declared by schema %s", name, s.Entity.Name)
			}
		}
	}

	for name, spec := range s.Attributes {
		supplied := lookupValues(out, name)

		if spec.Fixed {
			if supplied == nil {
				out[name] = append([]string(nil), spec.Default...)
				continue
			}
			if !sameValueSet(supplied, spec.Default) {
				return nil, direrr.Newf(direrr.KindFixedMismatch, "schema.validate", "",
					"attribute %q is fixed to %v", name, []string(spec.Default))
			}
			continue
		}

		if supplied == nil {
			if spec.Required {
				return nil, direrr.Newf(direrr.KindRequiredMissing, "schema.validate", "",
					"required attribute %q is missing", name)
			}
			if len(spec.Default) > 0 {
				out[name] = append([]string(nil), spec.Default...)
			}
			continue
		}

		if err := v.checkValues(ctx, name, spec, supplied); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ValidateChanges checks a modify change set: fixed attributes are immutable
// in every bucket, unknown attributes are rejected on strict schemas, and
// added or replaced values are validated like create values.
func (v *Validator) ValidateChanges(ctx context.Context, s *Schema, changes *ldap.Changes) error {
	if changes == nil {
		return nil
	}

	for _, name := range changes.Touched() {
		declared, spec, ok := s.Attribute(name)
		if !ok {
			if s.Strict && !strings.EqualFold(name, "objectClass") {
				return direrr.Newf(direrr.KindUnknownAttr, "schema.validate", "",
					"attribute %q is not declared by schema %s", name, s.Entity.Name)
			}
			continue
		}
		if spec.Fixed {
			return direrr.Newf(direrr.KindFixedImmutable, "schema.validate", "",
				"attribute %q is fixed and cannot be modified", declared)
		}
	}

	for _, bucket := range []map[string][]string{changes.Add, changes.Replace} {
		for name, values := range bucket {
			if _, spec, ok := s.Attribute(name); ok {
				if err := v.checkValues(ctx, name, spec, values); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkValues validates the supplied values against one spec: scalar shape,
// test regex, array items, and pointer resolution.
func (v *Validator) checkValues(ctx context.Context, name string, spec *AttributeSpec, values []string) error {
	if spec.Type != TypeArray && len(values) > 1 {
		return direrr.Newf(direrr.KindTestFailed, "schema.validate", "",
			"attribute %q is single-valued", name)
	}

	for _, value := range values {
		switch spec.Type {
		case TypeInteger:
			if !integerPattern.MatchString(value) {
				return direrr.Newf(direrr.KindTestFailed, "schema.validate", "",
					"attribute %q wants an integer, got %q", name, value)
			}
		case TypeNumber:
			if !numberPattern.MatchString(value) {
				return direrr.Newf(direrr.KindTestFailed, "schema.validate", "",
					"attribute %q wants a number, got %q", name, value)
			}
		case TypeArray:
			if spec.Items != nil {
				if err := v.checkValues(ctx, name, spec.Items, []string{value}); err != nil {
					return err
				}
			}
		case TypePointer:
			if err := v.resolvePointer(ctx, name, spec, value); err != nil {
				return err
			}
		}

		if spec.test != nil && !spec.test.MatchString(value) {
			return direrr.Newf(direrr.KindTestFailed, "schema.validate", "",
				"attribute %q value %q does not match %s", name, value, spec.Test)
		}
	}
	return nil
}

// resolvePointer verifies the pointer target exists and lies under one of
// the declared branches.
func (v *Validator) resolvePointer(ctx context.Context, name string, spec *AttributeSpec, dn string) error {
	res, err := v.dir.Search(ctx, dn, &ldap.SearchOpts{Scope: ldap.ScopeBase, Filter: "(objectClass=*)"})
	if err != nil || len(res.Entries) == 0 {
		if err == nil || direrr.IsKind(err, direrr.KindNotFound) {
			return direrr.Newf(direrr.KindPointerDangling, "schema.validate", dn,
				"pointer %q target does not exist", name)
		}
		return err
	}

	if len(spec.Branch) == 0 {
		return nil
	}
	resolved := res.Entries[0].DN
	for _, branch := range spec.Branch {
		if ldap.IsUnder(resolved, branch) {
			return nil
		}
	}
	return direrr.Newf(direrr.KindPointerBranch, "schema.validate", dn,
		"pointer %q target is outside the declared branches %v", name, spec.Branch)
}

// lookupValues finds the values for name in attrs, case-insensitively.
func lookupValues(attrs map[string][]string, name string) []string {
	if values, ok := attrs[name]; ok {
		return values
	}
	for k, values := range attrs {
		if strings.EqualFold(k, name) {
			return values
		}
	}
	return nil
}

// sameValueSet compares two value lists as sets, case-sensitively.
func sameValueSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}
