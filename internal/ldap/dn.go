package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeFilter escapes a value for embedding in a search filter.
func EscapeFilter(value string) string {
	return ldap.EscapeFilter(value)
}

// EscapeDN escapes a value for embedding in a DN.
func EscapeDN(value string) string {
	return ldap.EscapeDN(value)
}

// NormalizeID turns a caller-supplied identifier into a full DN under base.
// A value without '=' is treated as a bare identifier and becomes
// "<mainAttr>=<id>,<base>"; a value with '=' but no ',' is treated as a lone
// RDN and gets the base appended. Anything else is already a DN.
func NormalizeID(idOrDN, mainAttr, base string) string {
	s := strings.TrimSpace(idOrDN)
	if s == "" {
		return base
	}
	if !strings.Contains(s, "=") {
		return mainAttr + "=" + ldap.EscapeDN(s) + "," + base
	}
	if !strings.Contains(s, ",") {
		return s + "," + base
	}
	return s
}

// rdnPieces splits a DN into its RDN strings, handling escaped separators.
// Attribute types and value escaping are re-rendered; a DN that does not
// parse falls back to a naive comma split.
func rdnPieces(dn string) []string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		parts := strings.Split(dn, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	pieces := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		avas := make([]string, 0, len(rdn.Attributes))
		for _, ava := range rdn.Attributes {
			avas = append(avas, ava.Type+"="+ldap.EscapeDN(ava.Value))
		}
		pieces = append(pieces, strings.Join(avas, "+"))
	}
	return pieces
}

// Canonical renders a DN in a comparable form: parsed, re-escaped, no
// inter-RDN whitespace, lowercased. DNs are case-insensitive throughout the
// system.
func Canonical(dn string) string {
	return strings.ToLower(strings.Join(rdnPieces(dn), ","))
}

// EqualDN reports whether two DNs name the same entry.
func EqualDN(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

// IsUnder reports whether dn equals base or lies inside its subtree.
func IsUnder(dn, base string) bool {
	d, b := Canonical(dn), Canonical(base)
	return d == b || strings.HasSuffix(d, ","+b)
}

// IsStrictlyUnder reports whether dn lies inside base's subtree, excluding
// base itself.
func IsStrictlyUnder(dn, base string) bool {
	return strings.HasSuffix(Canonical(dn), ","+Canonical(base))
}

// RDN returns the leftmost component of a DN, e.g. "cn=Dr".
func RDN(dn string) string {
	pieces := rdnPieces(dn)
	if len(pieces) == 0 {
		return ""
	}
	return pieces[0]
}

// RDNValue returns the value of the leftmost component, e.g. "Dr".
func RDNValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		rdn := RDN(dn)
		if i := strings.Index(rdn, "="); i >= 0 {
			return rdn[i+1:]
		}
		return rdn
	}
	return parsed.RDNs[0].Attributes[0].Value
}

// ParentDN returns the DN with its leftmost component removed, or "" for a
// single-component DN.
func ParentDN(dn string) string {
	pieces := rdnPieces(dn)
	if len(pieces) <= 1 {
		return ""
	}
	return strings.Join(pieces[1:], ",")
}

// RDNCount returns the number of components in a DN. Used to order cascade
// rewrites parent-first.
func RDNCount(dn string) int {
	if strings.TrimSpace(dn) == "" {
		return 0
	}
	return len(rdnPieces(dn))
}

// ReplaceSuffix rewrites dn by substituting oldSuffix with newSuffix when dn
// equals oldSuffix or ends in it at an RDN boundary. The second return is
// false when the suffix does not match.
func ReplaceSuffix(dn, oldSuffix, newSuffix string) (string, bool) {
	dnPieces := rdnPieces(dn)
	oldPieces := rdnPieces(oldSuffix)
	if len(oldPieces) == 0 || len(oldPieces) > len(dnPieces) {
		return dn, false
	}
	offset := len(dnPieces) - len(oldPieces)
	for i, p := range oldPieces {
		if !strings.EqualFold(dnPieces[offset+i], p) {
			return dn, false
		}
	}
	if offset == 0 {
		return newSuffix, true
	}
	return strings.Join(dnPieces[:offset], ",") + "," + newSuffix, true
}
