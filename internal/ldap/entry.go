package ldap

import (
	"encoding/hex"
	"fmt"
	"strings"

	objectsid "github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// Entry is one directory entry: a DN plus its attributes. Values are text;
// well-known binary attributes are rendered readable during conversion.
type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"-"`
}

// Values returns all values of an attribute (case-insensitive name match).
func (e Entry) Values(attr string) []string {
	if v, ok := e.Attributes[attr]; ok {
		return v
	}
	for name, v := range e.Attributes {
		if strings.EqualFold(name, attr) {
			return v
		}
	}
	return nil
}

// First returns the first value of an attribute, or "".
func (e Entry) First(attr string) string {
	if v := e.Values(attr); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether the attribute is present with at least one value.
func (e Entry) Has(attr string) bool {
	return len(e.Values(attr)) > 0
}

// HasObjectClass reports whether the entry carries the given objectClass.
func (e Entry) HasObjectClass(oc string) bool {
	for _, v := range e.Values("objectClass") {
		if strings.EqualFold(v, oc) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := Entry{DN: e.DN, Attributes: make(map[string][]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = append([]string(nil), v...)
	}
	return out
}

// fromLDAPEntry converts a wire entry, rendering binary identifiers as text.
func fromLDAPEntry(le *ldap.Entry) Entry {
	e := Entry{DN: le.DN, Attributes: make(map[string][]string, len(le.Attributes))}
	for _, attr := range le.Attributes {
		e.Attributes[attr.Name] = renderValues(attr)
	}
	return e
}

func convertEntries(res *ldap.SearchResult) *SearchResult {
	out := &SearchResult{Entries: make([]Entry, 0, len(res.Entries))}
	for _, le := range res.Entries {
		out.Entries = append(out.Entries, fromLDAPEntry(le))
	}
	return out
}

// renderValues coerces attribute values to text. objectSid and objectGUID
// arrive as raw bytes from Active Directory style servers and are decoded
// to their standard string forms; everything else passes through.
func renderValues(attr *ldap.EntryAttribute) []string {
	switch strings.ToLower(attr.Name) {
	case "objectsid":
		out := make([]string, 0, len(attr.ByteValues))
		for i, raw := range attr.ByteValues {
			if s, err := decodeSID(raw); err == nil {
				out = append(out, s)
			} else if i < len(attr.Values) {
				out = append(out, attr.Values[i])
			}
		}
		if len(out) > 0 {
			return out
		}
	case "objectguid":
		out := make([]string, 0, len(attr.ByteValues))
		for i, raw := range attr.ByteValues {
			if s, err := decodeGUID(raw); err == nil {
				out = append(out, s)
			} else if i < len(attr.Values) {
				out = append(out, attr.Values[i])
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return append([]string(nil), attr.Values...)
}

// decodeSID renders a binary security identifier as "S-1-…".
func decodeSID(raw []byte) (string, error) {
	// objectsid.Decode indexes into the buffer; a short one would panic.
	if len(raw) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}
	sid := objectsid.Decode(raw)
	return sid.String(), nil
}

// decodeGUID renders a 16-byte mixed-endian GUID in hyphenated form. The
// first three groups are stored little-endian, the rest big-endian.
func decodeGUID(raw []byte) (string, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("invalid GUID length: %d bytes", len(raw))
	}
	std := make([]byte, 16)
	std[0], std[1], std[2], std[3] = raw[3], raw[2], raw[1], raw[0]
	std[4], std[5] = raw[5], raw[4]
	std[6], std[7] = raw[7], raw[6]
	copy(std[8:], raw[8:])

	h := hex.EncodeToString(std)
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]), nil
}
