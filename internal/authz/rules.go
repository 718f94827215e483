// Package authz enforces per-branch permissions. Rules come from a JSON
// document mapping users and groups to branch permission sets; effective
// permissions are the OR-merge of the default, the user's rules on every
// ancestor branch, and the rules of every group the user belongs to.
package authz

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/isometry/dirmand/internal/direrr"
)

// Permissions is one read/write/delete triple.
type Permissions struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Delete bool `json:"delete"`
}

// merge ORs another triple into this one.
func (p *Permissions) merge(other Permissions) {
	p.Read = p.Read || other.Read
	p.Write = p.Write || other.Write
	p.Delete = p.Delete || other.Delete
}

// Access selects one permission out of a triple.
type Access string

const (
	AccessRead   Access = "read"
	AccessWrite  Access = "write"
	AccessDelete Access = "delete"
)

// Allows reports whether the triple grants the given access.
func (p Permissions) Allows(a Access) bool {
	switch a {
	case AccessRead:
		return p.Read
	case AccessWrite:
		return p.Write
	case AccessDelete:
		return p.Delete
	default:
		return false
	}
}

// BranchRules maps branch DNs to permission triples.
type BranchRules map[string]Permissions

// Rules is the full authorization document.
type Rules struct {
	// Default applies when no user or group rule matches.
	Default Permissions `json:"default"`

	// Users maps uid to per-branch rules.
	Users map[string]BranchRules `json:"users"`

	// Groups maps group cn to per-branch rules.
	Groups map[string]BranchRules `json:"groups"`

	// CacheTTL is the group membership cache lifetime in seconds.
	CacheTTL int `json:"cacheTtl"`
}

// TTL returns the membership cache lifetime, defaulting to five minutes.
func (r *Rules) TTL() time.Duration {
	if r == nil || r.CacheTTL <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.CacheTTL) * time.Second
}

// LoadRules reads and parses an authorization document. Unknown fields are
// CONFIG_INVALID so a typo never silently grants the default.
func LoadRules(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "authz.load", "", err,
			"cannot open rules file %s", path)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	rules := &Rules{}
	if err := dec.Decode(rules); err != nil {
		return nil, direrr.Wrapf(direrr.KindConfigInvalid, "authz.load", "", err,
			"cannot parse rules file %s", path)
	}
	return rules, nil
}

// Store holds the active rules document and supports atomic replacement on
// hot reload.
type Store struct {
	current atomic.Pointer[Rules]
}

// NewStore creates a store holding the given rules.
func NewStore(rules *Rules) *Store {
	s := &Store{}
	if rules == nil {
		rules = &Rules{}
	}
	s.current.Store(rules)
	return s
}

// Rules returns the active document.
func (s *Store) Rules() *Rules {
	return s.current.Load()
}

// Replace swaps in a new document. Readers in flight keep the old one.
func (s *Store) Replace(rules *Rules) {
	if rules == nil {
		rules = &Rules{}
	}
	s.current.Store(rules)
}
