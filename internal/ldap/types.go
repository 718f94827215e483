package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/request"
)

// AuthMethod selects how pooled connections authenticate.
type AuthMethod string

const (
	// AuthSimple performs a simple bind with BindDN/BindPassword.
	AuthSimple AuthMethod = "simple"
	// AuthKerberos performs a GSSAPI bind using the Kerberos settings.
	AuthKerberos AuthMethod = "kerberos"
)

// Config holds the connection settings for the directory client.
type Config struct {
	// URLs lists the directory servers in preference order
	// (ldap:// or ldaps://). The pool dials them until one binds.
	URLs []string

	BindDN       string
	BindPassword string
	AuthMethod   AuthMethod `default:"simple"`

	// Base is the root of the managed tree.
	Base string

	PoolSize         int           `default:"5"`
	ConnectionTTL    time.Duration `default:"60s"`
	QueryConcurrency int64         `default:"10"`
	CacheMax         int           `default:"1000"`
	CacheTTL         time.Duration `default:"300s"`

	// TimeLimit bounds each search server-side and is also applied as the
	// client-side request timeout.
	TimeLimit time.Duration `default:"10s"`
	// ConnectTimeout bounds dialing; zero means unbounded.
	ConnectTimeout time.Duration

	// UserMainAttribute names the RDN attribute used when normalizing bare
	// identifiers into DNs.
	UserMainAttribute string `default:"uid"`

	// PageSize is the default page size for paged searches.
	PageSize uint32 `default:"500"`

	// Kerberos settings, consulted when AuthMethod is kerberos.
	KerberosRealm  string
	KerberosConfig string
	KerberosKeytab string
	KerberosCCache string
	KerberosSPN    string
}

// ApplyDefaults fills zero fields from their struct tags.
func (c *Config) ApplyDefaults() error {
	return defaults.Set(c)
}

// Validate checks the configuration, returning CONFIG_INVALID on the first
// problem found.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "at least one LDAP URL is required")
	}
	for _, raw := range c.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return direrr.Wrapf(direrr.KindConfigInvalid, "ldap.config", "", err, "invalid LDAP URL %q", raw)
		}
		if u.Scheme != "ldap" && u.Scheme != "ldaps" {
			return direrr.Newf(direrr.KindConfigInvalid, "ldap.config", "", "unsupported URL scheme %q (want ldap or ldaps)", u.Scheme)
		}
		if u.Host == "" {
			return direrr.Newf(direrr.KindConfigInvalid, "ldap.config", "", "URL %q has no host", raw)
		}
	}
	if c.Base == "" {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "base DN is required")
	}
	switch c.AuthMethod {
	case AuthSimple:
		if c.BindDN == "" || c.BindPassword == "" {
			return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "bindDn and bindPassword are required for simple bind")
		}
	case AuthKerberos:
		// Credential presence is validated when the first bind runs; the
		// realm may still come from the principal.
	default:
		return direrr.Newf(direrr.KindConfigInvalid, "ldap.config", "", "unknown auth method %q", c.AuthMethod)
	}
	if c.PoolSize < 1 {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "poolSize must be at least 1")
	}
	if c.QueryConcurrency < 1 {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "queryConcurrency must be at least 1")
	}
	if c.CacheMax < 0 {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "cacheMax must not be negative")
	}
	if c.UserMainAttribute == "" {
		return direrr.New(direrr.KindConfigInvalid, "ldap.config", "", "userMainAttribute is required")
	}
	return nil
}

// tlsConfig returns the TLS settings for an ldaps URL.
func (c *Config) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
}

// Scope is the search scope.
type Scope int

const (
	// ScopeBase matches only the base entry itself.
	ScopeBase Scope = iota
	// ScopeOne matches the immediate children of the base.
	ScopeOne
	// ScopeSub matches the base and its whole subtree.
	ScopeSub
)

// String returns the wire name of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOne:
		return "one"
	case ScopeSub:
		return "sub"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope parses "base", "one" or "sub".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "base":
		return ScopeBase, nil
	case "one", "onelevel":
		return ScopeOne, nil
	case "sub", "subtree":
		return ScopeSub, nil
	default:
		return ScopeBase, fmt.Errorf("unknown search scope %q", s)
	}
}

// ldapScope converts to the go-ldap scope constant.
func (s Scope) ldapScope() int {
	switch s {
	case ScopeOne:
		return ldap.ScopeSingleLevel
	case ScopeSub:
		return ldap.ScopeWholeSubtree
	default:
		return ldap.ScopeBaseObject
	}
}

// SearchOpts describes one search.
type SearchOpts struct {
	Scope      Scope
	Filter     string
	Attributes []string
	// Paged requests a paged result stream; paged results are never cached.
	Paged    bool
	PageSize uint32
}

// Clone returns a deep copy.
func (o *SearchOpts) Clone() *SearchOpts {
	if o == nil {
		return nil
	}
	out := *o
	out.Attributes = append([]string(nil), o.Attributes...)
	return &out
}

// SearchResult is one result set (or one page of a paged search).
type SearchResult struct {
	Entries []Entry
}

// Clone returns a deep copy, so cached results stay untouched by callers.
func (r *SearchResult) Clone() *SearchResult {
	if r == nil {
		return nil
	}
	out := &SearchResult{Entries: make([]Entry, len(r.Entries))}
	for i, e := range r.Entries {
		out.Entries[i] = e.Clone()
	}
	return out
}

// Changes describes a modify operation: values to add, attributes to
// replace, and values or whole attributes to delete (an empty value list
// deletes the attribute).
type Changes struct {
	Add     map[string][]string `json:"add,omitempty"`
	Replace map[string][]string `json:"replace,omitempty"`
	Delete  map[string][]string `json:"delete,omitempty"`
}

// Empty reports whether no modification remains.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Add) == 0 && len(c.Replace) == 0 && len(c.Delete) == 0)
}

// Touched returns the set of attribute names referenced by any bucket,
// lowercased.
func (c *Changes) Touched() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, bucket := range []map[string][]string{c.Add, c.Replace, c.Delete} {
		for attr := range bucket {
			seen[strings.ToLower(attr)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for attr := range seen {
		out = append(out, attr)
	}
	return out
}

// Clone returns a deep copy.
func (c *Changes) Clone() *Changes {
	if c == nil {
		return nil
	}
	cp := func(m map[string][]string) map[string][]string {
		if m == nil {
			return nil
		}
		out := make(map[string][]string, len(m))
		for k, v := range m {
			out[k] = append([]string(nil), v...)
		}
		return out
	}
	return &Changes{Add: cp(c.Add), Replace: cp(c.Replace), Delete: cp(c.Delete)}
}

// Hook event payloads. Chained handlers receive and may mutate or replace
// them; fan-out handlers only observe.

// SearchEvent is the payload of ldapSearchRequest.
type SearchEvent struct {
	Base string
	Opts *SearchOpts
	Req  *request.Info
}

// ResultEvent is the payload of ldapSearchResult.
type ResultEvent struct {
	Base   string
	Opts   *SearchOpts
	Result *SearchResult
	Req    *request.Info
}

// AddEvent is the payload of ldapAddRequest and ldapAddDone.
type AddEvent struct {
	DN    string
	Attrs map[string][]string
	Req   *request.Info
}

// ModifyEvent is the payload of ldapModifyRequest and ldapModifyDone. OpNum
// is strictly monotonic per process so consumers can order modifications.
type ModifyEvent struct {
	DN      string
	Changes *Changes
	OpNum   uint64
	Req     *request.Info
}

// RenameEvent is the payload of ldapRenameRequest and ldapRenameDone.
type RenameEvent struct {
	DN     string
	NewRDN string
	NewDN  string
	Req    *request.Info
}

// MoveEvent is the payload of ldapMoveDone.
type MoveEvent struct {
	DN    string
	NewDN string
	Req   *request.Info
}

// DeleteEvent is the payload of ldapDeleteRequest. Chained handlers may
// shrink DNs (the trash plugin does) to stop the hard delete for entries
// they already handled.
type DeleteEvent struct {
	DNs []string
	Req *request.Info
}

// DeleteDoneEvent is the per-DN payload of ldapDeleteDone.
type DeleteDoneEvent struct {
	DN  string
	Req *request.Info
}

// ErrStopPaging ends a paged search early from the page callback.
var ErrStopPaging = errors.New("ldap: stop paging")

// Conn is the wire surface the client needs from a directory connection.
// *ldap.Conn satisfies it; tests substitute doubles.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Del(req *ldap.DelRequest) error
	SetTimeout(t time.Duration)
	IsClosing() bool
	Close() error
}

// PooledConn wraps a connection with pool bookkeeping.
type PooledConn struct {
	Conn     Conn
	created  time.Time
	lastUsed time.Time
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Live      int    `json:"live"`
	Idle      int    `json:"idle"`
	Created   uint64 `json:"created"`
	Discarded uint64 `json:"discarded"`
}

// Pool hands out bound connections up to a fixed cap.
type Pool interface {
	Get(ctx context.Context) (*PooledConn, error)
	Put(pc *PooledConn)
	// Discard closes a connection instead of returning it, freeing its
	// capacity. Used after wire errors.
	Discard(pc *PooledConn)
	Close()
	Stats() PoolStats
}

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Directory is the operation surface the rest of the system consumes.
// *Client implements it.
type Directory interface {
	Search(ctx context.Context, base string, opts *SearchOpts) (*SearchResult, error)
	SearchPaged(ctx context.Context, base string, opts *SearchOpts, fn func(page *SearchResult) error) error
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, changes *Changes) (bool, error)
	Rename(ctx context.Context, dn, newRDN string) error
	Move(ctx context.Context, dn, newDN string) error
	Delete(ctx context.Context, dns ...string) error

	// NormalizeDN turns a bare identifier or partial DN into a full DN
	// under the configured base.
	NormalizeDN(idOrDN string) string
	// Base returns the configured root of the managed tree.
	Base() string
}
