package ldap

import (
	"context"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/request"
)

// Client is the single mediation point for every directory operation. It
// owns the connection pool, the base-scope result cache, the process-wide
// concurrency limiter and the per-process modify sequence, and wraps every
// verb with its pre-hook chain and post-hook fan-out.
type Client struct {
	cfg   *Config
	pool  Pool
	cache *searchCache
	hooks *hook.Registry
	sem   *semaphore.Weighted
	log   zerolog.Logger

	opNum atomic.Uint64
}

var _ Directory = (*Client)(nil)

// NewClient validates the configuration and builds a client. No connection
// is opened until the first operation.
func NewClient(cfg *Config, hooks *hook.Registry, log zerolog.Logger) (*Client, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:   cfg,
		pool:  newConnPool(cfg, log),
		cache: newSearchCache(cfg.CacheMax, cfg.CacheTTL),
		hooks: hooks,
		sem:   semaphore.NewWeighted(cfg.QueryConcurrency),
		log:   log.With().Str("component", "ldap").Logger(),
	}, nil
}

// Close releases every pooled connection.
func (c *Client) Close() {
	c.pool.Close()
}

// Base returns the configured root of the managed tree.
func (c *Client) Base() string {
	return c.cfg.Base
}

// NormalizeDN turns a bare identifier or lone RDN into a full DN under the
// configured base.
func (c *Client) NormalizeDN(idOrDN string) string {
	return NormalizeID(idOrDN, c.cfg.UserMainAttribute, c.cfg.Base)
}

// PoolStats returns a pool usage snapshot.
func (c *Client) PoolStats() PoolStats {
	return c.pool.Stats()
}

// CacheStats returns a cache usage snapshot.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// Search performs one search under base. Base-scope, non-paged results are
// served from and stored into the cache; everything else reaches the wire.
func (c *Client) Search(ctx context.Context, base string, opts *SearchOpts) (*SearchResult, error) {
	if opts == nil {
		opts = &SearchOpts{Scope: ScopeBase, Filter: "(objectClass=*)"}
	}
	base = c.NormalizeDN(base)

	out, err := c.hooks.RunChained(ctx, hook.LDAPSearchOpts, opts.Clone())
	if err != nil {
		return nil, err
	}
	opts = out.(*SearchOpts)
	if opts.Filter == "" {
		opts.Filter = "(objectClass=*)"
	}

	ev := &SearchEvent{Base: base, Opts: opts, Req: request.InfoOf(ctx)}
	out, err = c.hooks.RunChained(ctx, hook.LDAPSearchRequest, ev)
	if err != nil {
		return nil, err
	}
	ev = out.(*SearchEvent)

	cacheable := ev.Opts.Scope == ScopeBase && !ev.Opts.Paged
	key := cacheKey(ev.Base, ev.Opts)
	if cacheable {
		if res, ok := c.cache.Get(key); ok {
			return res, nil
		}
	}

	res, err := c.wireSearch(ctx, ev.Base, ev.Opts, nil)
	if err != nil {
		return nil, err
	}

	out, err = c.hooks.RunChained(ctx, hook.LDAPSearchResult,
		&ResultEvent{Base: ev.Base, Opts: ev.Opts, Result: res, Req: ev.Req})
	if err != nil {
		return nil, err
	}
	res = out.(*ResultEvent).Result

	if cacheable {
		c.cache.Put(key, res)
	}
	return res, nil
}

// SearchPaged streams pages to fn. Returning ErrStopPaging from fn ends the
// iteration early; the connection is released either way. Paged results are
// never cached.
func (c *Client) SearchPaged(ctx context.Context, base string, opts *SearchOpts, fn func(page *SearchResult) error) error {
	if opts == nil {
		opts = &SearchOpts{Scope: ScopeSub, Filter: "(objectClass=*)"}
	}
	base = c.NormalizeDN(base)

	out, err := c.hooks.RunChained(ctx, hook.LDAPSearchOpts, opts.Clone())
	if err != nil {
		return err
	}
	opts = out.(*SearchOpts)
	opts.Paged = true
	if opts.PageSize == 0 {
		opts.PageSize = c.cfg.PageSize
	}

	ev := &SearchEvent{Base: base, Opts: opts, Req: request.InfoOf(ctx)}
	out, err = c.hooks.RunChained(ctx, hook.LDAPSearchRequest, ev)
	if err != nil {
		return err
	}
	ev = out.(*SearchEvent)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return classify("ldap.search", ev.Base, err)
	}
	defer c.sem.Release(1)

	pc, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(pc)

	paging := ldap.NewControlPaging(ev.Opts.PageSize)
	for {
		req := c.searchRequest(ev.Base, ev.Opts, []ldap.Control{paging})
		raw, err := pc.Conn.Search(req)
		if err != nil {
			return classify("ldap.search", ev.Base, err)
		}

		page := convertEntries(raw)
		out, err := c.hooks.RunChained(ctx, hook.LDAPSearchResult,
			&ResultEvent{Base: ev.Base, Opts: ev.Opts, Result: page, Req: ev.Req})
		if err != nil {
			return err
		}
		page = out.(*ResultEvent).Result

		if err := fn(page); err != nil {
			if err == ErrStopPaging {
				return nil
			}
			return err
		}

		ctrl, ok := ldap.FindControl(raw.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(ctrl.Cookie) == 0 {
			return nil
		}
		paging.SetCookie(ctrl.Cookie)

		select {
		case <-ctx.Done():
			return classify("ldap.search", ev.Base, ctx.Err())
		default:
		}
	}
}

// Add creates the entry at dn. The entity layer fills objectClass from the
// schema default before delegating here.
func (c *Client) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	dn = c.NormalizeDN(dn)

	ev := &AddEvent{DN: dn, Attrs: attrs, Req: request.InfoOf(ctx)}
	out, err := c.hooks.RunChained(ctx, hook.LDAPAddRequest, ev)
	if err != nil {
		return err
	}
	ev = out.(*AddEvent)

	req := ldap.NewAddRequest(ev.DN, nil)
	for attr, values := range ev.Attrs {
		req.Attribute(attr, values)
	}
	err = c.withConn(ctx, "ldap.add", ev.DN, func(conn Conn) error {
		return conn.Add(req)
	})

	// Invalidate even on failure: the directory state is unknown.
	c.cache.InvalidatePrefix(ev.DN)
	if err != nil {
		return err
	}

	c.hooks.RunFanout(ctx, hook.LDAPAddDone, ev)
	return nil
}

// Modify applies the three change buckets to dn. It returns false without
// touching the wire when the hook chain leaves no change behind.
func (c *Client) Modify(ctx context.Context, dn string, changes *Changes) (bool, error) {
	dn = c.NormalizeDN(dn)

	ev := &ModifyEvent{DN: dn, Changes: changes, OpNum: c.opNum.Add(1), Req: request.InfoOf(ctx)}
	out, err := c.hooks.RunChained(ctx, hook.LDAPModifyRequest, ev)
	if err != nil {
		return false, err
	}
	ev = out.(*ModifyEvent)

	if ev.Changes.Empty() {
		c.log.Warn().Str("dn", ev.DN).Uint64("op", ev.OpNum).Msg("modify left empty after hooks, skipping wire call")
		c.hooks.RunFanout(ctx, hook.LDAPModifyDone, ev)
		return false, nil
	}

	req := ldap.NewModifyRequest(ev.DN, nil)
	for attr, values := range ev.Changes.Add {
		req.Add(attr, values)
	}
	for attr, values := range ev.Changes.Replace {
		req.Replace(attr, values)
	}
	for attr, values := range ev.Changes.Delete {
		req.Delete(attr, values)
	}
	err = c.withConn(ctx, "ldap.modify", ev.DN, func(conn Conn) error {
		return conn.Modify(req)
	})

	c.cache.InvalidatePrefix(ev.DN)
	if err != nil {
		return false, err
	}

	c.hooks.RunFanout(ctx, hook.LDAPModifyDone, ev)
	return true, nil
}

// Rename changes the RDN of dn within the same parent.
func (c *Client) Rename(ctx context.Context, dn, newRDN string) error {
	dn = c.NormalizeDN(dn)
	newDN := newRDN
	if parent := ParentDN(dn); parent != "" {
		newDN = newRDN + "," + parent
	}

	ev := &RenameEvent{DN: dn, NewRDN: newRDN, NewDN: newDN, Req: request.InfoOf(ctx)}
	out, err := c.hooks.RunChained(ctx, hook.LDAPRenameRequest, ev)
	if err != nil {
		return err
	}
	ev = out.(*RenameEvent)

	req := ldap.NewModifyDNRequest(ev.DN, ev.NewRDN, true, "")
	err = c.withConn(ctx, "ldap.rename", ev.DN, func(conn Conn) error {
		return conn.ModifyDN(req)
	})

	c.cache.InvalidatePrefix(ev.DN)
	c.cache.InvalidatePrefix(ev.NewDN)
	if err != nil {
		return err
	}

	c.hooks.RunFanout(ctx, hook.LDAPRenameDone, ev)
	return nil
}

// Move relocates dn under a new parent, possibly with a new RDN. The base
// layer runs no chained request hook here; downstream link rewrites happen
// in the ldapMoveDone fan-out.
func (c *Client) Move(ctx context.Context, dn, newDN string) error {
	dn = c.NormalizeDN(dn)
	newDN = c.NormalizeDN(newDN)

	req := ldap.NewModifyDNRequest(dn, RDN(newDN), true, ParentDN(newDN))
	err := c.withConn(ctx, "ldap.move", dn, func(conn Conn) error {
		return conn.ModifyDN(req)
	})

	c.cache.InvalidatePrefix(dn)
	c.cache.InvalidatePrefix(newDN)
	if err != nil {
		return err
	}

	c.hooks.RunFanout(ctx, hook.LDAPMoveDone, &MoveEvent{DN: dn, NewDN: newDN, Req: request.InfoOf(ctx)})
	return nil
}

// Delete removes the given entries. The chained delete hook sees the whole
// batch and may shrink it (the trash plugin does). The first wire error
// stops the batch; entries already deleted stay deleted.
func (c *Client) Delete(ctx context.Context, dns ...string) error {
	normalized := make([]string, len(dns))
	for i, dn := range dns {
		normalized[i] = c.NormalizeDN(dn)
	}

	ev := &DeleteEvent{DNs: normalized, Req: request.InfoOf(ctx)}
	out, err := c.hooks.RunChained(ctx, hook.LDAPDeleteRequest, ev)
	if err != nil {
		return err
	}
	ev = out.(*DeleteEvent)

	for _, dn := range ev.DNs {
		req := ldap.NewDelRequest(dn, nil)
		err := c.withConn(ctx, "ldap.delete", dn, func(conn Conn) error {
			return conn.Del(req)
		})
		c.cache.InvalidatePrefix(dn)
		if err != nil {
			return err
		}
		c.hooks.RunFanout(ctx, hook.LDAPDeleteDone, &DeleteDoneEvent{DN: dn, Req: ev.Req})
	}
	return nil
}

// wireSearch performs one non-paged search on the wire.
func (c *Client) wireSearch(ctx context.Context, base string, opts *SearchOpts, controls []ldap.Control) (*SearchResult, error) {
	var res *SearchResult
	err := c.withConn(ctx, "ldap.search", base, func(conn Conn) error {
		raw, err := conn.Search(c.searchRequest(base, opts, controls))
		if err != nil {
			return err
		}
		res = convertEntries(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) searchRequest(base string, opts *SearchOpts, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		base,
		opts.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		0,
		int(c.cfg.TimeLimit.Seconds()),
		false,
		opts.Filter,
		opts.Attributes,
		controls,
	)
}

// withConn runs one wire operation under the concurrency limiter on a pooled
// connection. A network-level failure discards the connection and retries
// once on a fresh one.
func (c *Client) withConn(ctx context.Context, op, dn string, fn func(conn Conn) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return classify(op, dn, err)
	}
	defer c.sem.Release(1)

	pc, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}

	err = fn(pc.Conn)
	if isStaleConn(err) {
		c.pool.Discard(pc)
		pc, err = c.pool.Get(ctx)
		if err != nil {
			return err
		}
		err = fn(pc.Conn)
	}
	c.pool.Put(pc)

	return classify(op, dn, err)
}
