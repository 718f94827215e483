package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/hook"
)

// fakeConn records wire calls and serves scripted search results.
type fakeConn struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*ldap.SearchResult // keyed by base DN
	pages   []*ldap.SearchResult          // consumed in order when set
	err     error
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConn) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConn) Bind(username, password string) error { return nil }

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.record("search " + req.BaseDN)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pages) > 0 {
		page := f.pages[0]
		f.pages = f.pages[1:]
		return page, nil
	}
	if res, ok := f.results[req.BaseDN]; ok {
		return res, nil
	}
	return &ldap.SearchResult{}, nil
}

func (f *fakeConn) Add(req *ldap.AddRequest) error {
	f.record("add " + req.DN)
	return f.err
}

func (f *fakeConn) Modify(req *ldap.ModifyRequest) error {
	f.record("modify " + req.DN)
	return f.err
}

func (f *fakeConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	f.record(fmt.Sprintf("modifydn %s -> %s / %s", req.DN, req.NewRDN, req.NewSuperior))
	return f.err
}

func (f *fakeConn) Del(req *ldap.DelRequest) error {
	f.record("del " + req.DN)
	return f.err
}

func (f *fakeConn) SetTimeout(time.Duration) {}
func (f *fakeConn) IsClosing() bool          { return false }
func (f *fakeConn) Close() error             { return nil }

// fakePool hands out one shared fake connection.
type fakePool struct {
	conn *fakeConn
}

func (p *fakePool) Get(ctx context.Context) (*PooledConn, error) {
	return &PooledConn{Conn: p.conn}, nil
}
func (p *fakePool) Put(*PooledConn)     {}
func (p *fakePool) Discard(*PooledConn) {}
func (p *fakePool) Close()              {}
func (p *fakePool) Stats() PoolStats    { return PoolStats{} }

func wireEntry(dn string, attrs map[string][]string) *ldap.Entry {
	e := &ldap.Entry{DN: dn}
	for name, values := range attrs {
		e.Attributes = append(e.Attributes, &ldap.EntryAttribute{Name: name, Values: values})
	}
	return e
}

func newTestClient(t *testing.T, hooks *hook.Registry) (*Client, *fakeConn) {
	t.Helper()
	if hooks == nil {
		hooks = hook.NewRegistry(zerolog.Nop())
	}
	cfg := testPoolConfig(5, time.Minute)
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{results: make(map[string]*ldap.SearchResult)}
	c := &Client{
		cfg:   cfg,
		pool:  &fakePool{conn: conn},
		cache: newSearchCache(cfg.CacheMax, cfg.CacheTTL),
		hooks: hooks,
		sem:   semaphore.NewWeighted(cfg.QueryConcurrency),
		log:   zerolog.Nop(),
	}
	return c, conn
}

func TestSearchCachesBaseScope(t *testing.T) {
	c, conn := newTestClient(t, nil)
	conn.results["uid=u,dc=ex"] = &ldap.SearchResult{
		Entries: []*ldap.Entry{wireEntry("uid=u,dc=ex", map[string][]string{"uid": {"u"}})},
	}

	opts := &SearchOpts{Scope: ScopeBase, Filter: "(objectClass=*)"}
	for i := 0; i < 3; i++ {
		res, err := c.Search(context.Background(), "uid=u,dc=ex", opts)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(res.Entries) != 1 || res.Entries[0].First("uid") != "u" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if got := len(conn.Calls()); got != 1 {
		t.Errorf("wire searches = %d, want 1 (cache hit expected)", got)
	}
}

func TestSearchSubScopeNeverCached(t *testing.T) {
	c, conn := newTestClient(t, nil)

	opts := &SearchOpts{Scope: ScopeSub, Filter: "(uid=*)"}
	for i := 0; i < 2; i++ {
		if _, err := c.Search(context.Background(), "dc=ex", opts); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}
	if got := len(conn.Calls()); got != 2 {
		t.Errorf("wire searches = %d, want 2", got)
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	c, conn := newTestClient(t, nil)
	conn.results["uid=u,dc=ex"] = &ldap.SearchResult{
		Entries: []*ldap.Entry{wireEntry("uid=u,dc=ex", map[string][]string{"uid": {"u"}})},
	}
	opts := &SearchOpts{Scope: ScopeBase, Filter: "(objectClass=*)"}

	if _, err := c.Search(context.Background(), "uid=u,dc=ex", opts); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Modify(context.Background(), "uid=u,dc=ex", &Changes{
		Replace: map[string][]string{"cn": {"User"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Search(context.Background(), "uid=u,dc=ex", opts); err != nil {
		t.Fatal(err)
	}

	searches := 0
	for _, call := range conn.Calls() {
		if call == "search uid=u,dc=ex" {
			searches++
		}
	}
	if searches != 2 {
		t.Errorf("wire searches = %d, want 2 (post-write search must reach the wire)", searches)
	}
}

func TestHookOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	note := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterChained(hook.LDAPAddRequest, hook.ChainOf(func(ctx context.Context, ev *AddEvent) (*AddEvent, error) {
		note("pre")
		return ev, nil
	}))
	hooks.RegisterFanout(hook.LDAPAddDone, hook.FanoutOf(func(ctx context.Context, ev *AddEvent) error {
		note("post")
		return nil
	}))

	c, conn := newTestClient(t, hooks)
	if err := c.Add(context.Background(), "uid=u,dc=ex", map[string][]string{"uid": {"u"}}); err != nil {
		t.Fatal(err)
	}
	note("done")

	calls := conn.Calls()
	if len(calls) != 1 || calls[0] != "add uid=u,dc=ex" {
		t.Fatalf("wire calls = %v", calls)
	}
	if len(order) != 3 || order[0] != "pre" || order[1] != "post" {
		t.Errorf("order = %v, want [pre post done]", order)
	}
}

func TestChainedRejectionStopsWire(t *testing.T) {
	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterChained(hook.LDAPAddRequest, hook.ChainOf(func(ctx context.Context, ev *AddEvent) (*AddEvent, error) {
		return nil, direrr.New(direrr.KindPermissionDenied, "authz", ev.DN, "no write access")
	}))

	c, conn := newTestClient(t, hooks)
	err := c.Add(context.Background(), "uid=u,dc=ex", map[string][]string{"uid": {"u"}})
	if !direrr.IsKind(err, direrr.KindHookRejected) {
		t.Fatalf("expected HOOK_REJECTED wrapper, got %v", err)
	}
	if direrr.KindOf(err) != direrr.KindPermissionDenied {
		t.Errorf("inner kind = %v, want PERMISSION_DENIED", direrr.KindOf(err))
	}
	if len(conn.Calls()) != 0 {
		t.Errorf("wire calls = %v, want none", conn.Calls())
	}
}

func TestModifyEmptyAfterHooks(t *testing.T) {
	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterChained(hook.LDAPModifyRequest, hook.ChainOf(func(ctx context.Context, ev *ModifyEvent) (*ModifyEvent, error) {
		ev.Changes = &Changes{}
		return ev, nil
	}))
	doneRan := false
	hooks.RegisterFanout(hook.LDAPModifyDone, hook.FanoutOf(func(ctx context.Context, ev *ModifyEvent) error {
		doneRan = true
		return nil
	}))

	c, conn := newTestClient(t, hooks)
	applied, err := c.Modify(context.Background(), "uid=u,dc=ex", &Changes{
		Replace: map[string][]string{"cn": {"User"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("expected applied=false for an emptied change set")
	}
	if len(conn.Calls()) != 0 {
		t.Errorf("wire calls = %v, want none", conn.Calls())
	}
	if !doneRan {
		t.Error("ldapModifyDone must still run with the empty change set")
	}
}

func TestModifyOpNumbersMonotonic(t *testing.T) {
	var mu sync.Mutex
	var nums []uint64
	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterChained(hook.LDAPModifyRequest, hook.ChainOf(func(ctx context.Context, ev *ModifyEvent) (*ModifyEvent, error) {
		mu.Lock()
		nums = append(nums, ev.OpNum)
		mu.Unlock()
		return ev, nil
	}))

	c, _ := newTestClient(t, hooks)
	for i := 0; i < 3; i++ {
		if _, err := c.Modify(context.Background(), "uid=u,dc=ex", &Changes{
			Replace: map[string][]string{"cn": {fmt.Sprintf("v%d", i)}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < len(nums); i++ {
		if nums[i] <= nums[i-1] {
			t.Fatalf("op numbers not monotonic: %v", nums)
		}
	}
}

func TestDeleteBatchShrunkByHook(t *testing.T) {
	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterChained(hook.LDAPDeleteRequest, hook.ChainOf(func(ctx context.Context, ev *DeleteEvent) (*DeleteEvent, error) {
		kept := ev.DNs[:0]
		for _, dn := range ev.DNs {
			if dn != "uid=keep,dc=ex" {
				kept = append(kept, dn)
			}
		}
		ev.DNs = kept
		return ev, nil
	}))

	c, conn := newTestClient(t, hooks)
	if err := c.Delete(context.Background(), "uid=keep,dc=ex", "uid=gone,dc=ex"); err != nil {
		t.Fatal(err)
	}
	calls := conn.Calls()
	if len(calls) != 1 || calls[0] != "del uid=gone,dc=ex" {
		t.Errorf("wire calls = %v, want only uid=gone deleted", calls)
	}
}

func TestDeleteStopsOnFirstError(t *testing.T) {
	c, conn := newTestClient(t, nil)
	conn.err = ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))

	err := c.Delete(context.Background(), "uid=a,dc=ex", "uid=b,dc=ex")
	if !direrr.IsKind(err, direrr.KindNotFound) {
		t.Fatalf("kind = %v, want LDAP_NOT_FOUND", direrr.KindOf(err))
	}
	if got := len(conn.Calls()); got != 1 {
		t.Errorf("wire calls = %d, want 1 (batch stops on first error)", got)
	}
}

func TestAddNormalizesBareIdentifier(t *testing.T) {
	c, conn := newTestClient(t, nil)
	if err := c.Add(context.Background(), "alice", map[string][]string{"uid": {"alice"}}); err != nil {
		t.Fatal(err)
	}
	calls := conn.Calls()
	if len(calls) != 1 || calls[0] != "add uid=alice,dc=ex" {
		t.Errorf("wire calls = %v, want add under the normalized DN", calls)
	}
}

func TestRenameRunsDoneHookWithNewDN(t *testing.T) {
	var got *RenameEvent
	hooks := hook.NewRegistry(zerolog.Nop())
	hooks.RegisterFanout(hook.LDAPRenameDone, hook.FanoutOf(func(ctx context.Context, ev *RenameEvent) error {
		got = ev
		return nil
	}))

	c, _ := newTestClient(t, hooks)
	if err := c.Rename(context.Background(), "ou=A,dc=ex", "ou=B"); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("ldapRenameDone did not run")
	}
	if got.NewDN != "ou=B,dc=ex" {
		t.Errorf("NewDN = %q, want ou=B,dc=ex", got.NewDN)
	}
}

func TestSearchPagedStreamsAndStops(t *testing.T) {
	c, conn := newTestClient(t, nil)
	cookie := ldap.NewControlPaging(2)
	cookie.SetCookie([]byte("more"))
	conn.pages = []*ldap.SearchResult{
		{
			Entries:  []*ldap.Entry{wireEntry("uid=a,dc=ex", nil), wireEntry("uid=b,dc=ex", nil)},
			Controls: []ldap.Control{cookie},
		},
		{
			Entries:  []*ldap.Entry{wireEntry("uid=c,dc=ex", nil)},
			Controls: []ldap.Control{ldap.NewControlPaging(2)},
		},
	}

	var seen []string
	err := c.SearchPaged(context.Background(), "dc=ex", &SearchOpts{Scope: ScopeSub, Filter: "(uid=*)", PageSize: 2},
		func(page *SearchResult) error {
			for _, e := range page.Entries {
				seen = append(seen, e.DN)
			}
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Errorf("entries seen = %v, want 3", seen)
	}

	// Early termination via ErrStopPaging is not an error.
	cookie2 := ldap.NewControlPaging(1)
	cookie2.SetCookie([]byte("more"))
	conn.pages = []*ldap.SearchResult{
		{Entries: []*ldap.Entry{wireEntry("uid=a,dc=ex", nil)}, Controls: []ldap.Control{cookie2}},
		{Entries: []*ldap.Entry{wireEntry("uid=b,dc=ex", nil)}},
	}
	pages := 0
	err = c.SearchPaged(context.Background(), "dc=ex", &SearchOpts{Scope: ScopeSub, Filter: "(uid=*)", PageSize: 1},
		func(page *SearchResult) error {
			pages++
			return ErrStopPaging
		})
	if err != nil {
		t.Fatal(err)
	}
	if pages != 1 {
		t.Errorf("pages = %d, want 1 after early stop", pages)
	}
}
