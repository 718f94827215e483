package authz

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/request"
)

const testBase = "dc=example,dc=org"

// fakeDir resolves group membership searches from a static uid -> groups
// table and counts wire calls.
type fakeDir struct {
	groups      map[string][]string // uid -> group cns
	searches    int
	sawIdentity bool
}

func (d *fakeDir) Search(ctx context.Context, base string, opts *ldap.SearchOpts) (*ldap.SearchResult, error) {
	d.searches++
	if request.InfoOf(ctx) != nil {
		d.sawIdentity = true
	}
	res := &ldap.SearchResult{}
	for uid, groups := range d.groups {
		userDN := d.NormalizeDN(uid)
		if !strings.Contains(opts.Filter, "member="+userDN) {
			continue
		}
		for _, g := range groups {
			res.Entries = append(res.Entries, ldap.Entry{
				DN:         "cn=" + g + ",ou=groups," + testBase,
				Attributes: map[string][]string{"cn": {g}},
			})
		}
	}
	return res, nil
}

func (d *fakeDir) SearchPaged(ctx context.Context, base string, opts *ldap.SearchOpts, fn func(*ldap.SearchResult) error) error {
	res, err := d.Search(ctx, base, opts)
	if err != nil {
		return err
	}
	return fn(res)
}

func (d *fakeDir) Add(ctx context.Context, dn string, attrs map[string][]string) error { return nil }
func (d *fakeDir) Modify(ctx context.Context, dn string, changes *ldap.Changes) (bool, error) {
	return true, nil
}
func (d *fakeDir) Rename(ctx context.Context, dn, newRDN string) error { return nil }
func (d *fakeDir) Move(ctx context.Context, dn, newDN string) error    { return nil }
func (d *fakeDir) Delete(ctx context.Context, dns ...string) error     { return nil }
func (d *fakeDir) NormalizeDN(idOrDN string) string {
	return ldap.NormalizeID(idOrDN, "uid", testBase)
}
func (d *fakeDir) Base() string { return testBase }

func testRules() *Rules {
	return &Rules{
		Default: Permissions{},
		Users: map[string]BranchRules{
			"alice": {
				"ou=people," + testBase: {Read: true, Write: true},
			},
			"bob": {
				"ou=people," + testBase: {Read: true},
			},
		},
		Groups: map[string]BranchRules{
			"admins": {
				testBase: {Read: true, Write: true, Delete: true},
			},
		},
		CacheTTL: 300,
	}
}

func newTestService(dir *fakeDir, rules *Rules) *Service {
	return NewService(dir, NewStore(rules), zerolog.Nop())
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authz.json")
	doc := `{
		"default": {"read": true},
		"users": {"alice": {"ou=people,dc=example,dc=org": {"read": true, "write": true}}},
		"groups": {"admins": {"dc=example,dc=org": {"delete": true}}},
		"cacheTtl": 60
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.True(t, rules.Default.Read)
	assert.True(t, rules.Users["alice"]["ou=people,dc=example,dc=org"].Write)
	assert.Equal(t, 60*time.Second, rules.TTL())
}

func TestLoadRulesRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authz.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"defualt": {"read": true}}`), 0o600))

	_, err := LoadRules(path)
	assert.True(t, direrr.IsKind(err, direrr.KindConfigInvalid), "kind = %v", direrr.KindOf(err))
}

func TestTTLDefaultsToFiveMinutes(t *testing.T) {
	assert.Equal(t, 5*time.Minute, (&Rules{}).TTL())
}

func TestPermissionsForMergesAncestorBranches(t *testing.T) {
	svc := newTestService(&fakeDir{}, testRules())
	ctx := context.Background()

	tests := []struct {
		name   string
		uid    string
		branch string
		want   Permissions
	}{
		{"rule on exact branch", "alice", "ou=people," + testBase, Permissions{Read: true, Write: true}},
		{"rule on ancestor applies below", "alice", "uid=alice,ou=people," + testBase, Permissions{Read: true, Write: true}},
		{"no rule elsewhere", "alice", "ou=groups," + testBase, Permissions{}},
		{"read-only user", "bob", "ou=people," + testBase, Permissions{Read: true}},
		{"unknown user gets default", "mallory", "ou=people," + testBase, Permissions{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.PermissionsFor(ctx, tc.uid, tc.branch)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPermissionsForMergesGroupRules(t *testing.T) {
	dir := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	svc := newTestService(dir, testRules())

	got, err := svc.PermissionsFor(context.Background(), "bob", "ou=groups,"+testBase)
	require.NoError(t, err)
	assert.Equal(t, Permissions{Read: true, Write: true, Delete: true}, got)
}

func TestPermissionsForDefaultGrants(t *testing.T) {
	rules := testRules()
	rules.Default = Permissions{Read: true}
	svc := newTestService(&fakeDir{}, rules)

	got, err := svc.PermissionsFor(context.Background(), "mallory", "ou=anything,"+testBase)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.False(t, got.Write)
}

func TestGroupMembershipIsCached(t *testing.T) {
	dir := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	svc := newTestService(dir, testRules())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.PermissionsFor(ctx, "bob", testBase)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, dir.searches, "membership fetched once within TTL")

	now = now.Add(301 * time.Second)
	_, err := svc.PermissionsFor(ctx, "bob", testBase)
	require.NoError(t, err)
	assert.Equal(t, 2, dir.searches, "expired cache refetches")
}

func TestReloadDropsMembershipCache(t *testing.T) {
	dir := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	svc := newTestService(dir, testRules())
	ctx := context.Background()

	_, err := svc.PermissionsFor(ctx, "bob", testBase)
	require.NoError(t, err)
	svc.Reload(testRules())
	_, err = svc.PermissionsFor(ctx, "bob", testBase)
	require.NoError(t, err)
	assert.Equal(t, 2, dir.searches)
}

func TestAuthorizedBranches(t *testing.T) {
	dir := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	svc := newTestService(dir, testRules())
	ctx := context.Background()

	branches, err := svc.AuthorizedBranches(ctx, "bob", AccessDelete)
	require.NoError(t, err)
	assert.Equal(t, []string{testBase, "ou=people," + testBase}, branches,
		"group rule on the base makes every configured branch deletable")

	branches, err = svc.AuthorizedBranches(ctx, "alice", AccessWrite)
	require.NoError(t, err)
	assert.Equal(t, []string{"ou=people," + testBase}, branches)
}

func TestMembershipSearchCarriesNoIdentity(t *testing.T) {
	dir := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	svc := newTestService(dir, testRules())
	ctx := request.WithInfo(context.Background(), &request.Info{User: "bob"})

	_, err := svc.PermissionsFor(ctx, "bob", testBase)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.searches)
	assert.False(t, dir.sawIdentity, "membership lookup must run as an internal operation")
}

// gatedDir routes authenticated searches back through the authorization
// gate, the way the hook chain does on a live client.
type gatedDir struct {
	*fakeDir
	plugin *Plugin
}

func (d *gatedDir) Search(ctx context.Context, base string, opts *ldap.SearchOpts) (*ldap.SearchResult, error) {
	if info := request.InfoOf(ctx); info != nil {
		if _, err := d.plugin.onSearch(ctx, &ldap.SearchEvent{Base: base, Opts: opts, Req: info}); err != nil {
			return nil, err
		}
	}
	return d.fakeDir.Search(ctx, base, opts)
}

func TestGroupRuleResolutionDoesNotRecurse(t *testing.T) {
	inner := &fakeDir{groups: map[string][]string{"bob": {"admins"}}}
	dir := &gatedDir{fakeDir: inner}
	svc := NewService(dir, NewStore(testRules()), zerolog.Nop())
	dir.plugin = NewPlugin(svc)

	bob := &request.Info{User: "bob"}
	ctx := request.WithInfo(context.Background(), bob)

	_, err := dir.plugin.onSearch(ctx, &ldap.SearchEvent{Base: "ou=people," + testBase, Req: bob})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.searches, "one ungated membership search, no re-entry")
}

func TestPluginGatesOperations(t *testing.T) {
	svc := newTestService(&fakeDir{}, testRules())
	p := NewPlugin(svc)
	ctx := context.Background()
	bob := &request.Info{User: "bob"}

	t.Run("read allowed", func(t *testing.T) {
		_, err := p.onSearch(ctx, &ldap.SearchEvent{Base: "ou=people," + testBase, Req: bob})
		assert.NoError(t, err)
	})
	t.Run("write denied", func(t *testing.T) {
		_, err := p.onAdd(ctx, &ldap.AddEvent{DN: "uid=carol,ou=people," + testBase, Req: bob})
		assert.True(t, direrr.IsKind(err, direrr.KindPermissionDenied), "kind = %v", direrr.KindOf(err))
	})
	t.Run("modify denied", func(t *testing.T) {
		_, err := p.onModify(ctx, &ldap.ModifyEvent{DN: "uid=alice,ou=people," + testBase, Req: bob})
		assert.True(t, direrr.IsKind(err, direrr.KindPermissionDenied), "kind = %v", direrr.KindOf(err))
	})
	t.Run("rename denied", func(t *testing.T) {
		_, err := p.onRename(ctx, &ldap.RenameEvent{DN: "uid=alice,ou=people," + testBase, Req: bob})
		assert.True(t, direrr.IsKind(err, direrr.KindPermissionDenied), "kind = %v", direrr.KindOf(err))
	})
	t.Run("delete denied", func(t *testing.T) {
		_, err := p.onDelete(ctx, &ldap.DeleteEvent{DNs: []string{"uid=alice,ou=people," + testBase}, Req: bob})
		assert.True(t, direrr.IsKind(err, direrr.KindPermissionDenied), "kind = %v", direrr.KindOf(err))
	})
	t.Run("internal operations pass", func(t *testing.T) {
		_, err := p.onDelete(ctx, &ldap.DeleteEvent{DNs: []string{"uid=alice,ou=people," + testBase}})
		assert.NoError(t, err)
	})
	t.Run("read outside granted branch denied", func(t *testing.T) {
		_, err := p.onSearch(ctx, &ldap.SearchEvent{Base: "ou=groups," + testBase, Req: bob})
		assert.True(t, direrr.IsKind(err, direrr.KindPermissionDenied), "kind = %v", direrr.KindOf(err))
	})
}
