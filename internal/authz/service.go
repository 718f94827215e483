package authz

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/request"
)

// Service answers permission queries against the active rules document,
// resolving group membership through the directory.
type Service struct {
	dir   ldap.Directory
	store *Store
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	groups map[string]membership // uid -> cached groups
}

type membership struct {
	groups  []string
	expires time.Time
}

// NewService creates a service over the given rules store.
func NewService(dir ldap.Directory, store *Store, log zerolog.Logger) *Service {
	return &Service{
		dir:    dir,
		store:  store,
		log:    log.With().Str("component", "authz").Logger(),
		now:    time.Now,
		groups: make(map[string]membership),
	}
}

// Rules returns the active document.
func (s *Service) Rules() *Rules {
	return s.store.Rules()
}

// Reload swaps in a new rules document and drops the membership cache, so
// changed group rules take effect immediately.
func (s *Service) Reload(rules *Rules) {
	s.store.Replace(rules)
	s.mu.Lock()
	s.groups = make(map[string]membership)
	s.mu.Unlock()
}

// PermissionsFor computes the effective permissions of uid on branchDN:
// the default, OR-merged with the user's rules on every configured branch
// that is an ancestor of branchDN, OR-merged with the matching rules of
// every group the user belongs to.
func (s *Service) PermissionsFor(ctx context.Context, uid, branchDN string) (Permissions, error) {
	rules := s.store.Rules()
	effective := rules.Default

	mergeAncestors(&effective, rules.Users[uid], branchDN)

	if len(rules.Groups) > 0 {
		groups, err := s.groupsOf(ctx, uid)
		if err != nil {
			return Permissions{}, err
		}
		for _, g := range groups {
			mergeAncestors(&effective, rules.Groups[g], branchDN)
		}
	}
	return effective, nil
}

// AuthorizedBranches lists every configured branch where uid holds the
// given access, sorted for stable output.
func (s *Service) AuthorizedBranches(ctx context.Context, uid string, access Access) ([]string, error) {
	rules := s.store.Rules()

	candidates := make(map[string]struct{})
	for _, branchRules := range rules.Users {
		for branch := range branchRules {
			candidates[branch] = struct{}{}
		}
	}
	for _, branchRules := range rules.Groups {
		for branch := range branchRules {
			candidates[branch] = struct{}{}
		}
	}

	var branches []string
	for branch := range candidates {
		perms, err := s.PermissionsFor(ctx, uid, branch)
		if err != nil {
			return nil, err
		}
		if perms.Allows(access) {
			branches = append(branches, branch)
		}
	}
	sort.Strings(branches)
	return branches, nil
}

// mergeAncestors ORs into effective every rule whose branch is an ancestor
// of (or equal to) branchDN.
func mergeAncestors(effective *Permissions, branchRules BranchRules, branchDN string) {
	for branch, perms := range branchRules {
		if ldap.IsUnder(branchDN, branch) {
			effective.merge(perms)
		}
	}
}

// groupsOf resolves the cn values of every group uid belongs to, cached per
// user with the configured TTL.
func (s *Service) groupsOf(ctx context.Context, uid string) ([]string, error) {
	now := s.now()

	s.mu.Lock()
	if m, ok := s.groups[uid]; ok && now.Before(m.expires) {
		s.mu.Unlock()
		return m.groups, nil
	}
	s.mu.Unlock()

	groups, err := s.fetchGroups(ctx, uid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.groups[uid] = membership{groups: groups, expires: now.Add(s.store.Rules().TTL())}
	s.mu.Unlock()
	return groups, nil
}

func (s *Service) fetchGroups(ctx context.Context, uid string) ([]string, error) {
	userDN := s.dir.NormalizeDN(uid)
	filter := "(|(member=" + ldap.EscapeFilter(userDN) +
		")(uniqueMember=" + ldap.EscapeFilter(userDN) +
		")(memberUid=" + ldap.EscapeFilter(uid) + "))"

	// The membership search is an internal operation. Carrying the caller's
	// identity would send it back through the authorization gate and recurse
	// into this very lookup.
	res, err := s.dir.Search(request.Internal(ctx), s.dir.Base(), &ldap.SearchOpts{
		Scope:      ldap.ScopeSub,
		Filter:     filter,
		Attributes: []string{"cn"},
	})
	if err != nil {
		return nil, err
	}

	groups := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		if cn := e.First("cn"); cn != "" {
			groups = append(groups, cn)
		}
	}
	s.log.Debug().Str("uid", uid).Strs("groups", groups).Msg("group membership resolved")
	return groups, nil
}
