package reconcile

import (
	"context"
	"sort"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
)

// Matcher computes an institution's member set by reversing the forward match
// strategies: organization names, email domains, and existing sticky
// attributions.
type Matcher struct {
	store directory.Store
}

func NewMatcher(store directory.Store) *Matcher {
	return &Matcher{store: store}
}

// Members returns the deduplicated member set, ordered by user ID. Any query
// failure aborts the whole computation; a partial member set would skew the
// institution's statistics.
func (m *Matcher) Members(ctx context.Context, inst *directory.Institution) ([]*directory.User, error) {
	users := m.store.Users(ctx)
	seen := make(map[string]*directory.User)

	if !inst.RestrictMatchByName {
		names := append([]string{inst.Name}, inst.Aliases...)
		byName, err := users.FindByOrganizationNames(ctx, names)
		if err != nil {
			return nil, err
		}
		for _, u := range byName {
			seen[u.ID] = u
		}
	}

	for _, domain := range inst.EmailDomains {
		byDomain, err := users.FindByEmailDomain(ctx, domain)
		if err != nil {
			return nil, err
		}
		for _, u := range byDomain {
			seen[u.ID] = u
		}
	}

	// Sticky attributions keep members whose textual signals have drifted.
	sticky, err := users.FindByInstitution(ctx, inst.ID, access.StickyMatches())
	if err != nil {
		return nil, err
	}
	for _, u := range sticky {
		seen[u.ID] = u
	}

	members := make([]*directory.User, 0, len(seen))
	for _, u := range seen {
		members = append(members, u)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
