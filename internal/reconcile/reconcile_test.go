package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
	"medreel.org/internal/entitlement"
)

func seedInstitution(t *testing.T, dir directory.Store, inst *directory.Institution) *directory.Institution {
	t.Helper()
	if err := dir.Institutions(context.Background()).Create(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
	return inst
}

func seedUser(t *testing.T, dir directory.Store, u *directory.User) *directory.User {
	t.Helper()
	if err := dir.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestMatcherCombinesSignals(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemory()

	inst := seedInstitution(t, dir, &directory.Institution{
		Name:         "Radcliffe Medical College",
		Aliases:      []string{"RMC"},
		EmailDomains: []string{"rmc.edu"},
	})

	seedUser(t, dir, &directory.User{ID: "by-name", Email: "a@x.test", OrganizationName: "radcliffe medical college"})
	seedUser(t, dir, &directory.User{ID: "by-alias", Email: "b@x.test", OrganizationName: "RMC"})
	seedUser(t, dir, &directory.User{ID: "by-domain", Email: "c@rmc.edu"})
	seedUser(t, dir, &directory.User{ID: "by-sticky", Email: "d@x.test", InstitutionID: inst.ID, MatchedBy: access.MatchedByNetworkLocation})
	seedUser(t, dir, &directory.User{ID: "not-sticky", Email: "e@x.test", InstitutionID: inst.ID, MatchedBy: access.MatchedByInstitutionEmail})
	seedUser(t, dir, &directory.User{ID: "stranger", Email: "f@x.test"})
	// Matches on two signals at once; must appear once.
	seedUser(t, dir, &directory.User{ID: "both", Email: "g@rmc.edu", OrganizationName: "RMC"})

	members, err := NewMatcher(dir).Members(ctx, inst)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{"by-name": true, "by-alias": true, "by-domain": true, "by-sticky": true, "both": true}
	if len(members) != len(want) {
		t.Fatalf("expected %d members, got %d: %+v", len(want), len(members), members)
	}
	for _, m := range members {
		if !want[m.ID] {
			t.Fatalf("unexpected member %q", m.ID)
		}
	}
}

func TestMatcherRespectsRestrictFlag(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemory()

	inst := seedInstitution(t, dir, &directory.Institution{
		Name:                "Guarded University",
		EmailDomains:        []string{"guarded.edu"},
		RestrictMatchByName: true,
	})
	seedUser(t, dir, &directory.User{ID: "by-name", Email: "a@x.test", OrganizationName: "Guarded University"})
	seedUser(t, dir, &directory.User{ID: "by-domain", Email: "b@guarded.edu"})

	members, err := NewMatcher(dir).Members(ctx, inst)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].ID != "by-domain" {
		t.Fatalf("name matching must be disabled: %+v", members)
	}
}

func TestSweepTakesStalestBatch(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemory()
	now := time.Now()

	recent := now.Add(-time.Hour)
	old := now.Add(-72 * time.Hour)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, id := range ids {
		seedInstitution(t, dir, &directory.Institution{ID: id, Name: "inst-" + id})
		// a and b were checked recently, the rest long ago.
		stamp := old
		if i < 2 {
			stamp = recent
		}
		if err := dir.Institutions(ctx).UpdateStats(ctx, id, directory.InstitutionStats{}, stamp); err != nil {
			t.Fatal(err)
		}
	}

	resolver := entitlement.New(dir)
	s := NewSweeper(dir, resolver, WithBatchSize(5), WithSweepClock(func() time.Time { return now }))
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"c", "d", "e", "f", "g"} {
		inst, err := dir.Institutions(ctx).Find(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if inst.LastChecked == nil || !inst.LastChecked.Equal(now.UTC()) {
			t.Fatalf("institution %s should have been reconciled: %+v", id, inst.LastChecked)
		}
	}
	for _, id := range []string{"a", "b"} {
		inst, err := dir.Institutions(ctx).Find(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if inst.LastChecked.Equal(now.UTC()) {
			t.Fatalf("recently checked institution %s should have been left alone", id)
		}
	}
}

func TestReconcileUpdatesStatsAndAttribution(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemory()
	now := time.Now()

	inst := seedInstitution(t, dir, &directory.Institution{
		Name:         "Radcliffe Medical College",
		EmailDomains: []string{"rmc.edu"},
	})
	end := now.Add(90 * 24 * time.Hour)
	if err := dir.Orders(ctx).Create(ctx, &directory.Order{
		Type:          directory.OrderInstitutional,
		InstitutionID: inst.ID,
		End:           &end,
	}); err != nil {
		t.Fatal(err)
	}

	verified := now.Add(-time.Hour)
	granted := seedUser(t, dir, &directory.User{
		ID:                           "member-granted",
		Email:                        "a@x.test",
		InstitutionalEmail:           "a@rmc.edu",
		InstitutionalEmailVerifiedAt: &verified,
	})
	seedUser(t, dir, &directory.User{
		ID:                 "member-waiting",
		Email:              "b@x.test",
		InstitutionalEmail: "b@rmc.edu",
	})

	resolver := entitlement.New(dir, entitlement.WithClock(func() time.Time { return now }))
	s := NewSweeper(dir, resolver, WithSweepClock(func() time.Time { return now }))
	if err := s.Recheck(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	got, err := dir.Institutions(ctx).Find(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stats.MemberCount != 2 || got.Stats.GrantedCount != 1 {
		t.Fatalf("unexpected stats: %+v", got.Stats)
	}
	if got.LastChecked == nil {
		t.Fatalf("recheck must stamp last-checked")
	}

	u, err := dir.Users(ctx).Find(ctx, granted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.InstitutionID != inst.ID || u.MatchedBy != access.MatchedByInstitutionEmail {
		t.Fatalf("re-resolution should write the attribution back: %+v", u)
	}
}

type failingResolutionStore struct {
	directory.Store
}

func (f failingResolutionStore) Users(ctx context.Context) directory.UserStore {
	return failingUsers{f.Store.Users(ctx)}
}

type failingUsers struct {
	directory.UserStore
}

func (failingUsers) UpdateResolution(context.Context, string, directory.ResolutionSnapshot) error {
	return errors.New("write refused")
}

func TestReconcileStampsDespiteMemberFailures(t *testing.T) {
	ctx := context.Background()
	base := directory.NewInMemory()
	dir := failingResolutionStore{base}
	now := time.Now()

	inst := seedInstitution(t, base, &directory.Institution{
		Name:         "Radcliffe Medical College",
		EmailDomains: []string{"rmc.edu"},
	})
	seedUser(t, base, &directory.User{ID: "m1", Email: "a@rmc.edu"})
	seedUser(t, base, &directory.User{ID: "m2", Email: "b@rmc.edu"})

	resolver := entitlement.New(dir, entitlement.WithClock(func() time.Time { return now }))
	s := NewSweeper(dir, resolver, WithSweepClock(func() time.Time { return now }))
	if err := s.Recheck(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	got, err := base.Institutions(ctx).Find(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastChecked == nil || !got.LastChecked.Equal(now.UTC()) {
		t.Fatalf("last-checked must be stamped even when member writes fail")
	}
	if got.Stats.MemberCount != 2 {
		t.Fatalf("stats should still be computed: %+v", got.Stats)
	}
}

func TestRecheckCoalescesDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemory()

	inst := seedInstitution(t, dir, &directory.Institution{Name: "Harbor General"})

	resolver := entitlement.New(dir)
	s := NewSweeper(dir, resolver)

	// Simulate a reconciliation already in flight.
	if !s.begin(inst.ID) {
		t.Fatal("begin should succeed")
	}
	if err := s.Recheck(ctx, inst.ID); err != nil {
		t.Fatalf("coalesced recheck should be a no-op, got %v", err)
	}
	got, err := dir.Institutions(ctx).Find(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastChecked != nil {
		t.Fatalf("coalesced recheck must not reconcile")
	}
	s.end(inst.ID)

	if err := s.Recheck(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = dir.Institutions(ctx).Find(ctx, inst.ID)
	if got.LastChecked == nil {
		t.Fatalf("recheck after release should reconcile")
	}
}

func TestRecheckUnknownInstitution(t *testing.T) {
	dir := directory.NewInMemory()
	s := NewSweeper(dir, entitlement.New(dir))
	if err := s.Recheck(context.Background(), "missing"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepWindow(t *testing.T) {
	s := NewSweeper(directory.NewInMemory(), nil, WithWindow(1, 6))

	at := func(hour int) time.Time {
		return time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC)
	}
	if s.inWindow(at(0)) || s.inWindow(at(6)) || s.inWindow(at(14)) {
		t.Fatalf("hours outside [1,6) must not sweep")
	}
	if !s.inWindow(at(1)) || !s.inWindow(at(5)) {
		t.Fatalf("hours inside [1,6) must sweep")
	}

	wrap := NewSweeper(directory.NewInMemory(), nil, WithWindow(22, 3))
	if !wrap.inWindow(at(23)) || !wrap.inWindow(at(2)) {
		t.Fatalf("wrapped window must match both sides of midnight")
	}
	if wrap.inWindow(at(12)) {
		t.Fatalf("wrapped window must exclude midday")
	}
}
