package entitlement

import (
	"context"
	"testing"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
	"medreel.org/internal/geo"
)

func overlayResolver(t *testing.T, dir directory.Store, now time.Time, countries ...string) *Resolver {
	t.Helper()
	return New(dir, WithClock(fixedClock(now)), WithGeo(geo.NewStatic(countries...)))
}

func TestArticlePurchaseOverridesEverything(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	dir := directory.NewInMemory()

	if err := dir.Orders(ctx).Create(ctx, &directory.Order{
		Type:      directory.OrderPurchaseArticle,
		UserID:    "u1",
		ArticleID: "a1",
	}); err != nil {
		t.Fatal(err)
	}

	r := overlayResolver(t, dir, now)
	base := access.Decision{State: access.InstitutionSubscriptionExpired, MatchedBy: access.MatchedByNameOrAlias, InstitutionID: "inst-1"}
	d := r.ResolveArticleAccess(ctx, base, &directory.User{ID: "u1"}, ArticleView{ID: "a1", Restriction: RestrictionRequiresSubscription}, CountryView{Code: "US"})

	if d.State != access.ArticlePurchase {
		t.Fatalf("purchase should override a restricted base: %+v", d)
	}
	if d.InstitutionID != "inst-1" || d.MatchedBy != access.MatchedByNameOrAlias {
		t.Fatalf("attribution from the base decision should survive: %+v", d)
	}
	if d.SubscriptionExpiresAt != nil {
		t.Fatalf("purchases do not expire: %+v", d)
	}
}

func TestArticleRentalCarriesExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	dir := directory.NewInMemory()

	end := now.Add(48 * time.Hour)
	if err := dir.Orders(ctx).Create(ctx, &directory.Order{
		Type:      directory.OrderRentArticle,
		UserID:    "u1",
		ArticleID: "a1",
		End:       &end,
	}); err != nil {
		t.Fatal(err)
	}

	r := overlayResolver(t, dir, now)
	d := r.ResolveArticleAccess(ctx, access.Default(), &directory.User{ID: "u1"}, ArticleView{ID: "a1", Restriction: RestrictionRequiresSubscription}, CountryView{})

	if d.State != access.ArticleRent {
		t.Fatalf("expected rental state: %+v", d)
	}
	if d.SubscriptionExpiresAt == nil || !d.SubscriptionExpiresAt.Equal(end) {
		t.Fatalf("rental expiry should come from the order: %+v", d)
	}
}

func TestExpiredRentalDoesNotOverride(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	dir := directory.NewInMemory()

	past := now.Add(-time.Hour)
	if err := dir.Orders(ctx).Create(ctx, &directory.Order{
		Type:      directory.OrderRentArticle,
		UserID:    "u1",
		ArticleID: "a1",
		End:       &past,
	}); err != nil {
		t.Fatal(err)
	}

	r := overlayResolver(t, dir, now)
	d := r.ResolveArticleAccess(ctx, access.Default(), &directory.User{ID: "u1"}, ArticleView{ID: "a1", Restriction: RestrictionFree}, CountryView{})

	// The lapsed rental is ignored; the free restriction still applies.
	if d.State != access.FreeAccess {
		t.Fatalf("expected free access, got %+v", d)
	}
}

func TestFreeArticleUpgradesDefaultDenial(t *testing.T) {
	ctx := context.Background()
	r := overlayResolver(t, directory.NewInMemory(), time.Now())

	d := r.ResolveArticleAccess(ctx, access.Default(), nil, ArticleView{ID: "a1", Restriction: RestrictionFree}, CountryView{})
	if d.State != access.FreeAccess {
		t.Fatalf("free articles open up for everyone: %+v", d)
	}
}

func TestGrantedBaseUnchanged(t *testing.T) {
	ctx := context.Background()
	r := overlayResolver(t, directory.NewInMemory(), time.Now(), "US")

	base := access.Decision{State: access.InstitutionalSubscription, MatchedBy: access.MatchedByNetworkLocation, InstitutionID: "inst-1"}
	d := r.ResolveArticleAccess(ctx, base, nil, ArticleView{ID: "a1", Restriction: RestrictionFree}, CountryView{Code: "US"})
	if d != base {
		t.Fatalf("granted base must pass through untouched: %+v", d)
	}
}

func TestSpecificRestrictedStateUnchanged(t *testing.T) {
	ctx := context.Background()
	r := overlayResolver(t, directory.NewInMemory(), time.Now(), "US")

	base := access.Decision{State: access.InstitutionLoginRequired, MatchedBy: access.MatchedByNetworkLocation, InstitutionID: "inst-1"}
	d := r.ResolveArticleAccess(ctx, base, nil, ArticleView{ID: "a1", Restriction: RestrictionFree}, CountryView{Code: "US"})

	// A state that carries a concrete instruction for the user is never
	// masked by article-level rules.
	if d.State != access.InstitutionLoginRequired {
		t.Fatalf("specific restricted state must survive: %+v", d)
	}
}

func TestExpiredBaseGrantNotUpgraded(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := overlayResolver(t, directory.NewInMemory(), now, "US")

	past := now.Add(-time.Hour)
	base := access.Default()
	base.SubscriptionExpiresAt = &past

	d := r.ResolveArticleAccess(ctx, base, nil, ArticleView{ID: "a1", Restriction: RestrictionFree}, CountryView{Code: "US"})
	if d.State != access.RequireSubscription {
		t.Fatalf("a lapsed base grant must not be upgraded: %+v", d)
	}
}

func TestEvaluationArticleByCountry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := overlayResolver(t, directory.NewInMemory(), now, "US")

	// Service country: evaluation articles open up.
	d := r.ResolveArticleAccess(ctx, access.Default(), nil, ArticleView{ID: "a1", Restriction: RestrictionEvaluation}, CountryView{Code: "US"})
	if d.State != access.FreeAccess {
		t.Fatalf("expected free access in service country: %+v", d)
	}

	// No service presence, anonymous: limited preview.
	d = r.ResolveArticleAccess(ctx, access.Default(), nil, ArticleView{ID: "a1", Restriction: RestrictionEvaluation}, CountryView{Code: "BR"})
	if d.State != access.LimitedAccess {
		t.Fatalf("expected limited access, got %+v", d)
	}

	// No service presence, signed in: default denial stands.
	user := &directory.User{ID: "u1"}
	d = r.ResolveArticleAccess(ctx, access.Default(), user, ArticleView{ID: "a1", Restriction: RestrictionEvaluation}, CountryView{Code: "BR"})
	if d.State != access.RequireSubscription {
		t.Fatalf("expected default denial for signed-in user, got %+v", d)
	}
}

func TestSubscriptionArticleAnonymousOutsideService(t *testing.T) {
	ctx := context.Background()
	r := overlayResolver(t, directory.NewInMemory(), time.Now(), "US")

	d := r.ResolveArticleAccess(ctx, access.Default(), nil, ArticleView{ID: "a1", Restriction: RestrictionRequiresSubscription}, CountryView{Code: "BR"})
	if d.State != access.LimitedAccess {
		t.Fatalf("expected limited access outside service countries: %+v", d)
	}

	d = r.ResolveArticleAccess(ctx, access.Default(), nil, ArticleView{ID: "a1", Restriction: RestrictionRequiresSubscription}, CountryView{Code: "US"})
	if d.State != access.RequireSubscription {
		t.Fatalf("expected default denial inside service countries: %+v", d)
	}
}

func TestOverlayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	dir := directory.NewInMemory()

	end := now.Add(48 * time.Hour)
	if err := dir.Orders(ctx).Create(ctx, &directory.Order{
		Type:      directory.OrderRentArticle,
		UserID:    "u1",
		ArticleID: "a1",
		End:       &end,
	}); err != nil {
		t.Fatal(err)
	}

	r := overlayResolver(t, dir, now, "US")
	user := &directory.User{ID: "u1"}
	art := ArticleView{ID: "a1", Restriction: RestrictionRequiresSubscription}

	first := r.ResolveArticleAccess(ctx, access.Default(), user, art, CountryView{Code: "US"})
	second := r.ResolveArticleAccess(ctx, first, user, art, CountryView{Code: "US"})
	if first.State != second.State || first.OrderID != second.OrderID {
		t.Fatalf("overlay diverged on reapplication: %+v vs %+v", first, second)
	}
}
