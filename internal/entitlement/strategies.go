package entitlement

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/auth"
	"medreel.org/internal/directory"
)

// adminOverride grants staff accounts unconditionally. It never consults the
// directory, so it cannot fail.
type adminOverride struct{}

func (adminOverride) Name() string { return "admin_override" }

func (adminOverride) Evaluate(ctx context.Context, user *directory.User, _ netip.Addr) (access.Decision, bool, error) {
	if user == nil || user.Role != auth.RoleAdmin {
		return access.Default(), true, nil
	}
	d := access.Default()
	d.State = access.AdminAccess
	d.MatchedBy = access.MatchedByAdmin
	d.InstitutionID = user.InstitutionID
	return d, true, nil
}

// networkLocation attributes by the request's source IP. A known range
// attributes the institution even when no active order backs it.
type networkLocation struct {
	store directory.Store
	now   func() time.Time
}

func (networkLocation) Name() string { return "network_location" }

func (s networkLocation) Evaluate(ctx context.Context, _ *directory.User, ip netip.Addr) (access.Decision, bool, error) {
	if !ip.IsValid() {
		return access.Default(), true, nil
	}
	loc, err := s.store.Locations(ctx).FindByIP(ctx, ip)
	if errors.Is(err, directory.ErrNotFound) {
		return access.Default(), true, nil
	}
	if err != nil {
		return access.Decision{}, true, err
	}

	d := access.Default()
	d.MatchedBy = access.MatchedByNetworkLocation
	d.LocationID = loc.ID
	d.InstitutionID = loc.InstitutionID
	if inst, err := s.store.Institutions(ctx).Find(ctx, loc.InstitutionID); err == nil {
		d.InstitutionName = inst.Name
	}

	orders, err := s.store.Orders(ctx).ExpiringForLocation(ctx, loc.ID, locationOrderLimit)
	if err != nil {
		return access.Decision{}, true, err
	}
	best := bestOrder(orders)
	if best == nil {
		return d, true, nil
	}
	applyOrder(&d, best)
	d.State = institutionalState(best, s.now(), true)
	return d, true, nil
}

// offsiteGrant covers users granted temporary access away from their
// institution's network.
type offsiteGrant struct {
	store directory.Store
	now   func() time.Time
}

func (offsiteGrant) Name() string { return "offsite_access_grant" }

func (s offsiteGrant) Evaluate(ctx context.Context, user *directory.User, _ netip.Addr) (access.Decision, bool, error) {
	if user == nil {
		return access.Default(), true, nil
	}
	orders, err := s.store.Orders(ctx).OffsiteForUser(ctx, user.ID)
	if err != nil {
		return access.Decision{}, true, err
	}
	best := bestOrder(orders)
	if best == nil {
		return access.Default(), true, nil
	}

	d := access.Default()
	d.MatchedBy = access.MatchedByOffsiteAccess
	d.InstitutionID = best.InstitutionID
	d.ViaTemporaryIP = true
	if inst, err := s.store.Institutions(ctx).Find(ctx, best.InstitutionID); err == nil {
		d.InstitutionName = inst.Name
	}
	applyOrder(&d, best)
	d.State = institutionalState(best, s.now(), true)
	return d, true, nil
}

// nameOrAlias matches the user's self-reported organization name against
// institution names and aliases.
type nameOrAlias struct {
	store directory.Store
	now   func() time.Time
}

func (nameOrAlias) Name() string { return "name_or_alias" }

func (s nameOrAlias) Evaluate(ctx context.Context, user *directory.User, _ netip.Addr) (access.Decision, bool, error) {
	if user == nil || user.OrganizationName == "" {
		return access.Default(), true, nil
	}
	inst, err := s.store.Institutions(ctx).FindByNameOrAlias(ctx, user.OrganizationName)
	if errors.Is(err, directory.ErrNotFound) {
		return access.Default(), true, nil
	}
	if err != nil {
		return access.Decision{}, true, err
	}

	d := access.Default()
	d.MatchedBy = access.MatchedByNameOrAlias
	d.InstitutionID = inst.ID
	d.InstitutionName = inst.Name

	if inst.RestrictMatchByName {
		d.State = access.InstitutionNameOrAliasRestricted
		return d, true, nil
	}

	orders, err := s.store.Orders(ctx).ActiveForInstitution(ctx, inst.ID)
	if err != nil {
		return access.Decision{}, true, err
	}
	best := bestOrder(orders)
	if best == nil {
		return d, true, nil
	}
	applyOrder(&d, best)
	d.State = institutionalState(best, s.now(), true)
	if d.State.Granted() && user.InstitutionalEmailVerifiedAt == nil {
		// Name matches are self-reported; ask the user to back them with a
		// verified institutional email.
		d.ShouldRequestInstVerification = true
	}
	return d, true, nil
}

// institutionEmail matches the domain of the user's institutional email.
// Verification gates the grant: unverified emails wait, stale verifications
// expire after the reverification window.
type institutionEmail struct {
	store          directory.Store
	now            func() time.Time
	reverifyWindow time.Duration
}

func (institutionEmail) Name() string { return "institution_email" }

func (s institutionEmail) Evaluate(ctx context.Context, user *directory.User, _ netip.Addr) (access.Decision, bool, error) {
	if user == nil {
		return access.Default(), true, nil
	}
	domain := directory.EmailDomain(user.InstitutionalEmail)
	if domain == "" {
		return access.Default(), true, nil
	}
	inst, err := s.store.Institutions(ctx).FindByEmailDomain(ctx, domain)
	if errors.Is(err, directory.ErrNotFound) {
		return access.Default(), true, nil
	}
	if err != nil {
		return access.Decision{}, true, err
	}

	d := access.Default()
	d.MatchedBy = access.MatchedByInstitutionEmail
	d.InstitutionID = inst.ID
	d.InstitutionName = inst.Name

	now := s.now()
	if user.InstitutionalEmailVerifiedAt == nil {
		d.State = access.AwaitingEmailConfirmation
		return d, true, nil
	}
	if s.reverifyWindow > 0 && now.Sub(*user.InstitutionalEmailVerifiedAt) > s.reverifyWindow {
		d.State = access.EmailConfirmationExpired
		return d, true, nil
	}

	orders, err := s.store.Orders(ctx).ActiveForInstitution(ctx, inst.ID)
	if err != nil {
		return access.Decision{}, true, err
	}
	best := bestOrder(orders)
	if best == nil {
		return d, true, nil
	}
	applyOrder(&d, best)
	d.State = institutionalState(best, now, true)
	return d, true, nil
}

// personalEmail is the only non-institutional strategy: it resolves grants the
// user bought for themselves.
type personalEmail struct {
	store directory.Store
	now   func() time.Time
}

func (personalEmail) Name() string { return "personal_email" }

func (s personalEmail) Evaluate(ctx context.Context, user *directory.User, _ netip.Addr) (access.Decision, bool, error) {
	if user == nil {
		return access.Default(), false, nil
	}
	orders, err := s.store.Orders(ctx).IndividualForUser(ctx, user.ID)
	if err != nil {
		return access.Decision{}, false, err
	}
	best := bestOrder(orders)
	if best == nil {
		return access.Default(), false, nil
	}

	d := access.Default()
	d.MatchedBy = access.MatchedByPersonalEmail
	applyOrder(&d, best)

	switch {
	case user.EmailVerifiedAt == nil:
		d.State = access.AwaitingEmailConfirmation
	case best.EndedBy(s.now()):
		d.State = access.RequireSubscription
	case best.IsTrial():
		d.State = access.IndividualTrial
	default:
		d.State = access.IndividualSubscription
	}
	return d, false, nil
}
