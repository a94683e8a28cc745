package entitlement

import (
	"context"
	"errors"
	"net/netip"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
	"medreel.org/internal/obs"
)

// resolveAnonymous decides access for a request with no account: the source
// IP is the only signal. Matching a known range attributes the institution
// even when no live order backs it, so the visitor at least sees whose
// network they are on.
func (r *Resolver) resolveAnonymous(ctx context.Context, ip netip.Addr) access.Decision {
	d := access.Default()
	if !ip.IsValid() {
		return d
	}

	loc, err := r.store.Locations(ctx).FindByIP(ctx, ip)
	if errors.Is(err, directory.ErrNotFound) {
		return d
	}
	if err != nil {
		obs.LogStrategyFailure("", "network_location", err)
		return d
	}

	d.MatchedBy = access.MatchedByNetworkLocation
	d.LocationID = loc.ID
	d.InstitutionID = loc.InstitutionID
	d.ViaTemporaryIP = true
	if inst, err := r.store.Institutions(ctx).Find(ctx, loc.InstitutionID); err == nil {
		d.InstitutionName = inst.Name
	}

	orders, err := r.store.Orders(ctx).ExpiringForLocation(ctx, loc.ID, locationOrderLimit)
	if err != nil {
		obs.LogStrategyFailure("", "network_location", err)
		return d
	}
	best := bestOrder(orders)
	if best == nil {
		return d
	}

	applyOrder(&d, best)
	now := r.now()
	switch {
	case best.EndedBy(now):
		d.State = access.InstitutionSubscriptionExpired
	case best.RequireLogin:
		// The order demands an authenticated session; an anonymous visitor
		// cannot satisfy that.
		d.State = access.InstitutionLoginRequired
	case best.IsTrial():
		d.State = access.InstitutionalTrial
	default:
		d.State = access.InstitutionalSubscription
	}
	return d
}
