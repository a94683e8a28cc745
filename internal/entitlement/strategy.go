package entitlement

import (
	"context"
	"net/netip"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
)

// locationOrderLimit bounds how many orders a location lookup pulls when
// choosing the longest-lived grant.
const locationOrderLimit = 5

// Strategy is one step of the match chain. Evaluate returns the decision the
// strategy can vouch for, plus whether the strategy is institution-bound.
// Institution-bound strategies short-circuit the chain on a granted,
// attributed decision; the personal-email strategy is the only one that is
// not. A returned error means the strategy produced no signal at all.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, user *directory.User, ip netip.Addr) (access.Decision, bool, error)
}

// NewChain assembles the production strategy order. Earlier strategies carry
// stronger signals; the order is part of the engine's contract.
func NewChain(store directory.Store, now func() time.Time, reverifyWindow time.Duration) []Strategy {
	return []Strategy{
		adminOverride{},
		networkLocation{store: store, now: now},
		offsiteGrant{store: store, now: now},
		nameOrAlias{store: store, now: now},
		institutionEmail{store: store, now: now, reverifyWindow: reverifyWindow},
		personalEmail{store: store, now: now},
	}
}

// bestOrder picks the grant that keeps access alive the longest. Open-ended
// orders beat any dated one.
func bestOrder(orders []*directory.Order) *directory.Order {
	var best *directory.Order
	for _, o := range orders {
		if o == nil {
			continue
		}
		if best == nil {
			best = o
			continue
		}
		if best.End == nil {
			continue
		}
		if o.End == nil || o.End.After(*best.End) {
			best = o
		}
	}
	return best
}

// institutionalState maps an institutional order onto the access state for a
// session that is (or is not) authenticated.
func institutionalState(o *directory.Order, now time.Time, loggedIn bool) access.State {
	switch {
	case o.EndedBy(now):
		return access.InstitutionSubscriptionExpired
	case o.RequireLogin && !loggedIn:
		return access.InstitutionLoginRequired
	case o.IsTrial():
		return access.InstitutionalTrial
	default:
		return access.InstitutionalSubscription
	}
}

// applyOrder copies the order's grant details onto the decision.
func applyOrder(d *access.Decision, o *directory.Order) {
	d.OrderID = o.ID
	d.CustomInstitutionName = o.CustomInstitutionName
	if o.End != nil {
		end := *o.End
		d.SubscriptionExpiresAt = &end
	}
}
