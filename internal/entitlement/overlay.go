package entitlement

import (
	"context"
	"errors"
	"strings"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
	"medreel.org/internal/obs"
)

// Restriction classifies an article's own access policy, layered on top of
// the platform-level decision.
type Restriction string

const (
	RestrictionFree                 Restriction = "free"
	RestrictionEvaluation           Restriction = "evaluation"
	RestrictionRequiresSubscription Restriction = "requires_subscription"
)

// ArticleView is the slice of article metadata the overlay needs.
type ArticleView struct {
	ID          string
	Restriction Restriction
}

// CountryView carries the request's resolved country.
type CountryView struct {
	Code string
}

// ResolveArticleAccess layers per-article rules over a platform-level base
// decision. Paid per-article orders override everything; otherwise the
// overlay only upgrades the plain default denial, never a specific restricted
// state and never an expired grant.
func (r *Resolver) ResolveArticleAccess(ctx context.Context, base access.Decision, user *directory.User, article ArticleView, country CountryView) access.Decision {
	now := r.now()

	if user != nil {
		o, err := r.store.Orders(ctx).ArticleForUser(ctx, user.ID, article.ID, now)
		switch {
		case err == nil:
			d := base
			d.OrderID = o.ID
			if strings.HasPrefix(string(o.Type), "purchase") {
				d.State = access.ArticlePurchase
				d.SubscriptionExpiresAt = nil
			} else {
				d.State = access.ArticleRent
				d.SubscriptionExpiresAt = nil
				if o.End != nil {
					end := *o.End
					d.SubscriptionExpiresAt = &end
				}
			}
			return d
		case errors.Is(err, directory.ErrNotFound):
		default:
			// Lookup failed; fall back to the base decision rather than deny
			// a paying user or grant a free ride.
			obs.Log(map[string]any{
				"level":      "warn",
				"msg":        "article order lookup failed",
				"user_id":    user.ID,
				"article_id": article.ID,
				"error":      err.Error(),
			})
			return base
		}
	}

	if base.State != access.RequireSubscription || base.ExpiredBy(now) {
		return base
	}

	switch article.Restriction {
	case RestrictionFree:
		d := base
		d.State = access.FreeAccess
		return d
	case RestrictionEvaluation:
		d := base
		if r.geo.HasServicePresence(country.Code) {
			d.State = access.FreeAccess
			return d
		}
		if user == nil {
			d.State = access.LimitedAccess
			return d
		}
		return base
	case RestrictionRequiresSubscription:
		if user == nil && !r.geo.HasServicePresence(country.Code) {
			d := base
			d.State = access.LimitedAccess
			return d
		}
		return base
	default:
		return base
	}
}
