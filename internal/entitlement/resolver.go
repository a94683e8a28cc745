package entitlement

import (
	"context"
	"net/netip"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/directory"
	"medreel.org/internal/geo"
	"medreel.org/internal/obs"
	"medreel.org/internal/stream"
)

const (
	defaultCacheTTL       = 10 * time.Minute
	defaultReverifyWindow = 365 * 24 * time.Hour
)

// Resolver runs the match chain and owns the decision cache. It is safe for
// concurrent use.
type Resolver struct {
	store          directory.Store
	chain          []Strategy
	cache          *Cache
	geo            geo.Provider
	events         *stream.Stream
	now            func() time.Time
	reverifyWindow time.Duration
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithCache replaces the default decision cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithChain replaces the production strategy chain.
func WithChain(chain []Strategy) Option {
	return func(r *Resolver) { r.chain = chain }
}

// WithGeo sets the country-presence provider used by the article overlay.
func WithGeo(p geo.Provider) Option {
	return func(r *Resolver) { r.geo = p }
}

// WithEvents wires the decision event stream.
func WithEvents(s *stream.Stream) Option {
	return func(r *Resolver) { r.events = s }
}

// WithReverifyWindow sets how long an institutional email verification stays
// trusted.
func WithReverifyWindow(w time.Duration) Option {
	return func(r *Resolver) { r.reverifyWindow = w }
}

// New builds a Resolver over the directory store.
func New(store directory.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:          store,
		now:            time.Now,
		reverifyWindow: defaultReverifyWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(defaultCacheTTL)
	}
	if r.geo == nil {
		r.geo = geo.NewStatic()
	}
	if r.chain == nil {
		r.chain = NewChain(store, r.now, r.reverifyWindow)
	}
	return r
}

// ResolveAccess produces the platform-level decision for a request. A nil
// user resolves anonymously by source IP alone. The cache is consulted first
// but only trusted for granted states; restricted entries force a re-run so a
// user who just gained access is never held back by a stale denial.
func (r *Resolver) ResolveAccess(ctx context.Context, user *directory.User, sourceIP string) access.Decision {
	ip, _ := directory.ParseAddr(sourceIP)

	if user == nil {
		d := r.resolveAnonymous(ctx, ip)
		r.finish("", sourceIP, d, false)
		return d
	}

	if cached, ok := r.cache.Get(user.ID); ok {
		if cached.State.Granted() {
			obs.ObserveCache("hit")
			r.finish(user.ID, sourceIP, cached, true)
			return cached
		}
		obs.ObserveCache("distrusted")
	} else {
		obs.ObserveCache("miss")
	}

	d := r.runChain(ctx, user, ip)

	r.cache.Put(user.ID, d)
	r.persistSnapshot(ctx, user, sourceIP, d)
	r.finish(user.ID, sourceIP, d, false)
	return d
}

// runChain evaluates every strategy in order. The last attributed decision
// wins unless an institutional strategy produces a granted, attributed
// decision, which ends the walk immediately.
func (r *Resolver) runChain(ctx context.Context, user *directory.User, ip netip.Addr) access.Decision {
	var (
		lastMatched access.Decision
		matched     bool
		final       = access.Default()
	)
	for _, s := range r.chain {
		d, institutional, err := s.Evaluate(ctx, user, ip)
		if err != nil {
			obs.LogStrategyFailure(user.ID, s.Name(), err)
			continue
		}
		final = d
		if d.Attributed() {
			lastMatched = d
			matched = true
			if institutional && d.State.Granted() {
				return d
			}
		}
	}
	if matched {
		return lastMatched
	}
	return final
}

// persistSnapshot writes the resolution back onto the user record. Snapshot
// failures are logged, never surfaced: the decision already happened.
func (r *Resolver) persistSnapshot(ctx context.Context, user *directory.User, sourceIP string, d access.Decision) {
	users := r.store.Users(ctx)
	err := users.UpdateResolution(ctx, user.ID, directory.ResolutionSnapshot{
		InstitutionID: d.InstitutionID,
		MatchedBy:     d.MatchedBy,
		State:         d.State,
		CheckedAt:     r.now().UTC(),
	})
	if err != nil {
		obs.Log(map[string]any{
			"level":   "warn",
			"msg":     "resolution snapshot write failed",
			"user_id": user.ID,
			"error":   err.Error(),
		})
	}
	if sourceIP != "" && sourceIP != user.SourceIP {
		if err := users.UpdateSourceIP(ctx, user.ID, sourceIP); err != nil {
			obs.Log(map[string]any{
				"level":   "warn",
				"msg":     "source ip update failed",
				"user_id": user.ID,
				"error":   err.Error(),
			})
		}
	}
}

// Invalidate drops the user's cached decision. Profile and order mutations
// call this so the next resolution sees fresh signals.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Delete(userID)
}

func (r *Resolver) finish(userID, sourceIP string, d access.Decision, cached bool) {
	obs.ObserveDecision(string(d.State), string(d.MatchedBy))
	if r.events == nil {
		return
	}
	r.events.Publish(stream.DecisionEvent{
		UserID:          userID,
		SourceIP:        sourceIP,
		State:           d.State,
		MatchedBy:       d.MatchedBy,
		InstitutionID:   d.InstitutionID,
		InstitutionName: d.InstitutionName,
		Cached:          cached,
		At:              r.now().UTC(),
	})
}
