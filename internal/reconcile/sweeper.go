package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medreel.org/internal/directory"
	"medreel.org/internal/entitlement"
	"medreel.org/internal/obs"
)

const (
	defaultBatchSize      = 5
	defaultMembersPerSec  = 25
	defaultWindowStartUTC = 1
	defaultWindowEndUTC   = 6
)

// Sweeper re-resolves institution memberships in the background. Each run
// takes a small batch, staleness-first, and throttles the per-member work so
// reconciliation never competes with request traffic.
type Sweeper struct {
	store    directory.Store
	resolver *entitlement.Resolver
	matcher  *Matcher
	limiter  *rate.Limiter

	batchSize   int
	windowStart int
	windowEnd   int
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// SweepOption customizes a Sweeper.
type SweepOption func(*Sweeper)

// WithBatchSize bounds how many institutions one sweep takes.
func WithBatchSize(n int) SweepOption {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithWindow restricts scheduled sweeps to the UTC hour range [start, end).
// On-demand rechecks ignore the window.
func WithWindow(startHour, endHour int) SweepOption {
	return func(s *Sweeper) {
		s.windowStart = startHour
		s.windowEnd = endHour
	}
}

// WithMemberRate throttles per-member re-resolutions.
func WithMemberRate(perSec float64) SweepOption {
	return func(s *Sweeper) { s.limiter = rate.NewLimiter(rate.Limit(perSec), 1) }
}

// WithSweepClock injects the time source, for tests.
func WithSweepClock(now func() time.Time) SweepOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper builds a Sweeper over the store and resolver.
func NewSweeper(store directory.Store, resolver *entitlement.Resolver, opts ...SweepOption) *Sweeper {
	s := &Sweeper{
		store:       store,
		resolver:    resolver,
		matcher:     NewMatcher(store),
		batchSize:   defaultBatchSize,
		windowStart: defaultWindowStartUTC,
		windowEnd:   defaultWindowEndUTC,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(defaultMembersPerSec), 1)
	}
	return s
}

// Start runs scheduled sweeps until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.inWindow(s.now().UTC()) {
					continue
				}
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep reconciles one batch of institutions, stalest first. Institutions
// already being reconciled are skipped, not queued twice.
func (s *Sweeper) Sweep(ctx context.Context) error {
	insts, err := s.store.Institutions(ctx).ListForReconciliation(ctx, s.batchSize)
	if err != nil {
		obs.ObserveReconcileRun("sweep", "error")
		obs.Log(map[string]any{
			"level": "error",
			"msg":   "reconciliation batch query failed",
			"error": err.Error(),
		})
		return err
	}

	var wg sync.WaitGroup
	for _, inst := range insts {
		if !s.begin(inst.ID) {
			continue
		}
		wg.Add(1)
		go func(inst *directory.Institution) {
			defer wg.Done()
			defer s.end(inst.ID)
			s.reconcile(ctx, inst, "sweep")
		}(inst)
	}
	wg.Wait()
	return nil
}

// Recheck reconciles a single institution immediately, bypassing the sweep
// window. A recheck already in flight for the institution is coalesced.
func (s *Sweeper) Recheck(ctx context.Context, institutionID string) error {
	inst, err := s.store.Institutions(ctx).Find(ctx, institutionID)
	if err != nil {
		obs.ObserveReconcileRun("recheck", "error")
		return err
	}
	if !s.begin(inst.ID) {
		return nil
	}
	defer s.end(inst.ID)
	return s.reconcile(ctx, inst, "recheck")
}

// reconcile recomputes one institution's member set and statistics. A failed
// member-set query aborts without stamping, so the institution stays at the
// front of the queue; once the member set is known, LastChecked is stamped
// even if individual member updates go wrong.
func (s *Sweeper) reconcile(ctx context.Context, inst *directory.Institution, kind string) error {
	members, err := s.matcher.Members(ctx, inst)
	if err != nil {
		obs.ObserveReconcileRun(kind, "error")
		obs.Log(map[string]any{
			"level":          "error",
			"msg":            "member matching failed",
			"institution_id": inst.ID,
			"error":          err.Error(),
		})
		return err
	}

	var stats directory.InstitutionStats
	for _, u := range members {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.resolver.Invalidate(u.ID)
		d := s.resolver.ResolveAccess(ctx, u, u.SourceIP)
		stats.MemberCount++
		if d.State.Granted() {
			stats.GrantedCount++
			obs.ObserveMemberUpdate("granted")
		} else {
			obs.ObserveMemberUpdate("restricted")
		}
	}

	if err := s.store.Institutions(ctx).UpdateStats(ctx, inst.ID, stats, s.now().UTC()); err != nil {
		obs.ObserveReconcileRun(kind, "error")
		obs.Log(map[string]any{
			"level":          "error",
			"msg":            "institution stats update failed",
			"institution_id": inst.ID,
			"error":          err.Error(),
		})
		return err
	}
	obs.ObserveReconcileRun(kind, "ok")
	return nil
}

// inWindow reports whether t's UTC hour falls inside the sweep window. A
// window with start == end never matches; start > end wraps past midnight.
func (s *Sweeper) inWindow(t time.Time) bool {
	h := t.Hour()
	switch {
	case s.windowStart == s.windowEnd:
		return false
	case s.windowStart < s.windowEnd:
		return h >= s.windowStart && h < s.windowEnd
	default:
		return h >= s.windowStart || h < s.windowEnd
	}
}

func (s *Sweeper) begin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) end(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
