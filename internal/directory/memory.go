package directory

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"medreel.org/internal/access"
	"medreel.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and local development; production uses the Postgres store.
type InMemory struct {
	mu           sync.RWMutex
	users        map[string]*User
	institutions map[string]*Institution
	orders       map[string]*Order
	locations    map[string]*Location
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		users:        make(map[string]*User),
		institutions: make(map[string]*Institution),
		orders:       make(map[string]*Order),
		locations:    make(map[string]*Location),
	}
}

func (m *InMemory) Users(context.Context) UserStore               { return (*memUsers)(m) }
func (m *InMemory) Institutions(context.Context) InstitutionStore { return (*memInstitutions)(m) }
func (m *InMemory) Orders(context.Context) OrderStore             { return (*memOrders)(m) }
func (m *InMemory) Locations(context.Context) LocationStore       { return (*memLocations)(m) }

// Users -------------------------------------------------------------------

type memUsers InMemory

func (s *memUsers) Create(ctx context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.MatchedBy == "" {
		u.MatchedBy = access.NotMatched
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUsers) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUsers) FindByEmailDomain(ctx context.Context, domain string) ([]*User, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*User
	for _, u := range s.users {
		if EmailDomain(u.Email) == domain || EmailDomain(u.InstitutionalEmail) == domain {
			cp := *u
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *memUsers) FindByOrganizationNames(ctx context.Context, names []string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*User
	for _, u := range s.users {
		if u.OrganizationName == "" {
			continue
		}
		for _, name := range names {
			if strings.EqualFold(u.OrganizationName, name) {
				cp := *u
				res = append(res, &cp)
				break
			}
		}
	}
	return res, nil
}

func (s *memUsers) FindByInstitution(ctx context.Context, institutionID string, matchedBy []access.MatchedBy) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*User
	for _, u := range s.users {
		if u.InstitutionID != institutionID {
			continue
		}
		if len(matchedBy) > 0 {
			found := false
			for _, m := range matchedBy {
				if u.MatchedBy == m {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		cp := *u
		res = append(res, &cp)
	}
	return res, nil
}

func (s *memUsers) UpdateResolution(ctx context.Context, userID string, snap ResolutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.InstitutionID = snap.InstitutionID
	u.MatchedBy = snap.MatchedBy
	u.SubscriptionState = snap.State
	checkedAt := snap.CheckedAt
	u.SubscriptionCheckedAt = &checkedAt
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUsers) UpdateProfile(ctx context.Context, userID, email, institutionalEmail, organizationName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if email != "" && !strings.EqualFold(email, u.Email) {
		u.Email = email
		u.EmailVerifiedAt = nil
	}
	if !strings.EqualFold(institutionalEmail, u.InstitutionalEmail) {
		u.InstitutionalEmail = institutionalEmail
		u.InstitutionalEmailVerifiedAt = nil
	}
	u.OrganizationName = organizationName
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUsers) UpdateSourceIP(ctx context.Context, userID, sourceIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.SourceIP = sourceIP
	return nil
}

// Institutions -------------------------------------------------------------

type memInstitutions InMemory

func (s *memInstitutions) Create(ctx context.Context, inst *Institution) error {
	if inst == nil || strings.TrimSpace(inst.Name) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = ids.New()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	cp := *inst
	cp.Aliases = append([]string(nil), inst.Aliases...)
	cp.EmailDomains = append([]string(nil), inst.EmailDomains...)
	s.institutions[inst.ID] = &cp
	return nil
}

func copyInstitution(inst *Institution) *Institution {
	cp := *inst
	cp.Aliases = append([]string(nil), inst.Aliases...)
	cp.EmailDomains = append([]string(nil), inst.EmailDomains...)
	if inst.LastChecked != nil {
		t := *inst.LastChecked
		cp.LastChecked = &t
	}
	return &cp
}

func (s *memInstitutions) Find(ctx context.Context, id string) (*Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.institutions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstitution(inst), nil
}

func (s *memInstitutions) FindByNameOrAlias(ctx context.Context, name string) (*Institution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.institutions {
		if strings.EqualFold(inst.Name, name) {
			return copyInstitution(inst), nil
		}
		for _, alias := range inst.Aliases {
			if strings.EqualFold(alias, name) {
				return copyInstitution(inst), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *memInstitutions) FindByEmailDomain(ctx context.Context, domain string) (*Institution, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.institutions {
		for _, d := range inst.EmailDomains {
			if strings.ToLower(d) == domain {
				return copyInstitution(inst), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *memInstitutions) ListForReconciliation(ctx context.Context, limit int) ([]*Institution, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	all := make([]*Institution, 0, len(s.institutions))
	for _, inst := range s.institutions {
		all = append(all, copyInstitution(inst))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		switch {
		case a.LastChecked == nil && b.LastChecked != nil:
			return true
		case a.LastChecked != nil && b.LastChecked == nil:
			return false
		case a.LastChecked != nil && b.LastChecked != nil && !a.LastChecked.Equal(*b.LastChecked):
			return a.LastChecked.Before(*b.LastChecked)
		}
		if a.Stats.MemberCount != b.Stats.MemberCount {
			return a.Stats.MemberCount > b.Stats.MemberCount
		}
		return a.ID < b.ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memInstitutions) UpdateStats(ctx context.Context, id string, stats InstitutionStats, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.institutions[id]
	if !ok {
		return ErrNotFound
	}
	inst.Stats = stats
	inst.LastChecked = &checkedAt
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// Orders -------------------------------------------------------------------

type memOrders InMemory

func (s *memOrders) Create(ctx context.Context, o *Order) error {
	if o == nil || o.Type == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = ids.New()
	}
	if o.Status == "" {
		o.Status = OrderActive
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	if o.End != nil {
		t := *o.End
		cp.End = &t
	}
	return &cp
}

// sortByEndDesc orders open-ended grants first, then latest end first.
func sortByEndDesc(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		switch {
		case a.End == nil && b.End != nil:
			return true
		case a.End != nil && b.End == nil:
			return false
		case a.End == nil && b.End == nil:
			return a.ID < b.ID
		}
		return a.End.After(*b.End)
	})
}

func (s *memOrders) ExpiringForLocation(ctx context.Context, locationID string, limit int) ([]*Order, error) {
	s.mu.RLock()
	var res []*Order
	for _, o := range s.orders {
		if o.Status == OrderActive && o.LocationID == locationID {
			res = append(res, copyOrder(o))
		}
	}
	s.mu.RUnlock()

	sortByEndDesc(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memOrders) ActiveForInstitution(ctx context.Context, institutionID string) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Order
	for _, o := range s.orders {
		if o.Status != OrderActive || o.InstitutionID != institutionID {
			continue
		}
		if o.UserID != "" || o.LocationID != "" {
			continue
		}
		if o.Type != OrderInstitutional && o.Type != OrderTrial {
			continue
		}
		res = append(res, copyOrder(o))
	}
	return res, nil
}

func (s *memOrders) OffsiteForUser(ctx context.Context, userID string) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Order
	for _, o := range s.orders {
		if o.Status != OrderActive || o.UserID != userID || o.InstitutionID == "" {
			continue
		}
		if o.Type != OrderInstitutional && o.Type != OrderTrial {
			continue
		}
		res = append(res, copyOrder(o))
	}
	return res, nil
}

func (s *memOrders) IndividualForUser(ctx context.Context, userID string) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Order
	for _, o := range s.orders {
		if o.Status != OrderActive || o.UserID != userID || o.InstitutionID != "" {
			continue
		}
		if o.Type != OrderIndividual && o.Type != OrderTrial {
			continue
		}
		res = append(res, copyOrder(o))
	}
	return res, nil
}

func (s *memOrders) ArticleForUser(ctx context.Context, userID, articleID string, now time.Time) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Order
	for _, o := range s.orders {
		if o.Status != OrderActive || o.UserID != userID || o.ArticleID != articleID {
			continue
		}
		if o.Type != OrderRentArticle && o.Type != OrderPurchaseArticle {
			continue
		}
		if o.EndedBy(now) {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyOrder(best), nil
}

func (s *memOrders) UpdateStatus(ctx context.Context, id string, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

// Locations ----------------------------------------------------------------

type memLocations InMemory

func (s *memLocations) Create(ctx context.Context, loc *Location) error {
	if loc == nil || loc.InstitutionID == "" || !loc.Range.From.IsValid() || !loc.Range.To.IsValid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.ID == "" {
		loc.ID = ids.New()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	cp := *loc
	s.locations[loc.ID] = &cp
	return nil
}

func (s *memLocations) Find(ctx context.Context, id string) (*Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *loc
	return &cp, nil
}

func (s *memLocations) FindByIP(ctx context.Context, addr netip.Addr) (*Location, error) {
	if !addr.IsValid() {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, loc := range s.locations {
		if loc.Range.Contains(addr) {
			cp := *loc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
