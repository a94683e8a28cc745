package directory

import (
	"context"
	"net/netip"
	"time"

	"medreel.org/internal/access"
)

// Store describes the persistence operations the engine requires from the
// identity directory.
type Store interface {
	Users(ctx context.Context) UserStore
	Institutions(ctx context.Context) InstitutionStore
	Orders(ctx context.Context) OrderStore
	Locations(ctx context.Context) LocationStore
}

// ResolutionSnapshot is what the resolver persists on the user after a
// non-cached decision.
type ResolutionSnapshot struct {
	InstitutionID string
	MatchedBy     access.MatchedBy
	State         access.State
	CheckedAt     time.Time
}

// UserStore manages accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByEmailDomain matches users whose email or institutional email ends
	// in "@<domain>".
	FindByEmailDomain(ctx context.Context, domain string) ([]*User, error)
	// FindByOrganizationNames matches the free-text organization name
	// case-insensitively against any of the given names.
	FindByOrganizationNames(ctx context.Context, names []string) ([]*User, error)
	// FindByInstitution returns users currently attributed to the institution
	// by one of the given strategies.
	FindByInstitution(ctx context.Context, institutionID string, matchedBy []access.MatchedBy) ([]*User, error)
	UpdateResolution(ctx context.Context, userID string, snap ResolutionSnapshot) error
	// UpdateProfile mutates the identity fields the strategies read. Callers
	// must invalidate the user's cached decision afterwards.
	UpdateProfile(ctx context.Context, userID, email, institutionalEmail, organizationName string) error
	UpdateSourceIP(ctx context.Context, userID, sourceIP string) error
}

// InstitutionStore manages organizations.
type InstitutionStore interface {
	Create(ctx context.Context, inst *Institution) error
	Find(ctx context.Context, id string) (*Institution, error)
	FindByNameOrAlias(ctx context.Context, name string) (*Institution, error)
	FindByEmailDomain(ctx context.Context, domain string) (*Institution, error)
	// ListForReconciliation returns up to limit institutions ordered by
	// LastChecked ascending (nulls first), ties broken by member count
	// descending.
	ListForReconciliation(ctx context.Context, limit int) ([]*Institution, error)
	// UpdateStats persists statistics and stamps LastChecked so the
	// institution cycles to the back of the queue.
	UpdateStats(ctx context.Context, id string, stats InstitutionStats, checkedAt time.Time) error
}

// OrderStore manages grants.
type OrderStore interface {
	Create(ctx context.Context, o *Order) error
	// ExpiringForLocation returns up to limit active orders tied to the
	// location, most-recently-expiring first (open-ended orders sort first).
	ExpiringForLocation(ctx context.Context, locationID string, limit int) ([]*Order, error)
	// ActiveForInstitution returns active institutional/trial orders bound to
	// the institution (not scoped to a user or location).
	ActiveForInstitution(ctx context.Context, institutionID string) ([]*Order, error)
	// OffsiteForUser returns active institution-backed orders granted
	// directly to the user (temporary offsite access).
	OffsiteForUser(ctx context.Context, userID string) ([]*Order, error)
	// IndividualForUser returns active personal subscription/trial orders.
	IndividualForUser(ctx context.Context, userID string) ([]*Order, error)
	// ArticleForUser returns the active purchase/rental order for this
	// user+article with End nil or after now, or ErrNotFound.
	ArticleForUser(ctx context.Context, userID, articleID string, now time.Time) (*Order, error)
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
}

// LocationStore manages IP-range mappings.
type LocationStore interface {
	Create(ctx context.Context, loc *Location) error
	Find(ctx context.Context, id string) (*Location, error)
	FindByIP(ctx context.Context, addr netip.Addr) (*Location, error)
}
