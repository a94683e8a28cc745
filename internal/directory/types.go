package directory

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"medreel.org/internal/access"
)

// User is an account known to the platform. The resolver writes the resolved
// institution, the strategy that produced it and a subscription snapshot back
// onto this record; profile-update flows mutate the identity fields and must
// invalidate the stale resolution.
type User struct {
	ID                           string
	Email                        string
	EmailVerifiedAt              *time.Time
	InstitutionalEmail           string
	InstitutionalEmailVerifiedAt *time.Time
	OrganizationName             string
	InstitutionID                string
	MatchedBy                    access.MatchedBy
	SourceIP                     string
	SubscriptionState            access.State
	SubscriptionCheckedAt        *time.Time
	Role                         string
	PasswordHash                 string
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// Institution is an organization whose members gain access. Read-only to the
// engine except for statistics and the reconciliation stamp.
type Institution struct {
	ID                  string
	Name                string
	Aliases             []string
	EmailDomains        []string
	RestrictMatchByName bool
	Stats               InstitutionStats
	LastChecked         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InstitutionStats is the running membership summary maintained by
// reconciliation.
type InstitutionStats struct {
	MemberCount  int `json:"member_count"`
	GrantedCount int `json:"granted_count"`
}

// OrderType distinguishes the grant kinds. Article orders share the
// "rent"/"purchase" prefixes the overlay switches on.
type OrderType string

const (
	OrderIndividual      OrderType = "individual"
	OrderInstitutional   OrderType = "institutional"
	OrderTrial           OrderType = "trial"
	OrderRentArticle     OrderType = "rent-article"
	OrderPurchaseArticle OrderType = "purchase-article"
)

// OrderStatus is the order lifecycle state. Orders are immutable once
// consumed except for status transitions.
type OrderStatus string

const (
	OrderActive   OrderStatus = "active"
	OrderInactive OrderStatus = "inactive"
)

// Order is a time-bounded grant, the only source of truth for "until when"
// access is valid. End == nil means open-ended.
type Order struct {
	ID                    string
	Type                  OrderType
	Status                OrderStatus
	Start                 time.Time
	End                   *time.Time
	InstitutionID         string
	LocationID            string
	UserID                string
	ArticleID             string
	CustomInstitutionName string
	RequireLogin          bool
	CreatedAt             time.Time
}

// EndedBy reports whether the order's grant has lapsed by the given instant.
func (o *Order) EndedBy(now time.Time) bool {
	return o.End != nil && o.End.Before(now)
}

// IsTrial reports whether the order grants trial-level access.
func (o *Order) IsTrial() bool { return o.Type == OrderTrial }

// Location maps a contiguous IP range to an institution.
type Location struct {
	ID            string
	InstitutionID string
	Range         IPRange
	CreatedAt     time.Time
}

// IPRange is an inclusive address range.
type IPRange struct {
	From netip.Addr
	To   netip.Addr
}

// Contains reports whether addr falls inside the range.
func (r IPRange) Contains(addr netip.Addr) bool {
	if !r.From.IsValid() || !r.To.IsValid() || !addr.IsValid() {
		return false
	}
	return r.From.Compare(addr) <= 0 && addr.Compare(r.To) <= 0
}

// ParseAddr normalizes a raw client address, tolerating host:port forms.
func ParseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().WithZone(""), true
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.WithZone(""), true
	}
	return netip.Addr{}, false
}

// EmailDomain extracts the lower-cased domain of an email address.
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrInvalidInput = errors.New("directory: invalid input")
)
