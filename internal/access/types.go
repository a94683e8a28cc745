package access

import "time"

// State classifies the outcome of entitlement resolution. States are
// partitioned into a granted set and a restricted set; the partition drives
// both cache trust and strategy-chain short-circuiting.
type State string

const (
	// Granted states.
	InstitutionalSubscription State = "institutional_subscription"
	InstitutionalTrial        State = "institutional_trial"
	IndividualSubscription    State = "individual_subscription"
	IndividualTrial           State = "individual_trial"
	ArticlePurchase           State = "article_purchase"
	ArticleRent               State = "article_rent"
	FreeAccess                State = "free_access"
	AdminAccess               State = "admin_access"

	// Restricted states.
	LimitedAccess                    State = "limited_access"
	Evaluation                       State = "evaluation"
	RequireSubscription              State = "require_subscription"
	AwaitingEmailConfirmation        State = "awaiting_email_confirmation"
	EmailConfirmationExpired         State = "email_confirmation_expired"
	InstitutionSubscriptionExpired   State = "institution_subscription_expired"
	InstitutionLoginRequired         State = "institution_login_required"
	InstitutionNameOrAliasRestricted State = "institution_name_or_alias_restricted"
)

var grantedStates = map[State]struct{}{
	InstitutionalSubscription: {},
	InstitutionalTrial:        {},
	IndividualSubscription:    {},
	IndividualTrial:           {},
	ArticlePurchase:           {},
	ArticleRent:               {},
	FreeAccess:                {},
	AdminAccess:               {},
}

// Granted reports whether the state belongs to the granted partition.
func (s State) Granted() bool {
	_, ok := grantedStates[s]
	return ok
}

// Restricted reports whether the state belongs to the restricted partition.
// Unknown states count as restricted.
func (s State) Restricted() bool { return !s.Granted() }

// MatchedBy identifies the strategy that attributed a user to an institution.
// It is tracked independently of State: an institution may be attributed while
// access stays restricted, and reporting relies on that attribution.
type MatchedBy string

const (
	NotMatched                MatchedBy = "not_matched"
	MatchedByAdmin            MatchedBy = "admin"
	MatchedByNetworkLocation  MatchedBy = "network_location"
	MatchedByOffsiteAccess    MatchedBy = "offsite_access_grant"
	MatchedByNameOrAlias      MatchedBy = "name_or_alias"
	MatchedByInstitutionEmail MatchedBy = "institution_email"
	MatchedByPersonalEmail    MatchedBy = "personal_email"
)

// Sticky reports whether an attribution survives the loss of the textual
// signal that originally produced it. Sticky attributions keep a user in an
// institution's member set even after their self-reported organization name
// drifts.
func (m MatchedBy) Sticky() bool {
	switch m {
	case MatchedByAdmin, MatchedByNetworkLocation, MatchedByOffsiteAccess, MatchedByNameOrAlias:
		return true
	}
	return false
}

// StickyMatches returns the attributions considered sticky for reverse
// member-matching.
func StickyMatches() []MatchedBy {
	return []MatchedBy{MatchedByAdmin, MatchedByNetworkLocation, MatchedByOffsiteAccess, MatchedByNameOrAlias}
}

// Decision is the value object produced by the engine. It is never persisted
// as-is; the resolver stores a snapshot of it on the user record.
type Decision struct {
	State                         State      `json:"access_state"`
	MatchedBy                     MatchedBy  `json:"matched_by"`
	InstitutionID                 string     `json:"institution_id,omitempty"`
	InstitutionName               string     `json:"institution_name,omitempty"`
	OrderID                       string     `json:"order_id,omitempty"`
	LocationID                    string     `json:"location_id,omitempty"`
	SubscriptionExpiresAt         *time.Time `json:"subscription_expires_at,omitempty"`
	ViaTemporaryIP                bool       `json:"via_temporary_ip,omitempty"`
	ShouldRequestInstVerification bool       `json:"should_request_inst_verification,omitempty"`
	CustomInstitutionName         string     `json:"custom_institution_name,omitempty"`
}

// Default returns the no-match decision: restricted, nothing attributed.
func Default() Decision {
	return Decision{State: RequireSubscription, MatchedBy: NotMatched}
}

// Attributed reports whether any strategy attributed an institution.
func (d Decision) Attributed() bool { return d.MatchedBy != NotMatched }

// ExpiredBy reports whether the decision's grant has lapsed by the given
// instant.
func (d Decision) ExpiredBy(now time.Time) bool {
	return d.SubscriptionExpiresAt != nil && d.SubscriptionExpiresAt.Before(now)
}
