package geo

import "strings"

// Provider answers whether the service operates in a given country. The
// upstream geolocation system named this predicate "isRestrictedCountry" while
// treating its true branch as "we do operate here"; the name below fixes the
// polarity by observed semantics.
type Provider interface {
	HasServicePresence(countryCode string) bool
}

// Static is a Provider backed by a fixed country set, loaded from
// configuration at startup.
type Static struct {
	countries map[string]struct{}
}

// NewStatic builds a Static provider from ISO country codes (case-insensitive).
func NewStatic(codes ...string) *Static {
	s := &Static{countries: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			s.countries[c] = struct{}{}
		}
	}
	return s
}

func (s *Static) HasServicePresence(countryCode string) bool {
	_, ok := s.countries[strings.ToUpper(strings.TrimSpace(countryCode))]
	return ok
}
