package geo

import "testing"

// Polarity regression: true means the service operates in the country. The
// overlay upgrades Evaluation content to free access exactly where this
// returns true, and limits anonymous subscription content where it returns
// false.
func TestHasServicePresencePolarity(t *testing.T) {
	p := NewStatic("US", "de")

	if !p.HasServicePresence("us") {
		t.Fatalf("US is a service country")
	}
	if !p.HasServicePresence("DE") {
		t.Fatalf("DE is a service country, lookup must be case-insensitive")
	}
	if p.HasServicePresence("BR") {
		t.Fatalf("BR is not a service country")
	}
	if p.HasServicePresence("") {
		t.Fatalf("unknown country must report no presence")
	}
}
