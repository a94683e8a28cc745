package httpapi

import "testing"

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatalf("empty header must fail")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatalf("non-bearer scheme must fail")
	}
	if _, err := extractBearerToken("Bearer   "); err == nil {
		t.Fatalf("blank token must fail")
	}
	token, err := extractBearerToken("bearer abc.def.ghi")
	if err != nil || token != "abc.def.ghi" {
		t.Fatalf("case-insensitive scheme should parse: %q %v", token, err)
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/access/resolve", "/v1/users/u1/profile", "/v1/stream/decisions"} {
		if isPublicPath(p) {
			t.Fatalf("%s should require auth", p)
		}
	}
}
