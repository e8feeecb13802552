package fingerprint

import "testing"

func TestComputeDeterministic(t *testing.T) {
	// WHAT: Same inputs always produce the same fingerprint.
	a := Compute("Login epic", "Build SSO login.")
	b := Compute("Login epic", "Build SSO login.")
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestComputeSensitiveToContent(t *testing.T) {
	// WHAT: Any interior edit to title or description changes the
	// fingerprint.
	base := Compute("Login epic", "Build SSO login.")
	if Compute("Login epic!", "Build SSO login.") == base {
		t.Error("title edit did not change fingerprint")
	}
	if Compute("Login epic", "Build SSO login?") == base {
		t.Error("description edit did not change fingerprint")
	}
}

func TestComputeIgnoresOuterWhitespace(t *testing.T) {
	// WHAT: Leading/trailing whitespace is not a content change.
	// WHY: Trackers routinely pad rich-text fields; padding must not
	// trigger a re-sync.
	a := Compute("Login epic", "Build SSO login.")
	b := Compute("  Login epic \n", "\tBuild SSO login.\n\n")
	if a != b {
		t.Fatal("outer whitespace changed the fingerprint")
	}
}

func TestComputeFieldBoundary(t *testing.T) {
	// WHAT: Moving text between title and description changes the
	// fingerprint.
	if Compute("ab", "c") == Compute("a", "bc") {
		t.Fatal("field boundary is ambiguous")
	}
}
