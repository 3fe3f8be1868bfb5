package canon

import "testing"

func TestNormalizeEmailIdempotent(t *testing.T) {
	inputs := []string{
		"Alice@Acme.TEST",
		"  bob@acme.test ",
		"chó@acme.test", // combining acute, NFC-folds to a single rune
	}
	for _, in := range inputs {
		once := NormalizeEmail(in)
		twice := NormalizeEmail(once)
		if once != twice {
			t.Errorf("NormalizeEmail not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestNormalizeEmailCaseInsensitive(t *testing.T) {
	if NormalizeEmail("Alice@ACME.test") != NormalizeEmail("alice@acme.test") {
		t.Fatal("case variants must normalize identically")
	}
	if NormalizeEmail("Alice@Acme.TEST") != "alice@acme.test" {
		t.Fatalf("got %q", NormalizeEmail("Alice@Acme.TEST"))
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"alice@acme.test", "a.b+tag@sub.acme.io", "x_1%y@acme.co"}
	for _, e := range valid {
		if !ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = false, want true", e)
		}
	}
	invalid := []string{"", "alice", "alice@", "@acme.test", "alice@acme", "a b@acme.test"}
	for _, e := range invalid {
		if ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = true, want false", e)
		}
	}
}

func TestValidOrgUnitPath(t *testing.T) {
	valid := []string{"/", "/HR", "/HR/Admin"}
	for _, p := range valid {
		if !ValidOrgUnitPath(p) {
			t.Errorf("ValidOrgUnitPath(%q) = false, want true", p)
		}
	}
	invalid := []string{"", "HR", "/HR//Admin", "/HR/Admin/", "/HR//Admin/"}
	for _, p := range invalid {
		if ValidOrgUnitPath(p) {
			t.Errorf("ValidOrgUnitPath(%q) = true, want false", p)
		}
	}
}

func TestOrgUnitParentPath(t *testing.T) {
	cases := map[string]string{
		"/":         "/",
		"/HR":       "/",
		"/HR/Admin": "/HR",
	}
	for path, want := range cases {
		got := OrgUnit{Path: path}.ParentPath()
		if got != want {
			t.Errorf("ParentPath(%q): got %q, want %q", path, got, want)
		}
	}
}

func TestACLRoleOrdering(t *testing.T) {
	order := []ACLRole{ACLReader, ACLCommenter, ACLWriter, ACLOwner}
	for i := 0; i < len(order)-1; i++ {
		if CompareACLRoles(order[i], order[i+1]) >= 0 {
			t.Errorf("expected %s < %s", order[i], order[i+1])
		}
	}
	if CompareACLRoles(ACLWriter, ACLWriter) != 0 {
		t.Error("role must compare equal to itself")
	}
}

func TestParseACLRoleAliases(t *testing.T) {
	cases := map[string]ACLRole{
		"Editor":    ACLWriter,
		"editor":    ACLWriter,
		"writer":    ACLWriter,
		"Viewer":    ACLReader,
		"reader":    ACLReader,
		"Commenter": ACLCommenter,
		"Owner":     ACLOwner,
	}
	for in, want := range cases {
		got, ok := ParseACLRole(in)
		if !ok || got != want {
			t.Errorf("ParseACLRole(%q): got %q ok=%v, want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseACLRole("admin"); ok {
		t.Error("unknown role must not parse")
	}
}

func TestACLRoleDisplayRoundTrip(t *testing.T) {
	for _, r := range []ACLRole{ACLReader, ACLCommenter, ACLWriter, ACLOwner} {
		back, ok := ParseACLRole(ACLRoleDisplay(r))
		if !ok || back != r {
			t.Errorf("display round-trip failed for %q", r)
		}
	}
	if ACLRoleDisplay(ACLWriter) != "Editor" {
		t.Fatalf("writer alias: got %q", ACLRoleDisplay(ACLWriter))
	}
}
