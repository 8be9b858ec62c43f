package abac

import "testing"

func TestPrincipalMatching(t *testing.T) {
	user := &UserAccessContext{ID: "u1", RoleIDs: []string{"nurse"}, TeamIDs: []string{"icu"}, GroupIDs: []string{"night-shift"}}

	cases := []struct {
		name       string
		p          Principal
		collection bool
		property   bool
	}{
		{"everyone", Everyone(), true, true},
		{"role", RolePrincipal("nurse"), true, true},
		{"other role", RolePrincipal("doctor"), false, false},
		{"user", UserPrincipal("u1"), true, true},
		{"other user", UserPrincipal("u2"), false, false},
		{"team", TeamPrincipal("icu"), true, true},
		// groups only count for property rules
		{"team via group", TeamPrincipal("night-shift"), false, true},
	}
	for _, tc := range cases {
		if got := MatchesCollectionRule(tc.p, user); got != tc.collection {
			t.Fatalf("%s: collection match = %v, want %v", tc.name, got, tc.collection)
		}
		if got := MatchesPropertyRule(tc.p, user); got != tc.property {
			t.Fatalf("%s: property match = %v, want %v", tc.name, got, tc.property)
		}
	}
}

func TestPrincipalNilUser(t *testing.T) {
	if !MatchesCollectionRule(Everyone(), nil) {
		t.Fatalf("everyone should match a nil user")
	}
	if MatchesCollectionRule(RolePrincipal("nurse"), nil) {
		t.Fatalf("role should not match a nil user")
	}
}

func TestNewPrincipal(t *testing.T) {
	p, err := NewPrincipal("", "", "")
	if err != nil || !p.IsEveryone() {
		t.Fatalf("expected everyone, got %v %v", p, err)
	}
	p, err = NewPrincipal("", "team-a", "")
	if err != nil || p.Kind != PrincipalTeam || p.ID != "team-a" {
		t.Fatalf("expected team principal, got %v %v", p, err)
	}
	if _, err := NewPrincipal("r", "", "u"); err == nil {
		t.Fatalf("expected ambiguous principal error")
	}
	if UserPrincipal("u").Specificity() <= TeamPrincipal("t").Specificity() ||
		TeamPrincipal("t").Specificity() <= RolePrincipal("r").Specificity() ||
		RolePrincipal("r").Specificity() <= Everyone().Specificity() {
		t.Fatalf("specificity must order user > team > role > everyone")
	}
}
