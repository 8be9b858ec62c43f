package abac

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEvaluateOperators(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	user := &UserAccessContext{ID: "u1", Email: "u1@example.com", RoleIDs: []string{"nurse", "staff"}, TeamIDs: []string{"icu"}}
	record := map[string]any{
		"status":     "open",
		"amount":     json.Number("250.5"),
		"count":      7,
		"tags":       []any{"urgent", "billing"},
		"title":      "Quarterly invoice",
		"owner":      "u1",
		"due":        "2024-03-20T00:00:00Z",
		"created_on": "2024-03-15T00:00:00Z",
		"meta":       map[string]any{"region": "eu"},
		"required":   []string{"nurse"},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Leaf("status", OpEquals, "open"), true},
		{"equals numeric across types", Leaf("count", OpEquals, 7.0), true},
		{"not equals", Leaf("status", OpNotEquals, "closed"), true},
		{"greater than json number", Leaf("amount", OpGreaterThan, 100), true},
		{"less than or equals", Leaf("count", OpLessThanOrEqual, 7), true},
		{"greater than or equals fails", Leaf("count", OpGreaterThanOrEqual, 8), false},
		{"date after now", Leaf("due", OpGreaterThan, CurrentTimestamp), true},
		{"date equals current date", Leaf("created_on", OpEquals, CurrentDate), true},
		{"contains list element", Leaf("tags", OpContains, "urgent"), true},
		{"contains substring", Leaf("title", OpContains, "invoice"), true},
		{"contains missing", Leaf("tags", OpContains, "legal"), false},
		{"in literal list", Leaf("status", OpIn, []any{"open", "pending"}), true},
		{"not in", Leaf("status", OpNotIn, []any{"closed"}), true},
		{"owner is current user", Leaf("owner", OpEquals, CurrentUserID), true},
		{"list overlaps user roles", Leaf("required", OpIn, CurrentUserRoles), true},
		{"dotted path", Leaf("meta.region", OpEquals, "eu"), true},
		{"missing property", Leaf("absent", OpEquals, "x"), false},
		{"unknown operator", Leaf("status", Operator("like"), "open"), false},
		{"empty and", And(), true},
		{"empty or", Or(), false},
		{"short circuit or", Or(Leaf("status", OpEquals, "closed"), Leaf("count", OpEquals, 7)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateCondition(tc.cond, record, user, now)
			if got.Passed != tc.want {
				t.Fatalf("expected %v, got %v (details %+v)", tc.want, got.Passed, got.Details)
			}
		})
	}
}

func TestEvaluateUnresolvedSpecialValue(t *testing.T) {
	user := &UserAccessContext{ID: "u1"}
	record := map[string]any{"department_id": ""}
	res := EvaluateCondition(Leaf("department_id", OpEquals, CurrentUserDepartment), record, user, time.Now())
	if res.Passed {
		t.Fatalf("missing department must not match an empty value")
	}
	if len(res.Details) != 1 || res.Details[0].Reason != "unresolved special value" {
		t.Fatalf("unexpected details: %+v", res.Details)
	}

	// not_equals against an unresolved value is still false
	res = EvaluateCondition(Leaf("department_id", OpNotEquals, CurrentUserDepartment), record, user, time.Now())
	if res.Passed {
		t.Fatalf("unresolved special value should fail not_equals too")
	}
}

func TestEvaluateNilCondition(t *testing.T) {
	if !EvaluateCondition(nil, nil, nil, time.Now()).Passed {
		t.Fatalf("nil condition should pass")
	}
}

func TestResolveSpecialValue(t *testing.T) {
	now := time.Date(2024, 3, 15, 23, 59, 0, 0, time.UTC)
	v, ok := ResolveSpecialValue(CurrentDate, nil, now)
	if !ok || !v.(time.Time).Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected current date %v", v)
	}
	user := &UserAccessContext{ID: "u1", TeamIDs: []string{"a"}}
	teams, ok := ResolveSpecialValue(CurrentUserTeams, user, now)
	if !ok || len(teams.([]string)) != 1 {
		t.Fatalf("unexpected teams %v", teams)
	}
	if _, ok := ResolveSpecialValue(CurrentUserEmail, user, now); ok {
		t.Fatalf("empty email should not resolve")
	}
	if _, ok := ResolveSpecialValue(CurrentUserID, nil, now); ok {
		t.Fatalf("nil user should not resolve")
	}
}
