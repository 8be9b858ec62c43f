package abac_test

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/abac"
)

func seedSchema(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	f.rules.UpsertPrincipal(ctx, abac.PrincipalRole, "clerk")
	f.rules.UpsertPrincipal(ctx, abac.PrincipalTeam, "finance")
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("invoices", "inv-amount", "amount").Build())
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("invoices", "inv-owner", "assigned_to").Build())
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("invoices", "inv-meta", "meta").Build())
}

func TestCreateCollectionRuleValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSchema(t, f)

	_, err := f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").Role("ghost").Allow(abac.OpRead).Build(), "admin")
	if !errors.Is(err, abac.ErrUnknownPrincipal) {
		t.Fatalf("expected ErrUnknownPrincipal, got %v", err)
	}
	_, err = f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").Role("clerk").Allow(abac.OpRead).
		When(abac.Leaf("colour", abac.OpEquals, "red")).Build(), "admin")
	if !errors.Is(err, abac.ErrUnknownConditionProperty) {
		t.Fatalf("expected ErrUnknownConditionProperty, got %v", err)
	}
	_, err = f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").Role("clerk").Allow(abac.OpRead).
		When(abac.Leaf("amount", abac.Operator("between"), 1)).Build(), "admin")
	if !errors.Is(err, abac.ErrInvalidOperator) {
		t.Fatalf("expected ErrInvalidOperator, got %v", err)
	}

	// system fields and dotted paths into defined properties are allowed
	cond := abac.And(
		abac.Leaf("created_by", abac.OpEquals, abac.CurrentUserID),
		abac.Leaf("meta.region", abac.OpEquals, "eu"),
	)
	created, err := f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").Team("finance").Allow(abac.OpRead).When(cond).Build(), "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedBy != "admin" || !created.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected stamped rule: %+v", created)
	}
}

func TestRuleMutationsAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSchema(t, f)

	r, err := f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").ID("r1").Role("clerk").Allow(abac.OpRead).Priority(5).Build(), "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r.CanUpdate = true
	if _, err := f.eng.UpdateCollectionRule(ctx, r, "admin-2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := f.rules.GetCollectionRule(ctx, "r1")
	if !stored.CanUpdate || stored.CreatedBy != "admin" || stored.UpdatedBy != "admin-2" {
		t.Fatalf("unexpected stored rule: %+v", stored)
	}
	if err := f.eng.DeleteCollectionRule(ctx, "r1", "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.eng.DeleteCollectionRule(ctx, "r1", "admin"); !errors.Is(err, abac.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	f.eng.Close()

	events, _ := f.audit.Query(ctx, abac.AuditFilter{Resource: "invoices"})
	want := []string{"rule.collection.create", "rule.collection.update", "rule.collection.delete"}
	if len(events) != len(want) {
		t.Fatalf("expected %d audit events, got %+v", len(want), events)
	}
	for i, ev := range events {
		if ev.Action != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Action, want[i])
		}
	}
	if _, ok := events[1].Context["previous"]; !ok {
		t.Fatalf("update event should carry the previous rule")
	}
	if _, ok := events[2].Context["new"]; ok {
		t.Fatalf("delete event has no new value")
	}
}

func TestReorderCollectionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSchema(t, f)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("invoices").ID(id).Role("clerk").Allow(abac.OpRead).Build(), "admin"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	// warm the cache so the reorder has to invalidate it
	f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: &abac.UserAccessContext{ID: "u", RoleIDs: []string{"clerk"}}, CollectionID: "invoices", Operation: abac.OpRead})

	if err := f.eng.ReorderCollectionRules(ctx, "invoices", []string{"c", "a", "b"}, "admin"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	rules, err := f.eng.Cache().GetActiveRules(ctx, "invoices")
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	if rules[0].ID != "c" || rules[1].ID != "a" || rules[2].ID != "b" || rules[0].Priority != 10 {
		t.Fatalf("unexpected order: %s %s %s", rules[0].ID, rules[1].ID, rules[2].ID)
	}
	if err := f.eng.ReorderCollectionRules(ctx, "invoices", []string{"zzz"}, "admin"); !errors.Is(err, abac.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestPropertyRuleAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSchema(t, f)
	user := &abac.UserAccessContext{ID: "u1", RoleIDs: []string{"clerk"}}

	perms, _ := f.eng.GetEffectivePermissions(ctx, "invoices", user)
	if amount, _ := perms.Property("amount"); !amount.CanWrite {
		t.Fatalf("default is writable")
	}

	if _, err := f.eng.CreatePropertyRule(ctx, abac.NewPropertyRuleBuilder("nope").Role("clerk").Build(), "admin"); !errors.Is(err, abac.ErrPropertyNotFound) {
		t.Fatalf("expected ErrPropertyNotFound, got %v", err)
	}
	pr, err := f.eng.CreatePropertyRule(ctx, abac.NewPropertyRuleBuilder("inv-amount").Role("clerk").Read(true).Write(false).Build(), "admin")
	if err != nil {
		t.Fatalf("create property rule: %v", err)
	}
	perms, _ = f.eng.GetEffectivePermissions(ctx, "invoices", user)
	if amount, _ := perms.Property("amount"); amount.CanWrite || !amount.CanRead {
		t.Fatalf("rule should make amount read-only: %+v", amount)
	}

	pr.CanRead = false
	if _, err := f.eng.UpdatePropertyRule(ctx, pr, "admin"); err != nil {
		t.Fatalf("update property rule: %v", err)
	}
	perms, _ = f.eng.GetEffectivePermissions(ctx, "invoices", user)
	if amount, _ := perms.Property("amount"); amount.CanRead {
		t.Fatalf("update should be visible immediately: %+v", amount)
	}

	if err := f.eng.DeletePropertyRule(ctx, pr.ID, "admin"); err != nil {
		t.Fatalf("delete property rule: %v", err)
	}
	perms, _ = f.eng.GetEffectivePermissions(ctx, "invoices", user)
	if amount, _ := perms.Property("amount"); !amount.CanRead || !amount.CanWrite {
		t.Fatalf("defaults should return after delete: %+v", amount)
	}
}
