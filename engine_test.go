package abac_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	rules *stores.MemoryRuleStore
	audit *stores.MemoryAuditStore
	clock *abac.FakeClock
	eng   *abac.Engine
}

func newFixture(t *testing.T, opts ...abac.EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		rules: stores.NewMemoryRuleStore(),
		audit: stores.NewMemoryAuditStore(),
		clock: abac.NewFakeClock(testNow),
	}
	opts = append([]abac.EngineOption{abac.WithClock(f.clock), abac.WithLogger(logger.NewNullLogger())}, opts...)
	eng, err := abac.NewEngine(f.rules, f.audit, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.eng = eng
	t.Cleanup(eng.Close)
	return f
}

func (f *fixture) addRule(t *testing.T, r *abac.CollectionAccessRule) {
	t.Helper()
	if err := f.rules.CreateCollectionRule(context.Background(), r); err != nil {
		t.Fatalf("add rule %s: %v", r.ID, err)
	}
}

func TestCheckAccessFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRule(t, abac.NewCollectionRuleBuilder("invoices").ID("own").Role("clerk").Allow(abac.OpRead, abac.OpUpdate).
		When(abac.Leaf("assigned_to", abac.OpEquals, abac.CurrentUserID)).Priority(10).Build())
	f.addRule(t, abac.NewCollectionRuleBuilder("invoices").ID("managers").Role("manager").Allow(abac.OpRead, abac.OpUpdate, abac.OpDelete).Priority(20).Build())
	f.addRule(t, abac.NewCollectionRuleBuilder("invoices").ID("everyone-create").Allow(abac.OpCreate).Priority(30).Build())

	clerk := &abac.UserAccessContext{ID: "u1", RoleIDs: []string{"clerk"}}
	mine := map[string]any{"id": "inv-1", "assigned_to": "u1"}
	theirs := map[string]any{"id": "inv-2", "assigned_to": "u2"}

	res, err := f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: clerk, CollectionID: "invoices", Operation: abac.OpUpdate, Record: mine})
	if err != nil || !res.Allowed || res.MatchedRuleID != "own" {
		t.Fatalf("expected grant by own rule, got %+v %v", res, err)
	}

	res, _ = f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: clerk, CollectionID: "invoices", Operation: abac.OpUpdate, Record: theirs, IncludeTrace: true})
	if res.Allowed || res.DenialReason != abac.ReasonNoMatchingRule {
		t.Fatalf("expected NO_MATCHING_RULE, got %+v", res)
	}
	if len(res.Trace) != 3 {
		t.Fatalf("expected every rule in the trace, got %d", len(res.Trace))
	}
	if res.Trace[0].Outcome != abac.OutcomeConditionFailed || !res.Trace[0].ConditionChecked || len(res.Trace[0].Details) != 1 {
		t.Fatalf("unexpected first trace entry: %+v", res.Trace[0])
	}
	if res.Trace[1].Outcome != abac.OutcomePrincipalMismatch {
		t.Fatalf("expected principal mismatch, got %+v", res.Trace[1])
	}
	if res.Trace[2].Outcome != abac.OutcomeNotGranted {
		t.Fatalf("expected operation not granted, got %+v", res.Trace[2])
	}

	manager := &abac.UserAccessContext{ID: "m1", RoleIDs: []string{"manager", "clerk"}}
	res, _ = f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: manager, CollectionID: "invoices", Operation: abac.OpDelete, Record: theirs})
	if !res.Allowed || res.MatchedRuleID != "managers" {
		t.Fatalf("expected grant by managers rule, got %+v", res)
	}

	res, _ = f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: &abac.UserAccessContext{ID: "x"}, CollectionID: "invoices", Operation: abac.OpCreate})
	if !res.Allowed || res.MatchedRuleID != "everyone-create" {
		t.Fatalf("expected everyone to create, got %+v", res)
	}
}

func TestCheckAccessDefaultDeny(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.CheckAccess(context.Background(), abac.AccessCheckRequest{
		User: &abac.UserAccessContext{ID: "u1"}, CollectionID: "empty", Operation: abac.OpRead,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.DenialReason != abac.ReasonNoMatchingRule || res.Timestamp.IsZero() {
		t.Fatalf("expected default deny, got %+v", res)
	}
}

func TestCheckAccessDeferredCondition(t *testing.T) {
	f := newFixture(t)
	cond := abac.Leaf("assigned_to", abac.OpEquals, abac.CurrentUserID)
	f.addRule(t, abac.NewCollectionRuleBuilder("tickets").ID("own").Allow(abac.OpRead).When(cond).Build())

	res, err := f.eng.CheckAccess(context.Background(), abac.AccessCheckRequest{
		User: &abac.UserAccessContext{ID: "u1"}, CollectionID: "tickets", Operation: abac.OpRead,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || !res.ConditionDeferred || res.Condition == nil {
		t.Fatalf("list access should be granted with the condition deferred, got %+v", res)
	}
	// the caller applies the returned condition as a row filter
	if !abac.EvaluateCondition(res.Condition, map[string]any{"assigned_to": "u1"}, &abac.UserAccessContext{ID: "u1"}, testNow).Passed {
		t.Fatalf("returned condition should accept own rows")
	}
}

func TestCheckAccessInvalidOperation(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, abac.NewCollectionRuleBuilder("tickets").ID("all").Allow(abac.OpRead).Build())
	res, err := f.eng.CheckAccess(context.Background(), abac.AccessCheckRequest{
		User: &abac.UserAccessContext{ID: "u1"}, CollectionID: "tickets", Operation: abac.Operation("export"),
	})
	if err != nil || res.Allowed || res.DenialReason != abac.ReasonInvalidOperation {
		t.Fatalf("expected INVALID_OPERATION, got %+v %v", res, err)
	}
}

func TestCheckAccessInactiveRuleIgnored(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, abac.NewCollectionRuleBuilder("tickets").ID("off").Allow(abac.OpRead).Active(false).Build())
	res, _ := f.eng.CheckAccess(context.Background(), abac.AccessCheckRequest{
		User: &abac.UserAccessContext{ID: "u1"}, CollectionID: "tickets", Operation: abac.OpRead,
	})
	if res.Allowed {
		t.Fatalf("inactive rule must not grant")
	}
}

type failingRuleStore struct {
	*stores.MemoryRuleStore
}

var errStoreDown = errors.New("store down")

func (failingRuleStore) FindActiveCollectionRules(context.Context, string) ([]*abac.CollectionAccessRule, error) {
	return nil, errStoreDown
}

func TestCheckAccessRuleLoadFailure(t *testing.T) {
	eng, err := abac.NewEngine(failingRuleStore{stores.NewMemoryRuleStore()}, nil, abac.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()
	res, err := eng.CheckAccess(context.Background(), abac.AccessCheckRequest{
		User: &abac.UserAccessContext{ID: "u1"}, CollectionID: "tickets", Operation: abac.OpRead,
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected the load error, got %v", err)
	}
	if res == nil || res.Allowed || res.DenialReason != abac.ReasonRuleLoadFailed {
		t.Fatalf("expected RULE_LOAD_FAILED denial, got %+v", res)
	}
}

func TestCheckAccessDecisionAudit(t *testing.T) {
	f := newFixture(t, abac.WithDecisionAudit(true))
	f.addRule(t, abac.NewCollectionRuleBuilder("tickets").ID("all").Allow(abac.OpRead).Build())
	ctx := context.Background()
	user := &abac.UserAccessContext{ID: "u1"}
	f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: user, CollectionID: "tickets", Operation: abac.OpRead, Record: map[string]any{"id": "t-1"}})
	f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: user, CollectionID: "tickets", Operation: abac.OpDelete})
	f.eng.Close()

	events, _ := f.audit.Query(ctx, abac.AuditFilter{PrincipalID: "u1"})
	if len(events) != 2 {
		t.Fatalf("expected two decision events, got %d", len(events))
	}
	if events[0].Action != "access.read" || events[0].Decision != abac.DecisionAllow || events[0].Context["record_id"] != "t-1" {
		t.Fatalf("unexpected allow event: %+v", events[0])
	}
	if events[1].Decision != abac.DecisionDeny || events[1].Context["denial_reason"] != abac.ReasonNoMatchingRule {
		t.Fatalf("unexpected deny event: %+v", events[1])
	}
}

func TestGetEffectivePermissionsThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("patients", "p-ssn", "ssn").PII().Masking(abac.MaskPartial, "").Build())
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("patients", "p-notes", "notes").PHI().BreakGlass().Build())
	f.rules.UpsertPropertyDefinition(ctx, abac.NewPropertyBuilder("clinics", "c-name", "name").Build())
	f.addRule(t, abac.NewCollectionRuleBuilder("patients").ID("read").Role("nurse").Allow(abac.OpRead).Build())
	f.rules.CreatePropertyRule(ctx, abac.NewPropertyRuleBuilder("p-ssn").ID("ssn-team").Team("billing").Read(true).Mask("XXX").Build())

	// group membership satisfies team principals on property rules
	user := &abac.UserAccessContext{ID: "u1", RoleIDs: []string{"nurse"}, GroupIDs: []string{"billing"}}
	perms, err := f.eng.GetEffectivePermissions(ctx, "patients", user)
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if !perms.CanRead || perms.CanUpdate {
		t.Fatalf("unexpected collection flags: %+v", perms)
	}
	if len(perms.Properties) != 2 {
		t.Fatalf("only the collection's properties are resolved, got %d", len(perms.Properties))
	}
	ssn, _ := perms.Property("ssn")
	if !ssn.CanRead || !ssn.IsMasked || ssn.MaskValue != "XXX" {
		t.Fatalf("unexpected ssn: %+v", ssn)
	}
	notes, _ := perms.Property("notes")
	if notes.CanRead {
		t.Fatalf("break-glass property must be closed: %+v", notes)
	}

	masked := abac.MaskItem(map[string]any{"id": "p1", "ssn": "123-45-6789", "notes": "secret"}, perms.Properties)
	if masked["ssn"] != "XXX" || masked["id"] != "p1" {
		t.Fatalf("unexpected masked record: %v", masked)
	}
	if _, ok := masked["notes"]; ok {
		t.Fatalf("notes should be stripped")
	}
}
