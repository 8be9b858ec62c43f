package abac_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarkflow/abac"
)

const sampleYAML = `
version: 1
engine:
  rule_cache_ttl_ms: 60000
  cache_backend: ristretto
  audit_buffer_size: 128
break_glass:
  min_justification_length: 30
  max_duration_ms: 7200000
principals:
  - {type: role, id: clerk}
  - {type: team, id: finance}
properties:
  - {id: inv-amount, collection_id: invoices, code: amount}
  - {id: inv-iban, collection_id: invoices, code: iban, is_pii: true, masking_strategy: partial, mask_value: "XX**"}
collection_rules:
  - id: own-invoices
    collection_id: invoices
    role_id: clerk
    can_read: true
    can_update: true
    priority: 10
    condition:
      and:
        - {property: created_by, operator: equals, value: $CURRENT_USER_ID}
        - {property: amount, operator: less_than, value: 1000}
  - id: finance-all
    collection_id: invoices
    group_id: finance
    can_read: true
    priority: 20
property_rules:
  - id: iban-finance
    property_id: inv-iban
    group_id: finance
    can_read: true
    priority: 10
`

func TestConfigLoadValidateApply(t *testing.T) {
	ctx := context.Background()
	cfg, err := abac.NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bg := cfg.BreakGlass.ToConfig()
	if bg.MinJustificationLength != 30 || bg.MaxDuration != 2*time.Hour || bg.DefaultDuration != time.Hour {
		t.Fatalf("unexpected break-glass config: %+v", bg)
	}

	opts, err := cfg.Engine.Options()
	if err != nil {
		t.Fatalf("engine options: %v", err)
	}
	f := newFixture(t, opts...)
	if err := f.eng.ApplyConfig(ctx, cfg, "loader"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	clerk := &abac.UserAccessContext{ID: "u1", RoleIDs: []string{"clerk"}}
	res, _ := f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: clerk, CollectionID: "invoices", Operation: abac.OpUpdate,
		Record: map[string]any{"created_by": "u1", "amount": 250}})
	if !res.Allowed || res.MatchedRuleID != "own-invoices" {
		t.Fatalf("expected own-invoices grant, got %+v", res)
	}
	res, _ = f.eng.CheckAccess(ctx, abac.AccessCheckRequest{User: clerk, CollectionID: "invoices", Operation: abac.OpUpdate,
		Record: map[string]any{"created_by": "u1", "amount": 5000}})
	if res.Allowed {
		t.Fatalf("amount over limit should be denied")
	}

	fin := &abac.UserAccessContext{ID: "u2", TeamIDs: []string{"finance"}}
	perms, err := f.eng.GetEffectivePermissions(ctx, "invoices", fin)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	iban, _ := perms.Property("iban")
	if !perms.CanRead || !iban.CanRead || !iban.IsMasked || iban.MaskValue != "XX**" {
		t.Fatalf("unexpected finance permissions: %+v %+v", perms, iban)
	}

	// applying twice updates in place
	if err := f.eng.ApplyConfig(ctx, cfg, "loader"); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	rules, _ := f.rules.ListCollectionRules(ctx, "invoices")
	if len(rules) != 2 {
		t.Fatalf("expected two rules after re-apply, got %d", len(rules))
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := abac.NewConfigBuilder().
		AddProperty(abac.NewPropertyBuilder("docs", "d-title", "title").Build()).
		AddCollectionRule(abac.NewCollectionRuleBuilder("docs").ID("r1").Role("ghost").Allow(abac.OpRead).Build()).
		AddCollectionRule(abac.NewCollectionRuleBuilder("docs").ID("r2").Allow(abac.OpRead).When(abac.Leaf("colour", abac.OpEquals, "red")).Build()).
		AddPropertyRule(abac.NewPropertyRuleBuilder("d-missing").ID("p1").Build()).
		Build()
	err := cfg.Validate()
	if !errors.Is(err, abac.ErrUnknownPrincipal) || !errors.Is(err, abac.ErrUnknownConditionProperty) || !errors.Is(err, abac.ErrPropertyNotFound) {
		t.Fatalf("expected all three problems, got %v", err)
	}
}

func TestConfigBuilderRoundTrip(t *testing.T) {
	b := abac.NewConfigBuilder().
		AddPrincipal(abac.PrincipalRole, "nurse").
		AddProperty(abac.NewPropertyBuilder("patients", "p-ssn", "ssn").PII().Masking(abac.MaskFull, "").Build()).
		AddProperty(abac.NewPropertyBuilder("patients", "p-ward", "ward").Build()).
		AddCollectionRule(abac.NewCollectionRuleBuilder("patients").ID("r1").Role("nurse").Allow(abac.OpRead).
			When(abac.Leaf("ward", abac.OpIn, abac.CurrentUserTeams)).Build()).
		AddPropertyRule(abac.NewPropertyRuleBuilder("p-ssn").ID("p1").Role("nurse").Read(false).Build())

	dir := t.TempDir()
	for _, name := range []string{"cfg.yaml", "cfg.json"} {
		var data []byte
		var err error
		if filepath.Ext(name) == ".json" {
			data, err = b.ToJSON()
		} else {
			data, err = b.ToYAML()
		}
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		cfg, err := abac.NewConfigLoader().LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", name, err)
		}
		rule, err := cfg.CollectionRules[0].Rule()
		if err != nil {
			t.Fatalf("%s: rule: %v", name, err)
		}
		leaf, ok := rule.Condition.(*abac.LeafCondition)
		if !ok || leaf.Value != (abac.SpecialValueRef{Key: abac.CurrentUserTeams}) {
			t.Fatalf("%s: condition lost in round trip: %#v", name, rule.Condition)
		}
		if cfg.PropertyRules[0].CanRead || cfg.Properties[0].MaskingStrategy != abac.MaskFull {
			t.Fatalf("%s: unexpected property data", name)
		}
	}
	if _, err := abac.NewConfigLoader().LoadFile(filepath.Join(dir, "cfg.toml")); err == nil {
		t.Fatalf("unknown extension should fail")
	}
}
