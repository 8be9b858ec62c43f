package abac

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// systemProperties exist on every record without a property definition.
var systemProperties = map[string]bool{
	"id":         true,
	"created_by": true,
	"updated_by": true,
	"created_at": true,
	"updated_at": true,
}

// CreateCollectionRule validates and stores rule. The collection's cached
// rule set is dropped before the call returns.
func (e *Engine) CreateCollectionRule(ctx context.Context, rule *CollectionAccessRule, actorID string) (*CollectionAccessRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}
	if err := e.validateCollectionRule(ctx, rule); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	created := rule.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.CreatedBy, created.UpdatedBy = actorID, actorID
	created.CreatedAt, created.UpdatedAt = now, now
	if err := e.rules.CreateCollectionRule(ctx, created); err != nil {
		return nil, fmt.Errorf("create collection rule: %w", err)
	}
	if err := e.cache.Invalidate(ctx, created.CollectionID); err != nil {
		return created, err
	}
	e.auditMutation(actorID, created.CollectionID, "rule.collection.create", created.ID, nil, *created)
	return created, nil
}

// UpdateCollectionRule replaces the stored rule with the same id.
func (e *Engine) UpdateCollectionRule(ctx context.Context, rule *CollectionAccessRule, actorID string) (*CollectionAccessRule, error) {
	if rule == nil || rule.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrRuleNotFound)
	}
	prev, err := e.rules.GetCollectionRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := e.validateCollectionRule(ctx, rule); err != nil {
		return nil, err
	}
	updated := rule.Clone()
	updated.CreatedBy, updated.CreatedAt = prev.CreatedBy, prev.CreatedAt
	updated.UpdatedBy, updated.UpdatedAt = actorID, e.clock.Now()
	if err := e.rules.UpdateCollectionRule(ctx, updated); err != nil {
		return nil, fmt.Errorf("update collection rule %s: %w", rule.ID, err)
	}
	if err := e.invalidate(ctx, prev.CollectionID, updated.CollectionID); err != nil {
		return updated, err
	}
	e.auditMutation(actorID, updated.CollectionID, "rule.collection.update", updated.ID, *prev, *updated)
	return updated, nil
}

func (e *Engine) DeleteCollectionRule(ctx context.Context, id, actorID string) error {
	prev, err := e.rules.GetCollectionRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.rules.DeleteCollectionRule(ctx, id); err != nil {
		return fmt.Errorf("delete collection rule %s: %w", id, err)
	}
	if err := e.cache.Invalidate(ctx, prev.CollectionID); err != nil {
		return err
	}
	e.auditMutation(actorID, prev.CollectionID, "rule.collection.delete", id, *prev, nil)
	return nil
}

// ReorderCollectionRules assigns ascending priorities following orderedIDs.
// Every id must belong to the collection; rules not listed keep their
// priority.
func (e *Engine) ReorderCollectionRules(ctx context.Context, collectionID string, orderedIDs []string, actorID string) error {
	existing, err := e.rules.ListCollectionRules(ctx, collectionID)
	if err != nil {
		return err
	}
	byID := make(map[string]*CollectionAccessRule, len(existing))
	for _, r := range existing {
		byID[r.ID] = r
	}
	previous := make(map[string]int, len(orderedIDs))
	next := make(map[string]int, len(orderedIDs))
	now := e.clock.Now()
	for i, id := range orderedIDs {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %s in collection %s", ErrRuleNotFound, id, collectionID)
		}
		previous[id] = r.Priority
		next[id] = (i + 1) * 10
	}
	for _, id := range orderedIDs {
		r := byID[id].Clone()
		if r.Priority == next[id] {
			continue
		}
		r.Priority = next[id]
		r.UpdatedBy, r.UpdatedAt = actorID, now
		if err := e.rules.UpdateCollectionRule(ctx, r); err != nil {
			// whatever was written must not be served stale
			_ = e.cache.Invalidate(ctx, collectionID)
			return fmt.Errorf("reorder collection rule %s: %w", id, err)
		}
	}
	if err := e.cache.Invalidate(ctx, collectionID); err != nil {
		return err
	}
	e.auditMutation(actorID, collectionID, "rule.collection.reorder", "", previous, next)
	return nil
}

// CreatePropertyRule validates and stores rule, dropping the cached rule set
// of the property's collection.
func (e *Engine) CreatePropertyRule(ctx context.Context, rule *PropertyAccessRule, actorID string) (*PropertyAccessRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}
	def, err := e.validatePropertyRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	created := rule.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.CreatedBy, created.UpdatedBy = actorID, actorID
	created.CreatedAt, created.UpdatedAt = now, now
	if err := e.rules.CreatePropertyRule(ctx, created); err != nil {
		return nil, fmt.Errorf("create property rule: %w", err)
	}
	if err := e.cache.Invalidate(ctx, def.CollectionID); err != nil {
		return created, err
	}
	e.auditMutation(actorID, def.CollectionID, "rule.property.create", created.ID, nil, *created)
	return created, nil
}

func (e *Engine) UpdatePropertyRule(ctx context.Context, rule *PropertyAccessRule, actorID string) (*PropertyAccessRule, error) {
	if rule == nil || rule.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrRuleNotFound)
	}
	prev, err := e.rules.GetPropertyRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	def, err := e.validatePropertyRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	prevDef, err := e.rules.GetPropertyDefinition(ctx, prev.PropertyID)
	if err != nil {
		return nil, err
	}
	updated := rule.Clone()
	updated.CreatedBy, updated.CreatedAt = prev.CreatedBy, prev.CreatedAt
	updated.UpdatedBy, updated.UpdatedAt = actorID, e.clock.Now()
	if err := e.rules.UpdatePropertyRule(ctx, updated); err != nil {
		return nil, fmt.Errorf("update property rule %s: %w", rule.ID, err)
	}
	if err := e.invalidate(ctx, prevDef.CollectionID, def.CollectionID); err != nil {
		return updated, err
	}
	e.auditMutation(actorID, def.CollectionID, "rule.property.update", updated.ID, *prev, *updated)
	return updated, nil
}

func (e *Engine) DeletePropertyRule(ctx context.Context, id, actorID string) error {
	prev, err := e.rules.GetPropertyRule(ctx, id)
	if err != nil {
		return err
	}
	def, err := e.rules.GetPropertyDefinition(ctx, prev.PropertyID)
	if err != nil {
		return err
	}
	if err := e.rules.DeletePropertyRule(ctx, id); err != nil {
		return fmt.Errorf("delete property rule %s: %w", id, err)
	}
	if err := e.cache.Invalidate(ctx, def.CollectionID); err != nil {
		return err
	}
	e.auditMutation(actorID, def.CollectionID, "rule.property.delete", id, *prev, nil)
	return nil
}

// InvalidateCollection drops the cached rule set of collectionID. Callers that
// change property definitions out of band use this.
func (e *Engine) InvalidateCollection(ctx context.Context, collectionID string) error {
	return e.cache.Invalidate(ctx, collectionID)
}

func (e *Engine) invalidate(ctx context.Context, ids ...string) error {
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := e.cache.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validateCollectionRule(ctx context.Context, rule *CollectionAccessRule) error {
	if rule.CollectionID == "" {
		return fmt.Errorf("collection rule needs a collection id")
	}
	if err := e.validatePrincipal(ctx, rule.Principal); err != nil {
		return err
	}
	return e.validateRuleCondition(ctx, rule.CollectionID, rule.Condition)
}

func (e *Engine) validatePropertyRule(ctx context.Context, rule *PropertyAccessRule) (*PropertyDefinition, error) {
	if rule.PropertyID == "" {
		return nil, fmt.Errorf("%w: property rule needs a property id", ErrPropertyNotFound)
	}
	def, err := e.rules.GetPropertyDefinition(ctx, rule.PropertyID)
	if err != nil {
		return nil, err
	}
	if err := e.validatePrincipal(ctx, rule.Principal); err != nil {
		return nil, err
	}
	if err := e.validateRuleCondition(ctx, def.CollectionID, rule.Condition); err != nil {
		return nil, err
	}
	return def, nil
}

func (e *Engine) validatePrincipal(ctx context.Context, p Principal) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.IsEveryone() {
		return nil
	}
	ok, err := e.rules.FindPrincipal(ctx, p.Kind, p.ID)
	if err != nil {
		return fmt.Errorf("look up principal %s: %w", p, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, p)
	}
	return nil
}

func (e *Engine) validateRuleCondition(ctx context.Context, collectionID string, cond Condition) error {
	if cond == nil {
		return nil
	}
	if err := ValidateCondition(cond); err != nil {
		return err
	}
	defs, err := e.rules.FindPropertyDefinitions(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("load property definitions %s: %w", collectionID, err)
	}
	codes := make(map[string]bool, len(defs))
	for _, d := range defs {
		codes[d.Code] = true
	}
	for _, prop := range ConditionProperties(cond) {
		root, _, _ := strings.Cut(prop, ".")
		if !codes[prop] && !codes[root] && !systemProperties[root] {
			return fmt.Errorf("%w: %q in collection %s", ErrUnknownConditionProperty, prop, collectionID)
		}
	}
	return nil
}

func (e *Engine) auditMutation(actorID, collectionID, action, ruleID string, previous, next any) {
	ctx := map[string]any{}
	if ruleID != "" {
		ctx["rule_id"] = ruleID
	}
	if previous != nil {
		ctx["previous"] = previous
	}
	if next != nil {
		ctx["new"] = next
	}
	e.emitter.Audit(AuditEvent{
		OccurredAt:  e.clock.Now(),
		PrincipalID: actorID,
		Resource:    collectionID,
		Action:      action,
		Decision:    DecisionAllow,
		Context:     ctx,
	})
}
