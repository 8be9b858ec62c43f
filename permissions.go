package abac

import (
	"context"
	"time"
)

// GetEffectivePermissions resolves what user may do on a collection and on
// each of its properties.
//
// Collection operations are a union: the first matching rule that grants an
// operation sets it, together with that rule's condition, and later rules
// never revoke it. Each property is decided by its single top-ranked
// applicable rule, or by the definition defaults when none applies.
func (e *Engine) GetEffectivePermissions(ctx context.Context, collectionID string, user *UserAccessContext) (*EffectivePermissions, error) {
	rs, err := e.cache.Load(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return ResolvePermissions(rs, user), nil
}

// ResolvePermissions is the pure part of GetEffectivePermissions.
func ResolvePermissions(rs *RuleSet, user *UserAccessContext) *EffectivePermissions {
	perms := &EffectivePermissions{CollectionID: rs.CollectionID}
	for _, r := range rs.CollectionRules {
		if !MatchesCollectionRule(r.Principal, user) {
			continue
		}
		if r.CanRead && !perms.CanRead {
			perms.CanRead = true
			perms.ReadCondition = r.Condition
		}
		if r.CanCreate {
			perms.CanCreate = true
		}
		if r.CanUpdate && !perms.CanUpdate {
			perms.CanUpdate = true
			perms.UpdateCondition = r.Condition
		}
		if r.CanDelete && !perms.CanDelete {
			perms.CanDelete = true
			perms.DeleteCondition = r.Condition
		}
	}

	winners := make(map[string]*PropertyAccessRule, len(rs.Properties))
	for _, r := range rs.PropertyRules {
		if _, done := winners[r.PropertyID]; done {
			continue
		}
		if MatchesPropertyRule(r.Principal, user) {
			winners[r.PropertyID] = r
		}
	}

	perms.Properties = make([]PropertyAccessResult, 0, len(rs.Properties))
	for _, def := range rs.Properties {
		perms.Properties = append(perms.Properties, resolveProperty(def, winners[def.ID]))
	}
	return perms
}

func resolveProperty(def *PropertyDefinition, winner *PropertyAccessRule) PropertyAccessResult {
	res := PropertyAccessResult{
		Code:               def.Code,
		CanRead:            true,
		CanWrite:           !def.IsReadonly,
		IsPHI:              def.IsPHI,
		RequiresBreakGlass: def.RequiresBreakGlass,
	}
	if winner != nil {
		res.CanRead = winner.CanRead
		res.CanWrite = winner.CanWrite
	}
	if def.RequiresBreakGlass {
		res.CanRead = false
		res.CanWrite = false
	}
	if def.classified() && def.Strategy() != MaskNone && res.CanRead {
		res.IsMasked = true
		res.MaskValue = maskValueFor(def, winner)
	}
	return res
}

func maskValueFor(def *PropertyDefinition, winner *PropertyAccessRule) string {
	if winner != nil && winner.MaskValue != "" {
		return winner.MaskValue
	}
	if def.MaskValue != "" {
		return def.MaskValue
	}
	return DefaultMaskValue
}

// ApplyBreakGlassOverride returns a copy of perms in which an active,
// unexpired session covering (perms.CollectionID, recordID) lifts the
// break-glass gate: gated properties become readable and unmasked, and the
// collection becomes readable without a row condition. Break-glass bypasses
// rule outcomes, so a property rule that denied read on a gated property is
// lifted as well. Writes are never granted by break-glass.
func ApplyBreakGlassOverride(perms *EffectivePermissions, session *BreakGlassSession, recordID string, now time.Time) *EffectivePermissions {
	if perms == nil {
		return nil
	}
	out := *perms
	out.Properties = append([]PropertyAccessResult(nil), perms.Properties...)
	if session == nil || !session.IsActiveAt(now) || !session.Covers(perms.CollectionID, recordID) {
		return &out
	}
	if !out.CanRead {
		out.CanRead = true
		out.ReadCondition = nil
	}
	for i := range out.Properties {
		if out.Properties[i].RequiresBreakGlass {
			out.Properties[i].CanRead = true
			out.Properties[i].IsMasked = false
			out.Properties[i].MaskValue = ""
		}
	}
	return &out
}
