package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/abac"
)

// MemoryRuleStore keeps rules, property definitions and principals in maps
// for tests and demos.
type MemoryRuleStore struct {
	mu              sync.RWMutex
	collectionRules map[string]*abac.CollectionAccessRule
	propertyRules   map[string]*abac.PropertyAccessRule
	properties      map[string]*abac.PropertyDefinition
	principals      map[abac.PrincipalKind]map[string]bool
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		collectionRules: make(map[string]*abac.CollectionAccessRule),
		propertyRules:   make(map[string]*abac.PropertyAccessRule),
		properties:      make(map[string]*abac.PropertyDefinition),
		principals:      make(map[abac.PrincipalKind]map[string]bool),
	}
}

func (s *MemoryRuleStore) UpsertPrincipal(ctx context.Context, kind abac.PrincipalKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principals[kind] == nil {
		s.principals[kind] = make(map[string]bool)
	}
	s.principals[kind][id] = true
	return nil
}

func (s *MemoryRuleStore) UpsertPropertyDefinition(ctx context.Context, d *abac.PropertyDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *d
	s.properties[d.ID] = &dup
	return nil
}

func (s *MemoryRuleStore) FindPrincipal(ctx context.Context, kind abac.PrincipalKind, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principals[kind][id], nil
}

func (s *MemoryRuleStore) FindActiveCollectionRules(ctx context.Context, collectionID string) ([]*abac.CollectionAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.CollectionAccessRule, 0)
	for _, r := range s.collectionRules {
		if r.CollectionID == collectionID && r.IsActive {
			out = append(out, r.Clone())
		}
	}
	abac.SortCollectionRules(out)
	return out, nil
}

func (s *MemoryRuleStore) FindActivePropertyRules(ctx context.Context) ([]*abac.PropertyAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.PropertyAccessRule, 0, len(s.propertyRules))
	for _, r := range s.propertyRules {
		if r.IsActive {
			out = append(out, r.Clone())
		}
	}
	abac.SortPropertyRules(out)
	return out, nil
}

func (s *MemoryRuleStore) FindPropertyDefinitions(ctx context.Context, collectionID string) ([]*abac.PropertyDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.PropertyDefinition, 0)
	for _, d := range s.properties {
		if d.CollectionID == collectionID {
			dup := *d
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryRuleStore) GetPropertyDefinition(ctx context.Context, propertyID string) (*abac.PropertyDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.properties[propertyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", abac.ErrPropertyNotFound, propertyID)
	}
	dup := *d
	return &dup, nil
}

func (s *MemoryRuleStore) GetCollectionRule(ctx context.Context, id string) (*abac.CollectionAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.collectionRules[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection rule %s", abac.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryRuleStore) ListCollectionRules(ctx context.Context, collectionID string) ([]*abac.CollectionAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.CollectionAccessRule, 0)
	for _, r := range s.collectionRules {
		if r.CollectionID == collectionID {
			out = append(out, r.Clone())
		}
	}
	abac.SortCollectionRules(out)
	return out, nil
}

func (s *MemoryRuleStore) CreateCollectionRule(ctx context.Context, r *abac.CollectionAccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collectionRules[r.ID]; exists {
		return fmt.Errorf("collection rule already exists: %s", r.ID)
	}
	s.collectionRules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRuleStore) UpdateCollectionRule(ctx context.Context, r *abac.CollectionAccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collectionRules[r.ID]; !ok {
		return fmt.Errorf("%w: collection rule %s", abac.ErrRuleNotFound, r.ID)
	}
	s.collectionRules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRuleStore) DeleteCollectionRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collectionRules[id]; !ok {
		return fmt.Errorf("%w: collection rule %s", abac.ErrRuleNotFound, id)
	}
	delete(s.collectionRules, id)
	return nil
}

func (s *MemoryRuleStore) GetPropertyRule(ctx context.Context, id string) (*abac.PropertyAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.propertyRules[id]
	if !ok {
		return nil, fmt.Errorf("%w: property rule %s", abac.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryRuleStore) ListPropertyRules(ctx context.Context, propertyID string) ([]*abac.PropertyAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.PropertyAccessRule, 0)
	for _, r := range s.propertyRules {
		if r.PropertyID == propertyID {
			out = append(out, r.Clone())
		}
	}
	abac.SortPropertyRules(out)
	return out, nil
}

func (s *MemoryRuleStore) CreatePropertyRule(ctx context.Context, r *abac.PropertyAccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.propertyRules[r.ID]; exists {
		return fmt.Errorf("property rule already exists: %s", r.ID)
	}
	s.propertyRules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRuleStore) UpdatePropertyRule(ctx context.Context, r *abac.PropertyAccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.propertyRules[r.ID]; !ok {
		return fmt.Errorf("%w: property rule %s", abac.ErrRuleNotFound, r.ID)
	}
	s.propertyRules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRuleStore) DeletePropertyRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.propertyRules[id]; !ok {
		return fmt.Errorf("%w: property rule %s", abac.ErrRuleNotFound, id)
	}
	delete(s.propertyRules, id)
	return nil
}

// MemorySessionStore keeps break-glass sessions in a map. The single mutex
// makes TransitionSession a compare-and-swap on status.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*abac.BreakGlassSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*abac.BreakGlassSession)}
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, sess *abac.BreakGlassSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("break-glass session already exists: %s", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, id string) (*abac.BreakGlassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", abac.ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *MemorySessionStore) FindCoveringSession(ctx context.Context, userID, collectionID, recordID string, now time.Time) (*abac.BreakGlassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *abac.BreakGlassSession
	for _, sess := range s.sessions {
		if !coversRequest(sess, userID, collectionID, recordID, now) {
			continue
		}
		if best == nil || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	return best.Clone(), nil
}

func (s *MemorySessionStore) TransitionSession(ctx context.Context, next *abac.BreakGlassSession, from ...abac.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[next.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", abac.ErrSessionNotFound, next.ID)
	}
	if !statusIn(cur.Status, from) {
		return false, nil
	}
	s.sessions[next.ID] = next.Clone()
	return true, nil
}

func (s *MemorySessionStore) RecordAction(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", abac.ErrSessionNotFound, id)
	}
	if !cur.IsActiveAt(at) {
		return false, nil
	}
	cur.ActionCount++
	cur.LastActionAt = at
	cur.UpdatedAt = at
	return true, nil
}

func (s *MemorySessionStore) ListSessions(ctx context.Context, f abac.SessionFilter) ([]*abac.BreakGlassSession, error) {
	s.mu.RLock()
	out := make([]*abac.BreakGlassSession, 0)
	for _, sess := range s.sessions {
		if matchesSessionFilter(sess, f) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, f.Offset, f.Limit), nil
}

// MemoryAuditStore is an append-only slice.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []*abac.AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make([]*abac.AuditEvent, 0)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, ev *abac.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *ev
	s.events = append(s.events, &dup)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, f abac.AuditFilter) ([]*abac.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.AuditEvent, 0)
	for _, ev := range s.events {
		if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
			continue
		}
		if f.Resource != "" && ev.Resource != f.Resource {
			continue
		}
		if f.Action != "" && ev.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && ev.OccurredAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.OccurredAt.After(f.Until) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len is the number of recorded events.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
