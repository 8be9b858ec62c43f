package abac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/abac/logger"
)

// DefaultRuleCacheTTL bounds how stale a cached rule set may be for actors
// that did not perform the mutation.
const DefaultRuleCacheTTL = 5 * time.Minute

// RuleSet is everything the engine needs to decide on one collection.
// Values handed out by the cache are shared and must not be modified.
type RuleSet struct {
	CollectionID    string                  `json:"collection_id"`
	CollectionRules []*CollectionAccessRule `json:"collection_rules"`
	Properties      []*PropertyDefinition   `json:"properties"`
	PropertyRules   []*PropertyAccessRule   `json:"property_rules"`
	LoadedAt        time.Time               `json:"loaded_at"`
}

func (rs *RuleSet) cost() int64 {
	n := int64(len(rs.CollectionRules) + len(rs.Properties) + len(rs.PropertyRules))
	if n < 1 {
		return 1
	}
	return n
}

// RuleCachePort is the storage behind RuleCache.
type RuleCachePort interface {
	Get(ctx context.Context, collectionID string) (*RuleSet, bool, error)
	Set(ctx context.Context, collectionID string, rs *RuleSet, ttl time.Duration) error
	Invalidate(ctx context.Context, collectionID string) error
}

// MemoryRuleCache is a TTL map.
type MemoryRuleCache struct {
	mu      sync.RWMutex
	clock   Clock
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	rs        *RuleSet
	expiresAt time.Time
}

func NewMemoryRuleCache(clock Clock) *MemoryRuleCache {
	if clock == nil {
		clock = RealClock()
	}
	return &MemoryRuleCache{clock: clock, entries: make(map[string]memoryCacheEntry)}
}

func (m *MemoryRuleCache) Get(_ context.Context, collectionID string) (*RuleSet, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[collectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(entry.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.entries[collectionID]; ok && cur.rs == entry.rs {
			delete(m.entries, collectionID)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.rs, true, nil
}

func (m *MemoryRuleCache) Set(_ context.Context, collectionID string, rs *RuleSet, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[collectionID] = memoryCacheEntry{rs: rs, expiresAt: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryRuleCache) Invalidate(_ context.Context, collectionID string) error {
	m.mu.Lock()
	delete(m.entries, collectionID)
	m.mu.Unlock()
	return nil
}

// RistrettoRuleCache keeps rule sets in a cost-bounded ristretto cache.
type RistrettoRuleCache struct {
	cache *ristretto.Cache
}

// NewRistrettoRuleCache builds the cache. Zero arguments take sizes suited to
// a few thousand collections.
func NewRistrettoRuleCache(numCounters, maxCost, bufferItems int64) (*RistrettoRuleCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto rule cache: %w", err)
	}
	return &RistrettoRuleCache{cache: c}, nil
}

func (r *RistrettoRuleCache) Get(_ context.Context, collectionID string) (*RuleSet, bool, error) {
	v, ok := r.cache.Get(collectionID)
	if !ok {
		return nil, false, nil
	}
	rs, ok := v.(*RuleSet)
	return rs, ok, nil
}

func (r *RistrettoRuleCache) Set(_ context.Context, collectionID string, rs *RuleSet, ttl time.Duration) error {
	r.cache.SetWithTTL(collectionID, rs, rs.cost(), ttl)
	// make the write visible before returning so a later Del cannot be overtaken
	r.cache.Wait()
	return nil
}

func (r *RistrettoRuleCache) Invalidate(_ context.Context, collectionID string) error {
	r.cache.Del(collectionID)
	return nil
}

func (r *RistrettoRuleCache) Close() { r.cache.Close() }

// RuleCache loads rule sets through a RuleCachePort, falling back to the
// RuleStore on a miss or a port failure.
//
// Invalidate bumps a per-collection generation. A load that started before
// the bump does not write its result back, so a reader can never repopulate
// the cache with rules older than the last acknowledged mutation.
type RuleCache struct {
	store  RuleStore
	port   RuleCachePort
	ttl    time.Duration
	clock  Clock
	logger logger.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

func NewRuleCache(store RuleStore, port RuleCachePort, ttl time.Duration, clock Clock, log logger.Logger) *RuleCache {
	if clock == nil {
		clock = RealClock()
	}
	if port == nil {
		port = NewMemoryRuleCache(clock)
	}
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RuleCache{
		store:       store,
		port:        port,
		ttl:         ttl,
		clock:       clock,
		logger:      log,
		generations: make(map[string]uint64),
	}
}

// GetActiveRules returns the active collection rules in evaluation order.
func (c *RuleCache) GetActiveRules(ctx context.Context, collectionID string) ([]*CollectionAccessRule, error) {
	rs, err := c.Load(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return rs.CollectionRules, nil
}

// Load returns the rule set of collectionID.
func (c *RuleCache) Load(ctx context.Context, collectionID string) (*RuleSet, error) {
	rs, ok, err := c.port.Get(ctx, collectionID)
	if err != nil {
		c.logger.Warn("rule cache read failed, using store", "collection_id", collectionID, "error", err)
	} else if ok && rs != nil {
		return rs, nil
	}

	gen := c.generation(collectionID)
	rs, err = c.fetch(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[collectionID] != gen {
		return rs, nil
	}
	if err := c.port.Set(ctx, collectionID, rs, c.ttl); err != nil {
		c.logger.Warn("rule cache write failed", "collection_id", collectionID, "error", err)
	}
	return rs, nil
}

// Invalidate drops the cached rule set of collectionID. It returns only after
// the port has forgotten the entry.
func (c *RuleCache) Invalidate(ctx context.Context, collectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[collectionID]++
	if err := c.port.Invalidate(ctx, collectionID); err != nil {
		return fmt.Errorf("invalidate rule cache %s: %w", collectionID, err)
	}
	return nil
}

func (c *RuleCache) generation(collectionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[collectionID]
}

func (c *RuleCache) fetch(ctx context.Context, collectionID string) (*RuleSet, error) {
	rules, err := c.store.FindActiveCollectionRules(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("load collection rules %s: %w", collectionID, err)
	}
	defs, err := c.store.FindPropertyDefinitions(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("load property definitions %s: %w", collectionID, err)
	}
	propRules, err := c.store.FindActivePropertyRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load property rules: %w", err)
	}

	rs := &RuleSet{CollectionID: collectionID, LoadedAt: c.clock.Now()}
	for _, r := range rules {
		if r != nil && r.IsActive && r.CollectionID == collectionID {
			rs.CollectionRules = append(rs.CollectionRules, r)
		}
	}
	SortCollectionRules(rs.CollectionRules)

	inCollection := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d != nil && d.CollectionID == collectionID {
			rs.Properties = append(rs.Properties, d)
			inCollection[d.ID] = true
		}
	}
	sort.SliceStable(rs.Properties, func(i, j int) bool {
		if rs.Properties[i].SortOrder != rs.Properties[j].SortOrder {
			return rs.Properties[i].SortOrder < rs.Properties[j].SortOrder
		}
		return rs.Properties[i].Code < rs.Properties[j].Code
	})
	for _, r := range propRules {
		if r != nil && r.IsActive && inCollection[r.PropertyID] {
			rs.PropertyRules = append(rs.PropertyRules, r)
		}
	}
	SortPropertyRules(rs.PropertyRules)
	return rs, nil
}

// SortCollectionRules orders by priority, then creation time, then id.
func SortCollectionRules(rules []*CollectionAccessRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortPropertyRules orders by priority, then more specific principals first,
// then creation time and id.
func SortPropertyRules(rules []*PropertyAccessRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if sa, sb := a.Principal.Specificity(), b.Principal.Specificity(); sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
