package abac_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

// spyPort records calls in order on top of a MemoryRuleCache.
type spyPort struct {
	inner   *abac.MemoryRuleCache
	mu      sync.Mutex
	calls   []string
	failGet bool
}

func (s *spyPort) log(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *spyPort) Get(ctx context.Context, id string) (*abac.RuleSet, bool, error) {
	s.log("get:" + id)
	if s.failGet {
		return nil, false, errors.New("cache unavailable")
	}
	return s.inner.Get(ctx, id)
}

func (s *spyPort) Set(ctx context.Context, id string, rs *abac.RuleSet, ttl time.Duration) error {
	s.log("set:" + id)
	return s.inner.Set(ctx, id, rs, ttl)
}

func (s *spyPort) Invalidate(ctx context.Context, id string) error {
	s.log("invalidate:" + id)
	return s.inner.Invalidate(ctx, id)
}

func (s *spyPort) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestRuleCacheTTL(t *testing.T) {
	ctx := context.Background()
	clock := abac.NewFakeClock(testNow)
	store := stores.NewMemoryRuleStore()
	store.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("c1").ID("r1").Allow(abac.OpRead).Build())
	cache := abac.NewRuleCache(store, abac.NewMemoryRuleCache(clock), time.Minute, clock, logger.NewNullLogger())

	rules, err := cache.GetActiveRules(ctx, "c1")
	if err != nil || len(rules) != 1 {
		t.Fatalf("expected one rule, got %d %v", len(rules), err)
	}

	// written behind the cache's back: served stale until the TTL passes
	store.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("c1").ID("r2").Allow(abac.OpRead).Build())
	rules, _ = cache.GetActiveRules(ctx, "c1")
	if len(rules) != 1 {
		t.Fatalf("expected cached rule set, got %d rules", len(rules))
	}
	clock.Advance(time.Minute + time.Second)
	rules, _ = cache.GetActiveRules(ctx, "c1")
	if len(rules) != 2 {
		t.Fatalf("expected reload after ttl, got %d rules", len(rules))
	}
}

func TestRuleCacheInvalidateIsSynchronous(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryRuleStore()
	store.UpsertPrincipal(ctx, abac.PrincipalRole, "clerk")
	spy := &spyPort{inner: abac.NewMemoryRuleCache(abac.RealClock())}
	eng, err := abac.NewEngine(store, nil, abac.WithRuleCachePort(spy), abac.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	user := &abac.UserAccessContext{ID: "u1", RoleIDs: []string{"clerk"}}
	req := abac.AccessCheckRequest{User: user, CollectionID: "docs", Operation: abac.OpRead}
	if res, _ := eng.CheckAccess(ctx, req); res.Allowed {
		t.Fatalf("no rules yet")
	}
	if _, err := eng.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("docs").Role("clerk").Allow(abac.OpRead).Build(), "admin"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// the very next check sees the new rule
	if res, _ := eng.CheckAccess(ctx, req); !res.Allowed {
		t.Fatalf("rule created before the check must be visible")
	}

	calls := spy.Calls()
	want := []string{"get:docs", "set:docs", "invalidate:docs", "get:docs", "set:docs"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected port calls %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (all %v)", i, calls[i], want[i], calls)
		}
	}
}

// racingStore invalidates the collection while a load is reading rules.
type racingStore struct {
	*stores.MemoryRuleStore
	once  sync.Once
	cache *abac.RuleCache
}

func (r *racingStore) FindActiveCollectionRules(ctx context.Context, id string) ([]*abac.CollectionAccessRule, error) {
	rules, err := r.MemoryRuleStore.FindActiveCollectionRules(ctx, id)
	r.once.Do(func() {
		r.cache.Invalidate(ctx, id)
	})
	return rules, err
}

func TestRuleCacheLoadDoesNotRepopulateAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryRuleStore: stores.NewMemoryRuleStore()}
	spy := &spyPort{inner: abac.NewMemoryRuleCache(abac.RealClock())}
	store.cache = abac.NewRuleCache(store, spy, time.Minute, nil, logger.NewNullLogger())

	if _, err := store.cache.Load(ctx, "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, c := range spy.Calls() {
		if c == "set:c1" {
			t.Fatalf("a load overtaken by an invalidation must not write back: %v", spy.Calls())
		}
	}
	if _, ok, _ := spy.inner.Get(ctx, "c1"); ok {
		t.Fatalf("cache should be empty")
	}

	// the next load is clean and caches normally
	if _, err := store.cache.Load(ctx, "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok, _ := spy.inner.Get(ctx, "c1"); !ok {
		t.Fatalf("second load should populate the cache")
	}
}

func TestRuleCachePortFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryRuleStore()
	store.CreateCollectionRule(ctx, abac.NewCollectionRuleBuilder("c1").ID("r1").Allow(abac.OpRead).Build())
	spy := &spyPort{inner: abac.NewMemoryRuleCache(abac.RealClock()), failGet: true}
	cache := abac.NewRuleCache(store, spy, time.Minute, nil, logger.NewNullLogger())
	rules, err := cache.GetActiveRules(ctx, "c1")
	if err != nil || len(rules) != 1 {
		t.Fatalf("expected store fallback, got %d %v", len(rules), err)
	}
}

func TestRistrettoRuleCache(t *testing.T) {
	ctx := context.Background()
	port, err := abac.NewRistrettoRuleCache(0, 0, 0)
	if err != nil {
		t.Fatalf("new ristretto cache: %v", err)
	}
	defer port.Close()
	rs := &abac.RuleSet{CollectionID: "c1", LoadedAt: testNow}
	if err := port.Set(ctx, "c1", rs, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := port.Get(ctx, "c1")
	if err != nil || !ok || got.CollectionID != "c1" {
		t.Fatalf("expected hit, got %v %v %v", got, ok, err)
	}
	if err := port.Invalidate(ctx, "c1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := port.Get(ctx, "c1"); ok {
		t.Fatalf("expected miss after invalidate")
	}
}
