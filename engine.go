package abac

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/abac/logger"
)

// Engine answers access questions for dynamically configured collections.
// It is safe for concurrent use; the rule cache is its only shared state.
type Engine struct {
	rules    RuleStore
	audit    AuditStore
	notifier Notifier
	cache    *RuleCache
	emitter  *Emitter

	cachePort      RuleCachePort
	cacheTTL       time.Duration
	auditBuffer    int
	auditDecisions bool
	ownsEmitter    bool

	clock  Clock
	logger logger.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		e.clock = c
		return nil
	}
}

// WithRuleCachePort replaces the in-process TTL map backing the rule cache.
func WithRuleCachePort(p RuleCachePort) EngineOption {
	return func(e *Engine) error {
		e.cachePort = p
		return nil
	}
}

func WithRuleCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("rule cache ttl must be positive, got %s", ttl)
		}
		e.cacheTTL = ttl
		return nil
	}
}

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

// WithEmitter shares an existing emitter instead of starting one. The engine
// does not close a shared emitter.
func WithEmitter(em *Emitter) EngineOption {
	return func(e *Engine) error {
		e.emitter = em
		return nil
	}
}

func WithAuditBufferSize(n int) EngineOption {
	return func(e *Engine) error {
		e.auditBuffer = n
		return nil
	}
}

// WithDecisionAudit records every CheckAccess verdict, denials included.
func WithDecisionAudit(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.auditDecisions = enabled
		return nil
	}
}

// NewEngine wires an engine over rules. audit may be nil when nothing should
// be recorded.
func NewEngine(rules RuleStore, audit AuditStore, opts ...EngineOption) (*Engine, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	e := &Engine{
		rules:       rules,
		audit:       audit,
		cacheTTL:    DefaultRuleCacheTTL,
		auditBuffer: DefaultEmitterBuffer,
		clock:       RealClock(),
		logger:      logger.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.cache = NewRuleCache(rules, e.cachePort, e.cacheTTL, e.clock, e.logger)
	if e.emitter == nil {
		e.emitter = NewEmitter(audit, e.notifier, e.logger, e.auditBuffer)
		e.ownsEmitter = true
	}
	return e, nil
}

// Emitter exposes the audit emitter so collaborators can share it.
func (e *Engine) Emitter() *Emitter { return e.emitter }

func (e *Engine) Cache() *RuleCache { return e.cache }

func (e *Engine) Clock() Clock { return e.clock }

// Close drains pending audit writes.
func (e *Engine) Close() {
	if e.ownsEmitter {
		e.emitter.Close()
	}
}

// AccessCheckRequest asks whether User may perform Operation on CollectionID.
// Record is the concrete row when one exists; leave it nil for list and
// create requests.
type AccessCheckRequest struct {
	User         *UserAccessContext
	CollectionID string
	Operation    Operation
	Record       map[string]any
	IncludeTrace bool
}

// Trace outcomes.
const (
	OutcomePrincipalMismatch = "principal_mismatch"
	OutcomeNotGranted        = "operation_not_granted"
	OutcomeConditionFailed   = "condition_failed"
	OutcomeGranted           = "granted"
	OutcomeGrantedDeferred   = "granted_condition_deferred"
)

// CheckAccess walks the active rules of the collection in priority order and
// returns the first grant. Without a grant the verdict is NO_MATCHING_RULE.
// When the rules cannot be loaded the result is a denial and the load error
// is returned alongside it.
func (e *Engine) CheckAccess(ctx context.Context, req AccessCheckRequest) (*AccessCheckResult, error) {
	now := e.clock.Now()
	res := &AccessCheckResult{Timestamp: now}
	if !req.Operation.Valid() {
		res.DenialReason = ReasonInvalidOperation
		e.auditDecision(req, res)
		return res, nil
	}

	rules, err := e.cache.GetActiveRules(ctx, req.CollectionID)
	if err != nil {
		e.logger.Error("access check could not load rules", "collection_id", req.CollectionID, "error", err)
		res.DenialReason = ReasonRuleLoadFailed
		e.auditDecision(req, res)
		return res, err
	}

	for _, rule := range rules {
		te := TraceEntry{RuleID: rule.ID, Priority: rule.Priority}
		decided := e.evaluateRule(rule, req, now, &te)
		if req.IncludeTrace {
			res.Trace = append(res.Trace, te)
		}
		if !decided {
			continue
		}
		res.Allowed = true
		res.MatchedRuleID = rule.ID
		res.Condition = rule.Condition
		res.ConditionDeferred = te.Outcome == OutcomeGrantedDeferred
		break
	}
	if !res.Allowed {
		res.DenialReason = ReasonNoMatchingRule
	}

	e.logger.Debug("access check",
		"user_id", userID(req.User),
		"collection_id", req.CollectionID,
		"operation", string(req.Operation),
		"allowed", res.Allowed,
		"matched_rule", res.MatchedRuleID,
		"reason", res.DenialReason)
	e.auditDecision(req, res)
	return res, nil
}

func (e *Engine) evaluateRule(rule *CollectionAccessRule, req AccessCheckRequest, now time.Time, te *TraceEntry) bool {
	if !MatchesCollectionRule(rule.Principal, req.User) {
		te.Outcome = OutcomePrincipalMismatch
		return false
	}
	te.PrincipalMatched = true
	if !rule.Grants(req.Operation) {
		te.Outcome = OutcomeNotGranted
		return false
	}
	te.PermissionGranted = true
	if rule.Condition == nil {
		te.Outcome = OutcomeGranted
		return true
	}
	if req.Record == nil {
		te.Outcome = OutcomeGrantedDeferred
		return true
	}
	cr := EvaluateCondition(rule.Condition, req.Record, req.User, now)
	te.ConditionChecked = true
	te.ConditionPassed = cr.Passed
	te.Details = cr.Details
	if !cr.Passed {
		te.Outcome = OutcomeConditionFailed
		return false
	}
	te.Outcome = OutcomeGranted
	return true
}

func (e *Engine) auditDecision(req AccessCheckRequest, res *AccessCheckResult) {
	if !e.auditDecisions {
		return
	}
	decision := DecisionDeny
	if res.Allowed {
		decision = DecisionAllow
	}
	ctx := map[string]any{
		"operation": string(req.Operation),
	}
	if res.MatchedRuleID != "" {
		ctx["matched_rule_id"] = res.MatchedRuleID
	}
	if res.DenialReason != "" {
		ctx["denial_reason"] = res.DenialReason
	}
	if res.ConditionDeferred {
		ctx["condition_deferred"] = true
	}
	if id, ok := req.Record["id"]; ok {
		ctx["record_id"] = fmt.Sprint(id)
	}
	if len(res.Trace) > 0 {
		ctx["trace"] = res.Trace
	}
	e.emitter.Audit(AuditEvent{
		OccurredAt:  res.Timestamp,
		PrincipalID: userID(req.User),
		Resource:    req.CollectionID,
		Action:      "access." + string(req.Operation),
		Decision:    decision,
		Context:     ctx,
	})
}

func userID(u *UserAccessContext) string {
	if u == nil {
		return ""
	}
	return u.ID
}
