package abac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/oarkflow/abac/logger"
)

// SessionStatus is the state of a break-glass session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusRevoked   SessionStatus = "revoked"
	StatusExpired   SessionStatus = "expired"
	StatusCompleted SessionStatus = "completed"
)

func (s SessionStatus) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired || s == StatusCompleted
}

type sessionTransition string

const (
	transitionApprove  sessionTransition = "approve"
	transitionRevoke   sessionTransition = "revoke"
	transitionComplete sessionTransition = "complete"
	transitionExpire   sessionTransition = "expire"
)

type transitionRule struct {
	from []SessionStatus
	to   SessionStatus
}

// sessionTransitions is the complete state machine. Creation enters pending
// or active directly; nothing leaves a terminal state.
var sessionTransitions = map[sessionTransition]transitionRule{
	transitionApprove:  {from: []SessionStatus{StatusPending}, to: StatusActive},
	transitionRevoke:   {from: []SessionStatus{StatusActive, StatusPending}, to: StatusRevoked},
	transitionComplete: {from: []SessionStatus{StatusActive}, to: StatusCompleted},
	transitionExpire:   {from: []SessionStatus{StatusActive}, to: StatusExpired},
}

// SessionContext snapshots the requester at request time.
type SessionContext struct {
	Email        string   `json:"email,omitempty"`
	RoleIDs      []string `json:"role_ids,omitempty"`
	TeamIDs      []string `json:"team_ids,omitempty"`
	GroupIDs     []string `json:"group_ids,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	IPAddress    string   `json:"ip_address,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
}

// BreakGlassSession is an emergency access grant. An empty CollectionID or
// RecordID means the session is not narrowed on that level. Zero times are
// unset.
type BreakGlassSession struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	CollectionID     string         `json:"collection_id,omitempty"`
	RecordID         string         `json:"record_id,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	Justification    string         `json:"justification"`
	Status           SessionStatus  `json:"status"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	ApprovedAt       time.Time      `json:"approved_at,omitzero"`
	Duration         time.Duration  `json:"duration"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	ExpiresAt        time.Time      `json:"expires_at,omitzero"`
	EndedAt          time.Time      `json:"ended_at,omitzero"`
	EndedBy          string         `json:"ended_by,omitempty"`
	EndReason        string         `json:"end_reason,omitempty"`
	LastActionAt     time.Time      `json:"last_action_at,omitzero"`
	ActionCount      int            `json:"action_count"`
	Context          SessionContext `json:"context"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Covers reports whether the session scope equals or contains the given one.
func (s *BreakGlassSession) Covers(collectionID, recordID string) bool {
	if s.CollectionID != "" && s.CollectionID != collectionID {
		return false
	}
	return s.RecordID == "" || s.RecordID == recordID
}

// IsActiveAt reports whether the session grants access at now.
func (s *BreakGlassSession) IsActiveAt(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

func (s *BreakGlassSession) Clone() *BreakGlassSession {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Context.RoleIDs = slices.Clone(s.Context.RoleIDs)
	dup.Context.TeamIDs = slices.Clone(s.Context.TeamIDs)
	dup.Context.GroupIDs = slices.Clone(s.Context.GroupIDs)
	return &dup
}

func (s *BreakGlassSession) resource() string {
	switch {
	case s.CollectionID == "":
		return "break_glass:*"
	case s.RecordID == "":
		return "break_glass:" + s.CollectionID
	}
	return "break_glass:" + s.CollectionID + "/" + s.RecordID
}

// Reason codes.
const (
	ReasonEmergencyPatientCare = "emergency_patient_care"
	ReasonSystemOutage         = "system_outage"
	ReasonSecurityIncident     = "security_incident"
	ReasonComplianceReview     = "compliance_review"
	ReasonLegalHold            = "legal_hold"
)

// BreakGlassConfig holds the request policy.
type BreakGlassConfig struct {
	MinJustificationLength int
	DefaultDuration        time.Duration
	MaxDuration            time.Duration
	ReasonCodes            []string
	ApprovalRequired       []string
	SweepInterval          time.Duration
}

func DefaultBreakGlassConfig() BreakGlassConfig {
	return BreakGlassConfig{
		MinJustificationLength: 20,
		DefaultDuration:        time.Hour,
		MaxDuration:            8 * time.Hour,
		ReasonCodes: []string{
			ReasonEmergencyPatientCare,
			ReasonSystemOutage,
			ReasonSecurityIncident,
			ReasonComplianceReview,
			ReasonLegalHold,
		},
		ApprovalRequired: []string{ReasonComplianceReview, ReasonLegalHold},
		SweepInterval:    time.Minute,
	}
}

func (c *BreakGlassConfig) normalize() {
	def := DefaultBreakGlassConfig()
	// configuration may raise the minimum, never lower it
	c.MinJustificationLength = max(c.MinJustificationLength, def.MinJustificationLength)
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = def.DefaultDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = def.MaxDuration
	}
	if c.DefaultDuration > c.MaxDuration {
		c.DefaultDuration = c.MaxDuration
	}
	if len(c.ReasonCodes) == 0 {
		c.ReasonCodes = def.ReasonCodes
	}
	if c.ApprovalRequired == nil {
		c.ApprovalRequired = def.ApprovalRequired
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}

// BreakGlassRequest is what a user submits to open a session.
type BreakGlassRequest struct {
	CollectionID  string
	RecordID      string
	ReasonCode    string
	Justification string
	Duration      time.Duration
	IPAddress     string
	UserAgent     string
}

// BreakGlassManager drives the session state machine. Every status change
// goes through SessionStore.TransitionSession, so a sweep racing a human
// action resolves to exactly one winner.
type BreakGlassManager struct {
	sessions SessionStore
	emitter  *Emitter
	cfg      BreakGlassConfig
	clock    Clock
	logger   logger.Logger
}

type BreakGlassOption func(*BreakGlassManager)

func WithBreakGlassConfig(cfg BreakGlassConfig) BreakGlassOption {
	return func(m *BreakGlassManager) { m.cfg = cfg }
}

func WithBreakGlassClock(c Clock) BreakGlassOption {
	return func(m *BreakGlassManager) { m.clock = c }
}

func WithBreakGlassLogger(l logger.Logger) BreakGlassOption {
	return func(m *BreakGlassManager) { m.logger = l }
}

func NewBreakGlassManager(sessions SessionStore, emitter *Emitter, opts ...BreakGlassOption) (*BreakGlassManager, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	m := &BreakGlassManager{
		sessions: sessions,
		emitter:  emitter,
		cfg:      DefaultBreakGlassConfig(),
		clock:    RealClock(),
		logger:   logger.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.normalize()
	return m, nil
}

func (m *BreakGlassManager) Config() BreakGlassConfig { return m.cfg }

func (m *BreakGlassManager) requiresApproval(reason string) bool {
	return slices.Contains(m.cfg.ApprovalRequired, reason)
}

// Request opens a session for user, or returns the pending or active session
// that already covers the requested scope.
func (m *BreakGlassManager) Request(ctx context.Context, user *UserAccessContext, req BreakGlassRequest) (*BreakGlassSession, error) {
	if user == nil || user.ID == "" {
		return nil, ErrMissingActor
	}
	justification := strings.TrimSpace(req.Justification)
	if utf8.RuneCountInString(justification) < m.cfg.MinJustificationLength {
		return nil, fmt.Errorf("%w: at least %d characters required", ErrJustificationTooShort, m.cfg.MinJustificationLength)
	}
	if !slices.Contains(m.cfg.ReasonCodes, req.ReasonCode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReasonCode, req.ReasonCode)
	}
	if req.RecordID != "" && req.CollectionID == "" {
		return nil, fmt.Errorf("record scope %q needs a collection", req.RecordID)
	}
	duration := req.Duration
	if duration <= 0 {
		duration = m.cfg.DefaultDuration
	}
	if duration > m.cfg.MaxDuration {
		duration = m.cfg.MaxDuration
	}

	now := m.clock.Now()
	existing, err := m.sessions.FindCoveringSession(ctx, user.ID, req.CollectionID, req.RecordID, now)
	if err != nil {
		return nil, fmt.Errorf("look up existing break-glass session: %w", err)
	}
	if existing != nil {
		m.logger.Info("break-glass request reuses existing session",
			"session_id", existing.ID, "user_id", user.ID, "status", string(existing.Status))
		return existing, nil
	}

	s := &BreakGlassSession{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		CollectionID:     req.CollectionID,
		RecordID:         req.RecordID,
		ReasonCode:       req.ReasonCode,
		Justification:    justification,
		Status:           StatusActive,
		ApprovalRequired: m.requiresApproval(req.ReasonCode),
		Duration:         duration,
		Context: SessionContext{
			Email:        user.Email,
			RoleIDs:      slices.Clone(user.RoleIDs),
			TeamIDs:      slices.Clone(user.TeamIDs),
			GroupIDs:     slices.Clone(user.GroupIDs),
			DepartmentID: user.DepartmentID,
			IPAddress:    req.IPAddress,
			UserAgent:    req.UserAgent,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.ApprovalRequired {
		s.Status = StatusPending
	} else {
		s.StartedAt = now
		s.ExpiresAt = now.Add(duration)
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create break-glass session: %w", err)
	}

	m.logger.Warn("break-glass session requested",
		"session_id", s.ID, "user_id", s.UserID, "reason_code", s.ReasonCode,
		"status", string(s.Status), "duration", duration)
	m.record(s, user.ID, EventBreakGlassRequested, map[string]any{"justification": justification})
	m.emitter.Notify(m.domainEvent(EventBreakGlassRequested, s, user.ID, ""))
	return s, nil
}

// Approve activates a pending session. The expiry window starts at approval.
func (m *BreakGlassManager) Approve(ctx context.Context, sessionID, approverID string) (*BreakGlassSession, error) {
	if approverID == "" {
		return nil, ErrMissingActor
	}
	s, err := m.transition(ctx, sessionID, transitionApprove, func(s *BreakGlassSession, now time.Time) error {
		if s.UserID == approverID {
			return ErrSelfApproval
		}
		s.ApprovedBy = approverID
		s.ApprovedAt = now
		s.StartedAt = now
		s.ExpiresAt = now.Add(s.Duration)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Warn("break-glass session approved", "session_id", s.ID, "user_id", s.UserID, "approved_by", approverID)
	m.record(s, approverID, EventBreakGlassApproved, nil)
	m.emitter.Notify(m.domainEvent(EventBreakGlassApproved, s, approverID, ""))
	return s, nil
}

// Revoke ends an active or pending session on behalf of actorID.
func (m *BreakGlassManager) Revoke(ctx context.Context, sessionID, actorID, reason string) (*BreakGlassSession, error) {
	if actorID == "" {
		return nil, ErrMissingActor
	}
	s, err := m.transition(ctx, sessionID, transitionRevoke, func(s *BreakGlassSession, now time.Time) error {
		s.EndedAt = now
		s.EndedBy = actorID
		s.EndReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Warn("break-glass session revoked", "session_id", s.ID, "user_id", s.UserID, "revoked_by", actorID)
	m.record(s, actorID, EventBreakGlassRevoked, map[string]any{"reason": reason})
	m.emitter.Notify(m.domainEvent(EventBreakGlassRevoked, s, actorID, reason))
	return s, nil
}

// Complete lets the requester close their own active session.
func (m *BreakGlassManager) Complete(ctx context.Context, sessionID, actorID string) (*BreakGlassSession, error) {
	if actorID == "" {
		return nil, ErrMissingActor
	}
	s, err := m.transition(ctx, sessionID, transitionComplete, func(s *BreakGlassSession, now time.Time) error {
		if s.UserID != actorID {
			return ErrNotSessionOwner
		}
		s.EndedAt = now
		s.EndedBy = actorID
		s.EndReason = "completed by requester"
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("break-glass session completed", "session_id", s.ID, "user_id", s.UserID, "actions", s.ActionCount)
	m.record(s, actorID, "break_glass.completed", nil)
	return s, nil
}

// ExpireOldSessions moves every active session past its expiry to expired and
// returns how many it moved. Sessions changed concurrently are skipped.
func (m *BreakGlassManager) ExpireOldSessions(ctx context.Context) (int, error) {
	now := m.clock.Now()
	due, err := m.sessions.ListSessions(ctx, SessionFilter{
		Statuses:      []SessionStatus{StatusActive},
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired break-glass sessions: %w", err)
	}
	rule := sessionTransitions[transitionExpire]
	expired := 0
	for _, s := range due {
		if !s.ExpiresAt.Before(now) {
			continue
		}
		next := s.Clone()
		next.Status = rule.to
		next.EndedAt = now
		next.EndReason = "expired"
		next.UpdatedAt = now
		ok, err := m.sessions.TransitionSession(ctx, next, rule.from...)
		if err != nil {
			return expired, fmt.Errorf("expire break-glass session %s: %w", s.ID, err)
		}
		if !ok {
			continue
		}
		expired++
		m.record(next, "system", "break_glass.expired", map[string]any{"expired_at": s.ExpiresAt})
	}
	if expired > 0 {
		m.logger.Info("break-glass sessions expired", "count", expired)
	}
	return expired, nil
}

// RecordAction attributes an operation to an open session. On a session that
// is not active it does nothing beyond a warning.
func (m *BreakGlassManager) RecordAction(ctx context.Context, sessionID, action string, details map[string]any) error {
	now := m.clock.Now()
	ok, err := m.sessions.RecordAction(ctx, sessionID, now)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warn("break-glass action on inactive session ignored", "session_id", sessionID, "action", action)
		return nil
	}
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ctxMap := map[string]any{"action": action}
	for k, v := range details {
		ctxMap[k] = v
	}
	m.record(s, s.UserID, "break_glass.action", ctxMap)
	return nil
}

func (m *BreakGlassManager) GetSession(ctx context.Context, id string) (*BreakGlassSession, error) {
	return m.sessions.GetSession(ctx, id)
}

// ActiveSessionFor returns the newest unexpired active session of userID
// covering the scope, or nil.
func (m *BreakGlassManager) ActiveSessionFor(ctx context.Context, userID, collectionID, recordID string) (*BreakGlassSession, error) {
	list, err := m.sessions.ListSessions(ctx, SessionFilter{UserID: userID, Statuses: []SessionStatus{StatusActive}})
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var best *BreakGlassSession
	for _, s := range list {
		if !s.IsActiveAt(now) || !s.Covers(collectionID, recordID) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	return best, nil
}

// ListPending returns sessions awaiting approval, oldest first.
func (m *BreakGlassManager) ListPending(ctx context.Context, offset, limit int) ([]*BreakGlassSession, error) {
	return m.sessions.ListSessions(ctx, SessionFilter{Statuses: []SessionStatus{StatusPending}, Offset: offset, Limit: limit})
}

func (m *BreakGlassManager) ListUserSessions(ctx context.Context, userID string, limit int) ([]*BreakGlassSession, error) {
	return m.sessions.ListSessions(ctx, SessionFilter{UserID: userID, Limit: limit})
}

// History pages through sessions of any status.
func (m *BreakGlassManager) History(ctx context.Context, filter SessionFilter) ([]*BreakGlassSession, error) {
	return m.sessions.ListSessions(ctx, filter)
}

func (m *BreakGlassManager) transition(ctx context.Context, sessionID string, t sessionTransition, mutate func(*BreakGlassSession, time.Time) error) (*BreakGlassSession, error) {
	rule := sessionTransitions[t]
	cur, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(rule.from, cur.Status) {
		return nil, fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, t, cur.Status)
	}
	now := m.clock.Now()
	next := cur.Clone()
	if err := mutate(next, now); err != nil {
		return nil, err
	}
	next.Status = rule.to
	next.UpdatedAt = now
	ok, err := m.sessions.TransitionSession(ctx, next, rule.from...)
	if err != nil {
		return nil, fmt.Errorf("%s break-glass session %s: %w", t, sessionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s changed concurrently", ErrInvalidTransition, sessionID)
	}
	return next, nil
}

func (m *BreakGlassManager) record(s *BreakGlassSession, actorID, action string, extra map[string]any) {
	ctx := map[string]any{
		"session_id":  s.ID,
		"user_id":     s.UserID,
		"reason_code": s.ReasonCode,
		"status":      string(s.Status),
	}
	if s.CollectionID != "" {
		ctx["collection_id"] = s.CollectionID
	}
	if s.RecordID != "" {
		ctx["record_id"] = s.RecordID
	}
	for k, v := range extra {
		ctx[k] = v
	}
	m.emitter.Audit(AuditEvent{
		OccurredAt:  m.clock.Now(),
		PrincipalID: actorID,
		Resource:    s.resource(),
		Action:      action,
		Decision:    DecisionAllow,
		Context:     ctx,
	})
}

func (m *BreakGlassManager) domainEvent(kind string, s *BreakGlassSession, actorID, reason string) DomainEvent {
	return DomainEvent{
		Type:         kind,
		SessionID:    s.ID,
		UserID:       s.UserID,
		CollectionID: s.CollectionID,
		RecordID:     s.RecordID,
		ReasonCode:   s.ReasonCode,
		Reason:       reason,
		ActorID:      actorID,
		OccurredAt:   m.clock.Now(),
	}
}
