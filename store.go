package abac

import (
	"context"
	"time"
)

// RuleStore is the durable home of rules and the read side of the schema
// service. Lookups of a missing id return an error wrapping ErrRuleNotFound.
type RuleStore interface {
	FindActiveCollectionRules(ctx context.Context, collectionID string) ([]*CollectionAccessRule, error)
	FindActivePropertyRules(ctx context.Context) ([]*PropertyAccessRule, error)
	FindPropertyDefinitions(ctx context.Context, collectionID string) ([]*PropertyDefinition, error)
	GetPropertyDefinition(ctx context.Context, propertyID string) (*PropertyDefinition, error)
	FindPrincipal(ctx context.Context, kind PrincipalKind, id string) (bool, error)

	GetCollectionRule(ctx context.Context, id string) (*CollectionAccessRule, error)
	ListCollectionRules(ctx context.Context, collectionID string) ([]*CollectionAccessRule, error)
	CreateCollectionRule(ctx context.Context, rule *CollectionAccessRule) error
	UpdateCollectionRule(ctx context.Context, rule *CollectionAccessRule) error
	DeleteCollectionRule(ctx context.Context, id string) error

	GetPropertyRule(ctx context.Context, id string) (*PropertyAccessRule, error)
	ListPropertyRules(ctx context.Context, propertyID string) ([]*PropertyAccessRule, error)
	CreatePropertyRule(ctx context.Context, rule *PropertyAccessRule) error
	UpdatePropertyRule(ctx context.Context, rule *PropertyAccessRule) error
	DeletePropertyRule(ctx context.Context, id string) error
}

// SchemaSeeder is implemented by stores that can be loaded with principals and
// property definitions from configuration.
type SchemaSeeder interface {
	UpsertPrincipal(ctx context.Context, kind PrincipalKind, id string) error
	UpsertPropertyDefinition(ctx context.Context, def *PropertyDefinition) error
}

// SessionFilter narrows ListSessions. Zero fields do not filter.
type SessionFilter struct {
	UserID        string
	CollectionID  string
	RecordID      string
	Statuses      []SessionStatus
	ExpiresBefore time.Time
	Offset        int
	Limit         int
}

// SessionStore persists break-glass sessions. Sessions are never deleted.
type SessionStore interface {
	CreateSession(ctx context.Context, s *BreakGlassSession) error
	GetSession(ctx context.Context, id string) (*BreakGlassSession, error)
	// FindCoveringSession returns the newest pending or unexpired active
	// session of userID whose scope equals or contains (collectionID,
	// recordID), or nil.
	FindCoveringSession(ctx context.Context, userID, collectionID, recordID string, now time.Time) (*BreakGlassSession, error)
	// TransitionSession writes s only if the stored status is one of from.
	// It reports false when the status had already moved.
	TransitionSession(ctx context.Context, s *BreakGlassSession, from ...SessionStatus) (bool, error)
	// RecordAction bumps the action counter and stamps at on a session that
	// is active and not yet expired at that instant. It reports false for
	// any other session and an ErrSessionNotFound error for a missing one.
	RecordAction(ctx context.Context, id string, at time.Time) (bool, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*BreakGlassSession, error)
}

// AuditFilter narrows AuditStore.Query. Zero fields do not filter.
type AuditFilter struct {
	PrincipalID string
	Resource    string
	Action      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	Append(ctx context.Context, ev *AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// Notifier forwards break-glass domain events to the notification service.
type Notifier interface {
	Publish(ctx context.Context, ev DomainEvent) error
}
