package abac

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/abac/logger"
)

// Decision values recorded on audit events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID          string         `json:"id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	PrincipalID string         `json:"principal_id"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Decision    string         `json:"decision"`
	Context     map[string]any `json:"context,omitempty"`
}

// Break-glass domain event types.
const (
	EventBreakGlassRequested = "break_glass.requested"
	EventBreakGlassApproved  = "break_glass.approved"
	EventBreakGlassRevoked   = "break_glass.revoked"
)

// DomainEvent is published to the notification collaborator.
type DomainEvent struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CollectionID string    `json:"collection_id,omitempty"`
	RecordID     string    `json:"record_id,omitempty"`
	ReasonCode   string    `json:"reason_code"`
	Reason       string    `json:"reason,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

const (
	DefaultEmitterBuffer = 1024
	emitterWriteTimeout  = 5 * time.Second
)

type outbound struct {
	audit *AuditEvent
	event *DomainEvent
}

// Emitter hands audit events and notifications to a single background
// worker. Sends never block: when the queue is full the item is dropped and
// counted.
type Emitter struct {
	audit    AuditStore
	notifier Notifier
	logger   logger.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan outbound
	done    chan struct{}
	dropped atomic.Int64
}

// NewEmitter starts the worker. Either sink may be nil.
func NewEmitter(audit AuditStore, notifier Notifier, log logger.Logger, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEmitterBuffer
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	e := &Emitter{
		audit:    audit,
		notifier: notifier,
		logger:   log,
		queue:    make(chan outbound, buffer),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	defer close(e.done)
	for item := range e.queue {
		e.deliver(item)
	}
}

func (e *Emitter) deliver(item outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), emitterWriteTimeout)
	defer cancel()
	if item.audit != nil && e.audit != nil {
		if err := e.audit.Append(ctx, item.audit); err != nil {
			e.logger.Error("audit write failed", "event_id", item.audit.ID, "action", item.audit.Action, "error", err)
		}
	}
	if item.event != nil && e.notifier != nil {
		if err := e.notifier.Publish(ctx, *item.event); err != nil {
			e.logger.Error("notification publish failed", "type", item.event.Type, "session_id", item.event.SessionID, "error", err)
		}
	}
}

// Audit queues ev for the audit store.
func (e *Emitter) Audit(ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	e.enqueue(outbound{audit: &ev})
}

// Notify queues ev for the notifier.
func (e *Emitter) Notify(ev DomainEvent) {
	e.enqueue(outbound{event: &ev})
}

func (e *Emitter) enqueue(item outbound) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- item:
	default:
		n := e.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			e.logger.Warn("audit queue full, dropping", "dropped_total", n)
		}
	}
}

// Dropped is the number of items discarded because the queue was full or
// the emitter was closed.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Close stops intake and waits for queued items to be delivered.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}
