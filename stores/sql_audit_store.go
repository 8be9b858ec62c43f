package stores

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLAuditStore persists audit events in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, ev *abac.AuditEvent) error {
	var ctxJSON any
	if len(ev.Context) > 0 {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return err
		}
		ctxJSON = string(b)
	}
	q := `INSERT INTO audit_events(id, occurred_at, principal_id, resource, action, decision, context_json) VALUES(:id, :occurred_at, :principal_id, :resource, :action, :decision, :context_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           ev.ID,
		"occurred_at":  formatTime(ev.OccurredAt),
		"principal_id": nullString(ev.PrincipalID),
		"resource":     nullString(ev.Resource),
		"action":       ev.Action,
		"decision":     ev.Decision,
		"context_json": ctxJSON,
	})
	return err
}

func (s *SQLAuditStore) Query(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditEvent, error) {
	q := `SELECT id, occurred_at, principal_id, resource, action, decision, context_json FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.Since.IsZero() {
		q += " AND occurred_at >= :since"
		params["since"] = formatTime(filter.Since)
	}
	if !filter.Until.IsZero() {
		q += " AND occurred_at <= :until"
		params["until"] = formatTime(filter.Until)
	}
	q += " ORDER BY occurred_at, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.AuditEvent, 0)
	for r.Next() {
		var ev abac.AuditEvent
		var occurredAt, principal, resource, ctxJSON sql.NullString
		if err := r.Scan(&ev.ID, &occurredAt, &principal, &resource, &ev.Action, &ev.Decision, &ctxJSON); err != nil {
			return nil, err
		}
		ev.OccurredAt = parseTime(occurredAt)
		ev.PrincipalID = principal.String
		ev.Resource = resource.String
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &ev.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, r.Err()
}
