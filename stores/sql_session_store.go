package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLSessionStore keeps break-glass sessions in the break_glass_sessions
// table. Status changes are conditional updates so concurrent transitions
// resolve to exactly one winner.
type SQLSessionStore struct {
	db *squealx.DB
}

func NewSQLSessionStore(db *squealx.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

const sessionColumns = `id, user_id, collection_id, record_id, reason_code, justification, status, approval_required, approved_by, approved_at, duration_ms, started_at, expires_at, ended_at, ended_by, end_reason, last_action_at, action_count, context_json, created_at, updated_at`

func sessionParams(s *abac.BreakGlassSession) (map[string]any, error) {
	ctxJSON, err := json.Marshal(s.Context)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                s.ID,
		"user_id":           s.UserID,
		"collection_id":     nullString(s.CollectionID),
		"record_id":         nullString(s.RecordID),
		"reason_code":       s.ReasonCode,
		"justification":     s.Justification,
		"status":            string(s.Status),
		"approval_required": boolToInt(s.ApprovalRequired),
		"approved_by":       nullString(s.ApprovedBy),
		"approved_at":       formatTime(s.ApprovedAt),
		"duration_ms":       s.Duration.Milliseconds(),
		"started_at":        formatTime(s.StartedAt),
		"expires_at":        formatTime(s.ExpiresAt),
		"ended_at":          formatTime(s.EndedAt),
		"ended_by":          nullString(s.EndedBy),
		"end_reason":        nullString(s.EndReason),
		"last_action_at":    formatTime(s.LastActionAt),
		"action_count":      s.ActionCount,
		"context_json":      string(ctxJSON),
		"created_at":        formatTime(s.CreatedAt),
		"updated_at":        formatTime(s.UpdatedAt),
	}, nil
}

func scanSession(r rowScanner) (*abac.BreakGlassSession, error) {
	var s abac.BreakGlassSession
	var collectionID, recordID, approvedBy, approvedAt, startedAt, expiresAt, endedAt, endedBy, endReason, lastActionAt, ctxJSON, createdAt, updatedAt sql.NullString
	var status string
	var approval int
	var durationMS int64
	if err := r.Scan(&s.ID, &s.UserID, &collectionID, &recordID, &s.ReasonCode, &s.Justification, &status, &approval,
		&approvedBy, &approvedAt, &durationMS, &startedAt, &expiresAt, &endedAt, &endedBy, &endReason,
		&lastActionAt, &s.ActionCount, &ctxJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.CollectionID = collectionID.String
	s.RecordID = recordID.String
	s.Status = abac.SessionStatus(status)
	s.ApprovalRequired = approval != 0
	s.ApprovedBy = approvedBy.String
	s.ApprovedAt = parseTime(approvedAt)
	s.Duration = time.Duration(durationMS) * time.Millisecond
	s.StartedAt = parseTime(startedAt)
	s.ExpiresAt = parseTime(expiresAt)
	s.EndedAt = parseTime(endedAt)
	s.EndedBy = endedBy.String
	s.EndReason = endReason.String
	s.LastActionAt = parseTime(lastActionAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &s.Context); err != nil {
			return nil, fmt.Errorf("session %s context: %w", s.ID, err)
		}
	}
	return &s, nil
}

func (st *SQLSessionStore) query(ctx context.Context, q string, params map[string]any) ([]*abac.BreakGlassSession, error) {
	r, err := st.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.BreakGlassSession, 0)
	for r.Next() {
		s, err := scanSession(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, r.Err()
}

func (st *SQLSessionStore) CreateSession(ctx context.Context, s *abac.BreakGlassSession) error {
	params, err := sessionParams(s)
	if err != nil {
		return err
	}
	q := `INSERT INTO break_glass_sessions(` + sessionColumns + `)
VALUES(:id, :user_id, :collection_id, :record_id, :reason_code, :justification, :status, :approval_required, :approved_by, :approved_at, :duration_ms, :started_at, :expires_at, :ended_at, :ended_by, :end_reason, :last_action_at, :action_count, :context_json, :created_at, :updated_at)`
	_, err = st.db.NamedExecContext(ctx, q, params)
	return err
}

func (st *SQLSessionStore) GetSession(ctx context.Context, id string) (*abac.BreakGlassSession, error) {
	rows, err := st.query(ctx, `SELECT `+sessionColumns+` FROM break_glass_sessions WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", abac.ErrSessionNotFound, id)
	}
	return rows[0], nil
}

func (st *SQLSessionStore) FindCoveringSession(ctx context.Context, userID, collectionID, recordID string, now time.Time) (*abac.BreakGlassSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM break_glass_sessions
WHERE user_id = :user_id AND (status = 'pending' OR (status = 'active' AND expires_at > :now))
ORDER BY created_at DESC, id DESC`
	rows, err := st.query(ctx, q, map[string]any{"user_id": userID, "now": formatTime(now)})
	if err != nil {
		return nil, err
	}
	for _, s := range rows {
		if coversRequest(s, userID, collectionID, recordID, now) {
			return s, nil
		}
	}
	return nil, nil
}

func (st *SQLSessionStore) TransitionSession(ctx context.Context, s *abac.BreakGlassSession, from ...abac.SessionStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	params, err := sessionParams(s)
	if err != nil {
		return false, err
	}
	placeholders := make([]string, len(from))
	for i, status := range from {
		key := fmt.Sprintf("from%d", i)
		placeholders[i] = ":" + key
		params[key] = string(status)
	}
	q := `UPDATE break_glass_sessions SET status = :status, approved_by = :approved_by, approved_at = :approved_at,
  duration_ms = :duration_ms, started_at = :started_at, expires_at = :expires_at, ended_at = :ended_at,
  ended_by = :ended_by, end_reason = :end_reason, last_action_at = :last_action_at, action_count = :action_count,
  updated_at = :updated_at
WHERE id = :id AND status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := st.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := st.GetSession(ctx, s.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (st *SQLSessionStore) RecordAction(ctx context.Context, id string, at time.Time) (bool, error) {
	q := `UPDATE break_glass_sessions SET action_count = action_count + 1, last_action_at = :at, updated_at = :at
WHERE id = :id AND status = 'active' AND expires_at > :at`
	res, err := st.db.NamedExecContext(ctx, q, map[string]any{"id": id, "at": formatTime(at)})
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := st.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (st *SQLSessionStore) ListSessions(ctx context.Context, f abac.SessionFilter) ([]*abac.BreakGlassSession, error) {
	var where []string
	params := map[string]any{}
	if f.UserID != "" {
		where = append(where, "user_id = :user_id")
		params["user_id"] = f.UserID
	}
	if f.CollectionID != "" {
		where = append(where, "collection_id = :collection_id")
		params["collection_id"] = f.CollectionID
	}
	if f.RecordID != "" {
		where = append(where, "record_id = :record_id")
		params["record_id"] = f.RecordID
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			key := fmt.Sprintf("status%d", i)
			ph[i] = ":" + key
			params[key] = string(s)
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at IS NOT NULL AND expires_at < :expires_before")
		params["expires_before"] = formatTime(f.ExpiresBefore)
	}
	q := `SELECT ` + sessionColumns + ` FROM break_glass_sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT :limit OFFSET :offset"
		params["limit"] = limit
		params["offset"] = f.Offset
	}
	return st.query(ctx, q, params)
}
