package stores

import (
	"database/sql"
	"slices"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/abac"
)

// timeLayout is fixed width so TEXT columns compare in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, ns.String); err == nil {
		return t
	}
	// rows written by other tools
	if t, err := date.Parse(ns.String); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func statusIn(s abac.SessionStatus, set []abac.SessionStatus) bool {
	return slices.Contains(set, s)
}

func coversRequest(s *abac.BreakGlassSession, userID, collectionID, recordID string, now time.Time) bool {
	if s.UserID != userID {
		return false
	}
	if s.Status != abac.StatusPending && !s.IsActiveAt(now) {
		return false
	}
	return s.Covers(collectionID, recordID)
}

func matchesSessionFilter(s *abac.BreakGlassSession, f abac.SessionFilter) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.CollectionID != "" && s.CollectionID != f.CollectionID {
		return false
	}
	if f.RecordID != "" && s.RecordID != f.RecordID {
		return false
	}
	if len(f.Statuses) > 0 && !statusIn(s.Status, f.Statuses) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && (s.ExpiresAt.IsZero() || !s.ExpiresAt.Before(f.ExpiresBefore)) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
