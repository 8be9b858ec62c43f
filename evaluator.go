package abac

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// ConditionDetail is the outcome of one leaf comparison.
type ConditionDetail struct {
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Expected any      `json:"expected"`
	Actual   any      `json:"actual"`
	Passed   bool     `json:"passed"`
	Reason   string   `json:"reason,omitempty"`
}

// ConditionResult is returned by EvaluateCondition.
type ConditionResult struct {
	Passed  bool              `json:"passed"`
	Details []ConditionDetail `json:"details,omitempty"`
}

// EvaluateCondition evaluates c against record on behalf of user. A nil
// condition passes. Evaluation never fails: unknown operators and special
// values that cannot be resolved compare as false.
func EvaluateCondition(c Condition, record map[string]any, user *UserAccessContext, now time.Time) ConditionResult {
	ev := evaluation{record: record, user: user, now: now}
	passed := ev.eval(c)
	return ConditionResult{Passed: passed, Details: ev.details}
}

type evaluation struct {
	record  map[string]any
	user    *UserAccessContext
	now     time.Time
	details []ConditionDetail
}

func (ev *evaluation) eval(c Condition) bool {
	switch n := c.(type) {
	case nil:
		return true
	case *LeafCondition:
		return ev.leaf(n)
	case *ConditionGroup:
		if n.Kind == GroupOr {
			for _, child := range n.Children {
				if ev.eval(child) {
					return true
				}
			}
			return false
		}
		if n.Kind != GroupAnd {
			return false
		}
		for _, child := range n.Children {
			if !ev.eval(child) {
				return false
			}
		}
		return true
	}
	return false
}

func (ev *evaluation) leaf(n *LeafCondition) bool {
	actual, _ := lookupProperty(ev.record, n.Property)
	d := ConditionDetail{Property: n.Property, Operator: n.Operator, Actual: actual}
	expected, ok := ev.resolve(n.Value)
	d.Expected = expected
	switch {
	case !ok:
		d.Reason = "unresolved special value"
	case !n.Operator.Known():
		d.Reason = "unknown operator"
	default:
		d.Passed = applyOperator(n.Operator, actual, expected)
	}
	ev.details = append(ev.details, d)
	return d.Passed
}

func (ev *evaluation) resolve(v ConditionValue) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case Literal:
		return val.Value, true
	case SpecialValueRef:
		return ResolveSpecialValue(val.Key, ev.user, ev.now)
	}
	return nil, false
}

// ResolveSpecialValue substitutes key for the matching attribute of user or
// the clock. The second result is false when the attribute is absent.
func ResolveSpecialValue(key SpecialValue, user *UserAccessContext, now time.Time) (any, bool) {
	switch key {
	case CurrentTimestamp:
		return now, true
	case CurrentDate:
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	if user == nil {
		return nil, false
	}
	nonEmpty := func(s string) (any, bool) { return s, s != "" }
	switch key {
	case CurrentUserID:
		return nonEmpty(user.ID)
	case CurrentUserEmail:
		return nonEmpty(user.Email)
	case CurrentUserDepartment:
		return nonEmpty(user.DepartmentID)
	case CurrentUserLocation:
		return nonEmpty(user.LocationID)
	case CurrentUserRoles:
		return append([]string(nil), user.RoleIDs...), true
	case CurrentUserTeams:
		return append([]string(nil), user.TeamIDs...), true
	case CurrentUserGroups:
		return append([]string(nil), user.GroupIDs...), true
	}
	return nil, false
}

// lookupProperty reads key from record, falling back to a dotted path through
// nested maps.
func lookupProperty(record map[string]any, key string) (any, bool) {
	if record == nil {
		return nil, false
	}
	if v, ok := record[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var cur any = record
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func applyOperator(op Operator, actual, expected any) bool {
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected)
	case OpNotEquals:
		return !valuesEqual(actual, expected)
	case OpGreaterThan:
		c, ok := compareOrdered(actual, expected)
		return ok && c > 0
	case OpLessThan:
		c, ok := compareOrdered(actual, expected)
		return ok && c < 0
	case OpGreaterThanOrEqual:
		c, ok := compareOrdered(actual, expected)
		return ok && c >= 0
	case OpLessThanOrEqual:
		c, ok := compareOrdered(actual, expected)
		return ok && c <= 0
	case OpContains:
		return contains(actual, expected)
	case OpIn:
		return memberOf(actual, expected)
	case OpNotIn:
		return !memberOf(actual, expected)
	}
	return false
}

func contains(actual, expected any) bool {
	if list, ok := asList(actual); ok {
		if want, ok := asList(expected); ok {
			return overlaps(list, want)
		}
		for _, item := range list {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	}
	s, ok := actual.(string)
	if !ok || expected == nil {
		return false
	}
	return strings.Contains(s, fmt.Sprint(expected))
}

func memberOf(actual, expected any) bool {
	set, ok := asList(expected)
	if !ok {
		return valuesEqual(actual, expected)
	}
	if list, ok := asList(actual); ok {
		return overlaps(list, set)
	}
	for _, item := range set {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func overlaps(a, b []any) bool {
	for _, x := range a {
		for _, y := range b {
			if valuesEqual(x, y) {
				return true
			}
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		at, okA := toTime(a)
		bt, okB := toTime(b)
		return okA && okB && at.Equal(bt)
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered orders numbers, then timestamps, then strings.
func compareOrdered(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt), true
		}
	}
	as, okA := a.(string)
	bs, okB := b.(string)
	if okA && okB {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		parsed, err := date.Parse(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
