package abac

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a node of a rule condition tree: *LeafCondition or *ConditionGroup.
type Condition interface {
	condition()
}

// Operator compares a record value against a condition value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equals"
	OpLessThanOrEqual    Operator = "less_than_or_equals"
	OpContains           Operator = "contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
)

func (o Operator) Known() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanOrEqual,
		OpLessThanOrEqual, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// LeafCondition compares record[Property] with Value.
type LeafCondition struct {
	Property string
	Operator Operator
	Value    ConditionValue
}

// GroupKind is the boolean connective of a ConditionGroup.
type GroupKind string

const (
	GroupAnd GroupKind = "and"
	GroupOr  GroupKind = "or"
)

// ConditionGroup combines children with AND or OR. An empty AND passes and an
// empty OR fails.
type ConditionGroup struct {
	Kind     GroupKind
	Children []Condition
}

func (*LeafCondition) condition()  {}
func (*ConditionGroup) condition() {}

// ConditionValue is the right-hand operand of a leaf: Literal or SpecialValueRef.
type ConditionValue interface {
	conditionValue()
}

type Literal struct {
	Value any
}

// SpecialValueRef is substituted with a property of the requesting user or the
// evaluation clock.
type SpecialValueRef struct {
	Key SpecialValue
}

func (Literal) conditionValue()         {}
func (SpecialValueRef) conditionValue() {}

type SpecialValue string

const (
	CurrentUserID         SpecialValue = "$CURRENT_USER_ID"
	CurrentUserEmail      SpecialValue = "$CURRENT_USER_EMAIL"
	CurrentUserRoles      SpecialValue = "$CURRENT_USER_ROLES"
	CurrentUserTeams      SpecialValue = "$CURRENT_USER_TEAMS"
	CurrentUserGroups     SpecialValue = "$CURRENT_USER_GROUPS"
	CurrentUserDepartment SpecialValue = "$CURRENT_USER_DEPARTMENT"
	CurrentUserLocation   SpecialValue = "$CURRENT_USER_LOCATION"
	CurrentTimestamp      SpecialValue = "$CURRENT_TIMESTAMP"
	CurrentDate           SpecialValue = "$CURRENT_DATE"
)

var specialValues = map[string]SpecialValue{
	string(CurrentUserID):         CurrentUserID,
	string(CurrentUserEmail):      CurrentUserEmail,
	string(CurrentUserRoles):      CurrentUserRoles,
	string(CurrentUserTeams):      CurrentUserTeams,
	string(CurrentUserGroups):     CurrentUserGroups,
	string(CurrentUserDepartment): CurrentUserDepartment,
	string(CurrentUserLocation):   CurrentUserLocation,
	string(CurrentTimestamp):      CurrentTimestamp,
	string(CurrentDate):           CurrentDate,
}

// valueOf classifies a raw operand. SpecialValue constants and strings naming
// a special value become a SpecialValueRef, anything else is a literal.
func valueOf(raw any) ConditionValue {
	switch v := raw.(type) {
	case ConditionValue:
		return v
	case SpecialValue:
		if sv, ok := specialValues[string(v)]; ok {
			return SpecialValueRef{Key: sv}
		}
		return Literal{Value: string(v)}
	case string:
		if sv, ok := specialValues[v]; ok {
			return SpecialValueRef{Key: sv}
		}
	}
	return Literal{Value: raw}
}

// Leaf is a shorthand constructor.
func Leaf(property string, op Operator, value any) *LeafCondition {
	return &LeafCondition{Property: property, Operator: op, Value: valueOf(value)}
}

func And(children ...Condition) *ConditionGroup { return &ConditionGroup{Kind: GroupAnd, Children: children} }
func Or(children ...Condition) *ConditionGroup  { return &ConditionGroup{Kind: GroupOr, Children: children} }

// ParseCondition converts the stored wire shape ({"and":[...],"or":[...]} or
// {"property","operator","value"}) into a Condition tree. nil yields nil.
func ParseCondition(raw any) (Condition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Condition:
		return v, nil
	case map[string]any:
		return parseConditionMap(v)
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = val
		}
		return parseConditionMap(m)
	}
	return nil, fmt.Errorf("%w: unexpected node %T", ErrInvalidCondition, raw)
}

func parseConditionMap(m map[string]any) (Condition, error) {
	if prop, ok := m["property"]; ok {
		name, ok := prop.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: leaf property must be a non-empty string", ErrInvalidCondition)
		}
		op, _ := m["operator"].(string)
		return &LeafCondition{Property: name, Operator: Operator(op), Value: valueOf(m["value"])}, nil
	}
	andRaw, hasAnd := m["and"]
	orRaw, hasOr := m["or"]
	var andGroup, orGroup *ConditionGroup
	if hasAnd {
		children, err := parseChildren(andRaw)
		if err != nil {
			return nil, err
		}
		andGroup = And(children...)
	}
	if hasOr {
		children, err := parseChildren(orRaw)
		if err != nil {
			return nil, err
		}
		orGroup = Or(children...)
	}
	switch {
	case hasAnd && hasOr:
		// the and-list is evaluated before the or-list
		return And(andGroup, orGroup), nil
	case hasAnd:
		return andGroup, nil
	case hasOr:
		return orGroup, nil
	}
	return And(), nil
}

func parseChildren(raw any) ([]Condition, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: group members must be a list, got %T", ErrInvalidCondition, raw)
	}
	out := make([]Condition, 0, len(list))
	for _, item := range list {
		c, err := ParseCondition(item)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// ParseConditionJSON parses a JSON condition column. Empty input and "null"
// yield a nil condition.
func ParseConditionJSON(data []byte) (Condition, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return ParseCondition(raw)
}

// ConditionToMap renders c in its wire shape.
func ConditionToMap(c Condition) map[string]any {
	switch n := c.(type) {
	case *LeafCondition:
		var value any
		switch v := n.Value.(type) {
		case SpecialValueRef:
			value = string(v.Key)
		case Literal:
			value = v.Value
		}
		return map[string]any{"property": n.Property, "operator": string(n.Operator), "value": value}
	case *ConditionGroup:
		children := make([]any, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, ConditionToMap(child))
		}
		return map[string]any{string(n.Kind): children}
	}
	return nil
}

// MarshalCondition encodes c for a JSON column; nil encodes to nil.
func MarshalCondition(c Condition) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(ConditionToMap(c))
}

// ConditionProperties lists the distinct record properties c references.
func ConditionProperties(c Condition) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Condition)
	walk = func(n Condition) {
		switch v := n.(type) {
		case *LeafCondition:
			if !seen[v.Property] {
				seen[v.Property] = true
				out = append(out, v.Property)
			}
		case *ConditionGroup:
			for _, child := range v.Children {
				walk(child)
			}
		}
	}
	walk(c)
	return out
}

// ValidateCondition checks operators and group kinds. Property existence is
// checked by the engine against the collection's definitions.
func ValidateCondition(c Condition) error {
	switch n := c.(type) {
	case nil:
		return nil
	case *LeafCondition:
		if n.Property == "" {
			return fmt.Errorf("%w: leaf without property", ErrInvalidCondition)
		}
		if !n.Operator.Known() {
			return fmt.Errorf("%w: %q", ErrInvalidOperator, n.Operator)
		}
	case *ConditionGroup:
		if n.Kind != GroupAnd && n.Kind != GroupOr {
			return fmt.Errorf("%w: group kind %q", ErrInvalidCondition, n.Kind)
		}
		for _, child := range n.Children {
			if child == nil {
				return fmt.Errorf("%w: nil group member", ErrInvalidCondition)
			}
			if err := ValidateCondition(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unexpected node %T", ErrInvalidCondition, c)
	}
	return nil
}
