package abac

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UserAccessContext is the trusted identity of the caller. It is built once per
// request and never mutated by the engine.
type UserAccessContext struct {
	ID           string   `json:"id" yaml:"id"`
	Email        string   `json:"email,omitempty" yaml:"email,omitempty"`
	RoleIDs      []string `json:"role_ids,omitempty" yaml:"role_ids,omitempty"`
	TeamIDs      []string `json:"team_ids,omitempty" yaml:"team_ids,omitempty"`
	GroupIDs     []string `json:"group_ids,omitempty" yaml:"group_ids,omitempty"`
	DepartmentID string   `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	LocationID   string   `json:"location_id,omitempty" yaml:"location_id,omitempty"`
}

// Operation is a collection-level CRUD verb.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpRead, OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PrincipalKind tags the Principal union.
type PrincipalKind string

const (
	PrincipalEveryone PrincipalKind = "everyone"
	PrincipalRole     PrincipalKind = "role"
	PrincipalTeam     PrincipalKind = "team"
	PrincipalUser     PrincipalKind = "user"
)

// Principal is who a rule applies to. The zero value means everyone.
type Principal struct {
	Kind PrincipalKind `json:"type" yaml:"type"`
	ID   string        `json:"id,omitempty" yaml:"id,omitempty"`
}

func Everyone() Principal             { return Principal{Kind: PrincipalEveryone} }
func RolePrincipal(id string) Principal { return Principal{Kind: PrincipalRole, ID: id} }
func TeamPrincipal(id string) Principal { return Principal{Kind: PrincipalTeam, ID: id} }
func UserPrincipal(id string) Principal { return Principal{Kind: PrincipalUser, ID: id} }

// NewPrincipal builds a Principal from the three nullable reference columns
// used by the storage layer. At most one may be set.
func NewPrincipal(roleID, groupID, userID string) (Principal, error) {
	set := 0
	p := Everyone()
	if roleID != "" {
		set++
		p = RolePrincipal(roleID)
	}
	if groupID != "" {
		set++
		p = TeamPrincipal(groupID)
	}
	if userID != "" {
		set++
		p = UserPrincipal(userID)
	}
	if set > 1 {
		return Principal{}, ErrAmbiguousPrincipal
	}
	return p, nil
}

// Columns splits the principal back into role, group and user references.
func (p Principal) Columns() (roleID, groupID, userID string) {
	switch p.Kind {
	case PrincipalRole:
		return p.ID, "", ""
	case PrincipalTeam:
		return "", p.ID, ""
	case PrincipalUser:
		return "", "", p.ID
	}
	return "", "", ""
}

func (p Principal) IsEveryone() bool { return p.Kind == "" || p.Kind == PrincipalEveryone }

// Specificity ranks principals for property rule tie-breaking.
func (p Principal) Specificity() int {
	switch p.Kind {
	case PrincipalUser:
		return 3
	case PrincipalTeam:
		return 2
	case PrincipalRole:
		return 1
	}
	return 0
}

func (p Principal) String() string {
	if p.IsEveryone() {
		return string(PrincipalEveryone)
	}
	return string(p.Kind) + ":" + p.ID
}

func (p Principal) validate() error {
	switch p.Kind {
	case "", PrincipalEveryone:
		return nil
	case PrincipalRole, PrincipalTeam, PrincipalUser:
		if p.ID == "" {
			return fmt.Errorf("%w: %s principal without id", ErrUnknownPrincipal, p.Kind)
		}
		return nil
	}
	return fmt.Errorf("%w: type %q", ErrUnknownPrincipal, p.Kind)
}

// CollectionAccessRule grants CRUD operations on a collection.
type CollectionAccessRule struct {
	ID           string
	CollectionID string
	Principal    Principal
	CanRead      bool
	CanCreate    bool
	CanUpdate    bool
	CanDelete    bool
	Condition    Condition
	Priority     int
	IsActive     bool
	CreatedBy    string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Grants reports whether the rule's flags allow op.
func (r *CollectionAccessRule) Grants(op Operation) bool {
	switch op {
	case OpRead:
		return r.CanRead
	case OpCreate:
		return r.CanCreate
	case OpUpdate:
		return r.CanUpdate
	case OpDelete:
		return r.CanDelete
	}
	return false
}

func (r *CollectionAccessRule) Clone() *CollectionAccessRule {
	if r == nil {
		return nil
	}
	dup := *r
	return &dup
}

type collectionRuleJSON struct {
	ID           string          `json:"id"`
	CollectionID string          `json:"collection_id"`
	Principal    Principal       `json:"principal"`
	CanRead      bool            `json:"can_read"`
	CanCreate    bool            `json:"can_create"`
	CanUpdate    bool            `json:"can_update"`
	CanDelete    bool            `json:"can_delete"`
	Condition    json.RawMessage `json:"condition,omitempty"`
	Priority     int             `json:"priority"`
	IsActive     bool            `json:"is_active"`
	CreatedBy    string          `json:"created_by,omitempty"`
	UpdatedBy    string          `json:"updated_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (r CollectionAccessRule) MarshalJSON() ([]byte, error) {
	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(collectionRuleJSON{
		ID: r.ID, CollectionID: r.CollectionID, Principal: r.Principal,
		CanRead: r.CanRead, CanCreate: r.CanCreate, CanUpdate: r.CanUpdate, CanDelete: r.CanDelete,
		Condition: cond, Priority: r.Priority, IsActive: r.IsActive,
		CreatedBy: r.CreatedBy, UpdatedBy: r.UpdatedBy, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	})
}

func (r *CollectionAccessRule) UnmarshalJSON(data []byte) error {
	var raw collectionRuleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := ParseConditionJSON(raw.Condition)
	if err != nil {
		return err
	}
	*r = CollectionAccessRule{
		ID: raw.ID, CollectionID: raw.CollectionID, Principal: raw.Principal,
		CanRead: raw.CanRead, CanCreate: raw.CanCreate, CanUpdate: raw.CanUpdate, CanDelete: raw.CanDelete,
		Condition: cond, Priority: raw.Priority, IsActive: raw.IsActive,
		CreatedBy: raw.CreatedBy, UpdatedBy: raw.UpdatedBy, CreatedAt: raw.CreatedAt, UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// PropertyAccessRule grants read/write on a single property of a collection.
type PropertyAccessRule struct {
	ID          string
	PropertyID  string
	Principal   Principal
	CanRead     bool
	CanWrite    bool
	Condition   Condition
	MaskValue   string
	MaskPattern string
	Priority    int
	IsActive    bool
	CreatedBy   string
	UpdatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *PropertyAccessRule) Clone() *PropertyAccessRule {
	if r == nil {
		return nil
	}
	dup := *r
	return &dup
}

type propertyRuleJSON struct {
	ID          string          `json:"id"`
	PropertyID  string          `json:"property_id"`
	Principal   Principal       `json:"principal"`
	CanRead     bool            `json:"can_read"`
	CanWrite    bool            `json:"can_write"`
	Condition   json.RawMessage `json:"condition,omitempty"`
	MaskValue   string          `json:"mask_value,omitempty"`
	MaskPattern string          `json:"mask_pattern,omitempty"`
	Priority    int             `json:"priority"`
	IsActive    bool            `json:"is_active"`
	CreatedBy   string          `json:"created_by,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r PropertyAccessRule) MarshalJSON() ([]byte, error) {
	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(propertyRuleJSON{
		ID: r.ID, PropertyID: r.PropertyID, Principal: r.Principal,
		CanRead: r.CanRead, CanWrite: r.CanWrite, Condition: cond,
		MaskValue: r.MaskValue, MaskPattern: r.MaskPattern, Priority: r.Priority, IsActive: r.IsActive,
		CreatedBy: r.CreatedBy, UpdatedBy: r.UpdatedBy, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	})
}

func (r *PropertyAccessRule) UnmarshalJSON(data []byte) error {
	var raw propertyRuleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := ParseConditionJSON(raw.Condition)
	if err != nil {
		return err
	}
	*r = PropertyAccessRule{
		ID: raw.ID, PropertyID: raw.PropertyID, Principal: raw.Principal,
		CanRead: raw.CanRead, CanWrite: raw.CanWrite, Condition: cond,
		MaskValue: raw.MaskValue, MaskPattern: raw.MaskPattern, Priority: raw.Priority, IsActive: raw.IsActive,
		CreatedBy: raw.CreatedBy, UpdatedBy: raw.UpdatedBy, CreatedAt: raw.CreatedAt, UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// MaskingStrategy controls whether a sensitive property is masked on read.
type MaskingStrategy string

const (
	MaskNone    MaskingStrategy = "none"
	MaskFull    MaskingStrategy = "full"
	MaskPartial MaskingStrategy = "partial"
	MaskHash    MaskingStrategy = "hash"
)

// DefaultMaskValue replaces masked values when nothing more specific is configured.
const DefaultMaskValue = "****"

// PropertyDefinition is the read-only field metadata owned by the schema service.
type PropertyDefinition struct {
	ID                 string          `json:"id" yaml:"id"`
	CollectionID       string          `json:"collection_id" yaml:"collection_id"`
	Code               string          `json:"code" yaml:"code"`
	IsReadonly         bool            `json:"is_readonly,omitempty" yaml:"is_readonly,omitempty"`
	IsSensitive        bool            `json:"is_sensitive,omitempty" yaml:"is_sensitive,omitempty"`
	IsPHI              bool            `json:"is_phi,omitempty" yaml:"is_phi,omitempty"`
	IsPII              bool            `json:"is_pii,omitempty" yaml:"is_pii,omitempty"`
	RequiresBreakGlass bool            `json:"requires_break_glass,omitempty" yaml:"requires_break_glass,omitempty"`
	MaskingStrategy    MaskingStrategy `json:"masking_strategy,omitempty" yaml:"masking_strategy,omitempty"`
	MaskValue          string          `json:"mask_value,omitempty" yaml:"mask_value,omitempty"`
	SortOrder          int             `json:"sort_order,omitempty" yaml:"sort_order,omitempty"`
}

// Strategy returns the masking strategy with the empty value read as none.
func (d *PropertyDefinition) Strategy() MaskingStrategy {
	if d.MaskingStrategy == "" {
		return MaskNone
	}
	return d.MaskingStrategy
}

func (d *PropertyDefinition) classified() bool {
	return d.IsSensitive || d.IsPHI || d.IsPII
}

// TraceEntry records how a single rule was handled during CheckAccess.
type TraceEntry struct {
	RuleID            string            `json:"rule_id"`
	Priority          int               `json:"priority"`
	PrincipalMatched  bool              `json:"principal_matched"`
	PermissionGranted bool              `json:"permission_granted"`
	ConditionChecked  bool              `json:"condition_checked"`
	ConditionPassed   bool              `json:"condition_passed"`
	Outcome           string            `json:"outcome"`
	Details           []ConditionDetail `json:"details,omitempty"`
}

// Denial reasons.
const (
	ReasonNoMatchingRule   = "NO_MATCHING_RULE"
	ReasonRuleLoadFailed   = "RULE_LOAD_FAILED"
	ReasonInvalidOperation = "INVALID_OPERATION"
)

// AccessCheckResult is the verdict of CheckAccess. When ConditionDeferred is
// set the caller must apply Condition as a row filter.
type AccessCheckResult struct {
	Allowed           bool         `json:"allowed"`
	MatchedRuleID     string       `json:"matched_rule_id,omitempty"`
	Condition         Condition    `json:"-"`
	ConditionDeferred bool         `json:"condition_deferred,omitempty"`
	DenialReason      string       `json:"denial_reason,omitempty"`
	Trace             []TraceEntry `json:"trace,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// PropertyAccessResult is the resolved view of one property for one user.
type PropertyAccessResult struct {
	Code               string `json:"code"`
	CanRead            bool   `json:"can_read"`
	CanWrite           bool   `json:"can_write"`
	IsMasked           bool   `json:"is_masked"`
	MaskValue          string `json:"mask_value,omitempty"`
	IsPHI              bool   `json:"is_phi"`
	RequiresBreakGlass bool   `json:"requires_break_glass"`
}

// EffectivePermissions is the union of collection grants plus resolved
// property access for a user.
type EffectivePermissions struct {
	CollectionID    string                 `json:"collection_id"`
	CanRead         bool                   `json:"can_read"`
	CanCreate       bool                   `json:"can_create"`
	CanUpdate       bool                   `json:"can_update"`
	CanDelete       bool                   `json:"can_delete"`
	ReadCondition   Condition              `json:"-"`
	UpdateCondition Condition              `json:"-"`
	DeleteCondition Condition              `json:"-"`
	Properties      []PropertyAccessResult `json:"properties"`
}

// Property returns the resolved entry for code.
func (p *EffectivePermissions) Property(code string) (PropertyAccessResult, bool) {
	for _, pr := range p.Properties {
		if pr.Code == code {
			return pr, true
		}
	}
	return PropertyAccessResult{}, false
}

var (
	ErrRuleNotFound             = errors.New("rule not found")
	ErrSessionNotFound          = errors.New("break-glass session not found")
	ErrPropertyNotFound         = errors.New("property not found")
	ErrAmbiguousPrincipal       = errors.New("at most one of role, group and user may be set")
	ErrUnknownPrincipal         = errors.New("unknown principal")
	ErrUnknownConditionProperty = errors.New("condition references unknown property")
	ErrInvalidOperator          = errors.New("invalid condition operator")
	ErrInvalidCondition         = errors.New("invalid condition")
	ErrJustificationTooShort    = errors.New("justification too short")
	ErrInvalidReasonCode        = errors.New("invalid break-glass reason code")
	ErrSelfApproval             = errors.New("requester cannot approve their own break-glass session")
	ErrInvalidTransition        = errors.New("invalid break-glass session transition")
	ErrNotSessionOwner          = errors.New("only the requester can complete a break-glass session")
	ErrMissingActor             = errors.New("actor id is required")
)
