package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLRuleStore persists rules, property definitions and principals in SQL
// (squealx). Conditions live in a JSON column.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const collectionRuleColumns = `id, collection_id, role_id, group_id, user_id, can_read, can_create, can_update, can_delete, condition_json, priority, is_active, created_by, updated_by, created_at, updated_at`

const propertyRuleColumns = `id, property_id, role_id, group_id, user_id, can_read, can_write, condition_json, mask_value, mask_pattern, priority, is_active, created_by, updated_by, created_at, updated_at`

const propertyColumns = `id, collection_id, code, is_readonly, is_sensitive, is_phi, is_pii, requires_break_glass, masking_strategy, mask_value, sort_order`

func (s *SQLRuleStore) UpsertPrincipal(ctx context.Context, kind abac.PrincipalKind, id string) error {
	q := `INSERT INTO principals(kind, id) VALUES(:kind, :id) ON CONFLICT(kind, id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"kind": string(kind), "id": id})
	return err
}

func (s *SQLRuleStore) FindPrincipal(ctx context.Context, kind abac.PrincipalKind, id string) (bool, error) {
	q := `SELECT COUNT(1) FROM principals WHERE kind = :kind AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"kind": string(kind), "id": id})
	if err != nil {
		return false, err
	}
	defer r.Close()
	var n int
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return false, err
		}
	}
	return n > 0, r.Err()
}

func (s *SQLRuleStore) UpsertPropertyDefinition(ctx context.Context, d *abac.PropertyDefinition) error {
	q := `INSERT INTO property_definitions(` + propertyColumns + `)
VALUES(:id, :collection_id, :code, :is_readonly, :is_sensitive, :is_phi, :is_pii, :requires_break_glass, :masking_strategy, :mask_value, :sort_order)
ON CONFLICT(id) DO UPDATE SET
  collection_id = excluded.collection_id,
  code = excluded.code,
  is_readonly = excluded.is_readonly,
  is_sensitive = excluded.is_sensitive,
  is_phi = excluded.is_phi,
  is_pii = excluded.is_pii,
  requires_break_glass = excluded.requires_break_glass,
  masking_strategy = excluded.masking_strategy,
  mask_value = excluded.mask_value,
  sort_order = excluded.sort_order`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                   d.ID,
		"collection_id":        d.CollectionID,
		"code":                 d.Code,
		"is_readonly":          boolToInt(d.IsReadonly),
		"is_sensitive":         boolToInt(d.IsSensitive),
		"is_phi":               boolToInt(d.IsPHI),
		"is_pii":               boolToInt(d.IsPII),
		"requires_break_glass": boolToInt(d.RequiresBreakGlass),
		"masking_strategy":     string(d.Strategy()),
		"mask_value":           nullString(d.MaskValue),
		"sort_order":           d.SortOrder,
	})
	return err
}

func (s *SQLRuleStore) FindPropertyDefinitions(ctx context.Context, collectionID string) ([]*abac.PropertyDefinition, error) {
	q := `SELECT ` + propertyColumns + ` FROM property_definitions WHERE collection_id = :collection_id ORDER BY sort_order, code`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"collection_id": collectionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.PropertyDefinition, 0)
	for r.Next() {
		d, err := scanProperty(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, r.Err()
}

func (s *SQLRuleStore) GetPropertyDefinition(ctx context.Context, propertyID string) (*abac.PropertyDefinition, error) {
	q := `SELECT ` + propertyColumns + ` FROM property_definitions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": propertyID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", abac.ErrPropertyNotFound, propertyID)
	}
	return scanProperty(r)
}

func scanProperty(r rowScanner) (*abac.PropertyDefinition, error) {
	var d abac.PropertyDefinition
	var readonly, sensitive, phi, pii, breakGlass int
	var strategy string
	var mask sql.NullString
	if err := r.Scan(&d.ID, &d.CollectionID, &d.Code, &readonly, &sensitive, &phi, &pii, &breakGlass, &strategy, &mask, &d.SortOrder); err != nil {
		return nil, err
	}
	d.IsReadonly = readonly != 0
	d.IsSensitive = sensitive != 0
	d.IsPHI = phi != 0
	d.IsPII = pii != 0
	d.RequiresBreakGlass = breakGlass != 0
	d.MaskingStrategy = abac.MaskingStrategy(strategy)
	d.MaskValue = mask.String
	return &d, nil
}

func (s *SQLRuleStore) FindActiveCollectionRules(ctx context.Context, collectionID string) ([]*abac.CollectionAccessRule, error) {
	q := `SELECT ` + collectionRuleColumns + ` FROM collection_access_rules WHERE collection_id = :collection_id AND is_active = 1 ORDER BY priority, created_at, id`
	return s.queryCollectionRules(ctx, q, map[string]any{"collection_id": collectionID})
}

func (s *SQLRuleStore) ListCollectionRules(ctx context.Context, collectionID string) ([]*abac.CollectionAccessRule, error) {
	q := `SELECT ` + collectionRuleColumns + ` FROM collection_access_rules WHERE collection_id = :collection_id ORDER BY priority, created_at, id`
	return s.queryCollectionRules(ctx, q, map[string]any{"collection_id": collectionID})
}

func (s *SQLRuleStore) GetCollectionRule(ctx context.Context, id string) (*abac.CollectionAccessRule, error) {
	q := `SELECT ` + collectionRuleColumns + ` FROM collection_access_rules WHERE id = :id`
	rules, err := s.queryCollectionRules(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: collection rule %s", abac.ErrRuleNotFound, id)
	}
	return rules[0], nil
}

func (s *SQLRuleStore) queryCollectionRules(ctx context.Context, q string, params map[string]any) ([]*abac.CollectionAccessRule, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.CollectionAccessRule, 0)
	for r.Next() {
		rule, err := scanCollectionRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, r.Err()
}

func scanCollectionRule(r rowScanner) (*abac.CollectionAccessRule, error) {
	var rule abac.CollectionAccessRule
	var roleID, groupID, userID, condJSON, createdBy, updatedBy, createdAt, updatedAt sql.NullString
	var canRead, canCreate, canUpdate, canDelete, active int
	if err := r.Scan(&rule.ID, &rule.CollectionID, &roleID, &groupID, &userID,
		&canRead, &canCreate, &canUpdate, &canDelete, &condJSON, &rule.Priority, &active,
		&createdBy, &updatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p, err := abac.NewPrincipal(roleID.String, groupID.String, userID.String)
	if err != nil {
		return nil, fmt.Errorf("collection rule %s: %w", rule.ID, err)
	}
	cond, err := abac.ParseConditionJSON([]byte(condJSON.String))
	if err != nil {
		return nil, fmt.Errorf("collection rule %s: %w", rule.ID, err)
	}
	rule.Principal = p
	rule.Condition = cond
	rule.CanRead = canRead != 0
	rule.CanCreate = canCreate != 0
	rule.CanUpdate = canUpdate != 0
	rule.CanDelete = canDelete != 0
	rule.IsActive = active != 0
	rule.CreatedBy = createdBy.String
	rule.UpdatedBy = updatedBy.String
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)
	return &rule, nil
}

func collectionRuleParams(rule *abac.CollectionAccessRule) (map[string]any, error) {
	cond, err := abac.MarshalCondition(rule.Condition)
	if err != nil {
		return nil, err
	}
	role, group, user := rule.Principal.Columns()
	created, updated := rule.CreatedAt, rule.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}
	return map[string]any{
		"id":             rule.ID,
		"collection_id":  rule.CollectionID,
		"role_id":        nullString(role),
		"group_id":       nullString(group),
		"user_id":        nullString(user),
		"can_read":       boolToInt(rule.CanRead),
		"can_create":     boolToInt(rule.CanCreate),
		"can_update":     boolToInt(rule.CanUpdate),
		"can_delete":     boolToInt(rule.CanDelete),
		"condition_json": nullString(string(cond)),
		"priority":       rule.Priority,
		"is_active":      boolToInt(rule.IsActive),
		"created_by":     nullString(rule.CreatedBy),
		"updated_by":     nullString(rule.UpdatedBy),
		"created_at":     formatTime(created),
		"updated_at":     formatTime(updated),
	}, nil
}

func (s *SQLRuleStore) CreateCollectionRule(ctx context.Context, rule *abac.CollectionAccessRule) error {
	params, err := collectionRuleParams(rule)
	if err != nil {
		return err
	}
	q := `INSERT INTO collection_access_rules(` + collectionRuleColumns + `)
VALUES(:id, :collection_id, :role_id, :group_id, :user_id, :can_read, :can_create, :can_update, :can_delete, :condition_json, :priority, :is_active, :created_by, :updated_by, :created_at, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, params)
	return err
}

func (s *SQLRuleStore) UpdateCollectionRule(ctx context.Context, rule *abac.CollectionAccessRule) error {
	params, err := collectionRuleParams(rule)
	if err != nil {
		return err
	}
	q := `UPDATE collection_access_rules SET collection_id = :collection_id, role_id = :role_id, group_id = :group_id, user_id = :user_id,
  can_read = :can_read, can_create = :can_create, can_update = :can_update, can_delete = :can_delete,
  condition_json = :condition_json, priority = :priority, is_active = :is_active,
  created_by = :created_by, updated_by = :updated_by, created_at = :created_at, updated_at = :updated_at
WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return err
	}
	return requireRow(res, "collection rule", rule.ID)
}

func (s *SQLRuleStore) DeleteCollectionRule(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM collection_access_rules WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	return requireRow(res, "collection rule", id)
}

func (s *SQLRuleStore) FindActivePropertyRules(ctx context.Context) ([]*abac.PropertyAccessRule, error) {
	q := `SELECT ` + propertyRuleColumns + ` FROM property_access_rules WHERE is_active = 1 ORDER BY priority, created_at, id`
	return s.queryPropertyRules(ctx, q, map[string]any{})
}

func (s *SQLRuleStore) ListPropertyRules(ctx context.Context, propertyID string) ([]*abac.PropertyAccessRule, error) {
	q := `SELECT ` + propertyRuleColumns + ` FROM property_access_rules WHERE property_id = :property_id ORDER BY priority, created_at, id`
	return s.queryPropertyRules(ctx, q, map[string]any{"property_id": propertyID})
}

func (s *SQLRuleStore) GetPropertyRule(ctx context.Context, id string) (*abac.PropertyAccessRule, error) {
	q := `SELECT ` + propertyRuleColumns + ` FROM property_access_rules WHERE id = :id`
	rules, err := s.queryPropertyRules(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: property rule %s", abac.ErrRuleNotFound, id)
	}
	return rules[0], nil
}

func (s *SQLRuleStore) queryPropertyRules(ctx context.Context, q string, params map[string]any) ([]*abac.PropertyAccessRule, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.PropertyAccessRule, 0)
	for r.Next() {
		rule, err := scanPropertyRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, r.Err()
}

func scanPropertyRule(r rowScanner) (*abac.PropertyAccessRule, error) {
	var rule abac.PropertyAccessRule
	var roleID, groupID, userID, condJSON, mask, pattern, createdBy, updatedBy, createdAt, updatedAt sql.NullString
	var canRead, canWrite, active int
	if err := r.Scan(&rule.ID, &rule.PropertyID, &roleID, &groupID, &userID,
		&canRead, &canWrite, &condJSON, &mask, &pattern, &rule.Priority, &active,
		&createdBy, &updatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p, err := abac.NewPrincipal(roleID.String, groupID.String, userID.String)
	if err != nil {
		return nil, fmt.Errorf("property rule %s: %w", rule.ID, err)
	}
	cond, err := abac.ParseConditionJSON([]byte(condJSON.String))
	if err != nil {
		return nil, fmt.Errorf("property rule %s: %w", rule.ID, err)
	}
	rule.Principal = p
	rule.Condition = cond
	rule.CanRead = canRead != 0
	rule.CanWrite = canWrite != 0
	rule.MaskValue = mask.String
	rule.MaskPattern = pattern.String
	rule.IsActive = active != 0
	rule.CreatedBy = createdBy.String
	rule.UpdatedBy = updatedBy.String
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)
	return &rule, nil
}

func propertyRuleParams(rule *abac.PropertyAccessRule) (map[string]any, error) {
	cond, err := abac.MarshalCondition(rule.Condition)
	if err != nil {
		return nil, err
	}
	role, group, user := rule.Principal.Columns()
	created, updated := rule.CreatedAt, rule.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}
	return map[string]any{
		"id":             rule.ID,
		"property_id":    rule.PropertyID,
		"role_id":        nullString(role),
		"group_id":       nullString(group),
		"user_id":        nullString(user),
		"can_read":       boolToInt(rule.CanRead),
		"can_write":      boolToInt(rule.CanWrite),
		"condition_json": nullString(string(cond)),
		"mask_value":     nullString(rule.MaskValue),
		"mask_pattern":   nullString(rule.MaskPattern),
		"priority":       rule.Priority,
		"is_active":      boolToInt(rule.IsActive),
		"created_by":     nullString(rule.CreatedBy),
		"updated_by":     nullString(rule.UpdatedBy),
		"created_at":     formatTime(created),
		"updated_at":     formatTime(updated),
	}, nil
}

func (s *SQLRuleStore) CreatePropertyRule(ctx context.Context, rule *abac.PropertyAccessRule) error {
	params, err := propertyRuleParams(rule)
	if err != nil {
		return err
	}
	q := `INSERT INTO property_access_rules(` + propertyRuleColumns + `)
VALUES(:id, :property_id, :role_id, :group_id, :user_id, :can_read, :can_write, :condition_json, :mask_value, :mask_pattern, :priority, :is_active, :created_by, :updated_by, :created_at, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, params)
	return err
}

func (s *SQLRuleStore) UpdatePropertyRule(ctx context.Context, rule *abac.PropertyAccessRule) error {
	params, err := propertyRuleParams(rule)
	if err != nil {
		return err
	}
	q := `UPDATE property_access_rules SET property_id = :property_id, role_id = :role_id, group_id = :group_id, user_id = :user_id,
  can_read = :can_read, can_write = :can_write, condition_json = :condition_json, mask_value = :mask_value, mask_pattern = :mask_pattern,
  priority = :priority, is_active = :is_active,
  created_by = :created_by, updated_by = :updated_by, created_at = :created_at, updated_at = :updated_at
WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return err
	}
	return requireRow(res, "property rule", rule.ID)
}

func (s *SQLRuleStore) DeletePropertyRule(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM property_access_rules WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	return requireRow(res, "property rule", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", abac.ErrRuleNotFound, kind, id)
	}
	return nil
}
