package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of an engine setup: engine settings,
// break-glass policy, seed schema and rules.
type Config struct {
	Version         uint16                 `json:"version" yaml:"version"`
	Engine          EngineConfig           `json:"engine" yaml:"engine"`
	BreakGlass      BreakGlassSettings     `json:"break_glass" yaml:"break_glass"`
	Principals      []PrincipalConfig      `json:"principals,omitempty" yaml:"principals,omitempty"`
	Properties      []*PropertyDefinition  `json:"properties,omitempty" yaml:"properties,omitempty"`
	CollectionRules []CollectionRuleConfig `json:"collection_rules,omitempty" yaml:"collection_rules,omitempty"`
	PropertyRules   []PropertyRuleConfig   `json:"property_rules,omitempty" yaml:"property_rules,omitempty"`
}

// Cache backends.
const (
	CacheBackendMemory    = "memory"
	CacheBackendRistretto = "ristretto"
	CacheBackendRedis     = "redis"
)

type EngineConfig struct {
	RuleCacheTTL        int64  `json:"rule_cache_ttl_ms,omitempty" yaml:"rule_cache_ttl_ms,omitempty"`
	CacheBackend        string `json:"cache_backend,omitempty" yaml:"cache_backend,omitempty"`
	RedisAddr           string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisChannel        string `json:"redis_channel,omitempty" yaml:"redis_channel,omitempty"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
	AuditBufferSize     int    `json:"audit_buffer_size,omitempty" yaml:"audit_buffer_size,omitempty"`
	AuditDecisions      bool   `json:"audit_decisions,omitempty" yaml:"audit_decisions,omitempty"`
}

// Options turns the settings into engine options. The redis backend needs a
// client and is wired by the caller.
func (c EngineConfig) Options() ([]EngineOption, error) {
	var opts []EngineOption
	if c.RuleCacheTTL > 0 {
		opts = append(opts, WithRuleCacheTTL(time.Duration(c.RuleCacheTTL)*time.Millisecond))
	}
	switch c.CacheBackend {
	case "", CacheBackendMemory, CacheBackendRedis:
	case CacheBackendRistretto:
		port, err := NewRistrettoRuleCache(c.RistrettoNumCounter, c.RistrettoMaxCost, c.RistrettoBuffer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRuleCachePort(port))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.AuditBufferSize > 0 {
		opts = append(opts, WithAuditBufferSize(c.AuditBufferSize))
	}
	if c.AuditDecisions {
		opts = append(opts, WithDecisionAudit(true))
	}
	return opts, nil
}

type BreakGlassSettings struct {
	MinJustificationLength int      `json:"min_justification_length,omitempty" yaml:"min_justification_length,omitempty"`
	DefaultDuration        int64    `json:"default_duration_ms,omitempty" yaml:"default_duration_ms,omitempty"`
	MaxDuration            int64    `json:"max_duration_ms,omitempty" yaml:"max_duration_ms,omitempty"`
	ReasonCodes            []string `json:"reason_codes,omitempty" yaml:"reason_codes,omitempty"`
	ApprovalRequired       []string `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	SweepInterval          int64    `json:"sweep_interval_ms,omitempty" yaml:"sweep_interval_ms,omitempty"`
}

// ToConfig fills unset values from DefaultBreakGlassConfig.
func (s BreakGlassSettings) ToConfig() BreakGlassConfig {
	cfg := BreakGlassConfig{
		MinJustificationLength: s.MinJustificationLength,
		DefaultDuration:        time.Duration(s.DefaultDuration) * time.Millisecond,
		MaxDuration:            time.Duration(s.MaxDuration) * time.Millisecond,
		ReasonCodes:            s.ReasonCodes,
		ApprovalRequired:       s.ApprovalRequired,
		SweepInterval:          time.Duration(s.SweepInterval) * time.Millisecond,
	}
	cfg.normalize()
	return cfg
}

type PrincipalConfig struct {
	Type PrincipalKind `json:"type" yaml:"type"`
	ID   string        `json:"id" yaml:"id"`
}

// CollectionRuleConfig mirrors the persisted row: at most one of RoleID,
// GroupID and UserID is set.
type CollectionRuleConfig struct {
	ID           string         `json:"id" yaml:"id"`
	CollectionID string         `json:"collection_id" yaml:"collection_id"`
	RoleID       string         `json:"role_id,omitempty" yaml:"role_id,omitempty"`
	GroupID      string         `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	UserID       string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	CanRead      bool           `json:"can_read,omitempty" yaml:"can_read,omitempty"`
	CanCreate    bool           `json:"can_create,omitempty" yaml:"can_create,omitempty"`
	CanUpdate    bool           `json:"can_update,omitempty" yaml:"can_update,omitempty"`
	CanDelete    bool           `json:"can_delete,omitempty" yaml:"can_delete,omitempty"`
	Condition    map[string]any `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority     int            `json:"priority" yaml:"priority"`
	Inactive     bool           `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

func (c CollectionRuleConfig) Rule() (*CollectionAccessRule, error) {
	p, err := NewPrincipal(c.RoleID, c.GroupID, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("collection rule %s: %w", c.ID, err)
	}
	var cond Condition
	if c.Condition != nil {
		if cond, err = ParseCondition(c.Condition); err != nil {
			return nil, fmt.Errorf("collection rule %s: %w", c.ID, err)
		}
	}
	return &CollectionAccessRule{
		ID:           c.ID,
		CollectionID: c.CollectionID,
		Principal:    p,
		CanRead:      c.CanRead,
		CanCreate:    c.CanCreate,
		CanUpdate:    c.CanUpdate,
		CanDelete:    c.CanDelete,
		Condition:    cond,
		Priority:     c.Priority,
		IsActive:     !c.Inactive,
	}, nil
}

type PropertyRuleConfig struct {
	ID          string         `json:"id" yaml:"id"`
	PropertyID  string         `json:"property_id" yaml:"property_id"`
	RoleID      string         `json:"role_id,omitempty" yaml:"role_id,omitempty"`
	GroupID     string         `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	UserID      string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	CanRead     bool           `json:"can_read,omitempty" yaml:"can_read,omitempty"`
	CanWrite    bool           `json:"can_write,omitempty" yaml:"can_write,omitempty"`
	Condition   map[string]any `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaskValue   string         `json:"mask_value,omitempty" yaml:"mask_value,omitempty"`
	MaskPattern string         `json:"mask_pattern,omitempty" yaml:"mask_pattern,omitempty"`
	Priority    int            `json:"priority" yaml:"priority"`
	Inactive    bool           `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

func (c PropertyRuleConfig) Rule() (*PropertyAccessRule, error) {
	p, err := NewPrincipal(c.RoleID, c.GroupID, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("property rule %s: %w", c.ID, err)
	}
	var cond Condition
	if c.Condition != nil {
		if cond, err = ParseCondition(c.Condition); err != nil {
			return nil, fmt.Errorf("property rule %s: %w", c.ID, err)
		}
	}
	return &PropertyAccessRule{
		ID:          c.ID,
		PropertyID:  c.PropertyID,
		Principal:   p,
		CanRead:     c.CanRead,
		CanWrite:    c.CanWrite,
		Condition:   cond,
		MaskValue:   c.MaskValue,
		MaskPattern: c.MaskPattern,
		Priority:    c.Priority,
		IsActive:    !c.Inactive,
	}, nil
}

// ConfigLoader reads configuration documents.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", path)
}

func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate checks the document without touching any store: principal
// references, property references, condition operators and condition
// properties.
func (c *Config) Validate() error {
	var errs []error
	principals := map[PrincipalKind]map[string]bool{}
	for _, p := range c.Principals {
		if principals[p.Type] == nil {
			principals[p.Type] = map[string]bool{}
		}
		principals[p.Type][p.ID] = true
	}
	known := func(p Principal) bool { return p.IsEveryone() || principals[p.Kind][p.ID] }

	props := map[string]*PropertyDefinition{}
	codes := map[string]map[string]bool{}
	for _, d := range c.Properties {
		props[d.ID] = d
		if codes[d.CollectionID] == nil {
			codes[d.CollectionID] = map[string]bool{}
		}
		codes[d.CollectionID][d.Code] = true
	}
	checkCond := func(owner, collectionID string, cond Condition) {
		if err := ValidateCondition(cond); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", owner, err))
			return
		}
		for _, prop := range ConditionProperties(cond) {
			root, _, _ := strings.Cut(prop, ".")
			if !codes[collectionID][prop] && !codes[collectionID][root] && !systemProperties[root] {
				errs = append(errs, fmt.Errorf("%s: %w: %q", owner, ErrUnknownConditionProperty, prop))
			}
		}
	}

	for _, rc := range c.CollectionRules {
		r, err := rc.Rule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		owner := "collection rule " + r.ID
		if r.CollectionID == "" {
			errs = append(errs, fmt.Errorf("%s: missing collection_id", owner))
		}
		if !known(r.Principal) {
			errs = append(errs, fmt.Errorf("%s: %w: %s", owner, ErrUnknownPrincipal, r.Principal))
		}
		checkCond(owner, r.CollectionID, r.Condition)
	}
	for _, rc := range c.PropertyRules {
		r, err := rc.Rule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		owner := "property rule " + r.ID
		def, ok := props[r.PropertyID]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w: %s", owner, ErrPropertyNotFound, r.PropertyID))
			continue
		}
		if !known(r.Principal) {
			errs = append(errs, fmt.Errorf("%s: %w: %s", owner, ErrUnknownPrincipal, r.Principal))
		}
		checkCond(owner, def.CollectionID, r.Condition)
	}
	return errors.Join(errs...)
}

// ApplyConfig seeds principals and property definitions (when the rule store
// supports it) and upserts every rule through the validated admin path.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config, actorID string) error {
	if seeder, ok := e.rules.(SchemaSeeder); ok {
		for _, p := range cfg.Principals {
			if err := seeder.UpsertPrincipal(ctx, p.Type, p.ID); err != nil {
				return fmt.Errorf("seed principal %s:%s: %w", p.Type, p.ID, err)
			}
		}
		touched := map[string]bool{}
		for _, d := range cfg.Properties {
			if err := seeder.UpsertPropertyDefinition(ctx, d); err != nil {
				return fmt.Errorf("seed property %s: %w", d.ID, err)
			}
			touched[d.CollectionID] = true
		}
		for id := range touched {
			if err := e.cache.Invalidate(ctx, id); err != nil {
				return err
			}
		}
	}

	for _, rc := range cfg.CollectionRules {
		rule, err := rc.Rule()
		if err != nil {
			return err
		}
		if _, err := e.rules.GetCollectionRule(ctx, rule.ID); err != nil {
			if !errors.Is(err, ErrRuleNotFound) {
				return err
			}
			if _, err := e.CreateCollectionRule(ctx, rule, actorID); err != nil {
				return fmt.Errorf("create collection rule %s: %w", rule.ID, err)
			}
			continue
		}
		if _, err := e.UpdateCollectionRule(ctx, rule, actorID); err != nil {
			return fmt.Errorf("update collection rule %s: %w", rule.ID, err)
		}
	}
	for _, rc := range cfg.PropertyRules {
		rule, err := rc.Rule()
		if err != nil {
			return err
		}
		if _, err := e.rules.GetPropertyRule(ctx, rule.ID); err != nil {
			if !errors.Is(err, ErrRuleNotFound) {
				return err
			}
			if _, err := e.CreatePropertyRule(ctx, rule, actorID); err != nil {
				return fmt.Errorf("create property rule %s: %w", rule.ID, err)
			}
			continue
		}
		if _, err := e.UpdatePropertyRule(ctx, rule, actorID); err != nil {
			return fmt.Errorf("update property rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
