package abac

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	def := DefaultBreakGlassConfig()
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				RuleCacheTTL:    DefaultRuleCacheTTL.Milliseconds(),
				CacheBackend:    CacheBackendMemory,
				AuditBufferSize: DefaultEmitterBuffer,
			},
			BreakGlass: BreakGlassSettings{
				MinJustificationLength: def.MinJustificationLength,
				DefaultDuration:        def.DefaultDuration.Milliseconds(),
				MaxDuration:            def.MaxDuration.Milliseconds(),
				ReasonCodes:            def.ReasonCodes,
				ApprovalRequired:       def.ApprovalRequired,
				SweepInterval:          def.SweepInterval.Milliseconds(),
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddPrincipal(kind PrincipalKind, id string) *ConfigBuilder {
	b.cfg.Principals = append(b.cfg.Principals, PrincipalConfig{Type: kind, ID: id})
	return b
}

func (b *ConfigBuilder) AddProperty(d *PropertyDefinition) *ConfigBuilder {
	b.cfg.Properties = append(b.cfg.Properties, d)
	return b
}

// AddCollectionRule records r in its configuration form.
func (b *ConfigBuilder) AddCollectionRule(r *CollectionAccessRule) *ConfigBuilder {
	role, group, user := r.Principal.Columns()
	b.cfg.CollectionRules = append(b.cfg.CollectionRules, CollectionRuleConfig{
		ID:           r.ID,
		CollectionID: r.CollectionID,
		RoleID:       role,
		GroupID:      group,
		UserID:       user,
		CanRead:      r.CanRead,
		CanCreate:    r.CanCreate,
		CanUpdate:    r.CanUpdate,
		CanDelete:    r.CanDelete,
		Condition:    ConditionToMap(r.Condition),
		Priority:     r.Priority,
		Inactive:     !r.IsActive,
	})
	return b
}

func (b *ConfigBuilder) AddPropertyRule(r *PropertyAccessRule) *ConfigBuilder {
	role, group, user := r.Principal.Columns()
	b.cfg.PropertyRules = append(b.cfg.PropertyRules, PropertyRuleConfig{
		ID:          r.ID,
		PropertyID:  r.PropertyID,
		RoleID:      role,
		GroupID:     group,
		UserID:      user,
		CanRead:     r.CanRead,
		CanWrite:    r.CanWrite,
		Condition:   ConditionToMap(r.Condition),
		MaskValue:   r.MaskValue,
		MaskPattern: r.MaskPattern,
		Priority:    r.Priority,
		Inactive:    !r.IsActive,
	})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) BreakGlassSettings(fn func(*BreakGlassSettings)) *ConfigBuilder {
	fn(&b.cfg.BreakGlass)
	return b
}

func (b *ConfigBuilder) Build() *Config { return b.cfg }

func (b *ConfigBuilder) ToYAML() ([]byte, error) { return b.cfg.ToYAML() }

func (b *ConfigBuilder) ToJSON() ([]byte, error) { return b.cfg.ToJSON() }
