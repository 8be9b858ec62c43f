package abac

// Builders provide a fluent API for rules and property definitions.

// CollectionRuleBuilder builds a CollectionAccessRule. Rules start active and
// scoped to everyone.
type CollectionRuleBuilder struct {
	r *CollectionAccessRule
}

func NewCollectionRuleBuilder(collectionID string) *CollectionRuleBuilder {
	return &CollectionRuleBuilder{r: &CollectionAccessRule{CollectionID: collectionID, Principal: Everyone(), IsActive: true}}
}

func (b *CollectionRuleBuilder) ID(id string) *CollectionRuleBuilder { b.r.ID = id; return b }
func (b *CollectionRuleBuilder) Role(id string) *CollectionRuleBuilder {
	b.r.Principal = RolePrincipal(id)
	return b
}
func (b *CollectionRuleBuilder) Team(id string) *CollectionRuleBuilder {
	b.r.Principal = TeamPrincipal(id)
	return b
}
func (b *CollectionRuleBuilder) User(id string) *CollectionRuleBuilder {
	b.r.Principal = UserPrincipal(id)
	return b
}
func (b *CollectionRuleBuilder) Allow(ops ...Operation) *CollectionRuleBuilder {
	for _, op := range ops {
		switch op {
		case OpRead:
			b.r.CanRead = true
		case OpCreate:
			b.r.CanCreate = true
		case OpUpdate:
			b.r.CanUpdate = true
		case OpDelete:
			b.r.CanDelete = true
		}
	}
	return b
}
func (b *CollectionRuleBuilder) When(c Condition) *CollectionRuleBuilder { b.r.Condition = c; return b }
func (b *CollectionRuleBuilder) Priority(p int) *CollectionRuleBuilder   { b.r.Priority = p; return b }
func (b *CollectionRuleBuilder) Active(a bool) *CollectionRuleBuilder    { b.r.IsActive = a; return b }
func (b *CollectionRuleBuilder) Build() *CollectionAccessRule            { return b.r }

// PropertyRuleBuilder builds a PropertyAccessRule.
type PropertyRuleBuilder struct {
	r *PropertyAccessRule
}

func NewPropertyRuleBuilder(propertyID string) *PropertyRuleBuilder {
	return &PropertyRuleBuilder{r: &PropertyAccessRule{PropertyID: propertyID, Principal: Everyone(), IsActive: true}}
}

func (b *PropertyRuleBuilder) ID(id string) *PropertyRuleBuilder { b.r.ID = id; return b }
func (b *PropertyRuleBuilder) Role(id string) *PropertyRuleBuilder {
	b.r.Principal = RolePrincipal(id)
	return b
}
func (b *PropertyRuleBuilder) Team(id string) *PropertyRuleBuilder {
	b.r.Principal = TeamPrincipal(id)
	return b
}
func (b *PropertyRuleBuilder) User(id string) *PropertyRuleBuilder {
	b.r.Principal = UserPrincipal(id)
	return b
}
func (b *PropertyRuleBuilder) Read(v bool) *PropertyRuleBuilder        { b.r.CanRead = v; return b }
func (b *PropertyRuleBuilder) Write(v bool) *PropertyRuleBuilder       { b.r.CanWrite = v; return b }
func (b *PropertyRuleBuilder) Mask(v string) *PropertyRuleBuilder      { b.r.MaskValue = v; return b }
func (b *PropertyRuleBuilder) When(c Condition) *PropertyRuleBuilder   { b.r.Condition = c; return b }
func (b *PropertyRuleBuilder) Priority(p int) *PropertyRuleBuilder     { b.r.Priority = p; return b }
func (b *PropertyRuleBuilder) Active(a bool) *PropertyRuleBuilder      { b.r.IsActive = a; return b }
func (b *PropertyRuleBuilder) Build() *PropertyAccessRule              { return b.r }

// PropertyBuilder builds a PropertyDefinition.
type PropertyBuilder struct {
	d *PropertyDefinition
}

func NewPropertyBuilder(collectionID, id, code string) *PropertyBuilder {
	return &PropertyBuilder{d: &PropertyDefinition{ID: id, CollectionID: collectionID, Code: code, MaskingStrategy: MaskNone}}
}

func (b *PropertyBuilder) Readonly() *PropertyBuilder  { b.d.IsReadonly = true; return b }
func (b *PropertyBuilder) Sensitive() *PropertyBuilder { b.d.IsSensitive = true; return b }
func (b *PropertyBuilder) PHI() *PropertyBuilder       { b.d.IsPHI = true; return b }
func (b *PropertyBuilder) PII() *PropertyBuilder       { b.d.IsPII = true; return b }
func (b *PropertyBuilder) BreakGlass() *PropertyBuilder {
	b.d.RequiresBreakGlass = true
	return b
}
func (b *PropertyBuilder) Masking(s MaskingStrategy, value string) *PropertyBuilder {
	b.d.MaskingStrategy = s
	b.d.MaskValue = value
	return b
}
func (b *PropertyBuilder) Order(n int) *PropertyBuilder { b.d.SortOrder = n; return b }
func (b *PropertyBuilder) Build() *PropertyDefinition   { return b.d }
