package entity

import "strings"

// CollectionName derives the entity-set name the store uses for a logical
// name: "contact" -> "contacts", "class" -> "classes". Irregular plurals
// need a Pluralizer override.
func CollectionName(logicalName string) string {
	if strings.HasSuffix(logicalName, "s") {
		return logicalName + "es"
	}
	return logicalName + "s"
}

// Pluralizer resolves collection names, consulting explicit overrides before
// falling back to CollectionName.
type Pluralizer struct {
	overrides map[string]string
}

// NewPluralizer copies overrides keyed by logical name.
func NewPluralizer(overrides map[string]string) *Pluralizer {
	p := &Pluralizer{overrides: make(map[string]string, len(overrides))}
	for k, v := range overrides {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		p.overrides[k] = v
	}
	return p
}

// Collection returns the collection name for logicalName.
func (p *Pluralizer) Collection(logicalName string) string {
	if p != nil {
		if v, ok := p.overrides[logicalName]; ok {
			return v
		}
	}
	return CollectionName(logicalName)
}

// Bind renders the relation-binding value "/<collection>(<id>)" for ref.
func (p *Pluralizer) Bind(ref Reference) string {
	return "/" + p.Collection(ref.TypeName()) + "(" + ref.ID() + ")"
}

// BindField is the name of the reverse relation field for an owner type.
func BindField(typeName string) string {
	return "objectid_" + typeName + "@odata.bind"
}
