// Package fieldtypes maps the closed set of logical form field types to their
// physical MySQL column types. The mapping is fixed domain data shipped as an
// embedded JSON file; unknown logical types fall back to unbounded TEXT.
package fieldtypes

import (
	"embed"
	"encoding/json"
	"sort"
	"sync"
)

//go:embed fieldTypes.json
var fieldTypesFS embed.FS

// Physical type families. The type-conversion policy reasons about families,
// not raw SQL strings.
const (
	FamilyVarchar  = "varchar"
	FamilyText     = "text"
	FamilyDecimal  = "decimal"
	FamilyInt      = "int"
	FamilyDate     = "date"
	FamilyTime     = "time"
	FamilyDateTime = "datetime"
	FamilyJSON     = "json"
)

// FallbackSQLType is used for logical types the registry does not know
const FallbackSQLType = "TEXT"

// FieldTypeDefinition represents a logical field type configuration
type FieldTypeDefinition struct {
	SQLType   string `json:"sqlType"`
	Label     string `json:"label"`
	Family    string `json:"family"`
	MaxLength int    `json:"maxLength,omitempty"`
}

// Registry holds field type definitions
type Registry struct {
	types map[string]FieldTypeDefinition
	mu    sync.RWMutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// GetRegistry returns the singleton field types registry
func GetRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = &Registry{
			types: make(map[string]FieldTypeDefinition),
		}
		_ = defaultRegistry.loadFromEmbedded()
	})
	return defaultRegistry
}

// loadFromEmbedded loads field types from the embedded JSON file
func (r *Registry) loadFromEmbedded() error {
	data, err := fieldTypesFS.ReadFile("fieldTypes.json")
	if err != nil {
		return err
	}

	var types map[string]FieldTypeDefinition
	if err := json.Unmarshal(data, &types); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = types
	return nil
}

// Get returns a field type definition by logical name
func (r *Registry) Get(typeName string) (FieldTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// All returns every known logical type name, sorted
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSQLType returns the physical column type for a logical type.
// Unknown types map to the TEXT fallback.
func GetSQLType(typeName string) string {
	def, ok := GetRegistry().Get(typeName)
	if !ok {
		return FallbackSQLType
	}
	return def.SQLType
}

// GetFamily returns the physical family for a logical type.
// Unknown types are treated as unbounded text.
func GetFamily(typeName string) string {
	def, ok := GetRegistry().Get(typeName)
	if !ok {
		return FamilyText
	}
	return def.Family
}

// GetMaxLength returns the bounded-string length for a logical type,
// or 0 when the type is not a bounded string
func GetMaxLength(typeName string) int {
	def, ok := GetRegistry().Get(typeName)
	if !ok {
		return 0
	}
	return def.MaxLength
}

// IsKnown reports whether the logical type is in the closed set
func IsKnown(typeName string) bool {
	_, ok := GetRegistry().Get(typeName)
	return ok
}
