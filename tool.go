package invocation

import (
	"sync"
)

// ParamKind is the domain type of a tool parameter.
type ParamKind string

const (
	ParamKindData       ParamKind = "data"
	ParamKindCollection ParamKind = "data_collection"
	ParamKindText       ParamKind = "text"
	ParamKindInteger    ParamKind = "integer"
	ParamKindFloat      ParamKind = "float"
	ParamKindBoolean    ParamKind = "boolean"
	ParamKindColor      ParamKind = "color"
)

// ToolInput describes one declared input of a tool.
type ToolInput struct {
	Name string    `json:"name" yaml:"name"`
	Kind ParamKind `json:"kind" yaml:"kind"`

	// Multiple data inputs accept a whole list of datasets and are never
	// treated as scatter material.
	Multiple bool `json:"multiple,omitempty" yaml:"multiple,omitempty"`

	// CollectionTypes lists the collection structures a data or collection
	// input accepts directly; a value with deeper structure is mapped over.
	CollectionTypes []string `json:"collection_types,omitempty" yaml:"collection_types,omitempty"`

	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default  any  `json:"default,omitempty" yaml:"default,omitempty"`
}

// ToolOutput describes one declared output of a tool.
type ToolOutput struct {
	Name           string `json:"name" yaml:"name"`
	Format         string `json:"format,omitempty" yaml:"format,omitempty"`
	Collection     bool   `json:"collection,omitempty" yaml:"collection,omitempty"`
	CollectionType string `json:"collection_type,omitempty" yaml:"collection_type,omitempty"`
}

// Tool is the immutable description of an executable tool. The execution
// contract itself is opaque to this engine; only the declared inputs and
// outputs matter here.
type Tool struct {
	ID      string        `json:"id" yaml:"id"`
	Version string        `json:"version,omitempty" yaml:"version,omitempty"`
	Name    string        `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs  []*ToolInput  `json:"inputs" yaml:"inputs"`
	Outputs []*ToolOutput `json:"outputs" yaml:"outputs"`
}

// Input returns the declared input with the given name.
func (t *Tool) Input(name string) (*ToolInput, bool) {
	for _, input := range t.Inputs {
		if input.Name == name {
			return input, true
		}
	}
	return nil, false
}

// OutputNames returns the declared output names in order.
func (t *Tool) OutputNames() []string {
	names := make([]string, len(t.Outputs))
	for i, output := range t.Outputs {
		names[i] = output.Name
	}
	return names
}

// ToolRegistry resolves tool references from step definitions.
type ToolRegistry interface {
	// GetTool returns the tool with the given id, preferring the exact
	// version when one is registered.
	GetTool(id, version string) (*Tool, bool)
}

// MemoryToolRegistry implements ToolRegistry in memory.
type MemoryToolRegistry struct {
	mutex sync.RWMutex
	tools map[string][]*Tool
}

// NewMemoryToolRegistry creates a new in-memory tool registry.
func NewMemoryToolRegistry() *MemoryToolRegistry {
	return &MemoryToolRegistry{tools: map[string][]*Tool{}}
}

// Register adds a tool to the registry.
func (r *MemoryToolRegistry) Register(tool *Tool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tools[tool.ID] = append(r.tools[tool.ID], tool)
}

func (r *MemoryToolRegistry) GetTool(id, version string) (*Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	versions := r.tools[id]
	if len(versions) == 0 {
		return nil, false
	}
	if version != "" {
		for _, tool := range versions {
			if tool.Version == version {
				return tool, true
			}
		}
	}
	return versions[len(versions)-1], true
}
