// Package catalog provides the node template catalog for Flow Studio.
// It maps template identifiers to metadata (category, ports, field specs)
// used by the graph validator, execution engine, server API, and UI.
//
// Unlike a module-level registry, a Catalog is an explicitly constructed
// object passed by reference into the layers that need it. Callers that
// want the built-in node set use New; an empty catalog (for tests or
// custom node sets) comes from NewEmpty.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flowrunner/flowstudio/core"
)

// ErrUnknownTemplate is returned when a template id is not registered.
var ErrUnknownTemplate = errors.New("unknown node template")

// FieldType identifies the editor widget and value shape of a config field.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeTextarea FieldType = "textarea"
	FieldTypeSelect   FieldType = "select"
	FieldTypeSlider   FieldType = "slider"
	FieldTypeToggle   FieldType = "toggle"
	FieldTypePassword FieldType = "password"
	FieldTypeNumber   FieldType = "number"
)

// FieldSpec describes one configurable field on a node template.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Default  any       `json:"default,omitempty"`
	Required bool      `json:"required,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Options  []string  `json:"options,omitempty"` // select fields only
}

// Port describes a typed connection point on a node template.
// Required is meaningful for input ports only.
type Port struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     core.DataType `json:"type"`
	Required bool          `json:"required,omitempty"`
}

// NodeTemplate is the immutable catalog definition of a reusable
// pipeline step.
type NodeTemplate struct {
	ID          string        `json:"id"`
	Category    core.Category `json:"category"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Inputs      []Port        `json:"inputs"`
	Outputs     []Port        `json:"outputs"`
	Fields      []FieldSpec   `json:"fields"`
}

// InputPort returns the input port with the given id.
func (t NodeTemplate) InputPort(id string) (Port, bool) {
	for _, p := range t.Inputs {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort returns the output port with the given id.
func (t NodeTemplate) OutputPort(id string) (Port, bool) {
	for _, p := range t.Outputs {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// Field returns the field spec with the given name.
func (t NodeTemplate) Field(name string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Catalog holds the set of known node templates.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]NodeTemplate
	order     []string // preserves registration order
}

// New creates a catalog pre-populated with the built-in node templates.
func New() *Catalog {
	c := NewEmpty()
	registerBuiltins(c)
	return c
}

// NewEmpty creates a catalog with no templates registered.
func NewEmpty() *Catalog {
	return &Catalog{
		templates: make(map[string]NodeTemplate),
	}
}

// Register adds a node template. A template with the same id is overwritten.
func (c *Catalog) Register(t NodeTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.templates[t.ID]; !exists {
		c.order = append(c.order, t.ID)
	}
	c.templates[t.ID] = t
}

// Get returns a node template by id.
func (c *Catalog) Get(id string) (NodeTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// Has reports whether the template id is registered.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.templates[id]
	return ok
}

// All returns all registered templates in registration order.
// Used by the GET /api/node-types endpoint.
func (c *Catalog) All() []NodeTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]NodeTemplate, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.templates[id])
	}
	return result
}

// Len returns the number of registered templates.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// ResolveFields computes the effective field values for an instance of the
// given template: instance overrides fall back to template defaults.
// Field names not declared by the template are carried through unchanged
// (constraint enforcement is an editor concern, not a catalog one).
func (c *Catalog) ResolveFields(templateID string, overrides map[string]any) (map[string]any, error) {
	t, ok := c.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	resolved := make(map[string]any, len(t.Fields)+len(overrides))
	for _, f := range t.Fields {
		if f.Default != nil {
			resolved[f.Name] = f.Default
		}
	}
	for name, value := range overrides {
		resolved[name] = value
	}
	return resolved, nil
}
