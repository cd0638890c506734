// Package admin describes the platform's administrative control plane as
// consumed by the harness: a read-only view of deployed virtual databases
// and the connector-binding operations used to provision them.
package admin

import (
	"context"
	"fmt"
	"strings"
)

// ModelType classifies a VDB model.
type ModelType string

const (
	ModelPhysical ModelType = "PHYSICAL"
	ModelVirtual  ModelType = "VIRTUAL"
	ModelFunction ModelType = "FUNCTION"
	ModelOther    ModelType = "OTHER"
)

// Model is a named unit within a VDB.
type Model struct {
	Name    string    `json:"name"`
	Type    ModelType `json:"type"`
	Visible bool      `json:"visible"`
}

// IsPhysical reports whether the model represents a real external source
// and therefore needs a connector binding.
func (m Model) IsPhysical() bool {
	return strings.EqualFold(string(m.Type), string(ModelPhysical))
}

// VDB is a deployed, versioned virtual database.
type VDB struct {
	Name    string  `json:"name"`
	Version int     `json:"version"`
	Models  []Model `json:"models"`
}

// String returns "name.version".
func (v VDB) String() string {
	return fmt.Sprintf("%s.%d", v.Name, v.Version)
}

// PhysicalModels returns the physical models in listing order.
func (v VDB) PhysicalModels() []Model {
	var out []Model
	for _, m := range v.Models {
		if m.IsPhysical() {
			out = append(out, m)
		}
	}
	return out
}

// ConflictPolicy decides what happens when a binding name already exists.
type ConflictPolicy string

const (
	// OnConflictOverwrite replaces the existing binding.
	OnConflictOverwrite ConflictPolicy = "overwrite"
	// OnConflictIgnore keeps the existing binding.
	OnConflictIgnore ConflictPolicy = "ignore"
	// OnConflictException fails the call.
	OnConflictException ConflictPolicy = "exception"
)

// Options tune AddConnectorBinding.
type Options struct {
	OnConflict ConflictPolicy

	// IgnoreDecryptErrors accepts stored secrets that no longer decrypt with
	// the local key instead of rejecting the binding.
	IgnoreDecryptErrors bool
}

// API is the subset of the admin control plane the harness consumes.
type API interface {
	// ListVDBs returns the deployed VDBs whose name matches pattern ("*" for all).
	ListVDBs(ctx context.Context, pattern string) ([]VDB, error)

	// AddConnectorBinding installs a binding named name.
	AddConnectorBinding(ctx context.Context, name, connectorType string, props map[string]string, opts Options) error

	// AssignBindingToModel assigns binding to model within a specific VDB version.
	AssignBindingToModel(ctx context.Context, binding, vdbName string, vdbVersion int, model string) error

	// StartConnectorBinding starts the binding so queries can use it.
	StartConnectorBinding(ctx context.Context, name string) error
}

// MatchPattern reports whether name matches a listing pattern. "*" matches
// any run of characters; matching is case-insensitive.
func MatchPattern(pattern, name string) bool {
	p := strings.ToLower(pattern)
	n := strings.ToLower(name)
	if p == "" || p == "*" {
		return true
	}

	parts := strings.Split(p, "*")
	if !strings.HasPrefix(n, parts[0]) {
		return false
	}
	n = n[len(parts[0]):]
	last := len(parts) - 1
	for i := 1; i < last; i++ {
		idx := strings.Index(n, parts[i])
		if idx < 0 {
			return false
		}
		n = n[idx+len(parts[i]):]
	}
	if last == 0 {
		return n == ""
	}
	return strings.HasSuffix(n, parts[last])
}
