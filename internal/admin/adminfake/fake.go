// Package adminfake provides an in-memory admin control plane for tests.
//
// Fake implements admin.API directly and can also serve the REST interface
// spoken by admin.Client (see Handler), so the same state backs unit tests
// of the binding configurator and end-to-end tests of the HTTP client.
package adminfake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/vdbtest/internal/admin"
)

// Operation names used in the call log and by FailOn.
const (
	OpListVDBs     = "ListVDBs"
	OpAddBinding   = "AddConnectorBinding"
	OpAssign       = "AssignBindingToModel"
	OpStartBinding = "StartConnectorBinding"
)

// Binding is an installed connector binding.
type Binding struct {
	Name          string
	ConnectorType string
	Properties    map[string]string
	Started       bool
}

// Fake is a thread-safe in-memory admin.API.
type Fake struct {
	mu          sync.Mutex
	vdbs        []admin.VDB
	bindings    map[string]*Binding
	assignments map[string]string
	calls       []string
	failures    map[string]error
}

// New creates a fake with the given deployed VDBs, kept in listing order.
func New(vdbs ...admin.VDB) *Fake {
	return &Fake{
		vdbs:        slices.Clone(vdbs),
		bindings:    make(map[string]*Binding),
		assignments: make(map[string]string),
		failures:    make(map[string]error),
	}
}

// Deploy appends a VDB to the listing.
func (f *Fake) Deploy(vdb admin.VDB) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vdbs = append(f.vdbs, vdb)
}

// FailOn makes every later call to op return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns the call log, one line per call.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many times op was called.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") || c == op {
			n++
		}
	}
	return n
}

// Binding returns a copy of the named binding.
func (f *Fake) Binding(name string) (Binding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[name]
	if !ok {
		return Binding{}, false
	}
	out := *b
	out.Properties = maps.Clone(b.Properties)
	return out, true
}

// Assignment returns the binding assigned to model in vdb.version.
func (f *Fake) Assignment(vdbName string, version int, model string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.assignments[assignmentKey(vdbName, version, model)]
	return b, ok
}

// ListVDBs implements admin.API.
func (f *Fake) ListVDBs(_ context.Context, pattern string) ([]admin.VDB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s pattern=%s", OpListVDBs, pattern)
	if err := f.failures[OpListVDBs]; err != nil {
		return nil, err
	}

	var out []admin.VDB
	for _, v := range f.vdbs {
		if admin.MatchPattern(pattern, v.Name) {
			v.Models = slices.Clone(v.Models)
			out = append(out, v)
		}
	}
	return out, nil
}

// AddConnectorBinding implements admin.API.
func (f *Fake) AddConnectorBinding(_ context.Context, name, connectorType string, props map[string]string, opts admin.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s name=%s type=%s on_conflict=%s ignore_decrypt_errors=%t props=%s",
		OpAddBinding, name, connectorType, opts.OnConflict, opts.IgnoreDecryptErrors, formatProps(props))
	if err := f.failures[OpAddBinding]; err != nil {
		return err
	}

	if _, exists := f.bindings[name]; exists {
		switch opts.OnConflict {
		case admin.OnConflictIgnore:
			return nil
		case admin.OnConflictOverwrite:
		default:
			return fmt.Errorf("binding %q already exists", name)
		}
	}
	f.bindings[name] = &Binding{
		Name:          name,
		ConnectorType: connectorType,
		Properties:    maps.Clone(props),
	}
	return nil
}

// AssignBindingToModel implements admin.API.
func (f *Fake) AssignBindingToModel(_ context.Context, binding, vdbName string, vdbVersion int, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s binding=%s vdb=%s version=%d model=%s", OpAssign, binding, vdbName, vdbVersion, model)
	if err := f.failures[OpAssign]; err != nil {
		return err
	}

	if _, ok := f.bindings[binding]; !ok {
		return fmt.Errorf("binding %q does not exist", binding)
	}
	if !f.hasModel(vdbName, vdbVersion, model) {
		return fmt.Errorf("model %q not found in vdb %s.%d", model, vdbName, vdbVersion)
	}
	f.assignments[assignmentKey(vdbName, vdbVersion, model)] = binding
	return nil
}

// StartConnectorBinding implements admin.API.
func (f *Fake) StartConnectorBinding(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s name=%s", OpStartBinding, name)
	if err := f.failures[OpStartBinding]; err != nil {
		return err
	}

	b, ok := f.bindings[name]
	if !ok {
		return fmt.Errorf("binding %q does not exist", name)
	}
	b.Started = true
	return nil
}

func (f *Fake) hasModel(vdbName string, version int, model string) bool {
	for _, v := range f.vdbs {
		if v.Name != vdbName || v.Version != version {
			continue
		}
		for _, m := range v.Models {
			if m.Name == model {
				return true
			}
		}
	}
	return false
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func assignmentKey(vdbName string, version int, model string) string {
	return fmt.Sprintf("%s.%d/%s", vdbName, version, model)
}

func formatProps(props map[string]string) string {
	keys := slices.Sorted(maps.Keys(props))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + props[k]
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var _ admin.API = (*Fake)(nil)
