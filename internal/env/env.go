// Package env holds the flat key/value configuration bag that strategies
// and the binding configurator read from.
//
// Properties is a value type: every constructor copies its input and every
// mutation returns a new Properties, so a bag handed to one strategy is
// never observed changing through another.
package env

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Recognized property keys.
const (
	// KeyURL is the data-source URL. For platform connections it names the target VDB.
	KeyURL = "url"

	// KeyDriver is the database/sql driver name used by the driver strategy.
	KeyDriver = "driver"

	// KeyUser and KeyPassword are optional credentials merged into the URL.
	KeyUser     = "user"
	KeyPassword = "password"

	// KeyAutoCommit controls the autocommit mode reported by a strategy.
	KeyAutoCommit = "autocommit"

	// KeyInitSQL lists statements (separated by ';') run on every new connection.
	KeyInitSQL = "init.sql"

	// KeyPoolMaxConns caps the pooled strategy's pool size.
	KeyPoolMaxConns = "pool.max_conns"

	// Admin control plane keys. A strategy supports admin access iff KeyAdminURL is set.
	KeyAdminURL          = "admin.url"
	KeyAdminUser         = "admin.user"
	KeyAdminPassword     = "admin.password"
	KeyAdminTokenURL     = "admin.token_url"
	KeyAdminClientID     = "admin.client_id"
	KeyAdminClientSecret = "admin.client_secret"
	KeyAdminTimeout      = "admin.timeout"
)

// Properties is an immutable string map.
type Properties struct {
	m map[string]string
}

// New copies src into a new Properties. A nil src yields an empty bag.
func New(src map[string]string) Properties {
	return Properties{m: maps.Clone(src)}
}

// Get returns the value for key and whether it was set.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p.m[key]
	return v, ok
}

// Value returns the value for key, or "" if unset.
func (p Properties) Value(key string) string {
	return p.m[key]
}

// Default returns the value for key, or def if unset or blank.
func (p Properties) Default(key, def string) string {
	if v := strings.TrimSpace(p.m[key]); v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean, returning def if unset or unparsable.
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int parses key as an integer, returning def if unset or unparsable.
func (p Properties) Int(key string, def int) int {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// With returns a copy of p with key set to value. p is left untouched.
func (p Properties) With(key, value string) Properties {
	m := maps.Clone(p.m)
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[key] = value
	return Properties{m: m}
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	return slices.Sorted(maps.Keys(p.m))
}

// Len returns the number of properties.
func (p Properties) Len() int {
	return len(p.m)
}

// Map returns a copy of the underlying map.
func (p Properties) Map() map[string]string {
	m := maps.Clone(p.m)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// WithPrefix returns the properties whose key starts with prefix, with the
// prefix stripped.
func (p Properties) WithPrefix(prefix string) Properties {
	out := make(map[string]string)
	for k, v := range p.m {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return Properties{m: out}
}
