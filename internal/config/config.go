// Package config loads the harness configuration file.
//
// A configuration is YAML. Before decoding, ${VAR} and ${VAR:-default}
// references are expanded from the process environment and the document
// is checked against the embedded CUE schema (schema.cue), so typos and
// wrongly typed values are reported before anything connects.
//
//	provisioning:
//	  settle_interval: 5s
//	catalog:
//	  dir: ./datasources
//	datasources:
//	  - name: teiid
//	    strategy: pooled
//	    use_proxy: true
//	    properties:
//	      url: postgres://teiid:35432/Parts
//	      admin.url: http://teiid:9999
//	      pm1: oracleDS
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/vdbtest/internal/binding"
	"github.com/roach88/vdbtest/internal/datasource"
)

//go:embed schema.cue
var schemaSource string

// Config is the decoded harness configuration.
type Config struct {
	Provisioning Provisioning            `yaml:"provisioning"`
	Catalog      Catalog                 `yaml:"catalog"`
	DataSources  []datasource.Descriptor `yaml:"datasources"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// Provisioning controls the binding configurator.
type Provisioning struct {
	// Disabled skips provisioning entirely; connections are still built.
	Disabled bool `yaml:"disabled"`

	// SettleInterval is the wait after bindings start. Unset means
	// binding.DefaultSettleInterval.
	SettleInterval *Duration `yaml:"settle_interval"`
}

// Settle returns the effective settle interval.
func (p Provisioning) Settle() time.Duration {
	if p.SettleInterval == nil {
		return binding.DefaultSettleInterval
	}
	return p.SettleInterval.Duration
}

// Catalog lists additional data-source sources beyond the inline ones.
type Catalog struct {
	// Dir holds descriptor YAML files. Relative paths are resolved against
	// the configuration file's directory.
	Dir string `yaml:"dir"`

	ObjectStore *datasource.ObjectStoreConfig `yaml:"object_store"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: duration must not be negative", node.Line)
	}
	d.Duration = v
	return nil
}

// Load reads, expands, validates and decodes the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if cfg.Catalog.Dir != "" && !filepath.IsAbs(cfg.Catalog.Dir) {
		cfg.Catalog.Dir = filepath.Join(filepath.Dir(path), cfg.Catalog.Dir)
	}
	return cfg, nil
}

// Parse expands, validates and decodes data. source labels errors and the
// inline descriptors.
func Parse(data []byte, source string) (*Config, error) {
	expanded, err := Expand(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if err := Validate(expanded); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: decode: %w", source, err)
	}
	for i := range cfg.DataSources {
		cfg.DataSources[i].Source = source
		if err := cfg.DataSources[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: datasources[%d]: %w", source, i, err)
		}
	}
	return &cfg, nil
}

// Validate checks a YAML document against the embedded schema.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand replaces ${VAR} and ${VAR:-default} with values from lookup. A
// reference to an unset variable without a default is an error naming
// every such variable. A lone $ is left as is.
func Expand(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		name := string(m[1])
		if v, ok := lookup(name); ok {
			return []byte(v)
		}
		if bytes.Contains(ref, []byte(":-")) {
			return m[2]
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Descriptors gathers the inline data sources, the catalog directory and
// the object store, in that order.
func (c *Config) Descriptors(ctx context.Context) ([]datasource.Descriptor, error) {
	out := append([]datasource.Descriptor(nil), c.DataSources...)
	if c.Catalog.Dir != "" {
		ds, err := datasource.LoadDir(c.Catalog.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	if c.Catalog.ObjectStore != nil {
		ds, err := datasource.LoadObjectStore(ctx, *c.Catalog.ObjectStore)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

// BuildCatalog loads every descriptor into a catalog. Names must be unique
// across all sources.
func (c *Config) BuildCatalog(ctx context.Context) (*datasource.Catalog, error) {
	ds, err := c.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	return datasource.NewCatalog(ds...)
}
