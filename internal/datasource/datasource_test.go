package datasource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_LookupAndResolve(t *testing.T) {
	c, err := NewCatalog(
		Descriptor{Name: "oracleDS", ConnectorType: "oracle", Properties: map[string]string{"url": "jdbc:oracle:thin:@db:1521/XE"}},
		Descriptor{Name: "teiid", Strategy: StrategyPooled},
	)
	require.NoError(t, err)

	d, ok := c.Lookup("oracleDS")
	require.True(t, ok)
	assert.Equal(t, "oracle", d.ConnectorType)
	assert.Equal(t, StrategyDriver, d.StrategyKind())
	assert.Equal(t, StrategyPooled, d.XAStrategyKind())
	assert.Equal(t, StrategyDriver, Descriptor{Strategy: "Driver"}.XAStrategyKind())

	d.Properties["url"] = "mutated"
	again, _ := c.Lookup("oracleDS")
	assert.Equal(t, "jdbc:oracle:thin:@db:1521/XE", again.Properties["url"])

	_, ok, err = c.Resolve(context.Background(), "missing", "pm1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"oracleDS", "teiid"}, c.Names())
	assert.Equal(t, 2, c.Len())
}

func TestCatalog_RejectsDuplicatesAndInvalid(t *testing.T) {
	_, err := NewCatalog(Descriptor{Name: "a"}, Descriptor{Name: "a", Source: "b.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a" defined twice (inline, b.yaml)`)

	_, err = NewCatalog(Descriptor{Name: ""})
	assert.Error(t, err)

	_, err = NewCatalog(Descriptor{Name: "x", Strategy: "jndi"})
	assert.Error(t, err)
}

func TestDescriptor_BindingProperties(t *testing.T) {
	d := Descriptor{Properties: map[string]string{
		"url":            "jdbc:teiid:Parts@mm://localhost:31000",
		"admin.url":      "http://localhost:9999",
		"admin.password": "secret",
		"user":           "admin",
	}}
	assert.Equal(t, map[string]string{
		"url":  "jdbc:teiid:Parts@mm://localhost:31000",
		"user": "admin",
	}, d.BindingProperties())
}

func TestDecode_MultiDocument(t *testing.T) {
	in := `
name: oracleDS
connector_type: oracle
properties:
  url: jdbc:oracle:thin:@db:1521/XE
---
name: sqlserverDS
connector_type: sqlserver
strategy: pooled
use_proxy: true
`
	ds, err := Decode(strings.NewReader(in), "inline.yaml")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "oracleDS", ds[0].Name)
	assert.Equal(t, "inline.yaml", ds[0].Source)
	assert.True(t, ds[1].UseProxy)
	assert.Equal(t, StrategyPooled, ds[1].StrategyKind())
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("name: a\nconector_type: typo\n"), "typo.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typo.yaml")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "a.yml"), []byte("name: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# ignored\n"), 0o644))

	ds, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "b", ds[0].Name)
	assert.Equal(t, "a", ds[1].Name)

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = LoadDir(filepath.Join(dir, "b.yaml"))
	assert.Error(t, err)
}

// memorySource is an in-memory objectSource.
type memorySource struct {
	objects map[string]string
	listErr error
}

func (m *memorySource) List(_ context.Context, _, prefix string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memorySource) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	body, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestLoadObjects(t *testing.T) {
	src := &memorySource{objects: map[string]string{
		"fixtures/datasources/oracle.yaml": "name: oracleDS\nconnector_type: oracle\n",
		"fixtures/datasources/pg.yml":      "name: pgDS\nconnector_type: postgresql\n",
		"fixtures/datasources/notes.txt":   "not yaml",
		"other/ignored.yaml":               "name: ignored\n",
	}}

	ds, err := loadObjects(context.Background(), src, "harness", "fixtures/")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "oracleDS", ds[0].Name)
	assert.Equal(t, "s3://harness/fixtures/datasources/oracle.yaml", ds[0].Source)
	assert.Equal(t, "pgDS", ds[1].Name)

	src.listErr = errors.New("access denied")
	_, err = loadObjects(context.Background(), src, "harness", "fixtures/")
	assert.ErrorContains(t, err, "access denied")
}

func TestObjectStoreConfig_Validate(t *testing.T) {
	valid := ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "harness", AccessKey: "a", SecretKey: "s"}
	assert.NoError(t, valid.Validate())

	withScheme := valid
	withScheme.Endpoint = "http://localhost:9000"
	assert.Error(t, withScheme.Validate())

	noBucket := valid
	noBucket.Bucket = ""
	assert.Error(t, noBucket.Validate())

	noCreds := valid
	noCreds.SecretKey = ""
	assert.Error(t, noCreds.Validate())
}
