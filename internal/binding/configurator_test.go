package binding

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vdbtest/internal/admin"
	"github.com/roach88/vdbtest/internal/admin/adminfake"
	"github.com/roach88/vdbtest/internal/datasource"
	"github.com/roach88/vdbtest/internal/env"
	"github.com/roach88/vdbtest/internal/errs"
	"github.com/roach88/vdbtest/internal/metrics"
	tu "github.com/roach88/vdbtest/internal/testutil"
)

const partsURL = "jdbc:teiid:Parts@mm://localhost:31000"

func physical(name string) admin.Model {
	return admin.Model{Name: name, Type: admin.ModelPhysical, Visible: true}
}

func virtual(name string) admin.Model {
	return admin.Model{Name: name, Type: admin.ModelVirtual, Visible: true}
}

func catalog(t *testing.T, ds ...datasource.Descriptor) *datasource.Catalog {
	t.Helper()
	c, err := datasource.NewCatalog(ds...)
	require.NoError(t, err)
	return c
}

type fixture struct {
	fake    *adminfake.Fake
	sleeper *tu.FakeSleeper
	config  *Configurator
}

func newFixture(t *testing.T, props map[string]string, resolver datasource.Resolver, vdbs []admin.VDB, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{fake: adminfake.New(vdbs...), sleeper: tu.NewFakeSleeper()}
	opts = append([]Option{
		WithSleeper(f.sleeper),
		WithRunIDGenerator(tu.NewFixedIDGenerator("run-1")),
	}, opts...)
	f.config = New(f.fake, env.New(props), resolver, opts...)
	return f
}

func assertGoldenCalls(t *testing.T, name string, calls []string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(strings.Join(calls, "\n")+"\n"))
}

func TestProvision_BindsOnlyPhysicalModels(t *testing.T) {
	resolver := catalog(t,
		datasource.Descriptor{Name: "m1", ConnectorType: "oracle", Properties: map[string]string{
			"url":  "jdbc:oracle:thin:@ora:1521/XE",
			"user": "parts",
		}},
		datasource.Descriptor{Name: "m2", ConnectorType: "sqlserver", Properties: map[string]string{
			"url": "jdbc:sqlserver://mssql:1433",
		}},
	)
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("m1"), physical("m2"), virtual("m3")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, resolver, []admin.VDB{vdb})

	report, err := f.config.Provision(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, f.config.State())
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "Parts", report.VDB)
	assert.Equal(t, 1, report.Version)
	require.Len(t, report.Bindings, 2)
	assert.Equal(t, "m1", report.Bindings[0].Model)
	assert.Equal(t, "m2", report.Bindings[1].Model)

	assert.Equal(t, 2, f.fake.CallCount(adminfake.OpAddBinding))
	_, ok := f.fake.Binding("m3")
	assert.False(t, ok)
	for _, m := range []string{"m1", "m2"} {
		b, ok := f.fake.Binding(m)
		require.True(t, ok)
		assert.True(t, b.Started)
		assigned, ok := f.fake.Assignment("Parts", 1, m)
		require.True(t, ok)
		assert.Equal(t, m, assigned)
	}

	assert.Equal(t, []time.Duration{DefaultSettleInterval}, f.sleeper.Calls())
	assertGoldenCalls(t, "provision_physical_models", f.fake.Calls())
}

func TestProvision_OverrideMapsModelToDataSource(t *testing.T) {
	resolver := catalog(t,
		datasource.Descriptor{Name: "oracleDS", ConnectorType: "oracle", Properties: map[string]string{
			"url": "jdbc:oracle:thin:@ora:1521/XE",
		}},
		datasource.Descriptor{Name: "pm1", ConnectorType: "postgresql"},
	)
	vdb := admin.VDB{Name: "Parts", Version: 2, Models: []admin.Model{physical("pm1"), virtual("vm1")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL, "pm1": "oracleDS"}, resolver, []admin.VDB{vdb})

	report, err := f.config.Provision(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Bindings, 1)
	assert.Equal(t, BindingDescriptor{
		Model:         "pm1",
		LookupKey:     "oracleDS",
		Binding:       "oracleDS",
		ConnectorType: "oracle",
		Properties:    map[string]string{"url": "jdbc:oracle:thin:@ora:1521/XE"},
	}, report.Bindings[0])

	_, ok := f.fake.Binding("pm1")
	assert.False(t, ok, "the model name must not be used when an override exists")
	assertGoldenCalls(t, "provision_override", f.fake.Calls())
}

func TestProvision_ResolverReceivesLookupKeyAndModel(t *testing.T) {
	var gotKey, gotModel string
	resolver := datasource.ResolverFunc(func(_ context.Context, lookupKey, modelName string) (datasource.Descriptor, bool, error) {
		gotKey, gotModel = lookupKey, modelName
		return datasource.Descriptor{Name: lookupKey, ConnectorType: "oracle"}, true, nil
	})
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("pm1")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL, "pm1": "oracleDS"}, resolver, []admin.VDB{vdb})

	_, err := f.config.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oracleDS", gotKey)
	assert.Equal(t, "pm1", gotModel)
}

func TestProvision_UnresolvedModelFailsWithoutSettling(t *testing.T) {
	resolver := catalog(t, datasource.Descriptor{Name: "m1", ConnectorType: "oracle"})
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("m1"), physical("m4")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, resolver, []admin.VDB{vdb})

	report, err := f.config.Provision(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsProvisioningFailure(err))
	assert.ErrorIs(t, err, errs.ErrUnresolvedModelBinding)

	var cause *errs.Error
	require.True(t, errors.As(errors.Unwrap(err), &cause))
	assert.Equal(t, errs.CodeUnresolvedModelBinding, cause.Code)
	assert.Equal(t, "m4", cause.Model)
	assert.Equal(t, "m4", cause.LookupKey)

	assert.Equal(t, StateFailed, f.config.State())
	assert.Empty(t, f.sleeper.Calls(), "no settle wait after a failure")

	// Bindings installed before the failure are left in place.
	require.Len(t, report.Bindings, 1)
	_, ok := f.fake.Binding("m1")
	assert.True(t, ok)
}

func TestProvision_NoVDBsDeployed(t *testing.T) {
	// An unparsable URL proves matching is never attempted.
	f := newFixture(t, map[string]string{env.KeyURL: ""}, catalog(t), nil)

	_, err := f.config.Provision(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNoVDBsDeployed)
	assert.Equal(t, []string{"ListVDBs pattern=*"}, f.fake.Calls())
	assert.Equal(t, StateFailed, f.config.State())
}

func TestProvision_VDBNotFound(t *testing.T) {
	vdbs := []admin.VDB{{Name: "Inventory", Version: 1}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, catalog(t), vdbs)

	_, err := f.config.Provision(context.Background())
	assert.ErrorIs(t, err, errs.ErrVDBNotFound)
	assert.ErrorContains(t, err, `"Parts"`)
	assert.Equal(t, 0, f.fake.CallCount(adminfake.OpAddBinding))
}

func TestProvision_MatchesCaseInsensitively(t *testing.T) {
	resolver := catalog(t, datasource.Descriptor{Name: "m1", ConnectorType: "oracle"})
	vdbs := []admin.VDB{{Name: "PARTS", Version: 1, Models: []admin.Model{physical("m1")}}}
	f := newFixture(t, map[string]string{env.KeyURL: "jdbc:teiid:parts@mm://localhost:31000"}, resolver, vdbs)

	report, err := f.config.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PARTS", report.VDB)
}

func TestProvision_VersionSelection(t *testing.T) {
	resolver := catalog(t, datasource.Descriptor{Name: "m1", ConnectorType: "oracle"})
	models := []admin.Model{physical("m1")}
	vdbs := []admin.VDB{
		{Name: "Parts", Version: 1, Models: models},
		{Name: "Parts", Version: 3, Models: models},
		{Name: "Parts", Version: 2, Models: models},
	}

	tests := []struct {
		name string
		url  string
		opts []Option
		want int
	}{
		{name: "last match in listing order", url: partsURL, want: 2},
		{name: "highest version policy", url: partsURL, opts: []Option{WithMatchPolicy(HighestVersion)}, want: 3},
		{name: "version property pins", url: partsURL + ";version=1", want: 1},
		{name: "name suffix pins", url: "jdbc:teiid:Parts.3@mm://localhost:31000", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{env.KeyURL: tt.url}, resolver, vdbs, tt.opts...)
			report, err := f.config.Provision(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Version)
			_, ok := f.fake.Assignment("Parts", tt.want, "m1")
			assert.True(t, ok)
		})
	}
}

func TestProvision_PinnedVersionNotDeployed(t *testing.T) {
	vdbs := []admin.VDB{{Name: "Parts", Version: 1}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL + ";version=7"}, catalog(t), vdbs)

	_, err := f.config.Provision(context.Background())
	assert.ErrorIs(t, err, errs.ErrVDBNotFound)
}

func TestProvision_WarnsOnAmbiguousMatch(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	vdbs := []admin.VDB{{Name: "Parts", Version: 1}, {Name: "parts", Version: 2}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, catalog(t), vdbs, WithLogger(logger))

	_, err := f.config.Provision(context.Background())
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "candidates=Parts.1,parts.2")
	assert.Contains(t, out, "selected=parts.2")
	assert.Contains(t, out, "run_id=run-1")
}

func TestProvision_AdminFailuresAbortTheRun(t *testing.T) {
	boom := errors.New("connection reset")
	resolver := catalog(t,
		datasource.Descriptor{Name: "m1", ConnectorType: "oracle"},
		datasource.Descriptor{Name: "m2", ConnectorType: "oracle"},
	)
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("m1"), physical("m2")}}

	for _, op := range []string{adminfake.OpListVDBs, adminfake.OpAddBinding, adminfake.OpAssign, adminfake.OpStartBinding} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, map[string]string{env.KeyURL: partsURL}, resolver, []admin.VDB{vdb})
			f.fake.FailOn(op, boom)

			_, err := f.config.Provision(context.Background())
			require.Error(t, err)
			assert.True(t, errs.IsProvisioningFailure(err))
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 1, f.fake.CallCount(op), "no retries")
			assert.Empty(t, f.sleeper.Calls())
		})
	}
}

func TestProvision_ResolverError(t *testing.T) {
	boom := errors.New("catalog offline")
	resolver := datasource.ResolverFunc(func(context.Context, string, string) (datasource.Descriptor, bool, error) {
		return datasource.Descriptor{}, false, boom
	})
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("m1")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, resolver, []admin.VDB{vdb})

	_, err := f.config.Provision(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errs.ErrProvisioningFailure)
	assert.NotErrorIs(t, err, errs.ErrUnresolvedModelBinding)
}

func TestProvision_SettleInterval(t *testing.T) {
	vdbs := []admin.VDB{{Name: "Parts", Version: 1}}

	t.Run("custom interval", func(t *testing.T) {
		f := newFixture(t, map[string]string{env.KeyURL: partsURL}, catalog(t), vdbs, WithSettleInterval(250*time.Millisecond))
		_, err := f.config.Provision(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, f.sleeper.Total())
	})

	t.Run("zero disables the wait", func(t *testing.T) {
		f := newFixture(t, map[string]string{env.KeyURL: partsURL}, catalog(t), vdbs, WithSettleInterval(0))
		_, err := f.config.Provision(context.Background())
		require.NoError(t, err)
		assert.Empty(t, f.sleeper.Calls())
	})

	t.Run("interrupted wait fails the run", func(t *testing.T) {
		f := newFixture(t, map[string]string{env.KeyURL: partsURL}, catalog(t), vdbs)
		f.sleeper.FailWith(context.Canceled)
		_, err := f.config.Provision(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateFailed, f.config.State())
	})

	t.Run("timer sleeper honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, timerSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
		assert.NoError(t, timerSleeper{}.Sleep(context.Background(), time.Millisecond))
	})
}

func TestProvision_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheusCollector(reg)
	require.NoError(t, err)
	resolver := catalog(t,
		datasource.Descriptor{Name: "m1", ConnectorType: "oracle"},
		datasource.Descriptor{Name: "m2", ConnectorType: "oracle"},
	)
	vdb := admin.VDB{Name: "Parts", Version: 1, Models: []admin.Model{physical("m1"), physical("m2")}}
	f := newFixture(t, map[string]string{env.KeyURL: partsURL}, resolver, []admin.VDB{vdb}, WithMetrics(m))

	_, err = f.config.Provision(context.Background())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "vdbtest_provisioning_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	expected := `
# HELP vdbtest_bindings_installed_total Connector bindings installed, assigned and started per VDB.
# TYPE vdbtest_bindings_installed_total counter
vdbtest_bindings_installed_total{vdb="Parts"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vdbtest_bindings_installed_total"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "stabilizing", StateStabilizing.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateReady.Terminal())
	assert.False(t, StateBinding.Terminal())

	c := New(adminfake.New(), env.New(nil), catalog(t))
	assert.Equal(t, StateIdle, c.State())
}

func TestUUIDv7Generator(t *testing.T) {
	a := UUIDv7Generator{}.Generate()
	b := UUIDv7Generator{}.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
