package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
	"github.com/GriffinCanCode/bundlemanager/internal/source/memory"
	"github.com/GriffinCanCode/bundlemanager/internal/source/remote"
)

const yamlCatalog = `
caches:
  - name: default
    size: 1048576
sources:
  - id: net
    type: remote
    url: http://127.0.0.1:9/cl-100
    weight: 3
    cache: default
    fallback: disk
  - id: disk
    type: memory
    standby: true
    cache: default
    content_version: CL-100
    bundles:
      - name: base
        priority: high
        state: up_to_date
        full_size: 4096
      - name: level
        deps: [base]
        on_demand: true
        full_size: 8192
`

const tomlCatalog = `
[[caches]]
name = "default"
size = 1048576

[[sources]]
id = "net"
type = "remote"
url = "http://127.0.0.1:9/cl-100"
weight = 3.0
cache = "default"
fallback = "disk"

[[sources]]
id = "disk"
type = "memory"
standby = true
cache = "default"
content_version = "CL-100"

[[sources.bundles]]
name = "base"
priority = "high"
state = "up_to_date"
full_size = 4096

[[sources.bundles]]
name = "level"
deps = ["base"]
on_demand = true
full_size = 8192
`

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{name: "yaml", format: FormatYAML, data: yamlCatalog},
		{name: "toml", format: FormatTOML, data: tomlCatalog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.data), tt.format)
			require.NoError(t, err)

			assert.Equal(t, []Cache{{Name: "default", Size: 1048576}}, c.Caches)
			require.Len(t, c.Sources, 2)
			assert.Equal(t, "net", c.Sources[0].ID)
			assert.Equal(t, TypeRemote, c.Sources[0].Type)
			assert.Equal(t, 3.0, c.Sources[0].Weight)
			assert.True(t, c.Sources[1].Standby)
			require.Len(t, c.Sources[1].Bundles, 2)
			assert.Equal(t, []string{"base"}, c.Sources[1].Bundles[1].Deps)
			assert.True(t, c.Sources[1].Bundles[1].OnDemand)
		})
	}
}

func TestLoadPicksFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "catalog.yml")
	tomlPath := filepath.Join(dir, "catalog.toml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlCatalog), 0o644))
	require.NoError(t, os.WriteFile(tomlPath, []byte(tomlCatalog), 0o644))

	fromYAML, err := Load(yamlPath)
	require.NoError(t, err)
	fromTOML, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, fromYAML, fromTOML)

	_, err = Load(filepath.Join(dir, "catalog.json"))
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestValidate(t *testing.T) {
	mem := func(id string) Source { return Source{ID: id, Type: TypeMemory} }

	tests := []struct {
		name    string
		catalog Catalog
		wantErr bool
	}{
		{name: "minimal", catalog: Catalog{Sources: []Source{mem("disk")}}},
		{name: "no sources", catalog: Catalog{}, wantErr: true},
		{name: "only standby", catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Standby: true}}}, wantErr: true},
		{name: "duplicate source", catalog: Catalog{Sources: []Source{mem("disk"), mem("disk")}}, wantErr: true},
		{name: "unknown type", catalog: Catalog{Sources: []Source{{ID: "x", Type: "ftp"}}}, wantErr: true},
		{name: "remote without url", catalog: Catalog{Sources: []Source{{ID: "net", Type: TypeRemote}}}, wantErr: true},
		{name: "unknown cache", catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Cache: "nope"}}}, wantErr: true},
		{name: "duplicate cache", catalog: Catalog{Caches: []Cache{{Name: "a"}, {Name: "a"}}, Sources: []Source{mem("disk")}}, wantErr: true},
		{name: "self fallback", catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Fallback: "disk"}}}, wantErr: true},
		{name: "unknown fallback", catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Fallback: "net"}}}, wantErr: true},
		{
			name: "bad bundle state",
			catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Bundles: []Bundle{
				{Name: "base", State: "installed"},
			}}}},
			wantErr: true,
		},
		{
			name: "bad priority",
			catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Bundles: []Bundle{
				{Name: "base", Priority: "urgent"},
			}}}},
			wantErr: true,
		},
		{
			name: "duplicate bundle",
			catalog: Catalog{Sources: []Source{{ID: "disk", Type: TypeMemory, Bundles: []Bundle{
				{Name: "base"}, {Name: "base"},
			}}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.catalog.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerOptions(t *testing.T) {
	c, err := Parse([]byte(yamlCatalog), FormatYAML)
	require.NoError(t, err)

	f := c.NewFactory(FactoryOptions{Remote: remote.Config{InstallDir: t.TempDir()}})
	t.Cleanup(f.Close)
	opts := c.ManagerOptions(f)

	assert.Equal(t, []bundle.SourceID{"net"}, opts.Sources)
	assert.Equal(t, map[bundle.SourceID]bundle.SourceID{"net": "disk"}, opts.Fallbacks)
	assert.Equal(t, map[bundle.SourceID]bundle.CacheName{"net": "default", "disk": "default"}, opts.SourceCaches)
	assert.Equal(t, []manager.CacheConfig{{Name: "default", Size: 1048576}}, opts.Caches)
	require.NotNil(t, opts.SourceFactory)
}

func TestFactoryBuildsSources(t *testing.T) {
	c, err := Parse([]byte(yamlCatalog), FormatYAML)
	require.NoError(t, err)

	dir := t.TempDir()
	f := c.NewFactory(FactoryOptions{Remote: remote.Config{InstallDir: dir}})
	t.Cleanup(f.Close)

	net := f.Source("net")
	require.IsType(t, &remote.Source{}, net)
	assert.Equal(t, bundle.SourceID("net"), net.ID())
	assert.Equal(t, 3.0, net.Weight())
	assert.Len(t, f.Remotes(), 1)

	disk := f.Source("disk")
	require.IsType(t, &memory.Source{}, disk)
	assert.Equal(t, "CL-100", disk.ContentVersion())

	ch := make(chan source.QueryResult, 1)
	disk.QueryBundleInfo(func(res source.QueryResult) { ch <- res })
	res := <-ch
	require.Len(t, res.Bundles, 2)
	assert.Equal(t, bundle.PriorityHigh, res.Bundles[0].Priority)
	assert.Equal(t, bundle.InstallUpToDate, res.Bundles[0].State)
	assert.Equal(t, uint64(4096), res.Bundles[0].CurrentInstallSize)

	deps, _ := disk.BundleDependencies("level")
	assert.Equal(t, []bundle.Name{"base", "level"}, deps)

	assert.Nil(t, f.Source("nope"))
}

func TestFactoryWarnsWithoutExecutor(t *testing.T) {
	c, err := Parse([]byte(yamlCatalog), FormatYAML)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	f := c.NewFactory(FactoryOptions{
		Remote: remote.Config{InstallDir: t.TempDir()},
		Logger: zap.New(core),
	})
	t.Cleanup(f.Close)
	assert.Equal(t, 1, logs.FilterMessage("No executor configured, source callbacks run inline").Len())

	core, logs = observer.New(zapcore.WarnLevel)
	f = c.NewFactory(FactoryOptions{
		Remote:   remote.Config{InstallDir: t.TempDir()},
		Executor: source.Inline,
		Logger:   zap.New(core),
	})
	t.Cleanup(f.Close)
	require.NotNil(t, f.Source("net"))
	assert.Zero(t, logs.FilterMessageSnippet("No executor configured").Len())
}
