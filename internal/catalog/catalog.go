package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/jmgilman/go/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// Source types.
const (
	TypeMemory = "memory"
	TypeRemote = "remote"
)

// Format is a catalog encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format by extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", errors.Newf(errors.CodeInvalidConfig, "unsupported catalog extension %q", filepath.Ext(path))
}

// Catalog describes caches and sources.
type Catalog struct {
	Caches  []Cache  `yaml:"caches" toml:"caches"`
	Sources []Source `yaml:"sources" toml:"sources"`
}

// Cache declares one bundle cache.
type Cache struct {
	Name string `yaml:"name" toml:"name"`
	Size uint64 `yaml:"size" toml:"size"`
}

// Source declares one content source.
type Source struct {
	ID             string  `yaml:"id" toml:"id"`
	Type           string  `yaml:"type" toml:"type"`
	Weight         float64 `yaml:"weight,omitempty" toml:"weight,omitempty"`
	CacheAgeScalar float64 `yaml:"cache_age_scalar,omitempty" toml:"cache_age_scalar,omitempty"`
	Cache          string  `yaml:"cache,omitempty" toml:"cache,omitempty"`
	Fallback       string  `yaml:"fallback,omitempty" toml:"fallback,omitempty"`
	Standby        bool    `yaml:"standby,omitempty" toml:"standby,omitempty"`

	// remote
	URL        string `yaml:"url,omitempty" toml:"url,omitempty"`
	InstallDir string `yaml:"install_dir,omitempty" toml:"install_dir,omitempty"`

	// memory
	ContentVersion string   `yaml:"content_version,omitempty" toml:"content_version,omitempty"`
	Bundles        []Bundle `yaml:"bundles,omitempty" toml:"bundles,omitempty"`
}

// Bundle is one bundle of a memory source.
type Bundle struct {
	Name         string   `yaml:"name" toml:"name"`
	DisplayName  string   `yaml:"display_name,omitempty" toml:"display_name,omitempty"`
	Priority     string   `yaml:"priority,omitempty" toml:"priority,omitempty"`
	Startup      bool     `yaml:"startup,omitempty" toml:"startup,omitempty"`
	PatchCheck   bool     `yaml:"patch_check,omitempty" toml:"patch_check,omitempty"`
	State        string   `yaml:"state,omitempty" toml:"state,omitempty"`
	Cached       bool     `yaml:"cached,omitempty" toml:"cached,omitempty"`
	OnDemand     bool     `yaml:"on_demand,omitempty" toml:"on_demand,omitempty"`
	FullSize     uint64   `yaml:"full_size,omitempty" toml:"full_size,omitempty"`
	OverheadSize uint64   `yaml:"overhead_size,omitempty" toml:"overhead_size,omitempty"`
	CurrentSize  uint64   `yaml:"current_size,omitempty" toml:"current_size,omitempty"`
	Deps         []string `yaml:"deps,omitempty" toml:"deps,omitempty"`
	ContentPaths []string `yaml:"content_paths,omitempty" toml:"content_paths,omitempty"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "read catalog %s", path)
	}
	return Parse(data, format)
}

// Parse decodes and validates a catalog.
func Parse(data []byte, format Format) (*Catalog, error) {
	var c Catalog
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &c)
	case FormatTOML:
		err = toml.Unmarshal(data, &c)
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unsupported catalog format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "decode %s catalog", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks references and values.
func (c *Catalog) Validate() error {
	caches := make(map[string]bool, len(c.Caches))
	for _, cc := range c.Caches {
		if cc.Name == "" {
			return invalid("cache without a name")
		}
		if caches[cc.Name] {
			return invalid("duplicate cache %q", cc.Name)
		}
		caches[cc.Name] = true
	}

	ids := make(map[string]*Source, len(c.Sources))
	active := 0
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			return invalid("source without an id")
		}
		if ids[s.ID] != nil {
			return invalid("duplicate source %q", s.ID)
		}
		ids[s.ID] = s
		if !s.Standby {
			active++
		}
		if s.Cache != "" && !caches[s.Cache] {
			return invalid("source %q uses unknown cache %q", s.ID, s.Cache)
		}
		if s.Weight < 0 || s.CacheAgeScalar < 0 {
			return invalid("source %q has a negative weight", s.ID)
		}

		switch s.Type {
		case TypeRemote:
			if s.URL == "" {
				return invalid("remote source %q has no url", s.ID)
			}
		case TypeMemory:
			if err := validateBundles(s); err != nil {
				return err
			}
		default:
			return invalid("source %q has unknown type %q", s.ID, s.Type)
		}
	}
	if active == 0 {
		return invalid("catalog has no active sources")
	}

	for _, s := range c.Sources {
		if s.Fallback == "" {
			continue
		}
		if s.Fallback == s.ID {
			return invalid("source %q falls back to itself", s.ID)
		}
		if ids[s.Fallback] == nil {
			return invalid("source %q falls back to unknown source %q", s.ID, s.Fallback)
		}
	}
	return nil
}

func validateBundles(s *Source) error {
	names := make(map[string]bool, len(s.Bundles))
	for _, b := range s.Bundles {
		if b.Name == "" {
			return invalid("source %q has a bundle without a name", s.ID)
		}
		if names[b.Name] {
			return invalid("source %q declares bundle %q twice", s.ID, b.Name)
		}
		names[b.Name] = true
		if _, err := parseInstallState(b.State); err != nil {
			return invalid("bundle %q: %v", b.Name, err)
		}
		switch b.Priority {
		case "", "high", "normal", "low":
		default:
			return invalid("bundle %q has unknown priority %q", b.Name, b.Priority)
		}
	}
	return nil
}

func parseInstallState(s string) (bundle.InstallState, error) {
	switch s {
	case "", "not_installed":
		return bundle.InstallNotInstalled, nil
	case "needs_update":
		return bundle.InstallNeedsUpdate, nil
	case "up_to_date":
		return bundle.InstallUpToDate, nil
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

func invalid(format string, args ...any) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}
