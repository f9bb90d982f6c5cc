package remote

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// Compression names accepted in manifests.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
)

// Manifest is the server's description of its content.
type Manifest struct {
	// ContentVersion is reported as the source content version, e.g. "CL-1234".
	ContentVersion string           `json:"content_version"`
	Bundles        []ManifestBundle `json:"bundles"`
}

// ManifestBundle describes one bundle.
type ManifestBundle struct {
	Name        bundle.Name   `json:"name"`
	DisplayName string        `json:"display_name,omitempty"`
	Priority    string        `json:"priority,omitempty"`
	Startup     bool          `json:"startup,omitempty"`
	Cached      bool          `json:"cached,omitempty"`
	OnDemand    bool          `json:"on_demand,omitempty"`
	PatchCheck  bool          `json:"patch_check,omitempty"`
	Deps        []bundle.Name `json:"deps,omitempty"`
	// Mount selects, by doublestar pattern, which installed files are
	// content paths. Empty means every file.
	Mount []string       `json:"mount,omitempty"`
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one payload of a bundle.
type ManifestFile struct {
	Path        string `json:"path"`
	Size        uint64 `json:"size"`
	Digest      string `json:"digest"`
	Compression string `json:"compression,omitempty"`
}

// FullSize is the installed size of every file.
func (b *ManifestBundle) FullSize() uint64 {
	var n uint64
	for _, f := range b.Files {
		n += f.Size
	}
	return n
}

// validate reports why the manager must not touch b, or zero.
func (b *ManifestBundle) validate() bundle.SkipReason {
	for _, f := range b.Files {
		if f.Path == "" || !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return bundle.SkipNotValid
		}
		switch f.Compression {
		case CompressionNone, CompressionZstd:
		default:
			return bundle.SkipNotValid
		}
	}
	for _, p := range b.Mount {
		if !doublestar.ValidatePattern(p) {
			return bundle.SkipNotValid
		}
	}
	return 0
}

// mounts reports whether the file at path is a content path.
func (b *ManifestBundle) mounts(path string) bool {
	if len(b.Mount) == 0 {
		return true
	}
	for _, p := range b.Mount {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// index maps bundle names to manifest entries.
func (m *Manifest) index() map[bundle.Name]*ManifestBundle {
	out := make(map[bundle.Name]*ManifestBundle, len(m.Bundles))
	for i := range m.Bundles {
		out[m.Bundles[i].Name] = &m.Bundles[i]
	}
	return out
}
