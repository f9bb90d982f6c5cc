package bundle

import "fmt"

// SourceRelevance records whether a source still considers a bundle relevant.
type SourceRelevance struct {
	Source   SourceID
	Relevant bool
}

// Info is the registry record for one bundle.
type Info struct {
	Name        Name
	DisplayName string
	Priority    Priority
	Sources     []SourceRelevance

	// ContentPaths is the mount manifest, sorted descending.
	ContentPaths   []string
	ContainsChunks bool

	// On-demand index support.
	ContainsOnDemand bool
	MountedOnDemand  bool

	// ReleaseRequired is set once the bundle has held a cache reservation
	// that must be released before the bundle may be skipped or pruned.
	ReleaseRequired bool
	IsStartup       bool

	// Prereqs are contributed by sources, e.g. PrereqRequiresLatestClient.
	Prereqs []Prereq

	mustWaitForShaders bool
	initialPrecompiles int
	status             Status
}

// NewInfo returns a record in the NotInstalled state.
func NewInfo(name Name) *Info {
	return &Info{
		Name:        name,
		DisplayName: string(name),
		Priority:    PriorityNormal,
		status:      StatusNotInstalled,
	}
}

// Status returns the current status.
func (i *Info) Status() Status { return i.status }

// SetStatus moves the bundle to a new status. Illegal transitions panic.
func (i *Info) SetStatus(to Status) {
	if !CanTransition(i.status, to) {
		panic(fmt.Sprintf("bundle %s: illegal status transition %s -> %s", i.Name, i.status, to))
	}
	i.status = to
}

// AddSource marks src as contributing to this bundle and relevant.
func (i *Info) AddSource(src SourceID) {
	for k := range i.Sources {
		if i.Sources[k].Source == src {
			i.Sources[k].Relevant = true
			return
		}
	}
	i.Sources = append(i.Sources, SourceRelevance{Source: src, Relevant: true})
}

// SetRelevance updates the relevance flag for src. It reports whether src
// contributes to the bundle at all.
func (i *Info) SetRelevance(src SourceID, relevant bool) bool {
	for k := range i.Sources {
		if i.Sources[k].Source == src {
			i.Sources[k].Relevant = relevant
			return true
		}
	}
	return false
}

// IsRelevant reports whether any contributing source is still relevant.
func (i *Info) IsRelevant() bool {
	for _, s := range i.Sources {
		if s.Relevant {
			return true
		}
	}
	return false
}

// HasSource reports whether src contributes to the bundle.
func (i *Info) HasSource(src SourceID) bool {
	for _, s := range i.Sources {
		if s.Source == src {
			return true
		}
	}
	return false
}

// SourceIDs returns the contributing sources in registration order.
func (i *Info) SourceIDs() []SourceID {
	out := make([]SourceID, 0, len(i.Sources))
	for _, s := range i.Sources {
		out = append(out, s.Source)
	}
	return out
}

// MustWaitForShaders reports whether the bundle waits on shader warm-up.
func (i *Info) MustWaitForShaders() bool { return i.mustWaitForShaders }

// InitialPrecompiles is the warm-up count observed when waiting started.
func (i *Info) InitialPrecompiles() int { return i.initialPrecompiles }

// SetShaderWait records remaining warm-up work. Zero clears the wait.
func (i *Info) SetShaderWait(remaining int) {
	i.mustWaitForShaders = remaining > 0
	i.initialPrecompiles = remaining
}
