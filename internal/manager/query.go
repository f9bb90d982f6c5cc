package manager

import (
	"fmt"
	"slices"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/shared/id"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// BundleState is the merged state of one bundle across sources.
type BundleState struct {
	State  bundle.InstallState `json:"state"`
	Weight float64             `json:"weight"`
}

// ContentState answers GetContentState.
type ContentState struct {
	Bundles      map[bundle.Name]BundleState `json:"bundles"`
	DownloadSize uint64                      `json:"download_size"`
	InstallSize  uint64                      `json:"install_size"`
	// OnDemand lists the bundles that mount through the on-demand index.
	OnDemand []bundle.Name `json:"on_demand,omitempty"`
}

// State returns the least installed state of all bundles.
func (s ContentState) State() bundle.InstallState {
	out := bundle.InstallUpToDate
	for _, b := range s.Bundles {
		out = min(out, b.State)
	}
	return out
}

// InstallState answers GetInstallState.
type InstallState struct {
	Bundles  map[bundle.Name]bundle.InstallState `json:"bundles"`
	OnDemand []bundle.Name                       `json:"on_demand,omitempty"`
}

// State returns the least installed state of all bundles.
func (s InstallState) State() bundle.InstallState {
	out := bundle.InstallUpToDate
	for _, st := range s.Bundles {
		out = min(out, st)
	}
	return out
}

type contentStateQuery struct {
	handle    id.QueryHandle
	tag       string
	names     []bundle.Name
	addDeps   bool
	done      func(ContentState)
	cancelled bool
	started   bool
	expected  []bundle.SourceID
	results   map[bundle.SourceID]source.ContentState
}

type installStateQuery struct {
	handle    id.QueryHandle
	tag       string
	names     []bundle.Name
	addDeps   bool
	done      func(InstallState)
	cancelled bool
}

// queryNames resolves the bundles a query covers, dropping any that a source
// refuses to handle.
func (m *Manager) queryNames(names []bundle.Name, addDependencies bool) []bundle.Name {
	var all []bundle.Name
	if addDependencies {
		deps, _ := m.gatherDependencies(names)
		all = deps.Sorted()
	} else {
		set := bundle.NewNameSet()
		for _, n := range names {
			if m.registry.Has(n) {
				set.Add(n)
			}
		}
		all = set.Sorted()
	}
	return slices.DeleteFunc(all, func(n bundle.Name) bool { return m.skipReason(n) != 0 })
}

// GetContentState asks every source for the state of names. done runs from
// Tick. If init fails, done receives an empty state.
func (m *Manager) GetContentState(names []bundle.Name, addDependencies bool, tag string, done func(ContentState)) id.QueryHandle {
	q := &contentStateQuery{
		handle:  id.NewQueryHandle(),
		tag:     tag,
		names:   slices.Clone(names),
		addDeps: addDependencies,
		done:    done,
	}
	m.contentQueries = append(m.contentQueries, q)
	return q.handle
}

// CancelContentStateQuery drops the query with handle. A query that already
// reached the sources still completes, without calling back.
func (m *Manager) CancelContentStateQuery(handle id.QueryHandle) {
	for _, q := range m.contentQueries {
		if q.handle == handle {
			q.cancelled = true
		}
	}
}

// CancelContentStateQueriesForTag drops every query tagged tag.
func (m *Manager) CancelContentStateQueriesForTag(tag string) {
	for _, q := range m.contentQueries {
		if q.tag == tag {
			q.cancelled = true
		}
	}
}

func (q *contentStateQuery) answer(cs ContentState) {
	if !q.cancelled && q.done != nil {
		q.done(cs)
	}
}

func emptyContentState() ContentState {
	return ContentState{Bundles: map[bundle.Name]BundleState{}}
}

func (m *Manager) tickGetContentState() {
	switch m.init.state {
	case bundle.InitNotInitialized:
		return
	case bundle.InitFailed:
		for _, q := range m.contentQueries {
			q.answer(emptyContentState())
		}
		m.contentQueries = nil
		return
	}

	var pending []*contentStateQuery
	for _, q := range append([]*contentStateQuery(nil), m.contentQueries...) {
		if !q.started {
			q.names = m.queryNames(q.names, q.addDeps)
		}
		switch {
		case q.cancelled && !q.started:
		case !q.started && len(q.names) == 0:
			q.answer(emptyContentState())
		case q.started:
			if len(q.results) < len(q.expected) {
				pending = append(pending, q)
				continue
			}
			q.answer(m.mergeContentState(q))
		default:
			m.startContentStateQuery(q)
			pending = append(pending, q)
		}
	}
	m.contentQueries = pending
}

func (m *Manager) startContentStateQuery(q *contentStateQuery) {
	q.started = true
	q.expected = slices.Clone(m.sourceOrder)
	q.results = make(map[bundle.SourceID]source.ContentState, len(q.expected))
	m.forEachSource(func(s source.Source) {
		srcID := s.ID()
		s.GetContentState(q.names, func(cs source.ContentState) {
			q.results[srcID] = cs
		})
	})
}

func (m *Manager) mergeContentState(q *contentStateQuery) ContentState {
	out := emptyContentState()
	for _, srcID := range q.expected {
		cs, ok := q.results[srcID]
		if !ok {
			continue
		}
		weight := 1.0
		if s, ok := m.sources[srcID]; ok {
			weight = s.Weight()
		}

		for _, name := range bundle.NewNameSet(namesOf(cs.Bundles)...).Sorted() {
			bs := cs.Bundles[name]
			merged, seen := out.Bundles[name]
			if !seen {
				merged.State = bundle.InstallUpToDate
			}
			switch {
			case merged.State == bundle.InstallUpToDate:
				merged.State = bs.State
			case merged.State == bundle.InstallNotInstalled && bs.State != bundle.InstallNotInstalled:
				merged.State = bundle.InstallNeedsUpdate
			}
			merged.State = min(merged.State, bs.State)
			merged.Weight += bs.Weight * weight
			out.Bundles[name] = merged

			out.DownloadSize += bs.DownloadSize
			out.InstallSize += bs.InstallSize
		}
	}

	for _, name := range bundle.NewNameSet(namesOf(out.Bundles)...).Sorted() {
		if info, ok := m.registry.Get(name); ok && info.ContainsOnDemand {
			out.OnDemand = append(out.OnDemand, name)
		}
	}
	return out
}

// ============================================================================
// Install state
// ============================================================================

// GetInstallState reports the registry state of names from the next Tick.
func (m *Manager) GetInstallState(names []bundle.Name, addDependencies bool, tag string, done func(InstallState)) id.QueryHandle {
	q := &installStateQuery{
		handle:  id.NewQueryHandle(),
		tag:     tag,
		names:   slices.Clone(names),
		addDeps: addDependencies,
		done:    done,
	}
	m.installQueries = append(m.installQueries, q)
	return q.handle
}

// CancelInstallStateQuery drops the query with handle.
func (m *Manager) CancelInstallStateQuery(handle id.QueryHandle) {
	for _, q := range m.installQueries {
		if q.handle == handle {
			q.cancelled = true
		}
	}
}

// CancelInstallStateQueriesForTag drops every query tagged tag.
func (m *Manager) CancelInstallStateQueriesForTag(tag string) {
	for _, q := range m.installQueries {
		if q.tag == tag {
			q.cancelled = true
		}
	}
}

// GetInstallStateSync reports the registry state of names immediately.
func (m *Manager) GetInstallStateSync(names []bundle.Name, addDependencies bool) (InstallState, error) {
	if err := m.checkInit(); err != nil {
		return InstallState{}, err
	}
	return m.installState(m.queryNames(names, addDependencies)), nil
}

func (m *Manager) tickGetInstallState() {
	switch m.init.state {
	case bundle.InitNotInitialized:
		return
	case bundle.InitFailed:
		for _, q := range m.installQueries {
			if !q.cancelled && q.done != nil {
				q.done(InstallState{Bundles: map[bundle.Name]bundle.InstallState{}})
			}
		}
		m.installQueries = nil
		return
	}

	queries := m.installQueries
	m.installQueries = nil
	for _, q := range queries {
		if q.cancelled || q.done == nil {
			continue
		}
		q.done(m.installState(m.queryNames(q.names, q.addDeps)))
	}
}

func (m *Manager) installState(names []bundle.Name) InstallState {
	out := InstallState{Bundles: make(map[bundle.Name]bundle.InstallState, len(names))}
	for _, name := range names {
		info, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		var st bundle.InstallState
		switch status := info.Status(); status {
		case bundle.StatusNotInstalled:
			st = bundle.InstallNotInstalled
		case bundle.StatusNeedsUpdate:
			st = bundle.InstallNeedsUpdate
		case bundle.StatusNeedsMount, bundle.StatusMounted:
			st = bundle.InstallUpToDate
		default:
			panic(fmt.Sprintf("bundle %s: unknown status %s", name, status))
		}
		out.Bundles[name] = st
		if info.ContainsOnDemand {
			out.OnDemand = append(out.OnDemand, name)
		}
	}
	return out
}
