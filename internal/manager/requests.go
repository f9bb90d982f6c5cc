package manager

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// updateStep is a step of the update pipeline, in pipeline order.
type updateStep int

const (
	stepReservingCache updateStep = iota
	stepFinishingCache
	stepUpdatingBundleSources
	stepMounting
	stepWaitingForShaderCache
	stepFinishing
	stepCleaningUp
)

func (s updateStep) String() string {
	switch s {
	case stepReservingCache:
		return "ReservingCache"
	case stepFinishingCache:
		return "FinishingCache"
	case stepUpdatingBundleSources:
		return "UpdatingBundleSources"
	case stepMounting:
		return "Mounting"
	case stepWaitingForShaderCache:
		return "WaitingForShaderCache"
	case stepFinishing:
		return "Finishing"
	case stepCleaningUp:
		return "CleaningUp"
	default:
		return "Unknown"
	}
}

// releaseStep is a step of the release pipeline, in pipeline order.
type releaseStep int

const (
	releaseUnmounting releaseStep = iota
	releaseUpdatingBundleSources
	releaseFinishing
	releaseCleaningUp
)

func (s releaseStep) String() string {
	switch s {
	case releaseUnmounting:
		return "Unmounting"
	case releaseUpdatingBundleSources:
		return "UpdatingBundleSources"
	case releaseFinishing:
		return "Finishing"
	case releaseCleaningUp:
		return "CleaningUp"
	default:
		return "Unknown"
	}
}

type updateRequest struct {
	name  bundle.Name
	flags bundle.UpdateFlags

	prereqs cursor[bundle.Prereq]
	steps   cursor[updateStep]

	cancelled           bool
	finishWhenCancelled bool
	cacheHinted         bool
	cleanedUp           bool

	result         bundle.UpdateResult
	errorText      string
	contentChanged bool

	lastReserve cache.ReserveResult
	evict       *evictionWait

	required      []bundle.SourceID
	sourceResults map[bundle.SourceID]source.UpdateResult
	onDemandArgs  []string

	pauseFlags    map[bundle.SourceID]bundle.PauseFlags
	lastPauseSent bundle.PauseFlags
	forcePause    bool
	progress      map[bundle.SourceID]source.Progress
}

func newUpdateRequest(name bundle.Name, flags bundle.UpdateFlags, prereqs []bundle.Prereq) *updateRequest {
	return &updateRequest{
		name:                name,
		flags:               flags,
		prereqs:             newCursor(prereqs...),
		finishWhenCancelled: true,
		pauseFlags:          make(map[bundle.SourceID]bundle.PauseFlags),
		progress:            make(map[bundle.SourceID]source.Progress),
	}
}

type releaseRequest struct {
	name  bundle.Name
	flags bundle.ReleaseFlags

	prereqs cursor[bundle.Prereq]
	steps   cursor[releaseStep]

	cancelled           bool
	finishWhenCancelled bool
	cleanedUp           bool

	result bundle.ReleaseResult

	removeSources  []bundle.SourceID
	releaseSources []bundle.SourceID
	removeResults  map[bundle.SourceID]source.ReleaseResult
	releaseResults map[bundle.SourceID]source.ReleaseResult
}

func newReleaseRequest(name bundle.Name, flags bundle.ReleaseFlags) *releaseRequest {
	return &releaseRequest{
		name:  name,
		flags: flags,
		prereqs: newCursor(
			bundle.PrereqHasNoPendingCancels,
			bundle.PrereqHasNoPendingUpdateRequests,
			bundle.PrereqDetermineSteps,
		),
		finishWhenCancelled: true,
	}
}

// ============================================================================
// Lookup
// ============================================================================

func (m *Manager) eachUpdateRequest(fn func(r *updateRequest) bool) {
	for _, batch := range [][]*updateRequest{m.updateRequested, m.updateCache, m.updateInstall} {
		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
	}
}

func (m *Manager) eachReleaseRequest(fn func(r *releaseRequest) bool) {
	for _, batch := range [][]*releaseRequest{m.releaseRequested, m.releaseActive} {
		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
	}
}

func (m *Manager) hasUpdateRequest(name bundle.Name) bool {
	found := false
	m.eachUpdateRequest(func(r *updateRequest) bool {
		found = r.name == name
		return !found
	})
	return found
}

func (m *Manager) hasReleaseRequest(name bundle.Name) bool {
	found := false
	m.eachReleaseRequest(func(r *releaseRequest) bool {
		found = r.name == name
		return !found
	})
	return found
}

// ============================================================================
// Gathering
// ============================================================================

// gatherDependencies expands names through every source. A name is unknown
// only when no source knows it.
func (m *Manager) gatherDependencies(names []bundle.Name) (bundle.NameSet, bool) {
	deps := bundle.NewNameSet()
	unknown := bundle.NewNameSet()
	for _, name := range names {
		m.forEachSource(func(s source.Source) {
			d, u := s.BundleDependencies(name)
			for _, n := range d {
				deps.Add(n)
			}
			for _, n := range u {
				unknown.Add(n)
			}
		})
	}

	skippedUnknown := false
	for n := range unknown {
		if !deps.Has(n) {
			skippedUnknown = true
		}
	}
	for n := range deps {
		if !m.registry.Has(n) {
			delete(deps, n)
			skippedUnknown = true
		}
	}
	return deps, skippedUnknown
}

func (m *Manager) gatherBundlesForRequest(names []bundle.Name, flags *bundle.RequestInfoFlags) []bundle.Name {
	deps, skippedUnknown := m.gatherDependencies(names)
	if skippedUnknown {
		*flags |= bundle.InfoSkippedUnknown
	}
	return deps.Sorted()
}

func (m *Manager) skipReason(name bundle.Name) bundle.SkipReason {
	var reason bundle.SkipReason
	m.forEachSource(func(s source.Source) {
		reason |= s.BundleSkipReason(name)
	})
	return reason
}

// skipFlags reports why name must be skipped, or zero.
func (m *Manager) skipFlags(name bundle.Name) bundle.RequestInfoFlags {
	reason := m.skipReason(name)
	if reason == 0 {
		return 0
	}
	flags := bundle.InfoSkippedDueToSource
	if reason&bundle.SkipLanguageNotCurrent != 0 {
		flags |= bundle.InfoSkippedUnusableLanguage
	}
	if reason&bundle.SkipNotValid != 0 {
		flags |= bundle.InfoSkippedInvalid
	}
	return flags
}

// ============================================================================
// Requests
// ============================================================================

// RequestUpdateContent installs and mounts names and their dependencies.
func (m *Manager) RequestUpdateContent(names []bundle.Name, flags bundle.UpdateFlags) (bundle.RequestInfo, error) {
	var info bundle.RequestInfo
	if err := m.checkInit(); err != nil {
		return info, err
	}

	for _, name := range m.gatherBundlesForRequest(names, &info.Flags) {
		bi := m.registry.MustGet(name)

		var active *updateRequest
		m.eachUpdateRequest(func(r *updateRequest) bool {
			if r.name != name {
				return true
			}
			if r.cancelled {
				r.finishWhenCancelled = false
			} else {
				active = r
			}
			return true
		})

		canceledRelease := m.cancelReleaseInternal([]bundle.Name{name})

		if active == nil {
			if !canceledRelease && flags.Has(bundle.UpdateSkipMount) && bi.Status() == bundle.StatusNeedsMount &&
				!m.needsCacheReservation(bi) && !bi.ContainsOnDemand {
				info.Flags |= bundle.InfoSkippedAlreadyUpdated
				info.Results = append(info.Results, bundle.RequestResult{
					Bundle:         name,
					Result:         bundle.UpdateOK,
					IsStartup:      bi.IsStartup,
					ContainsChunks: bi.ContainsChunks,
				})
				continue
			}
			if !bi.MustWaitForShaders() && bi.Status() == bundle.StatusMounted {
				info.Flags |= bundle.InfoSkippedAlreadyMounted
				info.Results = append(info.Results, bundle.RequestResult{
					Bundle:         name,
					Result:         bundle.UpdateOK,
					IsStartup:      bi.IsStartup,
					ContainsChunks: bi.ContainsChunks,
				})
				continue
			}
		}

		if skip := m.skipFlags(name); skip != 0 {
			info.Flags |= skip
			m.logger.Warn("Skipping update for bundle", zap.String("bundle", string(name)), zap.Stringer("reason", skip))
			continue
		}

		if active != nil {
			if active.flags.Has(bundle.UpdateSkipMount) && !flags.Has(bundle.UpdateSkipMount) {
				active.flags &^= bundle.UpdateSkipMount
			}
		} else {
			prereqs := []bundle.Prereq{bundle.PrereqCacheHintRequested}
			prereqs = append(prereqs, bi.Prereqs...)
			prereqs = append(prereqs,
				bundle.PrereqHasNoPendingCancels,
				bundle.PrereqHasNoPendingReleaseRequests,
				bundle.PrereqDetermineSteps,
			)
			r := newUpdateRequest(name, flags, prereqs)
			m.updateRequested = append(m.updateRequested, r)
			m.logger.Info("Requested update for bundle", zap.String("bundle", string(name)))
		}

		info.Flags |= bundle.InfoEnqueuedBundles
		info.Enqueued = append(info.Enqueued, name)
	}

	return info, nil
}

// needsCacheReservation reports whether a cache behind bi tracks it without
// holding a reservation for it.
func (m *Manager) needsCacheReservation(bi *bundle.Info) bool {
	for _, c := range m.bundleCaches(bi) {
		if c.Contains(bi.Name) && !c.IsReserved(bi.Name) {
			return true
		}
	}
	return false
}

// RequestReleaseContent unmounts names and their dependencies, minus keep
// and its dependencies. With ReleaseExplicitRemoveList only names are
// released.
func (m *Manager) RequestReleaseContent(names []bundle.Name, flags bundle.ReleaseFlags, keep []bundle.Name) (bundle.RequestInfo, error) {
	var info bundle.RequestInfo
	if err := m.checkInit(); err != nil {
		return info, err
	}
	if flags.Has(bundle.ReleaseRemoveFilesIfPossible) && flags.Has(bundle.ReleaseSkipReleaseUnmountOnly) {
		return info, ErrIncompatibleFlags
	}

	keepSet := bundle.NewNameSet(m.gatherBundlesForRequest(keep, &info.Flags)...)

	var release []bundle.Name
	if flags.Has(bundle.ReleaseExplicitRemoveList) {
		release = bundle.NewNameSet(names...).Sorted()
	} else {
		release = m.gatherBundlesForRequest(names, &info.Flags)
	}

	for _, name := range release {
		if keepSet.Has(name) {
			continue
		}
		bi, ok := m.registry.Get(name)
		if !ok {
			info.Flags |= bundle.InfoSkippedUnknown
			continue
		}

		var active *releaseRequest
		m.eachReleaseRequest(func(r *releaseRequest) bool {
			if r.name != name {
				return true
			}
			if r.cancelled {
				r.finishWhenCancelled = false
			} else {
				active = r
			}
			return true
		})

		canceledUpdate := m.cancelUpdateInternal([]bundle.Name{name})

		if active == nil && !canceledUpdate {
			if flags.Has(bundle.ReleaseSkipReleaseUnmountOnly) && bi.Status() != bundle.StatusMounted {
				info.Flags |= bundle.InfoSkippedAlreadyReleased
				continue
			}
			canSkip := !bi.ReleaseRequired && !m.anyCacheReserved(bi)
			if canSkip && !flags.Has(bundle.ReleaseRemoveFilesIfPossible) && bi.Status() != bundle.StatusMounted {
				info.Flags |= bundle.InfoSkippedAlreadyReleased
				continue
			}
			if canSkip && bi.Status() == bundle.StatusNotInstalled {
				info.Flags |= bundle.InfoSkippedAlreadyRemoved
				continue
			}
		}

		if active != nil {
			if flags.Has(bundle.ReleaseRemoveFilesIfPossible) {
				active.flags |= bundle.ReleaseRemoveFilesIfPossible
			}
			if active.flags.Has(bundle.ReleaseSkipReleaseUnmountOnly) && !flags.Has(bundle.ReleaseSkipReleaseUnmountOnly) {
				active.flags &^= bundle.ReleaseSkipReleaseUnmountOnly
			}
		} else {
			m.releaseRequested = append(m.releaseRequested, newReleaseRequest(name, flags))
			m.logger.Info("Requested release for bundle", zap.String("bundle", string(name)))
		}

		info.Flags |= bundle.InfoEnqueuedBundles
		info.Enqueued = append(info.Enqueued, name)
	}

	return info, nil
}

func (m *Manager) anyCacheReserved(bi *bundle.Info) bool {
	for _, c := range m.bundleCaches(bi) {
		if c.IsReserved(bi.Name) {
			return true
		}
	}
	return false
}
