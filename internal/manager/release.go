package manager

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

func (m *Manager) tickReleaseRequests() {
	if m.init.state != bundle.InitSucceeded {
		return
	}

	for _, r := range m.releaseRequested {
		if r.prereqs.Done() {
			continue
		}
		switch p, _ := r.prereqs.Current(); p {
		case bundle.PrereqHasNoPendingCancels:
			m.checkReleaseNoPendingCancels(r)
		case bundle.PrereqHasNoPendingUpdateRequests:
			m.checkNoPendingUpdateRequests(r)
		}
	}

	var promoted []*releaseRequest
	for _, r := range m.releaseRequested {
		if m.runReleasePrereqs(r) {
			promoted = append(promoted, r)
		}
	}
	if len(promoted) > 0 {
		m.releaseRequested = slices.DeleteFunc(m.releaseRequested, func(r *releaseRequest) bool {
			return slices.Contains(promoted, r)
		})
		m.releaseActive = append(m.releaseActive, promoted...)
	}

	for _, r := range append([]*releaseRequest(nil), m.releaseActive...) {
		m.runReleaseSteps(r)
	}
	m.releaseActive = slices.DeleteFunc(m.releaseActive, func(r *releaseRequest) bool { return r.cleanedUp })
}

// runReleasePrereqs reports whether r is ready for the release batch.
func (m *Manager) runReleasePrereqs(r *releaseRequest) bool {
	for r.prereqs.Done() {
		if !r.prereqs.Started() {
			m.logger.Info("Starting release request", zap.String("bundle", string(r.name)))
		}
		if !r.prereqs.Next() {
			panic(fmt.Sprintf("bundle %s: ran past its release prerequisites", r.name))
		}

		switch p, _ := r.prereqs.Current(); p {
		case bundle.PrereqHasNoPendingCancels:
			m.checkReleaseNoPendingCancels(r)
		case bundle.PrereqHasNoPendingUpdateRequests:
			m.checkNoPendingUpdateRequests(r)
		case bundle.PrereqDetermineSteps:
			m.determineReleaseSteps(r)
			return true
		default:
			panic(fmt.Sprintf("bundle %s: unknown release prerequisite %s", r.name, p))
		}
	}
	return false
}

func (m *Manager) checkReleaseNoPendingCancels(r *releaseRequest) {
	r.prereqs.Finish()
	if r.cancelled {
		return
	}
	m.eachReleaseRequest(func(other *releaseRequest) bool {
		if other.name == r.name && other.cancelled {
			r.prereqs.Wait()
			return false
		}
		return true
	})
}

func (m *Manager) checkNoPendingUpdateRequests(r *releaseRequest) {
	r.prereqs.Finish()
	if r.cancelled {
		return
	}
	for _, batch := range [][]*updateRequest{m.updateCache, m.updateInstall} {
		for _, u := range batch {
			if u.name == r.name {
				r.prereqs.Wait()
				return
			}
		}
	}
}

func (m *Manager) determineReleaseSteps(r *releaseRequest) {
	var steps []releaseStep
	switch status := m.registry.MustGet(r.name).Status(); status {
	case bundle.StatusMounted:
		steps = append(steps, releaseUnmounting, releaseUpdatingBundleSources)
	case bundle.StatusNeedsMount, bundle.StatusNeedsUpdate:
		steps = append(steps, releaseUpdatingBundleSources)
	case bundle.StatusNotInstalled:
	default:
		panic(fmt.Sprintf("bundle %s: unknown status %s", r.name, status))
	}
	steps = append(steps, releaseFinishing, releaseCleaningUp)
	r.steps = newCursor(steps...)
}

func (m *Manager) runReleaseSteps(r *releaseRequest) {
	for !r.cleanedUp && r.steps.Done() {
		if !r.steps.Next() {
			panic(fmt.Sprintf("bundle %s: ran past its release steps", r.name))
		}
		if (r.cancelled || r.result != bundle.ReleaseOK) && r.steps.Before(releaseFinishing) {
			r.steps.SkipTo(releaseFinishing)
		}
		step, _ := r.steps.Current()
		m.logger.Debug("Entering release step", zap.String("bundle", string(r.name)), zap.Stringer("step", step))

		switch step {
		case releaseUnmounting:
			m.unmount(r)
		case releaseUpdatingBundleSources:
			m.releaseBundleSources(r)
		case releaseFinishing:
			m.finishRelease(r)
		case releaseCleaningUp:
			r.cleanedUp = true
			m.logger.Info("Removing release request", zap.String("bundle", string(r.name)))
		default:
			panic(fmt.Sprintf("bundle %s: unknown release step %s", r.name, step))
		}
	}
}

func (m *Manager) unmount(r *releaseRequest) {
	if r.cancelled {
		return
	}
	info := m.registry.MustGet(r.name)
	m.logger.Info("Unmounting bundle", zap.String("bundle", string(r.name)))

	if err := m.opts.Mounter.Unmount(r.name, info.ContentPaths); err != nil {
		m.logger.Error("Unmount failed", zap.String("bundle", string(r.name)), zap.Error(err))
	}
	if info.MountedOnDemand {
		info.MountedOnDemand = false
		if err := m.opts.Mounter.UnmountOnDemand(r.name); err != nil {
			m.logger.Error("On-demand unmount failed", zap.String("bundle", string(r.name)), zap.Error(err))
		}
	}
	info.SetStatus(bundle.StatusNeedsMount)
}

func (m *Manager) releaseBundleSources(r *releaseRequest) {
	if r.cancelled {
		return
	}
	if r.flags.Has(bundle.ReleaseSkipReleaseUnmountOnly) {
		m.logger.Info("Skipping source release", zap.String("bundle", string(r.name)))
		return
	}

	info := m.registry.MustGet(r.name)
	if info.MountedOnDemand {
		if err := m.opts.Mounter.UnmountOnDemand(r.name); err != nil {
			m.logger.Error("On-demand unmount failed", zap.String("bundle", string(r.name)), zap.Error(err))
			r.result = bundle.ReleaseManifestArchiveError
			return
		}
		info.MountedOnDemand = false
	}

	for _, c := range m.allCaches() {
		c.Release(r.name)
	}

	r.removeSources, r.releaseSources = nil, nil
	for _, id := range info.SourceIDs() {
		if _, ok := m.sources[id]; !ok {
			continue
		}
		if c, ok := m.cacheFor(id); ok {
			if _, cached := c.BundleInfo(id, r.name); cached {
				r.releaseSources = append(r.releaseSources, id)
				continue
			}
		}
		if r.flags.Has(bundle.ReleaseRemoveFilesIfPossible) {
			r.removeSources = append(r.removeSources, id)
		} else {
			r.releaseSources = append(r.releaseSources, id)
		}
	}
	if len(r.removeSources)+len(r.releaseSources) == 0 {
		return
	}

	r.removeResults = make(map[bundle.SourceID]source.ReleaseResult, len(r.removeSources))
	r.releaseResults = make(map[bundle.SourceID]source.ReleaseResult, len(r.releaseSources))
	r.steps.Wait()

	removeSources := slices.Clone(r.removeSources)
	releaseSources := slices.Clone(r.releaseSources)
	for _, id := range removeSources {
		srcID := id
		m.sources[srcID].RequestReleaseContent(source.ReleaseRequest{
			Bundle: r.name,
			Flags:  r.flags,
			Remove: true,
			OnComplete: func(res source.ReleaseResult) {
				m.onReleaseSourceComplete(r, srcID, true, res)
			},
		})
	}
	for _, id := range releaseSources {
		srcID := id
		m.sources[srcID].RequestReleaseContent(source.ReleaseRequest{
			Bundle: r.name,
			Flags:  r.flags &^ bundle.ReleaseRemoveFilesIfPossible,
			OnComplete: func(res source.ReleaseResult) {
				m.onReleaseSourceComplete(r, srcID, false, res)
			},
		})
	}
}

func (m *Manager) onReleaseSourceComplete(r *releaseRequest, srcID bundle.SourceID, removed bool, res source.ReleaseResult) {
	if !r.steps.At(releaseUpdatingBundleSources) || r.steps.Done() {
		return
	}
	if removed {
		r.removeResults[srcID] = res
	} else {
		r.releaseResults[srcID] = res
	}
	if len(r.removeResults) < len(r.removeSources) || len(r.releaseResults) < len(r.releaseSources) {
		return
	}

	contentRemoved := false
	for _, id := range r.removeSources {
		res := r.removeResults[id]
		if r.result == bundle.ReleaseOK && res.Result != bundle.ReleaseOK {
			r.result = res.Result
		}
		contentRemoved = contentRemoved || res.ContentWasRemoved
	}
	for _, id := range r.releaseSources {
		res := r.releaseResults[id]
		if r.result == bundle.ReleaseOK && res.Result != bundle.ReleaseOK {
			r.result = res.Result
		}
		contentRemoved = contentRemoved || res.ContentWasRemoved

		if c, ok := m.cacheFor(id); ok {
			if ci, ok := c.BundleInfo(id, r.name); ok {
				ci.LastAccess = res.LastAccess
				c.AddOrUpdateBundle(id, ci)
			}
		}
	}

	m.logger.Info("Bundle sources released", zap.String("bundle", string(r.name)), zap.Bool("removed", contentRemoved))
	if contentRemoved {
		m.registry.MustGet(r.name).SetStatus(bundle.StatusNotInstalled)
	}
	r.steps.Finish()
}

func (m *Manager) finishRelease(r *releaseRequest) {
	if r.result == bundle.ReleaseOK || r.result == bundle.ReleaseUserCancelledError {
		m.logger.Info("Finishing release request", zap.String("bundle", string(r.name)), zap.Stringer("result", r.result))
	} else {
		m.logger.Warn("Finishing release request", zap.String("bundle", string(r.name)), zap.Stringer("result", r.result))
	}

	if !r.cancelled || r.finishWhenCancelled {
		ev := bundle.ReleaseEvent{Bundle: r.name, Result: r.result}
		m.metrics.RecordRelease(r.result.String())
		for _, fn := range m.releaseListeners {
			fn(ev)
		}
	}
}
