package manager

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// chunkPattern marks content paths that belong to a platform chunk.
const chunkPattern = "**/pakchunk*"

type mountResult struct {
	req *updateRequest
	err error
}

func (m *Manager) tickContentRequests() {
	if m.init.state != bundle.InitSucceeded {
		return
	}

	m.tickUpdatePrereqs()
	for _, r := range m.updateRequested {
		m.runUpdatePrereqs(r)
	}

	sortUpdateBatch(m.updateRequested, m.registry)
	for len(m.updateRequested) > 0 {
		r := m.updateRequested[0]
		if !r.prereqs.At(bundle.PrereqDetermineSteps) {
			break
		}
		m.updateRequested = m.updateRequested[1:]
		r.prereqs.Finish()
		m.addToInitialBatch(r)
	}

	for _, r := range m.updateCache {
		m.runCacheSteps(r)
	}

	sortUpdateBatch(m.updateCache, m.registry)
	for len(m.updateCache) > 0 {
		r := m.updateCache[0]
		if !r.steps.At(stepFinishingCache) {
			break
		}
		m.updateCache = m.updateCache[1:]
		r.steps.Finish()
		m.registry.MustGet(r.name).ReleaseRequired = true
		m.logger.Debug("Moving request to install batch", zap.String("bundle", string(r.name)))
		m.updateInstall = append(m.updateInstall, r)
	}

	var deadline func() bool
	if budget := m.opts.MaxInstallTimePerTick; budget > 0 {
		end := m.opts.Clock().Add(budget)
		deadline = func() bool { return !m.opts.Clock().Before(end) }
	}
	for _, r := range append([]*updateRequest(nil), m.updateInstall...) {
		m.runInstallSteps(r)
		if deadline != nil && deadline() {
			break
		}
	}
	m.updateInstall = slices.DeleteFunc(m.updateInstall, func(r *updateRequest) bool { return r.cleanedUp })
}

// sortUpdateBatch orders the most urgent and most complete requests first.
func sortUpdateBatch(batch []*updateRequest, reg *bundle.Registry) {
	slices.SortStableFunc(batch, func(a, b *updateRequest) int {
		pa, pb := reg.MustGet(a.name).Priority, reg.MustGet(b.name).Priority
		if pa != pb {
			return int(pa) - int(pb)
		}
		sa, okA := a.steps.Current()
		sb, okB := b.steps.Current()
		switch {
		case okA && okB:
			return int(sb) - int(sa)
		case okA:
			return -1
		case okB:
			return 1
		}
		return 0
	})
}

// ============================================================================
// Prerequisites
// ============================================================================

// tickUpdatePrereqs re-checks the prerequisites that only resolve by polling.
func (m *Manager) tickUpdatePrereqs() {
	for _, r := range m.updateRequested {
		if r.prereqs.Done() {
			continue
		}
		switch p, _ := r.prereqs.Current(); p {
		case bundle.PrereqHasNoPendingCancels:
			m.checkUpdateNoPendingCancels(r)
		case bundle.PrereqHasNoPendingReleaseRequests:
			m.checkNoPendingReleaseRequests(r)
		}
	}
}

func (m *Manager) runUpdatePrereqs(r *updateRequest) {
	for r.prereqs.Done() {
		if !r.prereqs.Started() {
			m.logger.Info("Starting request", zap.String("bundle", string(r.name)))
		}
		if !r.prereqs.Next() {
			panic(fmt.Sprintf("bundle %s: ran past its prerequisites", r.name))
		}
		p, _ := r.prereqs.Current()
		m.logger.Debug("Checking prerequisite", zap.String("bundle", string(r.name)), zap.Stringer("prereq", p))

		switch p {
		case bundle.PrereqCacheHintRequested:
			m.cacheHint(r, true)
		case bundle.PrereqRequiresLatestClient:
			m.checkLatestClient(r)
		case bundle.PrereqHasNoPendingCancels:
			m.checkUpdateNoPendingCancels(r)
		case bundle.PrereqHasNoPendingReleaseRequests:
			m.checkNoPendingReleaseRequests(r)
		case bundle.PrereqDetermineSteps:
			m.determineUpdateSteps(r)
			r.prereqs.Wait()
		default:
			panic(fmt.Sprintf("bundle %s: unknown prerequisite %s", r.name, p))
		}
	}
}

// cacheHint tells every cache whether r's bundle is wanted.
func (m *Manager) cacheHint(r *updateRequest, requested bool) {
	if requested && (r.cancelled || r.cacheHinted) {
		return
	}
	if !requested && !r.cacheHinted {
		return
	}
	r.cacheHinted = requested
	for _, c := range m.allCaches() {
		c.HintRequested(r.name, requested)
	}
}

func (m *Manager) checkUpdateNoPendingCancels(r *updateRequest) {
	r.prereqs.Finish()
	if r.cancelled {
		return
	}
	m.eachUpdateRequest(func(other *updateRequest) bool {
		if other.name == r.name && other.cancelled {
			r.prereqs.Wait()
			return false
		}
		return true
	})
}

func (m *Manager) checkNoPendingReleaseRequests(r *updateRequest) {
	r.prereqs.Finish()
	if r.cancelled {
		return
	}
	for _, rel := range m.releaseActive {
		if rel.name == r.name {
			r.prereqs.Wait()
			return
		}
	}
}

func (m *Manager) checkLatestClient(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	if r.cancelled || !info.Status().NeedsInstall() || m.opts.PatchChecker == nil {
		m.logger.Debug("Skipping latest client check", zap.String("bundle", string(r.name)))
		r.prereqs.Finish()
		return
	}

	r.prereqs.Wait()
	m.opts.PatchChecker.CheckPatch(func(pr PatchResult) {
		switch pr {
		case PatchClientRequired:
			m.logger.Info("Request requires latest client", zap.String("bundle", string(r.name)))
			r.result = bundle.UpdateFailedPrereqRequiresLatestClient
		case PatchContentRequired:
			m.logger.Info("Request requires latest content", zap.String("bundle", string(r.name)))
			r.result = bundle.UpdateFailedPrereqRequiresLatestContent
		}
		r.prereqs.Finish()
	})
}

func (m *Manager) determineUpdateSteps(r *updateRequest) {
	var steps []updateStep
	switch status := m.registry.MustGet(r.name).Status(); status {
	case bundle.StatusNotInstalled, bundle.StatusNeedsUpdate, bundle.StatusNeedsMount:
		steps = append(steps, stepReservingCache, stepFinishingCache, stepUpdatingBundleSources, stepMounting)
	case bundle.StatusMounted:
	default:
		panic(fmt.Sprintf("bundle %s: unknown status %s", r.name, status))
	}
	steps = append(steps, stepWaitingForShaderCache, stepFinishing, stepCleaningUp)
	r.steps = newCursor(steps...)
}

func (m *Manager) addToInitialBatch(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	if info.Status() == bundle.StatusMounted {
		info.ReleaseRequired = true
		m.updateInstall = append(m.updateInstall, r)
		return
	}
	m.updateCache = append(m.updateCache, r)
}

// ============================================================================
// Steps
// ============================================================================

// advance enters the next step, jumping ahead to checkpoint once the request
// was cancelled or failed.
func (r *updateRequest) advance(checkpoint updateStep) (updateStep, bool) {
	if !r.steps.Next() {
		return 0, false
	}
	if (r.cancelled || r.result != bundle.UpdateOK) && r.steps.Before(checkpoint) {
		r.steps.SkipTo(checkpoint)
	}
	return r.steps.Current()
}

func (m *Manager) runCacheSteps(r *updateRequest) {
	for r.steps.Done() {
		step, ok := r.advance(stepFinishingCache)
		if !ok {
			panic(fmt.Sprintf("bundle %s: ran past its cache steps", r.name))
		}
		m.logger.Debug("Entering step", zap.String("bundle", string(r.name)), zap.Stringer("step", step))

		switch step {
		case stepReservingCache:
			m.tryReserveCache(r)
		case stepFinishingCache:
			r.steps.Wait()
		default:
			panic(fmt.Sprintf("bundle %s: step %s in cache batch", r.name, step))
		}
	}
}

func (m *Manager) runInstallSteps(r *updateRequest) {
	for !r.cleanedUp && r.steps.Done() {
		step, ok := r.advance(stepFinishing)
		if !ok {
			panic(fmt.Sprintf("bundle %s: ran past its install steps", r.name))
		}
		m.logger.Debug("Entering step", zap.String("bundle", string(r.name)), zap.Stringer("step", step))

		switch step {
		case stepUpdatingBundleSources:
			m.updateBundleSources(r)
		case stepMounting:
			m.mount(r)
		case stepWaitingForShaderCache:
			m.waitForShaderCache(r)
		case stepFinishing:
			m.finishUpdate(r)
		case stepCleaningUp:
			m.cacheHint(r, false)
			r.cleanedUp = true
			m.logger.Info("Removing request", zap.String("bundle", string(r.name)))
		default:
			panic(fmt.Sprintf("bundle %s: step %s in install batch", r.name, step))
		}
	}
}

func (m *Manager) updateBundleSources(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	r.steps.Wait()
	r.required = info.SourceIDs()
	r.sourceResults = make(map[bundle.SourceID]source.UpdateResult, len(r.required))

	var targets []source.Source
	for _, id := range r.required {
		r.pauseFlags[id] = 0
		if s, ok := m.sources[id]; ok {
			targets = append(targets, s)
		}
	}
	if len(targets) != len(r.required) {
		r.required = r.required[:0]
		for _, s := range targets {
			r.required = append(r.required, s.ID())
		}
	}
	if len(targets) == 0 {
		m.joinUpdateSources(r)
		return
	}

	for _, s := range targets {
		srcID := s.ID()
		s.RequestUpdateContent(source.UpdateRequest{
			Bundle: r.name,
			Flags:  r.flags,
			OnPaused: func(p source.PauseInfo) {
				m.onUpdatePaused(r, srcID, p)
			},
			OnComplete: func(res source.UpdateResult) {
				m.onUpdateSourceComplete(r, srcID, res)
			},
		})
	}
}

func (m *Manager) onUpdatePaused(r *updateRequest, srcID bundle.SourceID, p source.PauseInfo) {
	if _, ok := r.pauseFlags[srcID]; !ok {
		return
	}
	r.pauseFlags[srcID] = p.Flags
	if p.Changed {
		r.forcePause = true
	}
}

func (m *Manager) onUpdateSourceComplete(r *updateRequest, srcID bundle.SourceID, res source.UpdateResult) {
	if !r.steps.At(stepUpdatingBundleSources) || r.steps.Done() {
		return
	}
	delete(r.pauseFlags, srcID)
	r.sourceResults[srcID] = res
	if s, ok := m.sources[srcID]; ok {
		if p, ok := s.BundleProgress(r.name); ok {
			r.progress[srcID] = p
		}
	}
	if len(r.sourceResults) < len(r.required) {
		return
	}
	m.joinUpdateSources(r)
}

func (m *Manager) joinUpdateSources(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	m.logger.Info("Bundle sources finished", zap.String("bundle", string(r.name)))

	var paths []string
	for _, srcID := range r.required {
		res := r.sourceResults[srcID]

		if c, ok := m.cacheFor(srcID); ok {
			if ci, ok := c.BundleInfo(srcID, r.name); ok {
				if res.Result == bundle.UpdateOK {
					ci.InstallOverheadSize = 0
				}
				ci.CurrentInstallSize = res.CurrentInstallSize
				ci.LastAccess = res.LastAccess
				c.AddOrUpdateBundle(srcID, ci)
			}
		}

		switch {
		case r.result == bundle.UpdateOK && res.Result != bundle.UpdateOK:
			m.logger.Info("Bundle source failed",
				zap.String("bundle", string(r.name)),
				zap.String("source", string(srcID)),
				zap.Stringer("result", res.Result),
			)
			r.result = res.Result
			r.errorText = res.ErrorText
		case r.result == bundle.UpdateOK:
			paths = append(paths, res.ContentPaths...)
			r.onDemandArgs = append(r.onDemandArgs, res.OnDemandMountArgs...)
		}
		if res.ContentWasInstalled {
			r.contentChanged = true
		}
	}
	r.sourceResults = nil

	slices.Sort(paths)
	paths = slices.Compact(paths)
	slices.Reverse(paths)
	info.ContentPaths = paths
	info.ContainsChunks = containsChunks(paths)

	if info.Status().NeedsInstall() && r.result == bundle.UpdateOK {
		info.SetStatus(bundle.StatusNeedsMount)
	}
	r.steps.Finish()
}

func containsChunks(paths []string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if ok, _ := doublestar.Match(chunkPattern, strings.ReplaceAll(p, "\\", "/")); ok {
			return true
		}
	}
	return false
}

func (m *Manager) mount(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	skipMount := r.flags.Has(bundle.UpdateSkipMount)
	if skipMount && len(r.onDemandArgs) == 0 {
		m.logger.Info("Skipping mount", zap.String("bundle", string(r.name)))
		r.steps.Finish()
		return
	}

	if len(r.onDemandArgs) > 0 && !info.MountedOnDemand {
		if err := m.opts.Mounter.MountOnDemand(r.name, r.onDemandArgs); err != nil {
			m.logger.Error("On-demand mount failed", zap.String("bundle", string(r.name)), zap.Error(err))
			r.result = bundle.UpdateInstallError
			r.errorText = err.Error()
			r.steps.Finish()
			return
		}
		info.MountedOnDemand = true
	}
	if skipMount {
		r.steps.Finish()
		return
	}

	r.steps.Wait()
	paths := slices.Clone(info.ContentPaths)
	if r.flags.Has(bundle.UpdateAsyncMount) {
		go func() {
			err := m.opts.Mounter.Mount(r.name, paths)
			m.mountDone <- mountResult{req: r, err: err}
		}()
		return
	}
	m.onMountComplete(r, m.opts.Mounter.Mount(r.name, paths))
}

func (m *Manager) onMountComplete(r *updateRequest, err error) {
	info := m.registry.MustGet(r.name)
	if err != nil {
		m.logger.Error("Mount failed", zap.String("bundle", string(r.name)), zap.Error(err))
		r.result = bundle.UpdateInstallError
		r.errorText = err.Error()
		r.steps.Finish()
		return
	}

	info.SetStatus(bundle.StatusMounted)
	info.SetShaderWait(m.precompilesRemaining())
	m.logger.Info("Mounted bundle", zap.String("bundle", string(r.name)))
	r.steps.Finish()
}

// tickAsyncMountTasks applies finished background mounts.
func (m *Manager) tickAsyncMountTasks() {
	for {
		select {
		case res := <-m.mountDone:
			m.onMountComplete(res.req, res.err)
		default:
			return
		}
	}
}

func (m *Manager) precompilesRemaining() int {
	if m.opts.ShaderCache == nil {
		return 0
	}
	return m.opts.ShaderCache.PrecompilesRemaining()
}

func (m *Manager) waitForShaderCache(r *updateRequest) {
	if r.flags.Has(bundle.UpdateSkipMount) {
		r.steps.Finish()
		return
	}
	info := m.registry.MustGet(r.name)
	if info.MustWaitForShaders() && m.precompilesRemaining() > 0 {
		m.logger.Info("Waiting for shader cache", zap.String("bundle", string(r.name)))
		r.steps.Wait()
		return
	}
	info.SetShaderWait(0)
	r.steps.Finish()
}

func (m *Manager) tickWaitForShaderCache() {
	remaining := m.precompilesRemaining()
	for _, r := range m.updateInstall {
		if !r.steps.At(stepWaitingForShaderCache) || r.steps.Done() {
			continue
		}
		if r.cancelled {
			r.steps.Finish()
			continue
		}
		info := m.registry.MustGet(r.name)
		switch {
		case remaining == 0:
			info.SetShaderWait(0)
			r.steps.Finish()
		case remaining > info.InitialPrecompiles():
			info.SetShaderWait(remaining)
		}
	}
}

func (m *Manager) finishUpdate(r *updateRequest) {
	info := m.registry.MustGet(r.name)
	if r.result == bundle.UpdateOK || r.result == bundle.UpdateUserCancelledError {
		m.logger.Info("Finishing request", zap.String("bundle", string(r.name)), zap.Stringer("result", r.result))
	} else {
		m.logger.Warn("Finishing request", zap.String("bundle", string(r.name)), zap.Stringer("result", r.result))
	}

	if r.result != bundle.UpdateOK && info.Status() != bundle.StatusMounted {
		for _, c := range m.allCaches() {
			c.Release(r.name)
		}
	}

	if !r.cancelled || r.finishWhenCancelled {
		ev := bundle.UpdateEvent{
			Bundle:           r.name,
			Result:           r.result,
			ContentChanged:   r.contentChanged,
			IsStartup:        info.IsStartup,
			ContainsChunks:   info.ContainsChunks,
			ContainsOnDemand: info.MountedOnDemand,
			ErrorText:        r.errorText,
		}
		m.metrics.RecordUpdate(r.result.String(), r.result == bundle.UpdateOK)
		for _, fn := range m.updateListeners {
			fn(ev)
		}
	}
	r.steps.Finish()
}
