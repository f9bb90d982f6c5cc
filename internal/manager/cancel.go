package manager

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// CancelUpdateContent cancels update requests for names. Cancelled requests
// still run their Finishing and CleaningUp steps.
func (m *Manager) CancelUpdateContent(names []bundle.Name) {
	m.cancelUpdateInternal(names)
}

// CancelReleaseContent cancels release requests for names.
func (m *Manager) CancelReleaseContent(names []bundle.Name) {
	m.cancelReleaseInternal(names)
}

// PauseUpdateContent asks every source to pause names.
func (m *Manager) PauseUpdateContent(names []bundle.Name) {
	m.forEachSource(func(s source.Source) {
		s.UserPauseBundles(names)
	})
}

// ResumeUpdateContent asks every source to resume names.
func (m *Manager) ResumeUpdateContent(names []bundle.Name) {
	m.forEachSource(func(s source.Source) {
		s.UserResumeBundles(names)
	})
}

// cancelUpdateInternal marks matching update requests cancelled. Sources may
// widen the cancellation to bundles they cannot update independently.
func (m *Manager) cancelUpdateInternal(names []bundle.Name) bool {
	matched := false
	seen := bundle.NewNameSet()
	for len(names) > 0 {
		want := bundle.NewNameSet()
		for _, n := range names {
			if seen.Add(n) {
				want.Add(n)
			}
		}

		var inSources []bundle.Name
		m.eachUpdateRequest(func(r *updateRequest) bool {
			if !want.Has(r.name) {
				return true
			}
			matched = true
			if r.result == bundle.UpdateOK {
				r.result = bundle.UpdateUserCancelledError
			}
			if r.cancelled {
				return true
			}
			r.cancelled = true
			m.logger.Info("Cancelling update request", zap.String("bundle", string(r.name)))
			if r.steps.At(stepUpdatingBundleSources) {
				inSources = append(inSources, r.name)
			}
			return true
		})

		if len(inSources) == 0 {
			break
		}
		next := bundle.NewNameSet()
		m.forEachSource(func(s source.Source) {
			for _, n := range s.CancelBundles(inSources) {
				next.Add(n)
			}
		})
		names = next.Sorted()
	}
	return matched
}

func (m *Manager) cancelReleaseInternal(names []bundle.Name) bool {
	want := bundle.NewNameSet(names...)
	matched := false
	m.eachReleaseRequest(func(r *releaseRequest) bool {
		if !want.Has(r.name) {
			return true
		}
		matched = true
		if r.result == bundle.ReleaseOK {
			r.result = bundle.ReleaseUserCancelledError
		}
		if !r.cancelled {
			r.cancelled = true
			m.logger.Info("Cancelling release request", zap.String("bundle", string(r.name)))
		}
		return true
	})
	return matched
}

// tickPauseStatus broadcasts the combined pause flags of installing bundles
// whenever they change.
func (m *Manager) tickPauseStatus() {
	for _, r := range m.updateInstall {
		var flags bundle.PauseFlags
		for _, f := range r.pauseFlags {
			flags |= f
		}
		if r.forcePause || flags != r.lastPauseSent {
			ev := bundle.PauseEvent{Bundle: r.name, Flags: flags}
			for _, fn := range m.pauseListeners {
				fn(ev)
			}
		}
		r.lastPauseSent = flags
		r.forcePause = false
	}
}
