package manager

import (
	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// ProgressStatus is the coarse phase of an update request.
type ProgressStatus int

const (
	ProgressRequested ProgressStatus = iota
	ProgressUpdating
	ProgressFinishing
	ProgressReady
)

func (s ProgressStatus) String() string {
	switch s {
	case ProgressRequested:
		return "requested"
	case ProgressUpdating:
		return "updating"
	case ProgressFinishing:
		return "finishing"
	case ProgressReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ProgressStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is the combined progress of one update request. Fractions are in
// [0, 1].
type Progress struct {
	Bundle             bundle.Name       `json:"bundle"`
	Status             ProgressStatus    `json:"status"`
	PauseFlags         bundle.PauseFlags `json:"pause_flags"`
	BackgroundDownload float64           `json:"background_download"`
	InstallOnly        float64           `json:"install_only"`
	Install            float64           `json:"install"`
	Finishing          float64           `json:"finishing"`
}

// GetBundleProgress reports progress of the live update request for name.
func (m *Manager) GetBundleProgress(name bundle.Name) (Progress, bool) {
	info, ok := m.registry.Get(name)
	if !ok {
		return Progress{}, false
	}

	var r *updateRequest
	install := false
	for i, batch := range [][]*updateRequest{m.updateRequested, m.updateCache, m.updateInstall} {
		for _, have := range batch {
			if have.name == name && !have.cancelled {
				r = have
				install = i == 2
			}
		}
	}
	if r == nil {
		return Progress{}, false
	}

	p := Progress{Bundle: name, Status: ProgressRequested}
	for _, f := range r.pauseFlags {
		p.PauseFlags |= f
	}
	if !install {
		return p, true
	}

	p.Status = ProgressUpdating
	step, ok := r.steps.Current()
	if !ok {
		return p, true
	}

	switch {
	case step == stepUpdatingBundleSources && r.result == bundle.UpdateOK:
		m.refreshProgress(r)
		m.combineProgress(r, &p)
	case step > stepUpdatingBundleSources && r.result == bundle.UpdateOK:
		p.BackgroundDownload, p.InstallOnly, p.Install = 1, 1, 1
	}

	if step >= stepWaitingForShaderCache {
		p.Status = ProgressFinishing
		p.Finishing = 1
		if initial := info.InitialPrecompiles(); info.MustWaitForShaders() && initial > 0 {
			p.Finishing = min(max(1-float64(m.precompilesRemaining())/float64(initial), 0), 1)
		}
	}

	if step >= stepFinishing && r.result == bundle.UpdateOK && info.Status() == bundle.StatusMounted {
		p.Status = ProgressReady
	}
	return p, true
}

func (m *Manager) refreshProgress(r *updateRequest) {
	for _, id := range r.required {
		s, ok := m.sources[id]
		if !ok {
			continue
		}
		if sp, ok := s.BundleProgress(r.name); ok {
			r.progress[id] = sp
		}
	}
}

func (m *Manager) combineProgress(r *updateRequest, p *Progress) {
	total := 0.0
	for id, sp := range r.progress {
		s, ok := m.sources[id]
		if !ok {
			continue
		}
		w := s.Weight()
		total += w
		installOnly := sp.InstallOnly
		if installOnly < 0 {
			installOnly = sp.Install
		}
		p.BackgroundDownload += w * sp.BackgroundDownload
		p.InstallOnly += w * installOnly
		p.Install += w * sp.Install
	}
	if total <= 0 {
		p.BackgroundDownload, p.InstallOnly, p.Install = 1, 1, 1
		return
	}
	p.BackgroundDownload /= total
	p.InstallOnly /= total
	p.Install /= total
}
