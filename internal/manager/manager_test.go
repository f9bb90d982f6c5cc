package manager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/shared/id"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
	"github.com/GriffinCanCode/bundlemanager/internal/source/memory"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	m        *Manager
	now      time.Time
	mounter  *recordingMounter
	sources  map[bundle.SourceID]*memory.Source
	updates  []bundle.UpdateEvent
	releases []bundle.ReleaseEvent
	pauses   []bundle.PauseEvent
}

func newHarness(t *testing.T, opts Options, sources ...*memory.Source) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		now:     epoch,
		mounter: newRecordingMounter(),
		sources: make(map[bundle.SourceID]*memory.Source, len(sources)),
	}
	explicit := len(opts.Sources) > 0
	for _, s := range sources {
		h.sources[s.ID()] = s
		if !explicit {
			opts.Sources = append(opts.Sources, s.ID())
		}
	}
	opts.SourceFactory = func(id bundle.SourceID) source.Source {
		if s, ok := h.sources[id]; ok {
			return s
		}
		return nil
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return h.now }
	}
	if opts.Mounter == nil {
		opts.Mounter = h.mounter
	}

	h.m = New(opts)
	h.m.OnUpdateComplete(func(ev bundle.UpdateEvent) { h.updates = append(h.updates, ev) })
	h.m.OnReleaseComplete(func(ev bundle.ReleaseEvent) { h.releases = append(h.releases, ev) })
	h.m.OnPaused(func(ev bundle.PauseEvent) { h.pauses = append(h.pauses, ev) })
	return h
}

// diskOptions maps the "disk" source to a cache of size bytes.
func diskOptions(size uint64) Options {
	return Options{
		Caches:       []CacheConfig{{Name: "disk", Size: size}},
		SourceCaches: map[bundle.SourceID]bundle.CacheName{"disk": "disk"},
	}
}

func (h *harness) tick() {
	h.m.Tick(h.now)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.tick()
}

func (h *harness) ready() *harness {
	h.t.Helper()
	h.tick()
	require.Equal(h.t, bundle.InitSucceeded, h.m.GetInitState(), "init result %s", h.m.InitResult())
	return h
}

func (h *harness) status(name bundle.Name) bundle.Status {
	h.t.Helper()
	info, ok := h.m.Bundle(name)
	require.True(h.t, ok, "bundle %s not registered", name)
	return info.Status()
}

func (h *harness) cache(name bundle.CacheName) cache.Cache {
	h.t.Helper()
	c, ok := h.m.caches[name]
	require.True(h.t, ok)
	return c
}

type recordingMounter struct {
	mounted   map[bundle.Name][]string
	onDemand  map[bundle.Name][]string
	unmounted []bundle.Name
	mountErr  error
}

func newRecordingMounter() *recordingMounter {
	return &recordingMounter{
		mounted:  make(map[bundle.Name][]string),
		onDemand: make(map[bundle.Name][]string),
	}
}

func (r *recordingMounter) Mount(name bundle.Name, paths []string) error {
	if r.mountErr != nil {
		return r.mountErr
	}
	r.mounted[name] = paths
	return nil
}

func (r *recordingMounter) Unmount(name bundle.Name, _ []string) error {
	delete(r.mounted, name)
	r.unmounted = append(r.unmounted, name)
	return nil
}

func (r *recordingMounter) MountOnDemand(name bundle.Name, args []string) error {
	r.onDemand[name] = args
	return nil
}

func (r *recordingMounter) UnmountOnDemand(name bundle.Name) error {
	delete(r.onDemand, name)
	return nil
}

type stubShaders struct{ remaining int }

func (s *stubShaders) PrecompilesRemaining() int { return s.remaining }

type stubPatchChecker struct {
	result PatchResult
	calls  int
}

func (p *stubPatchChecker) CheckPatch(done func(PatchResult)) {
	p.calls++
	done(p.result)
}

type recordingAnalytics struct{ sid string }

func (a *recordingAnalytics) SetSessionID(sid id.SessionID) { a.sid = sid.String() }

// ============================================================================
// Init
// ============================================================================

func TestRequestsRejectedBeforeInit(t *testing.T) {
	h := newHarness(t, diskOptions(100), memory.New(memory.Config{ID: "disk"}))

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	assert.ErrorIs(t, err, ErrInitializationPending)

	_, err = h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	assert.ErrorIs(t, err, ErrInitializationPending)

	assert.Nil(t, h.m.GetCacheStats(0))
}

func TestInitSucceedsInOneTick(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "base", State: bundle.InstallUpToDate, Startup: true},
		{Name: "dlc", State: bundle.InstallNotInstalled, Priority: bundle.PriorityLow},
		{Name: "patch", State: bundle.InstallNeedsUpdate, DoPatchCheck: true},
	}})

	var initState bundle.InitState
	h := newHarness(t, diskOptions(100), disk)
	h.m.OnInitComplete(func(s bundle.InitState, _ bundle.InitResult) { initState = s })
	h.ready()

	assert.Equal(t, bundle.InitSucceeded, initState)
	assert.Equal(t, []bundle.Name{"base", "dlc", "patch"}, h.m.Bundles())
	assert.Equal(t, bundle.StatusNeedsMount, h.status("base"))
	assert.Equal(t, bundle.StatusNotInstalled, h.status("dlc"))
	assert.Equal(t, bundle.StatusNeedsUpdate, h.status("patch"))

	base, _ := h.m.Bundle("base")
	assert.True(t, base.IsStartup)
	dlc, _ := h.m.Bundle("dlc")
	assert.Equal(t, bundle.PriorityLow, dlc.Priority)
	patch, _ := h.m.Bundle("patch")
	assert.Contains(t, patch.Prereqs, bundle.PrereqRequiresLatestClient)
}

func TestInitRetryBacksOff(t *testing.T) {
	disk := memory.New(memory.Config{
		ID:          "disk",
		Bundles:     []memory.Bundle{{Name: "a"}},
		InitResults: []bundle.InitResult{
			bundle.InitNoInternetConnectionError,
			bundle.InitNoInternetConnectionError,
			bundle.InitNoInternetConnectionError,
		},
	})
	opts := diskOptions(100)
	opts.InitRetryMin = time.Second
	opts.InitRetryMax = 4 * time.Second
	h := newHarness(t, opts, disk)

	// First retry of the step is immediate.
	h.tick()
	assert.Equal(t, 2, disk.InitAttempts())
	assert.Equal(t, bundle.InitNotInitialized, h.m.GetInitState())

	h.advance(500 * time.Millisecond)
	assert.Equal(t, 2, disk.InitAttempts())

	h.advance(500 * time.Millisecond)
	assert.Equal(t, 3, disk.InitAttempts())

	// The next failure doubles the delay.
	h.advance(time.Second)
	assert.Equal(t, 3, disk.InitAttempts())

	h.advance(time.Second)
	assert.Equal(t, 4, disk.InitAttempts())
	assert.Equal(t, bundle.InitSucceeded, h.m.GetInitState())
}

func TestInitRetryDelayCapsAtMax(t *testing.T) {
	results := make([]bundle.InitResult, 5)
	for i := range results {
		results[i] = bundle.InitNoInternetConnectionError
	}
	disk := memory.New(memory.Config{ID: "disk", InitResults: results})
	opts := diskOptions(100)
	opts.InitRetryMin = time.Second
	opts.InitRetryMax = 2 * time.Second
	h := newHarness(t, opts, disk)

	h.tick()
	h.advance(time.Second)
	h.advance(2 * time.Second)
	require.Equal(t, 4, disk.InitAttempts())

	h.advance(time.Second)
	assert.Equal(t, 4, disk.InitAttempts())
	h.advance(time.Second)
	assert.Equal(t, 5, disk.InitAttempts())
}

func TestInitErrorHandlerStops(t *testing.T) {
	disk := memory.New(memory.Config{
		ID:          "disk",
		InitResults: []bundle.InitResult{bundle.InitBuildMetaDataNotFound},
	})
	h := newHarness(t, diskOptions(100), disk)

	var seen []InitStep
	h.m.PushInitErrorHandler(func(step InitStep, result bundle.InitResult) InitAction {
		seen = append(seen, step)
		return InitStop
	})

	h.tick()

	assert.Equal(t, []InitStep{InitStepBundleSources}, seen)
	assert.Equal(t, bundle.InitFailed, h.m.GetInitState())
	assert.Equal(t, bundle.InitBuildMetaDataNotFound, h.m.InitResult())

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	assert.ErrorIs(t, err, ErrInitializationFailed)
}

func TestInitErrorHandlersRunMostRecentFirst(t *testing.T) {
	disk := memory.New(memory.Config{
		ID:          "disk",
		Bundles:     []memory.Bundle{{Name: "a"}},
		InitResults: []bundle.InitResult{bundle.InitBuildMetaDataNotFound},
	})
	h := newHarness(t, diskOptions(100), disk)

	var order []string
	h.m.PushInitErrorHandler(func(InitStep, bundle.InitResult) InitAction {
		order = append(order, "first")
		return InitRetry
	})
	h.m.PushInitErrorHandler(func(InitStep, bundle.InitResult) InitAction {
		order = append(order, "second")
		return InitNotHandled
	})
	h.m.PushInitErrorHandler(func(InitStep, bundle.InitResult) InitAction {
		order = append(order, "popped")
		return InitStop
	})
	h.m.PopInitErrorHandler()

	h.tick()

	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, bundle.InitSucceeded, h.m.GetInitState())
}

func TestInitReplacesFailingSourceWithFallback(t *testing.T) {
	primary := memory.New(memory.Config{
		ID:          "primary",
		Bundles:     []memory.Bundle{{Name: "old"}},
		InitResults: []bundle.InitResult{bundle.InitBuildMetaDataDownloadError},
		UseFallback: true,
	})
	backup := memory.New(memory.Config{ID: "backup", Bundles: []memory.Bundle{{Name: "a"}}})

	h := newHarness(t, Options{
		Sources:   []bundle.SourceID{"primary"},
		Fallbacks: map[bundle.SourceID]bundle.SourceID{"primary": "backup", "backup": "primary"},
	}, primary, backup)
	h.ready()

	assert.Equal(t, []bundle.SourceID{"backup"}, h.m.sourceOrder)
	assert.Equal(t, []bundle.Name{"a"}, h.m.Bundles())
	assert.Equal(t, 1, backup.InitAttempts())
}

func TestInitFallbackCycleTerminates(t *testing.T) {
	primary := memory.New(memory.Config{
		ID:          "primary",
		InitResults: []bundle.InitResult{bundle.InitBuildMetaDataDownloadError},
		UseFallback: true,
	})
	backup := memory.New(memory.Config{
		ID:          "backup",
		Bundles:     []memory.Bundle{{Name: "a"}},
		InitResults: []bundle.InitResult{bundle.InitBuildMetaDataDownloadError},
		UseFallback: true,
	})

	h := newHarness(t, Options{
		Sources:   []bundle.SourceID{"primary"},
		Fallbacks: map[bundle.SourceID]bundle.SourceID{"primary": "backup", "backup": "primary"},
	}, primary, backup)

	// The cycle leaves backup failed; the immediate retry recovers it.
	h.tick()
	assert.Equal(t, bundle.InitSucceeded, h.m.GetInitState())
	assert.Equal(t, 1, primary.InitAttempts())
	assert.Equal(t, 2, backup.InitAttempts())
}

func TestInitPatchCheckRequiresClient(t *testing.T) {
	disk := memory.New(memory.Config{
		ID:          "disk",
		InitResults: []bundle.InitResult{bundle.InitRemoteBuildMetaDataNotFound},
	})
	patch := &stubPatchChecker{result: PatchClientRequired}
	opts := diskOptions(100)
	opts.PatchChecker = patch
	h := newHarness(t, opts, disk)

	h.tick()
	assert.Equal(t, 1, patch.calls)
	assert.Equal(t, bundle.InitClientPatchRequiredError, h.m.InitResult())
}

func TestInitRejectsSourceMappedToUnknownCache(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	opts := Options{SourceCaches: map[bundle.SourceID]bundle.CacheName{"disk": "missing"}}
	h := newHarness(t, opts, disk)

	h.tick()
	assert.Equal(t, bundle.InitNotInitialized, h.m.GetInitState())
	assert.Equal(t, bundle.InitConfigurationError, h.m.InitResult())
}

func TestInitUnknownSourceIsUnrecoverable(t *testing.T) {
	h := newHarness(t, Options{Sources: []bundle.SourceID{"nowhere"}})

	h.tick()
	assert.Equal(t, bundle.InitFailed, h.m.GetInitState())

	_, err := h.m.RequestUpdateContent(nil, 0)
	assert.ErrorIs(t, err, ErrInitializationFailed)
	assert.NotErrorIs(t, err, ErrInitializationPending)
}

func TestInitCreatesAnalyticsSession(t *testing.T) {
	a := &recordingAnalytics{}
	opts := diskOptions(100)
	opts.Analytics = a
	h := newHarness(t, opts,
		memory.New(memory.Config{ID: "disk", ContentVersion: "CL-120-shipping", Bundles: []memory.Bundle{{Name: "a"}}}),
	)
	h.ready()

	require.NotEmpty(t, a.sid)
	assert.Equal(t, a.sid, h.m.SessionID())
}

func TestInitSessionIDWithoutAnalyticsSink(t *testing.T) {
	h := newHarness(t, diskOptions(100),
		memory.New(memory.Config{ID: "disk", ContentVersion: "CL-120-shipping", Bundles: []memory.Bundle{{Name: "a"}}}),
	)
	h.ready()

	sid := h.m.SessionID()
	assert.True(t, strings.HasPrefix(sid, id.SessionPrefix+"-"), sid)
	assert.Contains(t, sid, "CL-120")
}

func TestParseChangelist(t *testing.T) {
	tests := []struct {
		version string
		want    int
		ok      bool
	}{
		{"CL-120", 120, true},
		{"1.2.0-CL-77-hotfix", 77, true},
		{"CL-", 0, false},
		{"release", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			n, ok := parseChangelist(tt.version)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}
