package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source/memory"
)

func TestContentStateMergesSources(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", State: bundle.InstallUpToDate, FullSize: 100, CurrentSize: 100},
		{Name: "b", State: bundle.InstallNotInstalled, FullSize: 10, OnDemand: true},
	}})
	net := memory.New(memory.Config{ID: "net", Weight: 3, Bundles: []memory.Bundle{
		{Name: "a", State: bundle.InstallNeedsUpdate, FullSize: 100, CurrentSize: 40},
	}})
	h := newHarness(t, Options{}, disk, net).ready()

	var got []ContentState
	h.m.GetContentState([]bundle.Name{"a", "b"}, false, "ui", func(cs ContentState) { got = append(got, cs) })

	h.tick()
	assert.Empty(t, got)
	h.tick()
	require.Len(t, got, 1)

	cs := got[0]
	assert.Equal(t, BundleState{State: bundle.InstallNeedsUpdate, Weight: 4}, cs.Bundles["a"])
	assert.Equal(t, BundleState{State: bundle.InstallNotInstalled, Weight: 1}, cs.Bundles["b"])
	assert.Equal(t, bundle.InstallNotInstalled, cs.State())
	assert.Equal(t, uint64(60+10), cs.DownloadSize)
	assert.Equal(t, uint64(100+100+10), cs.InstallSize)
	assert.Equal(t, []bundle.Name{"b"}, cs.OnDemand)

	h.tick()
	assert.Len(t, got, 1)
}

func TestContentStateQueryCancellation(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	calls := 0
	done := func(ContentState) { calls++ }

	handle := h.m.GetContentState([]bundle.Name{"a"}, false, "", done)
	h.m.CancelContentStateQuery(handle)
	h.tick()
	assert.Empty(t, h.m.contentQueries)

	h.m.GetContentState([]bundle.Name{"a"}, false, "menu", done)
	h.m.GetContentState([]bundle.Name{"a"}, false, "menu", done)
	h.tick()
	h.m.CancelContentStateQueriesForTag("menu")
	h.tick()
	assert.Zero(t, calls)
	assert.Empty(t, h.m.contentQueries)
}

func TestContentStateAnsweredEmptyWhenInitFails(t *testing.T) {
	h := newHarness(t, Options{Sources: []bundle.SourceID{"nowhere"}})

	var got *ContentState
	h.m.GetContentState([]bundle.Name{"a"}, true, "", func(cs ContentState) { got = &cs })
	h.tick()

	require.NotNil(t, got)
	assert.Empty(t, got.Bundles)
}

func TestContentStateWithDependencies(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "map", Deps: []bundle.Name{"textures", "bad"}},
		{Name: "textures"},
		{Name: "bad", Skip: bundle.SkipNotValid},
	}})
	h := newHarness(t, Options{}, disk).ready()

	var got ContentState
	h.m.GetContentState([]bundle.Name{"map"}, true, "", func(cs ContentState) { got = cs })
	h.tick()
	h.tick()

	assert.Len(t, got.Bundles, 2)
	assert.Contains(t, got.Bundles, bundle.Name("map"))
	assert.Contains(t, got.Bundles, bundle.Name("textures"))
}

func TestInstallState(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a"},
		{Name: "b", State: bundle.InstallNeedsUpdate},
		{Name: "c", State: bundle.InstallUpToDate, OnDemand: true},
	}})
	h := newHarness(t, Options{}, disk)

	_, err := h.m.GetInstallStateSync([]bundle.Name{"a"}, false)
	assert.ErrorIs(t, err, ErrInitializationPending)

	var async []InstallState
	h.m.GetInstallState([]bundle.Name{"a", "b", "c"}, false, "", func(s InstallState) { async = append(async, s) })
	h.ready()

	require.Len(t, async, 1)
	want := map[bundle.Name]bundle.InstallState{
		"a": bundle.InstallNotInstalled,
		"b": bundle.InstallNeedsUpdate,
		"c": bundle.InstallUpToDate,
	}
	assert.Equal(t, want, async[0].Bundles)
	assert.Equal(t, []bundle.Name{"c"}, async[0].OnDemand)
	assert.Equal(t, bundle.InstallNotInstalled, async[0].State())

	st, err := h.m.GetInstallStateSync([]bundle.Name{"c", "ghost"}, false)
	require.NoError(t, err)
	assert.Equal(t, map[bundle.Name]bundle.InstallState{"c": bundle.InstallUpToDate}, st.Bundles)
	assert.Equal(t, bundle.InstallUpToDate, st.State())
}

func TestInstallStateQueryCancellation(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	calls := 0
	handle := h.m.GetInstallState([]bundle.Name{"a"}, false, "", func(InstallState) { calls++ })
	h.m.GetInstallState([]bundle.Name{"a"}, false, "hud", func(InstallState) { calls++ })
	h.m.CancelInstallStateQuery(handle)
	h.m.CancelInstallStateQueriesForTag("hud")
	h.tick()

	assert.Zero(t, calls)
	assert.Empty(t, h.m.installQueries)
}

func TestPruneForgetsIrrelevantBundles(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", Cached: true, FullSize: 10},
		{Name: "b"},
	}})
	h := newHarness(t, diskOptions(100), disk).ready()

	disk.LoseRelevance("a", "ghost")
	h.tick()

	_, ok := h.m.Bundle("a")
	assert.False(t, ok)
	assert.Equal(t, []bundle.Name{"b"}, h.m.Bundles())
	assert.Equal(t, []bundle.Name{"a"}, disk.Pruned())
	assert.False(t, h.cache("disk").Contains("a"))
}

func TestPruneWaitsForRequests(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Manual: true, Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	require.NoError(t, err)
	h.tick()

	disk.LoseRelevance("a")
	h.tick()
	_, ok := h.m.Bundle("a")
	require.True(t, ok)

	require.True(t, disk.CompleteUpdate("a", bundle.UpdateOK))
	h.tick()
	require.Len(t, h.updates, 1)

	h.tick()
	_, ok = h.m.Bundle("a")
	assert.False(t, ok)
}

func TestRelevanceRestoredByBundleInfo(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	disk.LoseRelevance("a")
	disk.PushBundleInfo(memory.Bundle{Name: "a"})
	h.tick()

	_, ok := h.m.Bundle("a")
	assert.True(t, ok)
	assert.Empty(t, disk.Pruned())
}

func TestFlushCacheEvictsUnreservedBundles(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", State: bundle.InstallUpToDate, Cached: true, FullSize: 10, CurrentSize: 10},
		{Name: "b", State: bundle.InstallUpToDate, Cached: true, FullSize: 20, CurrentSize: 20},
		{Name: "c", Cached: true, FullSize: 30},
	}})
	h := newHarness(t, diskOptions(100), disk).ready()

	var results []error
	require.NoError(t, h.m.FlushCache("disk", "", func(err error) { results = append(results, err) }))
	h.tick()

	require.Len(t, results, 1)
	assert.NoError(t, results[0])
	assert.Equal(t, bundle.StatusNotInstalled, h.status("a"))
	assert.Equal(t, bundle.StatusNotInstalled, h.status("b"))

	st, err := h.m.CacheStats("disk", 0)
	require.NoError(t, err)
	assert.Zero(t, st.UsedSize)
	assert.Len(t, disk.Releases(), 2)
}

func TestFlushCacheErrors(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, diskOptions(100), disk)

	assert.ErrorIs(t, h.m.FlushCache("", "", nil), ErrInitializationPending)
	h.ready()

	var results []error
	done := func(err error) { results = append(results, err) }
	require.NoError(t, h.m.FlushCache("missing", "", done))
	require.NoError(t, h.m.FlushCache("", "nowhere", done))
	require.NoError(t, h.m.FlushCache("", "", done))
	h.tick()

	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0], ErrUnknownCache)
	assert.ErrorIs(t, results[1], ErrUnknownSource)
	assert.NoError(t, results[2])

	_, err := h.m.CacheStats("missing", 0)
	assert.ErrorIs(t, err, ErrUnknownCache)
}

func TestFlushWaitsForRelease(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Manual: true, Bundles: []memory.Bundle{
		{Name: "a", State: bundle.InstallUpToDate, Cached: true, FullSize: 10, CurrentSize: 10},
	}})
	h := newHarness(t, diskOptions(100), disk).ready()

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	require.NoError(t, err)
	h.tick()
	require.True(t, disk.CompleteUpdate("a", bundle.UpdateOK))
	h.tick()
	require.Equal(t, bundle.StatusMounted, h.status("a"))

	_, err = h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	require.NoError(t, err)
	flushed := false
	require.NoError(t, h.m.FlushCache("disk", "", func(error) { flushed = true }))

	h.tick()
	assert.False(t, flushed)
	require.Equal(t, 1, disk.CompleteRelease("a", bundle.ReleaseOK))

	h.tick()
	require.Len(t, h.releases, 1)
	assert.False(t, flushed)
	assert.Len(t, h.m.flushRequests, 1)

	h.tick()
	assert.Empty(t, h.m.flushRequests)
	require.Equal(t, 1, disk.PendingReleases("a"))
	disk.CompleteRelease("a", bundle.ReleaseOK)
	assert.True(t, flushed)
	assert.Equal(t, bundle.StatusNotInstalled, h.status("a"))
}

func TestCacheStats(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", Cached: true, FullSize: 10, CurrentSize: 4},
	}})
	opts := diskOptions(100)
	opts.CacheSizeOverrides = map[bundle.CacheName]uint64{"disk": 50}
	h := newHarness(t, opts, disk).ready()

	stats := h.m.GetCacheStats(0)
	require.Len(t, stats, 1)
	assert.Equal(t, bundle.CacheName("disk"), stats[0].Name)
	assert.Equal(t, uint64(50), stats[0].MaxSize)
	assert.Equal(t, uint64(4), stats[0].UsedSize)
}
