package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source/memory"
)

// mounted returns a harness with every bundle of disk installed and mounted.
func mounted(t *testing.T, opts Options, disk *memory.Source, names ...bundle.Name) *harness {
	t.Helper()
	h := newHarness(t, opts, disk).ready()
	_, err := h.m.RequestUpdateContent(names, 0)
	require.NoError(t, err)
	h.tick()
	for _, n := range names {
		require.Equal(t, bundle.StatusMounted, h.status(n))
	}
	h.updates = nil
	return h
}

func TestReleaseRemovesUncachedContent(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a", FullSize: 10}}})
	h := mounted(t, Options{}, disk, "a")

	info, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, bundle.ReleaseRemoveFilesIfPossible, nil)
	require.NoError(t, err)
	assert.Equal(t, []bundle.Name{"a"}, info.Enqueued)

	h.tick()

	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.ReleaseEvent{Bundle: "a", Result: bundle.ReleaseOK}, h.releases[0])
	assert.Equal(t, bundle.StatusNotInstalled, h.status("a"))
	assert.Equal(t, []bundle.Name{"a"}, h.mounter.unmounted)

	releases := disk.Releases()
	require.Len(t, releases, 1)
	assert.True(t, releases[0].Remove)
}

func TestReleaseKeepsCachedContent(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", Cached: true, FullSize: 10},
	}})
	h := mounted(t, diskOptions(100), disk, "a")
	require.True(t, h.cache("disk").IsReserved("a"))

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, bundle.ReleaseRemoveFilesIfPossible, nil)
	require.NoError(t, err)
	h.tick()

	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.StatusNeedsMount, h.status("a"))
	assert.False(t, h.cache("disk").IsReserved("a"))

	releases := disk.Releases()
	require.Len(t, releases, 1)
	assert.False(t, releases[0].Remove)
	assert.False(t, releases[0].Flags.Has(bundle.ReleaseRemoveFilesIfPossible))
}

func TestReleaseUnmountOnly(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := mounted(t, Options{}, disk, "a")

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, bundle.ReleaseSkipReleaseUnmountOnly, nil)
	require.NoError(t, err)
	h.tick()

	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.StatusNeedsMount, h.status("a"))
	assert.Empty(t, disk.Releases())

	info, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, bundle.ReleaseSkipReleaseUnmountOnly, nil)
	require.NoError(t, err)
	assert.True(t, info.Flags.Has(bundle.InfoSkippedAlreadyReleased))
}

func TestReleaseRejectsIncompatibleFlags(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"},
		bundle.ReleaseRemoveFilesIfPossible|bundle.ReleaseSkipReleaseUnmountOnly, nil)
	assert.ErrorIs(t, err, ErrIncompatibleFlags)
}

func TestReleaseShortCircuits(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "fresh"},
		{Name: "ready", State: bundle.InstallUpToDate},
	}})
	h := newHarness(t, Options{}, disk).ready()

	info, err := h.m.RequestReleaseContent([]bundle.Name{"ready"}, 0, nil)
	require.NoError(t, err)
	assert.True(t, info.Flags.Has(bundle.InfoSkippedAlreadyReleased))

	info, err = h.m.RequestReleaseContent([]bundle.Name{"fresh"}, bundle.ReleaseRemoveFilesIfPossible, nil)
	require.NoError(t, err)
	assert.True(t, info.Flags.Has(bundle.InfoSkippedAlreadyRemoved))
	assert.Empty(t, h.m.releaseRequested)
}

func TestReleaseHonorsKeepList(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "level", Deps: []bundle.Name{"shared"}},
		{Name: "menu", Deps: []bundle.Name{"shared"}},
		{Name: "shared"},
	}})
	h := mounted(t, Options{}, disk, "level", "menu", "shared")

	info, err := h.m.RequestReleaseContent([]bundle.Name{"level"}, 0, []bundle.Name{"menu"})
	require.NoError(t, err)
	assert.Equal(t, []bundle.Name{"level"}, info.Enqueued)

	h.tick()
	assert.Equal(t, bundle.StatusNeedsMount, h.status("level"))
	assert.Equal(t, bundle.StatusMounted, h.status("shared"))
	assert.Equal(t, bundle.StatusMounted, h.status("menu"))
}

func TestReleaseExplicitListSkipsDependencies(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "level", Deps: []bundle.Name{"shared"}},
		{Name: "shared"},
	}})
	h := mounted(t, Options{}, disk, "level")

	info, err := h.m.RequestReleaseContent([]bundle.Name{"level", "ghost"}, bundle.ReleaseExplicitRemoveList, nil)
	require.NoError(t, err)
	assert.Equal(t, []bundle.Name{"level"}, info.Enqueued)
	assert.True(t, info.Flags.Has(bundle.InfoSkippedUnknown))

	h.tick()
	assert.Equal(t, bundle.StatusMounted, h.status("shared"))
}

func TestReleaseCancelsActiveUpdate(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Manual: true, Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	require.NoError(t, err)
	h.tick()
	require.True(t, disk.PendingUpdate("a"))

	info, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []bundle.Name{"a"}, info.Enqueued)
	assert.False(t, disk.PendingUpdate("a"))

	h.tick()
	require.Len(t, h.updates, 1)
	assert.Equal(t, bundle.UpdateUserCancelledError, h.updates[0].Result)
	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.ReleaseOK, h.releases[0].Result)
	assert.Equal(t, bundle.StatusNotInstalled, h.status("a"))
	assert.Empty(t, h.m.updateInstall)
	assert.Empty(t, h.m.releaseActive)
}

func TestUpdateWaitsForActiveRelease(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Manual: true, Bundles: []memory.Bundle{{Name: "a"}}})
	h := newHarness(t, Options{}, disk).ready()

	_, err := h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	require.NoError(t, err)
	h.tick()
	require.True(t, disk.CompleteUpdate("a", bundle.UpdateOK))
	h.tick()
	require.Equal(t, bundle.StatusMounted, h.status("a"))
	h.updates = nil

	_, err = h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	require.NoError(t, err)
	h.tick()
	require.Equal(t, 1, disk.PendingReleases("a"))

	_, err = h.m.RequestUpdateContent([]bundle.Name{"a"}, 0)
	require.NoError(t, err)
	require.Len(t, h.m.releaseActive, 1)
	assert.True(t, h.m.releaseActive[0].cancelled)

	h.tick()
	require.Len(t, h.m.updateRequested, 1)
	u := h.m.updateRequested[0]
	assert.True(t, u.prereqs.At(bundle.PrereqHasNoPendingReleaseRequests))
	assert.False(t, u.prereqs.Done())

	disk.CompleteRelease("a", bundle.ReleaseOK)
	h.tick()
	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.ReleaseUserCancelledError, h.releases[0].Result)

	h.tick()
	require.True(t, disk.CompleteUpdate("a", bundle.UpdateOK))
	h.tick()

	require.Len(t, h.updates, 1)
	assert.Equal(t, bundle.UpdateOK, h.updates[0].Result)
	assert.Equal(t, bundle.StatusMounted, h.status("a"))
}

func TestCancelRelease(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a"}}})
	h := mounted(t, Options{}, disk, "a")

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	require.NoError(t, err)
	h.m.CancelReleaseContent([]bundle.Name{"a"})
	h.tick()

	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.ReleaseUserCancelledError, h.releases[0].Result)
	assert.Equal(t, bundle.StatusMounted, h.status("a"))
	assert.Empty(t, h.mounter.unmounted)
}

func TestReleaseSourceFailure(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{
		{Name: "a", ReleaseResult: bundle.ReleaseError},
	}})
	h := mounted(t, Options{}, disk, "a")

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, bundle.ReleaseRemoveFilesIfPossible, nil)
	require.NoError(t, err)
	h.tick()

	require.Len(t, h.releases, 1)
	assert.Equal(t, bundle.ReleaseError, h.releases[0].Result)
	assert.Equal(t, bundle.StatusNeedsMount, h.status("a"))
}

func TestReleaseOnDemandBundle(t *testing.T) {
	disk := memory.New(memory.Config{ID: "disk", Bundles: []memory.Bundle{{Name: "a", OnDemand: true}}})
	h := mounted(t, Options{}, disk, "a")
	require.Contains(t, h.mounter.onDemand, bundle.Name("a"))

	_, err := h.m.RequestReleaseContent([]bundle.Name{"a"}, 0, nil)
	require.NoError(t, err)
	h.tick()

	assert.NotContains(t, h.mounter.onDemand, bundle.Name("a"))
	a, _ := h.m.Bundle("a")
	assert.False(t, a.MountedOnDemand)
}
