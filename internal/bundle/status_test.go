package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"install reported", StatusNotInstalled, StatusNeedsUpdate, true},
		{"update finished", StatusNeedsUpdate, StatusNeedsMount, true},
		{"fresh install finished", StatusNotInstalled, StatusNeedsMount, true},
		{"mounted", StatusNeedsMount, StatusMounted, true},
		{"unmounted", StatusMounted, StatusNeedsMount, true},
		{"removed after unmount", StatusNeedsMount, StatusNotInstalled, true},
		{"evicted while stale", StatusNeedsUpdate, StatusNotInstalled, true},
		{"same state", StatusMounted, StatusMounted, true},
		{"evicted while mounted", StatusMounted, StatusNotInstalled, false},
		{"mount without install", StatusNotInstalled, StatusMounted, false},
		{"mounted goes stale", StatusMounted, StatusNeedsUpdate, false},
		{"skip install", StatusNeedsUpdate, StatusMounted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestInfoSetStatusPanicsOnIllegalTransition(t *testing.T) {
	info := NewInfo("A")
	info.SetStatus(StatusNeedsMount)
	info.SetStatus(StatusMounted)

	assert.Panics(t, func() { info.SetStatus(StatusNotInstalled) })
	assert.Equal(t, StatusMounted, info.Status())
}

func TestInfoRelevance(t *testing.T) {
	info := NewInfo("A")
	info.AddSource("disk")
	info.AddSource("cdn")
	info.AddSource("disk")

	require.Len(t, info.Sources, 2)
	assert.True(t, info.IsRelevant())

	assert.True(t, info.SetRelevance("disk", false))
	assert.True(t, info.IsRelevant())
	assert.True(t, info.SetRelevance("cdn", false))
	assert.False(t, info.IsRelevant())
	assert.False(t, info.SetRelevance("other", false))

	assert.Equal(t, []SourceID{"disk", "cdn"}, info.SourceIDs())
}

func TestInfoShaderWait(t *testing.T) {
	info := NewInfo("A")
	assert.False(t, info.MustWaitForShaders())

	info.SetShaderWait(12)
	assert.True(t, info.MustWaitForShaders())
	assert.Equal(t, 12, info.InitialPrecompiles())

	info.SetShaderWait(0)
	assert.False(t, info.MustWaitForShaders())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	b, created := r.GetOrCreate("b")
	require.True(t, created)
	_, created = r.GetOrCreate("b")
	assert.False(t, created)
	r.GetOrCreate("a")

	assert.Equal(t, []Name{"a", "b"}, r.Names())
	assert.Same(t, b, r.MustGet("b"))

	r.Remove("b")
	assert.False(t, r.Has("b"))
	assert.Equal(t, 1, r.Len())
	assert.Panics(t, func() { r.MustGet("b") })
}

func TestRequestInfoFlagsString(t *testing.T) {
	f := InfoEnqueuedBundles | InfoSkippedUnknown
	assert.Equal(t, "enqueued|skipped_unknown", f.String())
	assert.True(t, f.Has(InfoSkippedUnknown))
	assert.False(t, f.Has(InfoSkippedInvalid))
}

func TestPauseFlagsNames(t *testing.T) {
	f := PauseNoInternetConnection | PauseUserPaused
	assert.Equal(t, []string{"no_internet_connection", "user_paused"}, f.Names())
	assert.Equal(t, "no_internet_connection|user_paused", f.String())
	assert.Nil(t, PauseFlags(0).Names())
}
