package remote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/blake2b"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// contentServer serves a manifest plus payloads.
type contentServer struct {
	*httptest.Server

	mu       sync.Mutex
	manifest []byte
	status   int
	payloads map[string][]byte
	block    chan struct{}
	started  chan string
	hits     atomic.Int32
}

func newContentServer(t *testing.T) *contentServer {
	t.Helper()
	cs := &contentServer{payloads: make(map[string][]byte), status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.status != http.StatusOK {
			w.WriteHeader(cs.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(cs.manifest)
	})
	mux.HandleFunc("/bundles/", func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		cs.mu.Lock()
		data, ok := cs.payloads[strings.TrimPrefix(r.URL.Path, "/bundles/")]
		block, started := cs.block, cs.started
		cs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if started != nil {
			started <- r.URL.Path
		}
		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		w.Write(data)
	})
	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *contentServer) setManifest(t *testing.T, m Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.manifest = data
}

func (cs *contentServer) setRawManifest(status int, body string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = status
	cs.manifest = []byte(body)
}

// addFile publishes content and returns its manifest entry.
func (cs *contentServer) addFile(t *testing.T, name bundle.Name, path string, content []byte, compress bool) ManifestFile {
	t.Helper()
	sum := blake2b.Sum256(content)
	f := ManifestFile{Path: path, Size: uint64(len(content)), Digest: hex.EncodeToString(sum[:])}
	payload := content
	if compress {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		payload = enc.EncodeAll(content, nil)
		require.NoError(t, enc.Close())
		f.Compression = CompressionZstd
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.payloads[string(name)+"/"+path] = payload
	return f
}

func newTestSource(t *testing.T, cs *contentServer) *Source {
	t.Helper()
	s := New(Config{
		ID:         "net",
		BaseURL:    cs.URL,
		InstallDir: t.TempDir(),
		RetryMax:   0,
		Executor:   source.Inline,
	})
	t.Cleanup(s.Close)
	return s
}

func initSource(t *testing.T, s *Source) source.InitInfo {
	t.Helper()
	ch := make(chan source.InitInfo, 1)
	s.AsyncInit(func(info source.InitInfo) { ch <- info })
	select {
	case info := <-ch:
		return info
	case <-time.After(5 * time.Second):
		t.Fatal("init did not complete")
		return source.InitInfo{}
	}
}

func update(t *testing.T, s *Source, name bundle.Name) source.UpdateResult {
	t.Helper()
	ch := make(chan source.UpdateResult, 1)
	s.RequestUpdateContent(source.UpdateRequest{
		Bundle:     name,
		OnComplete: func(res source.UpdateResult) { ch <- res },
	})
	return wait(t, ch)
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

// levelFixture publishes a bundle "level" depending on "base".
func levelFixture(t *testing.T, cs *contentServer) Manifest {
	t.Helper()
	return Manifest{
		ContentVersion: "CL-100",
		Bundles: []ManifestBundle{
			{
				Name:  "base",
				Files: []ManifestFile{cs.addFile(t, "base", "base.pak", []byte("base content"), false)},
			},
			{
				Name:     "level",
				Priority: "high",
				Deps:     []bundle.Name{"base"},
				Mount:    []string{"**/*.pak"},
				Files: []ManifestFile{
					cs.addFile(t, "level", "paks/level.pak", []byte(strings.Repeat("level data ", 200)), true),
					cs.addFile(t, "level", "readme.txt", []byte("hello"), false),
				},
			},
			{
				Name:  "broken",
				Files: []ManifestFile{{Path: "../escape.pak", Size: 1}},
			},
		},
	}
}

func TestInitLoadsManifest(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	s := newTestSource(t, cs)

	assert.Equal(t, bundle.InitNotInitialized, s.InitState())
	info := initSource(t, s)

	assert.Equal(t, bundle.InitOK, info.Result)
	assert.Equal(t, bundle.InitSucceeded, s.InitState())
	assert.Equal(t, "CL-100", s.ContentVersion())

	deps, unknown := s.BundleDependencies("level")
	assert.Equal(t, []bundle.Name{"base", "level"}, deps)
	assert.Empty(t, unknown)

	_, unknown = s.BundleDependencies("nope")
	assert.Equal(t, []bundle.Name{"nope"}, unknown)

	assert.Equal(t, bundle.SkipNotValid, s.BundleSkipReason("broken"))
	assert.Zero(t, s.BundleSkipReason("level"))

	ch := make(chan source.QueryResult, 1)
	s.QueryBundleInfo(func(res source.QueryResult) { ch <- res })
	res := wait(t, ch)
	require.Len(t, res.Bundles, 3)
	level := res.Bundles[2]
	assert.Equal(t, bundle.Name("level"), level.Name)
	assert.Equal(t, bundle.PriorityHigh, level.Priority)
	assert.Equal(t, bundle.InstallNotInstalled, level.State)
	assert.Equal(t, uint64(2205), level.FullInstallSize)
}

func TestInitFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected bundle.InitResult
	}{
		{name: "missing manifest", status: http.StatusNotFound, expected: bundle.InitRemoteBuildMetaDataNotFound},
		{name: "server error", status: http.StatusInternalServerError, expected: bundle.InitBuildMetaDataDownloadError},
		{name: "malformed manifest", status: http.StatusOK, body: "{not json", expected: bundle.InitBuildMetaDataParsingError},
		{name: "no content version", status: http.StatusOK, body: `{"bundles":[]}`, expected: bundle.InitBuildMetaDataParsingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newContentServer(t)
			cs.setRawManifest(tt.status, tt.body)
			s := newTestSource(t, cs)

			info := initSource(t, s)
			assert.Equal(t, tt.expected, info.Result)
			assert.Equal(t, bundle.InitFailed, s.InitState())
		})
	}
}

func TestUpdateInstallsContent(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	s := newTestSource(t, cs)
	initSource(t, s)

	res := update(t, s, "level")
	require.Equal(t, bundle.UpdateOK, res.Result, res.ErrorText)
	assert.True(t, res.ContentWasInstalled)
	assert.Equal(t, uint64(2205), res.CurrentInstallSize)

	pak := filepath.Join(s.cfg.InstallDir, "level", "paks", "level.pak")
	assert.Equal(t, []string{pak}, res.ContentPaths)
	data, err := os.ReadFile(pak)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("level data ", 200), string(data))

	ch := make(chan source.ContentState, 1)
	s.GetContentState([]bundle.Name{"level", "base", "nope"}, func(cs source.ContentState) { ch <- cs })
	state := wait(t, ch)
	assert.Equal(t, source.BundleContentState{State: bundle.InstallUpToDate, Weight: 1, InstallSize: 2205}, state.Bundles["level"])
	assert.Equal(t, source.BundleContentState{State: bundle.InstallNotInstalled, Weight: 1, DownloadSize: 12, InstallSize: 12}, state.Bundles["base"])
	assert.NotContains(t, state.Bundles, bundle.Name("nope"))

	hits := cs.hits.Load()
	res = update(t, s, "level")
	require.Equal(t, bundle.UpdateOK, res.Result)
	assert.False(t, res.ContentWasInstalled)
	assert.Equal(t, hits, cs.hits.Load())
}

func TestUpdatePartialInstallNeedsUpdate(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	s := newTestSource(t, cs)
	initSource(t, s)

	require.NoError(t, os.MkdirAll(filepath.Join(s.cfg.InstallDir, "level"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.cfg.InstallDir, "level", "readme.txt"), []byte("hello"), 0o644))

	ch := make(chan source.ContentState, 1)
	s.GetContentState([]bundle.Name{"level"}, func(cs source.ContentState) { ch <- cs })
	state := wait(t, ch).Bundles["level"]
	assert.Equal(t, bundle.InstallNeedsUpdate, state.State)
	assert.Equal(t, uint64(2200), state.DownloadSize)
}

func TestUpdateRejectsBadDigest(t *testing.T) {
	cs := newContentServer(t)
	f := cs.addFile(t, "level", "level.pak", []byte("payload"), false)
	f.Digest = strings.Repeat("0", 64)
	cs.setManifest(t, Manifest{ContentVersion: "CL-1", Bundles: []ManifestBundle{{Name: "level", Files: []ManifestFile{f}}}})
	s := newTestSource(t, cs)
	initSource(t, s)

	res := update(t, s, "level")
	assert.Equal(t, bundle.UpdateManifestArchiveError, res.Result)
	assert.NotEmpty(t, res.ErrorText)

	entries, err := os.ReadDir(filepath.Join(s.cfg.InstallDir, "level"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateMissingPayload(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, Manifest{ContentVersion: "CL-1", Bundles: []ManifestBundle{
		{Name: "level", Files: []ManifestFile{{Path: "gone.pak", Size: 3, Digest: "00"}}},
	}})
	s := newTestSource(t, cs)
	initSource(t, s)

	assert.Equal(t, bundle.UpdateConnectionError, update(t, s, "level").Result)
	assert.Equal(t, bundle.UpdateInstallError, update(t, s, "unknown").Result)
}

func TestCancelBundles(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	cs.mu.Lock()
	cs.block = make(chan struct{})
	cs.started = make(chan string, 4)
	cs.mu.Unlock()
	s := newTestSource(t, cs)
	initSource(t, s)

	ch := make(chan source.UpdateResult, 1)
	s.RequestUpdateContent(source.UpdateRequest{
		Bundle:     "base",
		OnComplete: func(res source.UpdateResult) { ch <- res },
	})
	wait(t, cs.started)

	p, ok := s.BundleProgress("base")
	require.True(t, ok)
	assert.Equal(t, source.Progress{InstallOnly: -1}, p)

	assert.Empty(t, s.CancelBundles([]bundle.Name{"base"}))
	res := wait(t, ch)
	assert.Equal(t, bundle.UpdateUserCancelledError, res.Result)

	_, ok = s.BundleProgress("base")
	assert.False(t, ok)
}

func TestPauseHoldsInstall(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	s := newTestSource(t, cs)
	initSource(t, s)

	s.UserPauseBundles([]bundle.Name{"base"})

	paused := make(chan source.PauseInfo, 1)
	done := make(chan source.UpdateResult, 1)
	s.RequestUpdateContent(source.UpdateRequest{
		Bundle:     "base",
		OnPaused:   func(info source.PauseInfo) { paused <- info },
		OnComplete: func(res source.UpdateResult) { done <- res },
	})

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, cs.hits.Load())

	s.UserResumeBundles([]bundle.Name{"base"})
	assert.Equal(t, source.PauseInfo{Changed: true}, wait(t, paused))
	assert.Equal(t, bundle.UpdateOK, wait(t, done).Result)
}

func TestReleaseRemovesContent(t *testing.T) {
	cs := newContentServer(t)
	cs.setManifest(t, levelFixture(t, cs))
	s := newTestSource(t, cs)
	initSource(t, s)
	require.Equal(t, bundle.UpdateOK, update(t, s, "base").Result)

	release := func(remove bool) source.ReleaseResult {
		ch := make(chan source.ReleaseResult, 1)
		s.RequestReleaseContent(source.ReleaseRequest{
			Bundle:     "base",
			Remove:     remove,
			OnComplete: func(res source.ReleaseResult) { ch <- res },
		})
		return wait(t, ch)
	}

	res := release(false)
	assert.Equal(t, bundle.ReleaseOK, res.Result)
	assert.False(t, res.ContentWasRemoved)
	assert.FileExists(t, filepath.Join(s.cfg.InstallDir, "base", "base.pak"))

	res = release(true)
	assert.Equal(t, bundle.ReleaseOK, res.Result)
	assert.True(t, res.ContentWasRemoved)
	assert.False(t, res.LastAccess.IsZero())
	assert.NoDirExists(t, filepath.Join(s.cfg.InstallDir, "base"))

	assert.False(t, release(true).ContentWasRemoved)
}

func TestRefreshPushesChanges(t *testing.T) {
	cs := newContentServer(t)
	m := levelFixture(t, cs)
	cs.setManifest(t, m)
	s := newTestSource(t, cs)
	initSource(t, s)

	var updated []bundle.Name
	var lost []bundle.Name
	s.SetUpdateBundleInfoCallback(
		func(src bundle.SourceID, info source.BundleInfo) source.UpdateInfoResult {
			assert.Equal(t, bundle.SourceID("net"), src)
			updated = append(updated, info.Name)
			return source.UpdateInfoOK
		},
		func(src bundle.SourceID, names []bundle.Name) { lost = append(lost, names...) },
	)

	m.ContentVersion = "CL-101"
	m.Bundles[0].Files = []ManifestFile{cs.addFile(t, "base", "base.pak", []byte("base content v2"), false)}
	m.Bundles = m.Bundles[:2]
	cs.setManifest(t, m)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "CL-101", s.ContentVersion())
	assert.Equal(t, []bundle.Name{"base"}, updated)
	assert.Equal(t, []bundle.Name{"broken"}, lost)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	cs := newContentServer(t)
	cs.setRawManifest(http.StatusBadGateway, "")
	s := New(Config{
		ID:       "net",
		BaseURL:  cs.URL,
		Executor: source.Inline,
		Breaker:  resilience.Settings{Timeout: time.Minute, ReadyToTrip: resilience.ConsecutiveFailures(2)},
	})
	t.Cleanup(s.Close)

	for range 3 {
		assert.Equal(t, bundle.InitBuildMetaDataDownloadError, initSource(t, s).Result)
	}
	assert.Equal(t, resilience.StateOpen, s.Breaker().State())
}

func TestMissingExecutorWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(Config{
		ID:         "net",
		BaseURL:    "http://127.0.0.1:9",
		InstallDir: t.TempDir(),
		Logger:     zap.New(core),
	})
	t.Cleanup(s.Close)

	warned := logs.FilterMessageSnippet("No executor configured").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "net", warned[0].ContextMap()["source"])
}
