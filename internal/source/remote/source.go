package remote

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// Source installs bundles from an HTTP content server.
type Source struct {
	cfg       Config
	client    *client
	installer *installer
	breaker   *resilience.Breaker
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      bundle.InitState
	version    string
	manifest   map[bundle.Name]*ManifestBundle
	jobs       map[bundle.Name]*job
	paused     bundle.NameSet
	lastAccess map[bundle.Name]time.Time

	onUpdateInfo source.UpdateInfoFunc
	onLost       source.LostRelevanceFunc
}

// job is one in-flight bundle install.
type job struct {
	cancel   context.CancelFunc
	progress *progress
	gate     *pauseGate
	reqs     []source.UpdateRequest
}

var _ source.Source = (*Source)(nil)
var _ source.PruneObserver = (*Source)(nil)

// New creates a source for cfg. Nothing is fetched until AsyncInit.
func New(cfg Config) *Source {
	cfg.setDefaults()
	logger := cfg.Logger.Named("remote").With(zap.String("source", string(cfg.ID)))

	breakerSettings := cfg.Breaker
	onChange := breakerSettings.OnStateChange
	breakerSettings.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	breaker := resilience.New("remote:"+string(cfg.ID), breakerSettings)
	c := newClient(cfg, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		cfg:     cfg,
		client:  c,
		breaker: breaker,
		logger:  logger,
		installer: &installer{
			client:      c,
			dir:         cfg.InstallDir,
			concurrency: cfg.Concurrency,
			logger:      logger,
		},
		ctx:        ctx,
		cancel:     cancel,
		state:      bundle.InitNotInitialized,
		manifest:   make(map[bundle.Name]*ManifestBundle),
		jobs:       make(map[bundle.Name]*job),
		paused:     bundle.NewNameSet(),
		lastAccess: make(map[bundle.Name]time.Time),
	}
}

func (s *Source) ID() bundle.SourceID     { return s.cfg.ID }
func (s *Source) Weight() float64         { return s.cfg.Weight }
func (s *Source) CacheAgeScalar() float64 { return s.cfg.CacheAgeScalar }

func (s *Source) ContentVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Source) InitState() bundle.InitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Breaker exposes the source's circuit breaker.
func (s *Source) Breaker() *resilience.Breaker { return s.breaker }

// Close cancels every in-flight request and waits for them to finish.
func (s *Source) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Source) post(fn func()) {
	s.cfg.Executor.Post(fn)
}

func (s *Source) goAsync(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// AsyncInit downloads the manifest.
func (s *Source) AsyncInit(done func(source.InitInfo)) {
	s.goAsync(func() {
		m, err := s.client.fetchManifest(s.ctx)
		result := initResult(err)

		s.mu.Lock()
		if result == bundle.InitOK {
			s.state = bundle.InitSucceeded
			s.version = m.ContentVersion
			s.manifest = m.index()
		} else {
			s.state = bundle.InitFailed
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("manifest fetch failed", zap.String("result", result.String()), zap.Error(err))
		} else {
			s.logger.Info("manifest loaded",
				zap.String("content_version", m.ContentVersion),
				zap.Int("bundles", len(m.Bundles)))
		}
		s.post(func() { done(source.InitInfo{Result: result}) })
	})
}

func initResult(err error) bundle.InitResult {
	if err == nil {
		return bundle.InitOK
	}
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		return bundle.InitRemoteBuildMetaDataNotFound
	case errors.CodeSchemaFailed:
		return bundle.InitBuildMetaDataParsingError
	}
	return bundle.InitBuildMetaDataDownloadError
}

// Refresh downloads the manifest again and pushes changed bundles to the
// manager. Bundles missing from the new manifest lose relevance.
func (s *Source) Refresh(ctx context.Context) error {
	m, err := s.client.fetchManifest(ctx)
	if err != nil {
		return err
	}

	next := m.index()
	s.mu.Lock()
	if s.state != bundle.InitSucceeded {
		s.mu.Unlock()
		return errors.New(errors.CodeUnavailable, "source is not initialized")
	}
	prev := s.manifest
	s.manifest = next
	s.version = m.ContentVersion
	update, lost := s.onUpdateInfo, s.onLost
	s.mu.Unlock()

	var changed []source.BundleInfo
	var gone []bundle.Name
	for name, b := range next {
		if old, ok := prev[name]; !ok || !sameFiles(old, b) {
			changed = append(changed, s.bundleInfo(b))
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			gone = append(gone, name)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	bundle.SortNames(gone)

	s.post(func() {
		if update != nil {
			for _, info := range changed {
				if r := update(s.cfg.ID, info); r != source.UpdateInfoOK {
					s.logger.Debug("bundle info rejected",
						zap.String("bundle", string(info.Name)),
						zap.String("result", r.String()))
				}
			}
		}
		if lost != nil && len(gone) > 0 {
			lost(s.cfg.ID, gone)
		}
	})
	return nil
}

func sameFiles(a, b *ManifestBundle) bool {
	if len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Files {
		if a.Files[i] != b.Files[i] {
			return false
		}
	}
	return true
}

func (s *Source) QueryBundleInfo(done func(source.QueryResult)) {
	s.goAsync(func() {
		s.mu.Lock()
		ready := s.state == bundle.InitSucceeded
		entries := s.sortedLocked()
		s.mu.Unlock()

		res := source.QueryResult{Result: bundle.InitOK}
		if !ready {
			res.Result = bundle.InitBuildMetaDataNotFound
		}
		for _, b := range entries {
			res.Bundles = append(res.Bundles, s.bundleInfo(b))
		}
		s.post(func() { done(res) })
	})
}

func (s *Source) bundleInfo(b *ManifestBundle) source.BundleInfo {
	ls := scanBundle(s.bundleDir(b.Name), b)

	s.mu.Lock()
	last, ok := s.lastAccess[b.Name]
	s.mu.Unlock()
	if !ok {
		last = ls.lastModified
	}

	display := b.DisplayName
	if display == "" {
		display = string(b.Name)
	}
	return source.BundleInfo{
		Name:               b.Name,
		DisplayName:        display,
		Priority:           bundle.ParsePriority(b.Priority),
		IsStartup:          b.Startup,
		DoPatchCheck:       b.PatchCheck,
		State:              ls.state,
		IsCached:           b.Cached,
		ContainsOnDemand:   b.OnDemand,
		FullInstallSize:    b.FullSize(),
		CurrentInstallSize: ls.present,
		LastAccess:         last,
	}
}

func (s *Source) SetUpdateBundleInfoCallback(update source.UpdateInfoFunc, lost source.LostRelevanceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdateInfo = update
	s.onLost = lost
}

func (s *Source) BundleDependencies(name bundle.Name) ([]bundle.Name, []bundle.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifest[name]; !ok {
		return nil, []bundle.Name{name}
	}

	seen := bundle.NewNameSet()
	unknown := bundle.NewNameSet()
	queue := []bundle.Name{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		b, ok := s.manifest[n]
		if !ok {
			unknown.Add(n)
			continue
		}
		if seen.Add(n) {
			queue = append(queue, b.Deps...)
		}
	}
	return seen.Sorted(), unknown.Sorted()
}

func (s *Source) BundleSkipReason(name bundle.Name) bundle.SkipReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.manifest[name]; ok {
		return b.validate()
	}
	return 0
}

func (s *Source) GetContentState(names []bundle.Name, done func(source.ContentState)) {
	s.mu.Lock()
	entries := make([]*ManifestBundle, 0, len(names))
	for _, n := range names {
		if b, ok := s.manifest[n]; ok {
			entries = append(entries, b)
		}
	}
	s.mu.Unlock()

	s.goAsync(func() {
		cs := source.ContentState{Bundles: make(map[bundle.Name]source.BundleContentState, len(entries))}
		for _, b := range entries {
			ls := scanBundle(s.bundleDir(b.Name), b)
			cs.Bundles[b.Name] = source.BundleContentState{
				State:        ls.state,
				Weight:       1,
				DownloadSize: ls.missing,
				InstallSize:  b.FullSize(),
			}
		}
		s.post(func() { done(cs) })
	})
}

func (s *Source) BundleProgress(name bundle.Name) (source.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return source.Progress{}, false
	}
	return j.progress.snapshot(), true
}

// RequestUpdateContent installs the bundle in the background. A second
// request for a bundle already being installed joins the running install.
func (s *Source) RequestUpdateContent(req source.UpdateRequest) {
	s.mu.Lock()
	b, ok := s.manifest[req.Bundle]
	if !ok || b.validate() != 0 {
		s.mu.Unlock()
		s.post(func() {
			complete(req, source.UpdateResult{
				Bundle:    req.Bundle,
				Result:    bundle.UpdateInstallError,
				ErrorText: "bundle is not installable from " + string(s.cfg.ID),
			})
		})
		return
	}
	if j, running := s.jobs[req.Bundle]; running {
		j.reqs = append(j.reqs, req)
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		cancel:   cancel,
		progress: &progress{total: b.FullSize()},
		gate:     newPauseGate(s.paused.Has(req.Bundle)),
		reqs:     []source.UpdateRequest{req},
	}
	s.jobs[req.Bundle] = j
	s.mu.Unlock()

	s.goAsync(func() {
		defer cancel()
		start := time.Now()
		wrote, err := s.installer.install(ctx, b, j.progress, j.gate)
		res := source.UpdateResult{
			Bundle:              req.Bundle,
			Result:              updateResult(err),
			ContentWasInstalled: wrote && err == nil,
			LastAccess:          time.Now(),
		}
		if err != nil {
			res.ErrorText = err.Error()
			s.logger.Warn("bundle install failed",
				zap.String("bundle", string(req.Bundle)),
				zap.String("result", res.Result.String()),
				zap.Error(err))
		} else {
			res.ContentPaths = contentPaths(s.cfg.InstallDir, b)
			if b.OnDemand {
				res.OnDemandMountArgs = []string{s.bundleDir(b.Name)}
			}
			s.logger.Info("bundle installed",
				zap.String("bundle", string(req.Bundle)),
				zap.Bool("downloaded", wrote),
				zap.Duration("duration", time.Since(start)))
		}
		res.CurrentInstallSize = scanBundle(s.bundleDir(b.Name), b).present

		s.mu.Lock()
		delete(s.jobs, req.Bundle)
		reqs := j.reqs
		if err == nil {
			s.lastAccess[req.Bundle] = res.LastAccess
		}
		s.mu.Unlock()

		s.post(func() {
			for _, r := range reqs {
				complete(r, res)
			}
		})
	})
}

func complete(req source.UpdateRequest, res source.UpdateResult) {
	if req.OnComplete != nil {
		req.OnComplete(res)
	}
}

// RequestReleaseContent releases a bundle, deleting its files when asked.
// Releasing a bundle that is still installing fails.
func (s *Source) RequestReleaseContent(req source.ReleaseRequest) {
	s.mu.Lock()
	b, known := s.manifest[req.Bundle]
	_, installing := s.jobs[req.Bundle]
	last := s.lastAccess[req.Bundle]
	s.mu.Unlock()

	s.goAsync(func() {
		res := source.ReleaseResult{Bundle: req.Bundle, Result: bundle.ReleaseOK, LastAccess: last}
		switch {
		case installing:
			res.Result = bundle.ReleaseError
		case req.Remove:
			removed := known && scanBundle(s.bundleDir(req.Bundle), b).present > 0
			if err := os.RemoveAll(s.bundleDir(req.Bundle)); err != nil {
				s.logger.Warn("bundle remove failed", zap.String("bundle", string(req.Bundle)), zap.Error(err))
				res.Result = bundle.ReleaseError
				break
			}
			res.ContentWasRemoved = removed
		}
		s.post(func() {
			if req.OnComplete != nil {
				req.OnComplete(res)
			}
		})
	})
}

// CancelBundles cancels running installs. The installs complete with
// UserCancelledError.
func (s *Source) CancelBundles(names []bundle.Name) []bundle.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		if j, ok := s.jobs[n]; ok {
			j.cancel()
		}
	}
	return nil
}

func (s *Source) UserPauseBundles(names []bundle.Name) {
	s.setPaused(names, true)
}

func (s *Source) UserResumeBundles(names []bundle.Name) {
	s.setPaused(names, false)
}

func (s *Source) setPaused(names []bundle.Name, paused bool) {
	var notify []source.UpdateRequest
	s.mu.Lock()
	for _, n := range names {
		if paused {
			s.paused.Add(n)
		} else {
			delete(s.paused, n)
		}
		if j, ok := s.jobs[n]; ok && j.gate.set(paused) {
			notify = append(notify, j.reqs...)
		}
	}
	s.mu.Unlock()

	if len(notify) == 0 {
		return
	}
	var flags bundle.PauseFlags
	if paused {
		flags = bundle.PauseUserPaused
	}
	s.post(func() {
		for _, req := range notify {
			if req.OnPaused != nil {
				req.OnPaused(source.PauseInfo{Flags: flags, Changed: true})
			}
		}
	})
}

func (s *Source) OnBundleInfoPruned(name bundle.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastAccess, name)
}

func (s *Source) bundleDir(name bundle.Name) string {
	return filepath.Join(s.cfg.InstallDir, string(name))
}

func (s *Source) sortedLocked() []*ManifestBundle {
	out := make([]*ManifestBundle, 0, len(s.manifest))
	for _, b := range s.manifest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
