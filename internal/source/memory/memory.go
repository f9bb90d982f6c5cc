// Package memory provides a scriptable in-process content source.
//
// The source keeps its bundle catalog in memory and completes requests either
// inline or, in manual mode, when the owner calls CompleteUpdate or
// CompleteRelease. Init and query results can be scripted to exercise the
// manager's retry and fallback paths.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// Bundle is the catalog entry for one bundle.
type Bundle struct {
	Name         bundle.Name
	DisplayName  string
	Priority     bundle.Priority
	Startup      bool
	DoPatchCheck bool
	State        bundle.InstallState
	Cached       bool
	OnDemand     bool
	FullSize     uint64
	OverheadSize uint64
	CurrentSize  uint64
	LastAccess   time.Time
	Deps         []bundle.Name
	ContentPaths []string
	Skip         bundle.SkipReason
	// CancelWith lists bundles that are cancelled together with this one.
	CancelWith []bundle.Name

	UpdateResult  bundle.UpdateResult
	ReleaseResult bundle.ReleaseResult
}

// Config configures a Source.
type Config struct {
	ID             bundle.SourceID
	ContentVersion string
	Weight         float64
	CacheAgeScalar float64
	Bundles        []Bundle
	// Manual holds completions until CompleteUpdate or CompleteRelease.
	Manual bool
	// InitResults are returned by successive AsyncInit calls. Once exhausted
	// AsyncInit succeeds.
	InitResults []bundle.InitResult
	UseFallback bool
	QueryResult bundle.InitResult
}

// Source is an in-memory content source.
type Source struct {
	mu sync.Mutex

	cfg          Config
	bundles      map[bundle.Name]*Bundle
	state        bundle.InitState
	initAttempts int

	pendingUpdates  map[bundle.Name]source.UpdateRequest
	pendingReleases map[bundle.Name][]source.ReleaseRequest
	updateCalls     map[bundle.Name]int
	releaseLog      []source.ReleaseRequest
	cancelled       []bundle.Name
	paused          bundle.NameSet
	progress        map[bundle.Name]source.Progress
	pruned          []bundle.Name

	onUpdateInfo source.UpdateInfoFunc
	onLost       source.LostRelevanceFunc
}

var _ source.Source = (*Source)(nil)
var _ source.PruneObserver = (*Source)(nil)

// New creates a source from cfg.
func New(cfg Config) *Source {
	if cfg.Weight == 0 {
		cfg.Weight = 1
	}
	if cfg.CacheAgeScalar == 0 {
		cfg.CacheAgeScalar = 1
	}
	s := &Source{
		cfg:             cfg,
		bundles:         make(map[bundle.Name]*Bundle, len(cfg.Bundles)),
		state:           bundle.InitNotInitialized,
		pendingUpdates:  make(map[bundle.Name]source.UpdateRequest),
		pendingReleases: make(map[bundle.Name][]source.ReleaseRequest),
		updateCalls:     make(map[bundle.Name]int),
		paused:          bundle.NewNameSet(),
		progress:        make(map[bundle.Name]source.Progress),
	}
	for i := range cfg.Bundles {
		b := cfg.Bundles[i]
		s.bundles[b.Name] = &b
	}
	return s
}

func (s *Source) ID() bundle.SourceID     { return s.cfg.ID }
func (s *Source) ContentVersion() string  { return s.cfg.ContentVersion }
func (s *Source) Weight() float64         { return s.cfg.Weight }
func (s *Source) CacheAgeScalar() float64 { return s.cfg.CacheAgeScalar }

func (s *Source) InitState() bundle.InitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AsyncInit reports the next scripted init result.
func (s *Source) AsyncInit(done func(source.InitInfo)) {
	s.mu.Lock()
	result := bundle.InitOK
	if s.initAttempts < len(s.cfg.InitResults) {
		result = s.cfg.InitResults[s.initAttempts]
	}
	s.initAttempts++
	if result == bundle.InitOK {
		s.state = bundle.InitSucceeded
	} else {
		s.state = bundle.InitFailed
	}
	useFallback := s.cfg.UseFallback && result != bundle.InitOK
	s.mu.Unlock()

	done(source.InitInfo{Result: result, UseFallback: useFallback})
}

// InitAttempts returns how many times AsyncInit was called.
func (s *Source) InitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initAttempts
}

func (s *Source) QueryBundleInfo(done func(source.QueryResult)) {
	s.mu.Lock()
	res := source.QueryResult{Result: s.cfg.QueryResult}
	for _, b := range s.sortedLocked() {
		res.Bundles = append(res.Bundles, b.info())
	}
	s.mu.Unlock()

	done(res)
}

func (s *Source) SetUpdateBundleInfoCallback(update source.UpdateInfoFunc, lost source.LostRelevanceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdateInfo = update
	s.onLost = lost
}

// PushBundleInfo adds or replaces a bundle and reports it to the manager.
func (s *Source) PushBundleInfo(b Bundle) source.UpdateInfoResult {
	s.mu.Lock()
	cb := s.onUpdateInfo
	s.mu.Unlock()
	if cb == nil {
		return source.UpdateInfoNotInitialized
	}

	result := cb(s.cfg.ID, b.info())
	if result == source.UpdateInfoOK {
		s.mu.Lock()
		s.bundles[b.Name] = &b
		s.mu.Unlock()
	}
	return result
}

// LoseRelevance tells the manager the named bundles no longer matter here.
func (s *Source) LoseRelevance(names ...bundle.Name) {
	s.mu.Lock()
	cb := s.onLost
	s.mu.Unlock()
	if cb != nil {
		cb(s.cfg.ID, names)
	}
}

func (s *Source) BundleDependencies(name bundle.Name) ([]bundle.Name, []bundle.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bundles[name]; !ok {
		return nil, []bundle.Name{name}
	}

	seen := bundle.NewNameSet()
	unknown := bundle.NewNameSet()
	queue := []bundle.Name{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		b, ok := s.bundles[n]
		if !ok {
			unknown.Add(n)
			continue
		}
		if !seen.Add(n) {
			continue
		}
		queue = append(queue, b.Deps...)
	}
	return seen.Sorted(), unknown.Sorted()
}

func (s *Source) BundleSkipReason(name bundle.Name) bundle.SkipReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bundles[name]; ok {
		return b.Skip
	}
	return 0
}

func (s *Source) GetContentState(names []bundle.Name, done func(source.ContentState)) {
	s.mu.Lock()
	cs := source.ContentState{Bundles: make(map[bundle.Name]source.BundleContentState)}
	for _, n := range names {
		b, ok := s.bundles[n]
		if !ok {
			continue
		}
		var download uint64
		if b.State != bundle.InstallUpToDate && b.FullSize > b.CurrentSize {
			download = b.FullSize - b.CurrentSize
		}
		cs.Bundles[n] = source.BundleContentState{
			State:        b.State,
			Weight:       1,
			DownloadSize: download,
			InstallSize:  b.FullSize,
		}
	}
	s.mu.Unlock()

	done(cs)
}

// SetProgress sets the progress reported for name.
func (s *Source) SetProgress(name bundle.Name, p source.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[name] = p
}

func (s *Source) BundleProgress(name bundle.Name) (source.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[name]
	return p, ok
}

func (s *Source) RequestUpdateContent(req source.UpdateRequest) {
	s.mu.Lock()
	s.updateCalls[req.Bundle]++
	if s.cfg.Manual {
		s.pendingUpdates[req.Bundle] = req
		s.mu.Unlock()
		return
	}
	result := bundle.UpdateInstallError
	if b, ok := s.bundles[req.Bundle]; ok {
		result = b.UpdateResult
	}
	s.mu.Unlock()

	s.finishUpdate(req, result)
}

// CompleteUpdate finishes a held update with result.
func (s *Source) CompleteUpdate(name bundle.Name, result bundle.UpdateResult) bool {
	s.mu.Lock()
	req, ok := s.pendingUpdates[name]
	delete(s.pendingUpdates, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.finishUpdate(req, result)
	return true
}

func (s *Source) finishUpdate(req source.UpdateRequest, result bundle.UpdateResult) {
	s.mu.Lock()
	res := source.UpdateResult{Bundle: req.Bundle, Result: result, LastAccess: time.Now()}
	if b, ok := s.bundles[req.Bundle]; ok {
		if result == bundle.UpdateOK {
			res.ContentWasInstalled = b.State != bundle.InstallUpToDate
			b.State = bundle.InstallUpToDate
			b.CurrentSize = b.FullSize
			b.LastAccess = res.LastAccess
		}
		res.CurrentInstallSize = b.CurrentSize
		res.ContentPaths = append([]string(nil), b.ContentPaths...)
		if b.OnDemand {
			res.OnDemandMountArgs = []string{string(b.Name)}
		}
	}
	s.mu.Unlock()

	if req.OnComplete != nil {
		req.OnComplete(res)
	}
}

// PendingUpdate reports whether an update for name is held.
func (s *Source) PendingUpdate(name bundle.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pendingUpdates[name]
	return ok
}

// UpdateCalls returns how many updates were requested for name.
func (s *Source) UpdateCalls(name bundle.Name) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls[name]
}

func (s *Source) RequestReleaseContent(req source.ReleaseRequest) {
	s.mu.Lock()
	s.releaseLog = append(s.releaseLog, req)
	if s.cfg.Manual {
		s.pendingReleases[req.Bundle] = append(s.pendingReleases[req.Bundle], req)
		s.mu.Unlock()
		return
	}
	result := bundle.ReleaseOK
	if b, ok := s.bundles[req.Bundle]; ok {
		result = b.ReleaseResult
	}
	s.mu.Unlock()

	s.finishRelease(req, result)
}

// CompleteRelease finishes every held release for name with result.
func (s *Source) CompleteRelease(name bundle.Name, result bundle.ReleaseResult) int {
	s.mu.Lock()
	reqs := s.pendingReleases[name]
	delete(s.pendingReleases, name)
	s.mu.Unlock()

	for _, req := range reqs {
		s.finishRelease(req, result)
	}
	return len(reqs)
}

func (s *Source) finishRelease(req source.ReleaseRequest, result bundle.ReleaseResult) {
	s.mu.Lock()
	res := source.ReleaseResult{Bundle: req.Bundle, Result: result, LastAccess: time.Now()}
	if b, ok := s.bundles[req.Bundle]; ok && result == bundle.ReleaseOK && req.Remove {
		res.ContentWasRemoved = b.State != bundle.InstallNotInstalled || b.CurrentSize > 0
		b.State = bundle.InstallNotInstalled
		b.CurrentSize = 0
	}
	s.mu.Unlock()

	if req.OnComplete != nil {
		req.OnComplete(res)
	}
}

// Releases returns every release request received, in order.
func (s *Source) Releases() []source.ReleaseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]source.ReleaseRequest(nil), s.releaseLog...)
}

// PendingReleases returns how many releases for name are held.
func (s *Source) PendingReleases(name bundle.Name) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingReleases[name])
}

// CancelBundles fails held updates with UserCancelledError.
func (s *Source) CancelBundles(names []bundle.Name) []bundle.Name {
	s.mu.Lock()
	requested := bundle.NewNameSet(names...)
	var extra []bundle.Name
	var reqs []source.UpdateRequest
	for _, n := range names {
		s.cancelled = append(s.cancelled, n)
		if b, ok := s.bundles[n]; ok {
			for _, w := range b.CancelWith {
				if requested.Add(w) {
					extra = append(extra, w)
				}
			}
		}
	}
	for _, n := range requested.Sorted() {
		if req, ok := s.pendingUpdates[n]; ok {
			delete(s.pendingUpdates, n)
			reqs = append(reqs, req)
		}
	}
	s.mu.Unlock()

	for _, req := range reqs {
		s.finishUpdate(req, bundle.UpdateUserCancelledError)
	}
	return extra
}

// Cancelled returns the names passed to CancelBundles.
func (s *Source) Cancelled() []bundle.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bundle.Name(nil), s.cancelled...)
}

func (s *Source) UserPauseBundles(names []bundle.Name) {
	s.setPaused(names, true)
}

func (s *Source) UserResumeBundles(names []bundle.Name) {
	s.setPaused(names, false)
}

func (s *Source) setPaused(names []bundle.Name, paused bool) {
	s.mu.Lock()
	var notify []source.UpdateRequest
	for _, n := range names {
		was := s.paused.Has(n)
		if paused {
			s.paused.Add(n)
		} else {
			delete(s.paused, n)
		}
		if req, ok := s.pendingUpdates[n]; ok && was != paused && req.OnPaused != nil {
			notify = append(notify, req)
		}
	}
	s.mu.Unlock()

	var flags bundle.PauseFlags
	if paused {
		flags = bundle.PauseUserPaused
	}
	for _, req := range notify {
		req.OnPaused(source.PauseInfo{Flags: flags, Changed: true})
	}
}

func (s *Source) OnBundleInfoPruned(name bundle.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, name)
	delete(s.bundles, name)
}

// Pruned returns the bundles the manager reported as pruned.
func (s *Source) Pruned() []bundle.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bundle.Name(nil), s.pruned...)
}

func (s *Source) sortedLocked() []*Bundle {
	out := make([]*Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Bundle) info() source.BundleInfo {
	display := b.DisplayName
	if display == "" {
		display = string(b.Name)
	}
	return source.BundleInfo{
		Name:                b.Name,
		DisplayName:         display,
		Priority:            b.Priority,
		IsStartup:           b.Startup,
		DoPatchCheck:        b.DoPatchCheck,
		State:               b.State,
		IsCached:            b.Cached,
		ContainsOnDemand:    b.OnDemand,
		FullInstallSize:     b.FullSize,
		InstallOverheadSize: b.OverheadSize,
		CurrentInstallSize:  b.CurrentSize,
		LastAccess:          b.LastAccess,
	}
}
