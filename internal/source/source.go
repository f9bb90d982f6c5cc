package source

import (
	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// Source installs and releases bundles on behalf of the manager.
type Source interface {
	ID() bundle.SourceID
	ContentVersion() string
	Weight() float64
	CacheAgeScalar() float64
	InitState() bundle.InitState

	AsyncInit(done func(InitInfo))
	QueryBundleInfo(done func(QueryResult))
	SetUpdateBundleInfoCallback(update UpdateInfoFunc, lost LostRelevanceFunc)

	// BundleDependencies returns name plus everything it depends on, and the
	// dependency names this source does not know.
	BundleDependencies(name bundle.Name) (deps []bundle.Name, unknown []bundle.Name)
	BundleSkipReason(name bundle.Name) bundle.SkipReason
	GetContentState(names []bundle.Name, done func(ContentState))
	BundleProgress(name bundle.Name) (Progress, bool)

	RequestUpdateContent(req UpdateRequest)
	RequestReleaseContent(req ReleaseRequest)

	// CancelBundles cancels in-flight updates and returns any additional
	// bundles the source had to cancel along with them.
	CancelBundles(names []bundle.Name) []bundle.Name
	UserPauseBundles(names []bundle.Name)
	UserResumeBundles(names []bundle.Name)
}

// PruneObserver is implemented by sources that want to know when the manager
// forgets a bundle.
type PruneObserver interface {
	OnBundleInfoPruned(name bundle.Name)
}

// Executor runs fn on the goroutine that owns the manager.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) { f(fn) }

// Inline runs posted functions immediately on the caller's goroutine. It is
// only correct when that goroutine already owns the manager.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Factory creates a source by id. It returns nil for unknown ids.
type Factory func(id bundle.SourceID) Source
