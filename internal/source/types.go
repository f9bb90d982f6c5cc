package source

import (
	"time"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// InitInfo is reported when a source finishes AsyncInit.
type InitInfo struct {
	Result bundle.InitResult
	// UseFallback asks the manager to replace the source with its configured
	// fallback instead of retrying it.
	UseFallback bool
}

// BundleInfo describes one bundle as seen by a single source.
type BundleInfo struct {
	Name             bundle.Name
	DisplayName      string
	Priority         bundle.Priority
	IsStartup        bool
	DoPatchCheck     bool
	State            bundle.InstallState
	IsCached         bool
	ContainsOnDemand bool

	FullInstallSize     uint64
	InstallOverheadSize uint64
	CurrentInstallSize  uint64
	LastAccess          time.Time
}

// QueryResult is reported by QueryBundleInfo.
type QueryResult struct {
	Result  bundle.InitResult
	Bundles []BundleInfo
}

// UpdateInfoResult is returned by the manager when a source pushes new info.
type UpdateInfoResult int

const (
	UpdateInfoOK UpdateInfoResult = iota
	UpdateInfoNotInitialized
	UpdateInfoAlreadyMounted
	UpdateInfoAlreadyRequested
	UpdateInfoIllegalCacheStatus
)

func (r UpdateInfoResult) String() string {
	switch r {
	case UpdateInfoOK:
		return "OK"
	case UpdateInfoNotInitialized:
		return "NotInitialized"
	case UpdateInfoAlreadyMounted:
		return "AlreadyMounted"
	case UpdateInfoAlreadyRequested:
		return "AlreadyRequested"
	case UpdateInfoIllegalCacheStatus:
		return "IllegalCacheStatus"
	default:
		return "Unknown"
	}
}

// UpdateInfoFunc is called by a source when bundle info changes after init.
type UpdateInfoFunc func(src bundle.SourceID, info BundleInfo) UpdateInfoResult

// LostRelevanceFunc is called by a source when bundles stop mattering to it.
type LostRelevanceFunc func(src bundle.SourceID, names []bundle.Name)

// BundleContentState is one source's view of one bundle.
type BundleContentState struct {
	State bundle.InstallState
	// Weight is the share of the bundle's content held by this source.
	Weight       float64
	DownloadSize uint64
	InstallSize  uint64
}

// ContentState is reported by GetContentState.
type ContentState struct {
	Bundles map[bundle.Name]BundleContentState
}

// Progress is a source's progress on one bundle, each field in [0, 1].
type Progress struct {
	BackgroundDownload float64
	// InstallOnly is negative when the source does not track it separately.
	InstallOnly float64
	Install     float64
}

// PauseInfo is reported while an update is in flight.
type PauseInfo struct {
	Flags   bundle.PauseFlags
	Changed bool
}

// UpdateRequest asks a source to install a bundle.
type UpdateRequest struct {
	Bundle     bundle.Name
	Flags      bundle.UpdateFlags
	OnPaused   func(PauseInfo)
	OnComplete func(UpdateResult)
}

// UpdateResult is reported once per UpdateRequest.
type UpdateResult struct {
	Bundle              bundle.Name
	Result              bundle.UpdateResult
	ContentPaths        []string
	OnDemandMountArgs   []string
	ContentWasInstalled bool
	CurrentInstallSize  uint64
	LastAccess          time.Time
	ErrorText           string
}

// ReleaseRequest asks a source to release, and optionally remove, a bundle.
type ReleaseRequest struct {
	Bundle     bundle.Name
	Flags      bundle.ReleaseFlags
	Remove     bool
	OnComplete func(ReleaseResult)
}

// ReleaseResult is reported once per ReleaseRequest.
type ReleaseResult struct {
	Bundle            bundle.Name
	Result            bundle.ReleaseResult
	ContentWasRemoved bool
	LastAccess        time.Time
}
