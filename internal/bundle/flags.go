package bundle

import "strings"

// UpdateFlags modify an update request.
type UpdateFlags uint32

const (
	UpdateSkipMount UpdateFlags = 1 << iota
	UpdateAsyncMount
)

// Has reports whether all bits in f are set.
func (u UpdateFlags) Has(f UpdateFlags) bool { return u&f == f }

// ReleaseFlags modify a release request.
type ReleaseFlags uint32

const (
	ReleaseRemoveFilesIfPossible ReleaseFlags = 1 << iota
	ReleaseSkipReleaseUnmountOnly
	ReleaseExplicitRemoveList
)

func (r ReleaseFlags) Has(f ReleaseFlags) bool { return r&f == f }

// RequestInfoFlags summarize what happened to the names passed to a request.
type RequestInfoFlags uint32

const (
	InfoEnqueuedBundles RequestInfoFlags = 1 << iota
	InfoSkippedAlreadyMounted
	InfoSkippedAlreadyUpdated
	InfoSkippedAlreadyReleased
	InfoSkippedAlreadyRemoved
	InfoSkippedUnknown
	InfoSkippedInvalid
	InfoSkippedUnusableLanguage
	InfoSkippedDueToSource
)

func (r RequestInfoFlags) Has(f RequestInfoFlags) bool { return r&f == f }

var infoFlagNames = []struct {
	flag RequestInfoFlags
	name string
}{
	{InfoEnqueuedBundles, "enqueued"},
	{InfoSkippedAlreadyMounted, "skipped_already_mounted"},
	{InfoSkippedAlreadyUpdated, "skipped_already_updated"},
	{InfoSkippedAlreadyReleased, "skipped_already_released"},
	{InfoSkippedAlreadyRemoved, "skipped_already_removed"},
	{InfoSkippedUnknown, "skipped_unknown"},
	{InfoSkippedInvalid, "skipped_invalid"},
	{InfoSkippedUnusableLanguage, "skipped_unusable_language"},
	{InfoSkippedDueToSource, "skipped_due_to_source"},
}

func (r RequestInfoFlags) String() string {
	var parts []string
	for _, f := range infoFlagNames {
		if r.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// SkipReason is reported by sources that refuse to handle a bundle.
type SkipReason uint32

const (
	SkipLanguageNotCurrent SkipReason = 1 << iota
	SkipNotValid
)

// PauseFlags describe why a source paused a bundle.
type PauseFlags uint32

const (
	PauseOnCellularNetwork PauseFlags = 1 << iota
	PauseNoInternetConnection
	PauseUserPaused
)

func (p PauseFlags) Has(f PauseFlags) bool { return p&f == f }

var pauseFlagNames = []struct {
	flag PauseFlags
	name string
}{
	{PauseOnCellularNetwork, "cellular_network"},
	{PauseNoInternetConnection, "no_internet_connection"},
	{PauseUserPaused, "user_paused"},
}

// Names lists the set flags, nil when none are.
func (p PauseFlags) Names() []string {
	var names []string
	for _, f := range pauseFlagNames {
		if p.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return names
}

func (p PauseFlags) String() string { return strings.Join(p.Names(), "|") }

// RequestResult is an immediate outcome returned without creating a request.
type RequestResult struct {
	Bundle         Name         `json:"bundle"`
	Result         UpdateResult `json:"result"`
	IsStartup      bool         `json:"is_startup"`
	ContainsChunks bool         `json:"contains_chunks"`
}

// RequestInfo is returned by update and release calls.
type RequestInfo struct {
	Flags    RequestInfoFlags `json:"flags"`
	Enqueued []Name           `json:"enqueued"`
	Results  []RequestResult  `json:"results,omitempty"`
}
