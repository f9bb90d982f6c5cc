package bundle

// UpdateResult is the terminal outcome of an update request.
type UpdateResult int

const (
	UpdateOK UpdateResult = iota
	UpdateFailedPrereqRequiresLatestClient
	UpdateFailedPrereqRequiresLatestContent
	UpdateFailedCacheReserve
	UpdateInstallError
	UpdateInstallerOutOfDiskSpaceError
	UpdateManifestArchiveError
	UpdateConnectionError
	UpdateUserCancelledError
	UpdateInitializationError
	UpdateInitializationPending
)

var updateResultNames = map[UpdateResult]string{
	UpdateOK:                                "OK",
	UpdateFailedPrereqRequiresLatestClient:  "FailedPrereqRequiresLatestClient",
	UpdateFailedPrereqRequiresLatestContent: "FailedPrereqRequiresLatestContent",
	UpdateFailedCacheReserve:                "FailedCacheReserve",
	UpdateInstallError:                      "InstallError",
	UpdateInstallerOutOfDiskSpaceError:      "InstallerOutOfDiskSpaceError",
	UpdateManifestArchiveError:              "ManifestArchiveError",
	UpdateConnectionError:                   "ConnectionError",
	UpdateUserCancelledError:                "UserCancelledError",
	UpdateInitializationError:               "InitializationError",
	UpdateInitializationPending:             "InitializationPending",
}

func (r UpdateResult) String() string {
	if s, ok := updateResultNames[r]; ok {
		return s
	}
	return "Unknown"
}

// ReleaseResult is the terminal outcome of a release request.
type ReleaseResult int

const (
	ReleaseOK ReleaseResult = iota
	ReleaseError
	ReleaseManifestArchiveError
	ReleaseUserCancelledError
)

func (r ReleaseResult) String() string {
	switch r {
	case ReleaseOK:
		return "OK"
	case ReleaseError:
		return "ReleaseError"
	case ReleaseManifestArchiveError:
		return "ManifestArchiveError"
	case ReleaseUserCancelledError:
		return "UserCancelledError"
	default:
		return "Unknown"
	}
}

// InitResult is the outcome of one initialization step.
type InitResult int

const (
	InitOK InitResult = iota
	InitConfigurationError
	InitBuildMetaDataNotFound
	InitRemoteBuildMetaDataNotFound
	InitBuildMetaDataDownloadError
	InitBuildMetaDataParsingError
	InitClientPatchRequiredError
	InitNoInternetConnectionError
)

func (r InitResult) String() string {
	switch r {
	case InitOK:
		return "OK"
	case InitConfigurationError:
		return "ConfigurationError"
	case InitBuildMetaDataNotFound:
		return "BuildMetaDataNotFound"
	case InitRemoteBuildMetaDataNotFound:
		return "RemoteBuildMetaDataNotFound"
	case InitBuildMetaDataDownloadError:
		return "BuildMetaDataDownloadError"
	case InitBuildMetaDataParsingError:
		return "BuildMetaDataParsingError"
	case InitClientPatchRequiredError:
		return "ClientPatchRequiredError"
	case InitNoInternetConnectionError:
		return "NoInternetConnectionError"
	default:
		return "Unknown"
	}
}

// InitState is the overall initialization state of the manager or a source.
type InitState int

const (
	InitNotInitialized InitState = iota
	InitFailed
	InitSucceeded
)

func (s InitState) String() string {
	switch s {
	case InitNotInitialized:
		return "not_initialized"
	case InitFailed:
		return "failed"
	case InitSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// InstallState is the coarse install state reported to callers.
// The zero value is the least installed, so the minimum across bundles is
// the combined state.
type InstallState int

const (
	InstallNotInstalled InstallState = iota
	InstallNeedsUpdate
	InstallUpToDate
)

func (s InstallState) String() string {
	switch s {
	case InstallNotInstalled:
		return "not_installed"
	case InstallNeedsUpdate:
		return "needs_update"
	case InstallUpToDate:
		return "up_to_date"
	default:
		return "unknown"
	}
}

// UpdateEvent is delivered once when an update request finishes.
type UpdateEvent struct {
	Bundle           Name         `json:"bundle"`
	Result           UpdateResult `json:"result"`
	ContentChanged   bool         `json:"content_changed"`
	IsStartup        bool         `json:"is_startup"`
	ContainsChunks   bool         `json:"contains_chunks"`
	ContainsOnDemand bool         `json:"contains_on_demand"`
	ErrorText        string       `json:"error_text,omitempty"`
}

// ReleaseEvent is delivered once when a release request finishes.
type ReleaseEvent struct {
	Bundle Name          `json:"bundle"`
	Result ReleaseResult `json:"result"`
}

// PauseEvent is delivered when the pause state of an installing bundle changes.
type PauseEvent struct {
	Bundle Name       `json:"bundle"`
	Flags  PauseFlags `json:"flags"`
}
