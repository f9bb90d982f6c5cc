package manager

import (
	"github.com/jmgilman/go/errors"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

var (
	// ErrInitializationPending is returned until the init sequence succeeds.
	ErrInitializationPending = errors.New(errors.CodeUnavailable, "bundle manager is still initializing")

	// ErrInitializationFailed is returned once the init sequence has failed.
	ErrInitializationFailed = errors.New(errors.CodeInternal, "bundle manager initialization failed")

	// ErrIncompatibleFlags rejects RemoveFilesIfPossible with SkipReleaseUnmountOnly.
	ErrIncompatibleFlags = errors.New(errors.CodeInvalidInput, "incompatible release flags")

	ErrUnknownCache  = errors.New(errors.CodeNotFound, "unknown cache")
	ErrUnknownSource = errors.New(errors.CodeNotFound, "unknown source")
)

// checkInit rejects calls made before init succeeded.
func (m *Manager) checkInit() error {
	switch {
	case m.init.state == bundle.InitFailed || m.init.unrecoverable:
		return ErrInitializationFailed
	case m.init.state == bundle.InitNotInitialized:
		return ErrInitializationPending
	}
	return nil
}
