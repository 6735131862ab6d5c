package gpu

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errLibraryDisabled = errors.New("gpu: library backend disabled in configuration")

// Backend is the C1 contract: poll the GPUs and return a snapshot. A nil
// error with a nonempty Devices list is the success case; a
// *PollTransientError return means "skip this tick, keep the loop alive".
type Backend interface {
	Poll(ctx context.Context) (*Snapshot, error)
	// Close releases any backend-held resources (NVML shutdown, etc).
	Close() error
}

// New selects and initializes a backend: attempt the library binding
// first; on failure, fall back to CLI parsing if enabled;
// if both fail, return a *InitFailedError and the caller must exit 1.
//
// The backend never switches strategy at runtime once selected — this
// avoids oscillation and keeps timing comparable across samples.
func New(ctx context.Context, enableLibrary, fallbackToCLI bool, log *zap.Logger) (Backend, error) {
	libErr := errLibraryDisabled
	if enableLibrary {
		nb, err := newNVMLBackend()
		if err == nil {
			return nb, nil
		}
		libErr = err
	}

	if !fallbackToCLI {
		return nil, &InitFailedError{LibraryErr: libErr}
	}

	log.Warn("nvml unavailable, falling back to CLI backend", zap.Error(libErr))

	cb, err := newCLIBackend(ctx)
	if err != nil {
		return nil, &InitFailedError{LibraryErr: libErr, FallbackErr: err}
	}
	return cb, nil
}
