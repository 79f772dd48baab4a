package backend

import "errors"

// mediaError marks an error as a media-layer failure (spec.md's
// IoError::MediaError) without this package needing to import the root
// module package — which itself opens backend.FileDevice by path during
// Construct, so a dependency the other way would cycle. internal/dispatch
// recognizes a media error the same way: by asking any error in the
// chain whether it implements IsMediaError() bool, rather than by type
// identity across packages that would otherwise need to import each
// other.
type mediaError struct {
	error
}

func (mediaError) IsMediaError() bool { return true }

// ErrMediaError is the sentinel every backend wraps a simulated or real
// media failure around. Callers use errors.Is(err, backend.ErrMediaError).
var ErrMediaError error = mediaError{errors.New("backend: media error")}
