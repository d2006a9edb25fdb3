package polyfill

import "errors"

var (
	// ErrFetch marks a failed network retrieval of raw resource bytes.
	ErrFetch = errors.New("polyfill: fetch failed")
	// ErrDecode marks bytes the decoder rejected as malformed or unsupported.
	ErrDecode = errors.New("polyfill: decode rejected")
	// ErrChannel marks a worker-path communication failure. It triggers a
	// one-time, irreversible fallback to inline decoding.
	ErrChannel = errors.New("polyfill: worker channel failure")
	// ErrUnsupportedEnvironment means no decode capability is available at
	// all (typically a missing Decoder).
	ErrUnsupportedEnvironment = errors.New("polyfill: no decode capability available")
)
