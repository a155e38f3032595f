package anchor

import "github.com/pkg/errors"

// Error kinds surfaced by the localization pipeline. Callers classify with errors.Is.
var (
	// ErrSensorUnavailable means the tracking pose, intrinsics or embedding could not be read.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrNetworkFailure covers transport errors and non-2xx responses from the VPS service.
	ErrNetworkFailure = errors.New("vps network failure")
	// ErrNoMatch is a well-formed response that did not localize the image.
	ErrNoMatch = errors.New("vps no match")
	// ErrMalformedResponse is a 2xx response whose body could not be decoded.
	ErrMalformedResponse = errors.New("vps malformed response")
)
