package domain

import "errors"

// Call-layer error taxonomy. Device and permission errors abort only the
// action that needed the device; per-session negotiation errors close that
// session and nothing else.
var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrCaptureCancelled     = errors.New("capture cancelled")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrConnectionLost       = errors.New("connection lost")
)
