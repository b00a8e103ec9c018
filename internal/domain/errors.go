package domain

import "errors"

var (
	// ErrUnknownPlatform is returned for unsupported platform names.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrUnknownGranularity is returned for unsupported granularity names.
	ErrUnknownGranularity = errors.New("unknown granularity")
	// ErrAccountNotFound is returned when an account id is not registered.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNotYetCollected means nothing is stored for a key yet.
	ErrNotYetCollected = errors.New("not yet collected")
)
