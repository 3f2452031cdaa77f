package kvm

import "errors"

var (
	// ErrUnsupportedAPIVersion is returned when /dev/kvm speaks an unexpected API.
	ErrUnsupportedAPIVersion = errors.New("unsupported kvm api version")

	// ErrMissingCapability is returned when a required extension is absent.
	ErrMissingCapability = errors.New("required kvm capability is missing")
)
