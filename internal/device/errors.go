package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when an IP has no record in the registry.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidIP is returned when a value is not a dotted-quad IPv4 address.
	ErrInvalidIP = errors.New("device: invalid ip address")

	// ErrInvalidSubnetPrefix is returned when a subnet prefix is not of the
	// form "a.b.c." with each octet in range.
	ErrInvalidSubnetPrefix = errors.New("device: invalid subnet prefix")

	// ErrInvalidStratum is returned when stratum settings fail validation.
	ErrInvalidStratum = errors.New("device: invalid stratum settings")
)
