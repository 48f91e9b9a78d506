package minerapi

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Probe and push failures collapse into a small taxonomy so callers can
// distinguish "host down" from "host spoke garbage" from "host declined".
// All are routine per-device outcomes, never process-level failures.
var (
	// ErrTimeout is returned when a device does not answer within the
	// bounded probe or push timeout.
	ErrTimeout = errors.New("minerapi: timeout")

	// ErrConnectionRefused is returned when the host actively refuses the
	// TCP connection (alive, but no miner API listening).
	ErrConnectionRefused = errors.New("minerapi: connection refused")

	// ErrBadResponse is returned when a device answers but the response is
	// not a well-formed payload of any known shape. Partial JSON missing
	// the identity marker counts as bad, not as success with nulls.
	ErrBadResponse = errors.New("minerapi: bad response")

	// ErrConfigRejected is returned when a device receives a config push
	// and declines it with a non-2xx status.
	ErrConfigRejected = errors.New("minerapi: config rejected")
)

// classifyTransportError maps a raw HTTP client error onto the taxonomy.
// Cancellation passes through untouched: it says the caller gave up, not
// that the device timed out, and callers key retention decisions on it.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	// Unreachable hosts, resets, and other transport noise: the host did
	// not produce a usable answer in time.
	return ErrTimeout
}
