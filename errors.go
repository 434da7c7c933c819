package shmbus

import (
	"errors"
	"fmt"

	"gosuda.org/shmbus/internal/pool"
	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

// ErrorCode is a stable numeric code for the error taxonomy, for bindings
// that cannot match Go error values.
//
//go:generate go tool stringer -type=ErrorCode -linecomment
type ErrorCode uint8

const (
	CodeOK                      ErrorCode = iota // ok
	CodeResourceExhausted                        // resource-exhausted
	CodeAlreadyExists                            // already-exists
	CodeIncompatibleServiceType                  // incompatible-service-type
	CodeServiceAlreadyExists                     // service-already-exists
	CodeConnectionRefused                        // connection-refused
	CodeNotConnected                             // not-connected
	CodeTimeout                                  // timeout
	CodeStaleReference                           // stale-reference
	CodePermissionDenied                         // permission-denied
	CodeCorruptedState                           // corrupted-state
	CodeEventIDOutOfRange                        // event-id-out-of-range
	CodeWaitInterrupted                          // wait-interrupted
	CodeClosed                                   // closed
	CodeInvalidConfig                            // invalid-config
	CodeUnknown                                  // unknown
)

var (
	ErrResourceExhausted       = errors.New("shmbus: resource exhausted")
	ErrAlreadyExists           = errors.New("shmbus: resource already exists")
	ErrIncompatibleServiceType = errors.New("shmbus: incompatible service type")
	ErrServiceAlreadyExists    = errors.New("shmbus: service already exists")
	ErrConnectionRefused       = errors.New("shmbus: connection refused")
	ErrNotConnected            = errors.New("shmbus: port not connected")
	ErrTimeout                 = errors.New("shmbus: operation timed out")
	ErrStaleReference          = errors.New("shmbus: stale reference")
	ErrPermissionDenied        = errors.New("shmbus: permission denied")
	ErrCorruptedState          = errors.New("shmbus: corrupted shared state")
	ErrEventIDOutOfRange       = errors.New("shmbus: event id out of range")
	ErrWaitInterrupted         = errors.New("shmbus: wait interrupted")
	ErrClosed                  = errors.New("shmbus: closed")
	ErrInvalidConfig           = errors.New("shmbus: invalid configuration")
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrResourceExhausted, CodeResourceExhausted},
	{ErrAlreadyExists, CodeAlreadyExists},
	{ErrIncompatibleServiceType, CodeIncompatibleServiceType},
	{ErrServiceAlreadyExists, CodeServiceAlreadyExists},
	{ErrConnectionRefused, CodeConnectionRefused},
	{ErrNotConnected, CodeNotConnected},
	{ErrTimeout, CodeTimeout},
	{ErrStaleReference, CodeStaleReference},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrCorruptedState, CodeCorruptedState},
	{ErrEventIDOutOfRange, CodeEventIDOutOfRange},
	{ErrWaitInterrupted, CodeWaitInterrupted},
	{ErrClosed, CodeClosed},
	{ErrInvalidConfig, CodeInvalidConfig},
}

// CodeOf returns the code of the first taxonomy error err wraps, CodeOK for
// nil and CodeUnknown for anything else.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// translate maps errors of the internal packages onto the public taxonomy.
// The result wraps both, so callers can match either sentinel.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, shm.ErrSizeConflict):
		kind = ErrAlreadyExists
	case errors.Is(err, shm.ErrPermission):
		kind = ErrPermissionDenied
	case errors.Is(err, shm.ErrExhausted),
		errors.Is(err, shm.ErrNoSlots),
		errors.Is(err, registry.ErrServicesExhausted),
		errors.Is(err, registry.ErrNodesExhausted),
		errors.Is(err, registry.ErrPortsExhausted),
		errors.Is(err, pool.ErrOutOfChunks),
		errors.Is(err, pool.ErrTooLarge):
		kind = ErrResourceExhausted
	case errors.Is(err, shm.ErrNotReady):
		kind = ErrTimeout
	case errors.Is(err, shm.ErrCorrupted),
		errors.Is(err, registry.ErrCorrupted),
		errors.Is(err, pool.ErrCorrupted):
		kind = ErrCorruptedState
	case errors.Is(err, registry.ErrStale),
		errors.Is(err, pool.ErrStale),
		errors.Is(err, shm.ErrDestroyed):
		kind = ErrStaleReference
	case errors.Is(err, registry.ErrIncompatible):
		kind = ErrIncompatibleServiceType
	case errors.Is(err, registry.ErrInvalid):
		kind = ErrInvalidConfig
	default:
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
