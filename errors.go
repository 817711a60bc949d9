package gatts

import (
	"errors"
	"fmt"
)

// Errors reported by Server operations and backends. Backends wrap
// platform stack failures in a NativeOpError; everything else is one
// of these sentinels, matched with errors.Is.
var (
	// ErrAdapterUnavailable means no usable Bluetooth radio could be
	// resolved. Fatal to the backend instance; not retried.
	ErrAdapterUnavailable = errors.New("gatts: no usable bluetooth adapter")

	// ErrTransportUnavailable means the native BLE management facility
	// (system bus, OS framework) could not be reached. Fatal to the
	// backend instance; not retried.
	ErrTransportUnavailable = errors.New("gatts: native transport unavailable")

	// ErrDuplicateService is returned when adding a service whose UUID
	// is already registered. The service map is left unchanged.
	ErrDuplicateService = errors.New("gatts: service already registered")

	// ErrDuplicateCharacteristic is returned when adding a characteristic
	// whose UUID already exists within its service. The first
	// characteristic remains registered and queryable.
	ErrDuplicateCharacteristic = errors.New("gatts: characteristic already registered")

	// ErrUnknownService is returned when an operation names a service
	// that was never added, or a stale service handle.
	ErrUnknownService = errors.New("gatts: unknown service")

	// ErrUnknownCharacteristic is returned when an operation names a
	// characteristic that was never added.
	ErrUnknownCharacteristic = errors.New("gatts: unknown characteristic")

	// ErrNothingToAdvertise is returned by Start when no services have
	// been added.
	ErrNothingToAdvertise = errors.New("gatts: no services to advertise")

	// ErrInvalidCallback is returned when registering a nil handler.
	ErrInvalidCallback = errors.New("gatts: callback is nil")

	// ErrUnsupported is returned for operations the active backend's
	// platform cannot express, such as descriptor registration on
	// Windows or a directed disconnect on macOS.
	ErrUnsupported = errors.New("gatts: not supported by this backend")

	// ErrServerClosed is returned by operations on a stopped Server.
	// Servers are single-shot; create a new one instead.
	ErrServerClosed = errors.New("gatts: server closed")
)

// A NativeOpError wraps a failure reported by the platform BLE stack.
// The native message is preserved for diagnostics and reachable
// through errors.Unwrap.
type NativeOpError struct {
	Op  string // native operation that failed, e.g. "RegisterApplication"
	Err error
}

func (e *NativeOpError) Error() string {
	return fmt.Sprintf("gatts: %s: %v", e.Op, e.Err)
}

func (e *NativeOpError) Unwrap() error { return e.Err }

// nativeErr wraps err in a NativeOpError, passing nil through.
func nativeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NativeOpError{Op: op, Err: err}
}
