package gatts

import "context"

// State is the lifecycle state of a Backend.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateAdvertising
	StateStopped
)

func (s State) String() string {
	str := []string{
		"Uninitialized",
		"Initializing",
		"Ready",
		"Advertising",
		"Stopped",
	}
	if s < 0 || int(s) >= len(str) {
		return "Invalid"
	}
	return str[int(s)]
}

// A ServiceHandle is the backend-assigned identity of a registered
// service: a D-Bus object path on Linux, a platform identifier
// elsewhere. Handles are opaque to callers.
type ServiceHandle string

// A CharacteristicHandle is the backend-assigned identity of a
// registered characteristic.
type CharacteristicHandle string

// Backend is the platform half of a Server: it owns the native
// application object graph, registers it with the platform BLE
// peripheral stack, advertises, and feeds inbound read/write/subscribe
// traffic into the server's event queue. One implementation exists per
// supported platform, selected at Start by build target; tests and
// embedders may supply their own through the UseBackend option.
//
// Lifecycle: Uninitialized -> Initializing -> Ready <-> Advertising,
// then Stopped after Shutdown. Initialize is idempotent: operations
// invoked while the bootstrap is in flight await its single
// completion, and a failed bootstrap is fatal to the instance.
type Backend interface {
	// Initialize opens the native management connection and resolves
	// the target adapter. It fails with ErrTransportUnavailable or
	// ErrAdapterUnavailable.
	Initialize(ctx context.Context) error

	// AddService registers a service node in the native object graph.
	AddService(ctx context.Context, svc *Service) (ServiceHandle, error)

	// AddCharacteristic registers a characteristic under a previously
	// added service and wires its read/write/subscribe hooks. It fails
	// with ErrUnknownService on a stale handle and ErrUnsupported when
	// the platform cannot express the requested flags.
	AddCharacteristic(ctx context.Context, svc ServiceHandle, char *Characteristic) (CharacteristicHandle, error)

	// AddDescriptor registers a descriptor under a characteristic.
	// Backends without local descriptor support fail with
	// ErrUnsupported.
	AddDescriptor(ctx context.Context, char CharacteristicHandle, desc *Descriptor) error

	// StartAdvertising begins advertising the registered services.
	// Calling it while already advertising is a no-op; calling it with
	// no services fails with ErrNothingToAdvertise.
	StartAdvertising(ctx context.Context) error

	// StopAdvertising stops advertising. Calling it while not
	// advertising is a no-op.
	StopAdvertising(ctx context.Context) error

	// Notify pushes value to centrals subscribed to the
	// characteristic. With no subscribers, or on a characteristic that
	// is not notifiable, it succeeds as a no-op; callers never need to
	// check subscription state first.
	Notify(ctx context.Context, char CharacteristicHandle, value []byte) error

	// SetValue updates the backend's cached value for the
	// characteristic without notifying subscribers, keeping the native
	// object graph in step with a committed value.
	SetValue(char CharacteristicHandle, value []byte) error

	// State returns the backend's lifecycle state.
	State() State

	// IsAdvertising reports whether the peripheral is advertising.
	IsAdvertising() bool

	// IsConnected reports whether at least one central currently holds
	// a connection to this peripheral.
	IsConnected() bool

	// ConnectedPeers returns the platform addresses of currently
	// connected centrals, as far as the platform exposes them.
	ConnectedPeers() []string

	// Disconnect asks the native stack to drop the peer. Best effort:
	// it reports whether the request was issued, not that the peer is
	// gone. Platforms without a directed disconnect fail with
	// ErrUnsupported.
	Disconnect(ctx context.Context, peer string) error

	// Shutdown stops advertising, unregisters the application, and
	// releases the native transport. In-flight native calls are
	// abandoned; partially registered native state is not rolled back.
	Shutdown(ctx context.Context) error
}
