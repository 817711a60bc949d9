//go:build windows

// Package winbt exposes a GATT application through the WinRT
// GattServiceProvider API.
//
// Windows models each service as its own provider with its own
// advertisement, so advertising here means every provider is
// advertising. As on other non-BlueZ platforms, the stack never
// surfaces bare connections to a peripheral; connectedness is derived
// from subscribed clients. Reads and writes arrive as WinRT events,
// are answered under a deferral, and are forwarded to the Events sink.
package winbt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/genericattributeprofile"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupported marks operations the WinRT API has no equivalent
	// for.
	ErrUnsupported = errors.New("winbt: not supported")

	// ErrNotFound is returned for operations on unknown handles.
	ErrNotFound = errors.New("winbt: object not found")

	// ErrClosed is returned for operations on a closed backend.
	ErrClosed = errors.New("winbt: backend closed")
)

// Events receives inbound GATT traffic decoded from WinRT events.
// Characteristics are identified by UUID and centrals by the session's
// Bluetooth device identifier.
type Events interface {
	Read(char string, offset int, central string) ([]byte, error)
	Write(char string, offset int, central string, value []byte) error
	Subscribed(char string, central string)
	Unsubscribed(char string, central string)
}

// Config carries the backend settings.
type Config struct {
	// Name is kept for symmetry with the other transports; the
	// advertised name on Windows is the system's device name.
	Name string

	// Logger for transport diagnostics. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

type localService struct {
	uuid        string
	provider    *genericattributeprofile.GattServiceProvider
	service     *genericattributeprofile.GattLocalService
	advertising bool
}

type localChar struct {
	backend *Backend
	uuid    string
	char    *genericattributeprofile.GattLocalCharacteristic

	mu      sync.Mutex
	clients map[string]struct{}
}

// Backend is a GATT server built from one GattServiceProvider per
// service.
type Backend struct {
	cfg  Config
	log  logrus.FieldLogger
	sink Events

	mu          sync.Mutex
	services    []*localService
	svcByHandle map[string]*localService
	chrByHandle map[string]*localChar
	advertising bool
	closed      bool
}

// New creates a Backend forwarding inbound traffic to sink. The
// backend does nothing until Connect.
func New(cfg Config, sink Events) *Backend {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{
		cfg:         cfg,
		log:         log,
		sink:        sink,
		svcByHandle: make(map[string]*localService),
		chrByHandle: make(map[string]*localChar),
	}
}

// Connect initializes the WinRT runtime for this process. Repeated
// initialization reports an error that is safe to ignore, so failures
// here are logged and deferred to the first real API call.
func (b *Backend) Connect(ctx context.Context) error {
	if err := ole.RoInitialize(1); err != nil {
		b.log.WithError(err).Debug("winbt: RoInitialize")
	}
	return nil
}

// AddService creates a service provider for the UUID and returns its
// handle.
func (b *Backend) AddService(ctx context.Context, uuid string) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	advertising := b.advertising
	b.mu.Unlock()

	op, err := genericattributeprofile.GattServiceProviderCreateAsync(syscallGUID(uuid))
	if err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	}
	if err := awaitAsyncOperation(ctx, op, genericattributeprofile.SignatureGattServiceProviderResult); err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	}
	res, err := op.GetResults()
	if err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	}
	providerRes := (*genericattributeprofile.GattServiceProviderResult)(res)
	if bterr, err := providerRes.GetError(); err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	} else if bterr != bluetooth.BluetoothErrorSuccess {
		return "", fmt.Errorf("winbt: create service %s: bluetooth error %d", uuid, int32(bterr))
	}
	provider, err := providerRes.GetServiceProvider()
	if err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	}
	service, err := provider.GetService()
	if err != nil {
		return "", fmt.Errorf("winbt: create service %s: %w", uuid, err)
	}

	svc := &localService{uuid: uuid, provider: provider, service: service}
	b.mu.Lock()
	b.services = append(b.services, svc)
	b.svcByHandle[uuid] = svc
	b.mu.Unlock()
	b.log.WithField("uuid", uuid).Debug("winbt: service created")

	if advertising {
		if err := b.advertise(svc); err != nil {
			return "", err
		}
	}
	return uuid, nil
}

// AddCharacteristic creates a characteristic under the service with
// the given handle and wires its request events. No static value is
// attached; reads always reach the sink.
func (b *Backend) AddCharacteristic(ctx context.Context, svcHandle, uuid string, props, perms uint) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	svc, ok := b.svcByHandle[svcHandle]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: service %s", ErrNotFound, svcHandle)
	}

	params, err := genericattributeprofile.NewGattLocalCharacteristicParameters()
	if err != nil {
		return "", fmt.Errorf("winbt: characteristic parameters: %w", err)
	}
	if err := params.SetCharacteristicProperties(genericattributeprofile.GattCharacteristicProperties(props)); err != nil {
		return "", fmt.Errorf("winbt: characteristic properties: %w", err)
	}
	if err := params.SetReadProtectionLevel(protectionLevel(perms&permReadEnc != 0)); err != nil {
		return "", fmt.Errorf("winbt: read protection: %w", err)
	}
	if err := params.SetWriteProtectionLevel(protectionLevel(perms&permWriteEnc != 0)); err != nil {
		return "", fmt.Errorf("winbt: write protection: %w", err)
	}

	op, err := svc.service.CreateCharacteristicAsync(syscallGUID(uuid), params)
	if err != nil {
		return "", fmt.Errorf("winbt: create characteristic %s: %w", uuid, err)
	}
	if err := awaitAsyncOperation(ctx, op, genericattributeprofile.SignatureGattLocalCharacteristicResult); err != nil {
		return "", fmt.Errorf("winbt: create characteristic %s: %w", uuid, err)
	}
	res, err := op.GetResults()
	if err != nil {
		return "", fmt.Errorf("winbt: create characteristic %s: %w", uuid, err)
	}
	charRes := (*genericattributeprofile.GattLocalCharacteristicResult)(res)
	if bterr, err := charRes.GetError(); err != nil {
		return "", fmt.Errorf("winbt: create characteristic %s: %w", uuid, err)
	} else if bterr != bluetooth.BluetoothErrorSuccess {
		return "", fmt.Errorf("winbt: create characteristic %s: bluetooth error %d", uuid, int32(bterr))
	}
	char, err := charRes.GetCharacteristic()
	if err != nil {
		return "", fmt.Errorf("winbt: create characteristic %s: %w", uuid, err)
	}

	lc := &localChar{backend: b, uuid: uuid, char: char, clients: make(map[string]struct{})}
	if err := lc.wireEvents(); err != nil {
		return "", err
	}

	handle := svcHandle + "/" + uuid
	b.mu.Lock()
	b.chrByHandle[handle] = lc
	b.mu.Unlock()
	b.log.WithField("uuid", uuid).Debug("winbt: characteristic created")
	return handle, nil
}

// permEnc bits follow the attribute permission layout.
const (
	permReadEnc  = 0x4
	permWriteEnc = 0x8
)

// protectionLevel maps an encryption requirement to the WinRT
// GattProtectionLevel values, 0 plain and 2 encryption required.
func protectionLevel(encrypted bool) genericattributeprofile.GattProtectionLevel {
	if encrypted {
		return genericattributeprofile.GattProtectionLevel(2)
	}
	return genericattributeprofile.GattProtectionLevel(0)
}

// StartAdvertising starts every service provider's advertisement.
func (b *Backend) StartAdvertising(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.advertising {
		b.mu.Unlock()
		return nil
	}
	services := append([]*localService{}, b.services...)
	b.mu.Unlock()

	for _, svc := range services {
		if err := b.advertise(svc); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.advertising = true
	b.mu.Unlock()
	b.log.WithField("services", len(services)).Info("winbt: advertising")
	return nil
}

func (b *Backend) advertise(svc *localService) error {
	if svc.advertising {
		return nil
	}
	params, err := genericattributeprofile.NewGattServiceProviderAdvertisingParameters()
	if err != nil {
		return fmt.Errorf("winbt: advertising parameters: %w", err)
	}
	if err := params.SetIsDiscoverable(true); err != nil {
		return fmt.Errorf("winbt: advertising parameters: %w", err)
	}
	if err := params.SetIsConnectable(true); err != nil {
		return fmt.Errorf("winbt: advertising parameters: %w", err)
	}
	if err := svc.provider.StartAdvertisingWithParameters(params); err != nil {
		return fmt.Errorf("winbt: advertise %s: %w", svc.uuid, err)
	}
	svc.advertising = true
	return nil
}

// StopAdvertising stops every provider's advertisement.
func (b *Backend) StopAdvertising(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	services := append([]*localService{}, b.services...)
	b.advertising = false
	b.mu.Unlock()

	for _, svc := range services {
		if !svc.advertising {
			continue
		}
		if err := svc.provider.StopAdvertising(); err != nil {
			return fmt.Errorf("winbt: stop advertising %s: %w", svc.uuid, err)
		}
		svc.advertising = false
	}
	return nil
}

// Notify pushes a value to the characteristic's subscribed clients.
// The push is asynchronous; per-client delivery results are not
// awaited.
func (b *Backend) Notify(charHandle string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	lc, ok := b.chrByHandle[charHandle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, charHandle)
	}

	buf, err := sliceToBuffer(value)
	if err != nil {
		return fmt.Errorf("winbt: notify %s: %w", charHandle, err)
	}
	if _, err := lc.char.NotifyValueAsync(buf); err != nil {
		return fmt.Errorf("winbt: notify %s: %w", charHandle, err)
	}
	return nil
}

// SetValue is a no-op: characteristics carry no static value, every
// read reaches the sink.
func (b *Backend) SetValue(charHandle string, value []byte) error {
	return nil
}

// Advertising reports whether the providers are advertising.
func (b *Backend) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

// Connected reports whether any client is subscribed.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	chars := make([]*localChar, 0, len(b.chrByHandle))
	for _, lc := range b.chrByHandle {
		chars = append(chars, lc)
	}
	b.mu.Unlock()
	for _, lc := range chars {
		lc.mu.Lock()
		n := len(lc.clients)
		lc.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// Peers returns the device identifiers of subscribed clients.
func (b *Backend) Peers() []string {
	b.mu.Lock()
	chars := make([]*localChar, 0, len(b.chrByHandle))
	for _, lc := range b.chrByHandle {
		chars = append(chars, lc)
	}
	b.mu.Unlock()

	seen := make(map[string]struct{})
	for _, lc := range chars {
		lc.mu.Lock()
		for id := range lc.clients {
			seen[id] = struct{}{}
		}
		lc.mu.Unlock()
	}
	peers := make([]string, 0, len(seen))
	for id := range seen {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Disconnect is not available on this platform; the WinRT API offers
// peripherals no way to drop a client.
func (b *Backend) Disconnect(ctx context.Context, addr string) error {
	return fmt.Errorf("%w: disconnect", ErrUnsupported)
}

// Close stops advertising on every provider. Close is idempotent.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	services := append([]*localService{}, b.services...)
	b.advertising = false
	b.mu.Unlock()

	for _, svc := range services {
		if svc.advertising {
			if err := svc.provider.StopAdvertising(); err != nil {
				b.log.WithError(err).WithField("uuid", svc.uuid).Debug("winbt: stop advertising failed")
			}
			svc.advertising = false
		}
	}
	return nil
}
