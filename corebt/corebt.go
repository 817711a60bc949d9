//go:build darwin

// Package corebt exposes a GATT application through CoreBluetooth's
// peripheral manager.
//
// CoreBluetooth never reveals plain connections to a peripheral, only
// subscriptions, so connectedness here means at least one subscribed
// central. Every characteristic is published as a dynamic one: reads
// and writes always come back through the delegate and are forwarded
// to the Events sink, never answered from a framework-cached value.
package corebt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tinygo-org/cbgo"
)

var (
	// ErrPoweredOff is returned when the Bluetooth controller does not
	// reach the powered-on state.
	ErrPoweredOff = errors.New("corebt: bluetooth not powered on")

	// ErrUnsupported marks operations CoreBluetooth has no equivalent
	// for.
	ErrUnsupported = errors.New("corebt: not supported")

	// ErrNotFound is returned for operations on unknown handles.
	ErrNotFound = errors.New("corebt: object not found")

	// ErrClosed is returned for operations on a closed backend.
	ErrClosed = errors.New("corebt: backend closed")
)

// Events receives inbound GATT traffic decoded from delegate
// callbacks. Characteristics are identified by UUID and centrals by
// the framework's per-device identifier.
type Events interface {
	Read(char string, offset int, central string) ([]byte, error)
	Write(char string, offset int, central string, value []byte) error
	Subscribed(char string, central string)
	Unsubscribed(char string, central string)
}

// Config carries the backend settings.
type Config struct {
	// Name is the advertised local name.
	Name string

	// Logger for transport diagnostics. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

// powerOnTimeout bounds the wait for the initial state callback when
// the caller's context carries no deadline of its own.
const powerOnTimeout = 10 * time.Second

type publishedService struct {
	uuid      string
	svc       *cbgo.MutableService
	chars     []*cbgo.MutableCharacteristic
	published bool
}

// Backend is a GATT server driven by one CBPeripheralManager.
type Backend struct {
	cfg  Config
	log  logrus.FieldLogger
	sink Events

	pm cbgo.PeripheralManager

	stateCh chan cbgo.ManagerState
	addCh   chan error
	advCh   chan error

	pubMu sync.Mutex // serializes AddService and StartAdvertising waits

	mu          sync.Mutex
	services    []*publishedService
	svcByHandle map[string]*publishedService
	chrByHandle map[string]*cbgo.MutableCharacteristic
	subs        map[string]map[string]struct{} // char uuid -> central ids
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
		stateCh:     make(chan cbgo.ManagerState, 8),
		addCh:       make(chan error, 1),
		advCh:       make(chan error, 1),
		svcByHandle: make(map[string]*publishedService),
		chrByHandle: make(map[string]*cbgo.MutableCharacteristic),
		subs:        make(map[string]map[string]struct{}),
	}
}

// Connect creates the peripheral manager and waits for the controller
// to power on.
func (b *Backend) Connect(ctx context.Context) error {
	b.pm = cbgo.NewPeripheralManager(nil)
	b.pm.SetDelegate(&pmDelegate{b: b})

	timer := time.NewTimer(powerOnTimeout)
	defer timer.Stop()
	for {
		select {
		case st := <-b.stateCh:
			if st == cbgo.ManagerStatePoweredOn {
				return nil
			}
			b.log.WithField("state", int(st)).Debug("corebt: manager state")
		case <-timer.C:
			return ErrPoweredOff
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddService records a new primary service. Publication to the
// framework is deferred to StartAdvertising so that a service and its
// characteristics go out as one unit; services added while already
// advertising are published immediately.
func (b *Backend) AddService(ctx context.Context, uuid string) (string, error) {
	cbuuid, err := cbgo.ParseUUID(uuid)
	if err != nil {
		return "", fmt.Errorf("corebt: parse uuid %q: %w", uuid, err)
	}

	ps := &publishedService{
		uuid: uuid,
		svc:  cbgo.NewMutableService(cbuuid, true),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	publishNow := b.advertising
	b.services = append(b.services, ps)
	b.svcByHandle[uuid] = ps
	b.mu.Unlock()

	if publishNow {
		if err := b.publish(ctx, ps); err != nil {
			return "", err
		}
	}
	return uuid, nil
}

// AddCharacteristic records a characteristic under the service with
// the given handle. The characteristic is created without a value;
// CoreBluetooth treats valued characteristics as static and would stop
// consulting the delegate for reads.
func (b *Backend) AddCharacteristic(ctx context.Context, svcHandle, uuid string, props, perms uint) (string, error) {
	cbuuid, err := cbgo.ParseUUID(uuid)
	if err != nil {
		return "", fmt.Errorf("corebt: parse uuid %q: %w", uuid, err)
	}
	cbprops, err := charProps(props)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	ps, ok := b.svcByHandle[svcHandle]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: service %s", ErrNotFound, svcHandle)
	}
	chr := cbgo.NewMutableCharacteristic(cbuuid, cbprops, nil, attrPerms(perms))
	ps.chars = append(ps.chars, chr)
	ps.svc.SetCharacteristics(ps.chars)
	handle := svcHandle + "/" + uuid
	b.chrByHandle[handle] = chr
	republish := ps.published
	b.mu.Unlock()

	if republish {
		// A published service cannot grow in place; retract and
		// publish it again with the new characteristic attached.
		b.pm.RemoveService(ps.svc)
		if err := b.publish(ctx, ps); err != nil {
			return "", err
		}
	}
	return handle, nil
}

// publish hands one service to the framework and waits for the
// DidAddService verdict.
func (b *Backend) publish(ctx context.Context, ps *publishedService) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	drainErr(b.addCh)
	b.pm.AddService(ps.svc)
	select {
	case err := <-b.addCh:
		if err != nil {
			return fmt.Errorf("corebt: add service %s: %w", ps.uuid, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	ps.published = true
	b.mu.Unlock()
	b.log.WithField("uuid", ps.uuid).Debug("corebt: service published")
	return nil
}

// StartAdvertising publishes any pending services and begins
// advertising the local name and service list. Calling it while
// already advertising is a no-op.
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
	pending := make([]*publishedService, 0, len(b.services))
	uuids := make([]cbgo.UUID, 0, len(b.services))
	for _, ps := range b.services {
		if !ps.published {
			pending = append(pending, ps)
		}
		if u, err := cbgo.ParseUUID(ps.uuid); err == nil {
			uuids = append(uuids, u)
		}
	}
	b.mu.Unlock()

	for _, ps := range pending {
		if err := b.publish(ctx, ps); err != nil {
			return err
		}
	}

	b.pubMu.Lock()
	drainErr(b.advCh)
	b.pm.StartAdvertising(cbgo.AdvData{
		LocalName:    b.cfg.Name,
		ServiceUUIDs: uuids,
	})
	var err error
	select {
	case err = <-b.advCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("corebt: start advertising: %w", err)
	}

	b.mu.Lock()
	b.advertising = true
	b.mu.Unlock()
	b.log.WithField("name", b.cfg.Name).Info("corebt: advertising")
	return nil
}

// StopAdvertising stops advertising. Published services stay
// available to already connected centrals.
func (b *Backend) StopAdvertising(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	advertising := b.advertising
	b.advertising = false
	b.mu.Unlock()

	if advertising {
		b.pm.StopAdvertising()
	}
	return nil
}

// Notify pushes a value to the centrals subscribed to the
// characteristic. The framework reports a full transmit queue as a
// failed push.
func (b *Backend) Notify(charHandle string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	chr, ok := b.chrByHandle[charHandle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, charHandle)
	}
	if !b.pm.UpdateValue(value, chr, nil) {
		return fmt.Errorf("corebt: update for %s not accepted, transmit queue full", charHandle)
	}
	return nil
}

// SetValue is a no-op: dynamic characteristics have no framework-side
// value cache, every read reaches the delegate.
func (b *Backend) SetValue(charHandle string, value []byte) error {
	return nil
}

// Advertising reports whether the peripheral is advertising.
func (b *Backend) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

// Connected reports whether any central is subscribed. CoreBluetooth
// does not surface bare connections to peripherals.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, centrals := range b.subs {
		if len(centrals) > 0 {
			return true
		}
	}
	return false
}

// Peers returns the identifiers of subscribed centrals.
func (b *Backend) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	for _, centrals := range b.subs {
		for id := range centrals {
			seen[id] = struct{}{}
		}
	}
	peers := make([]string, 0, len(seen))
	for id := range seen {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Disconnect is not available on this platform; CoreBluetooth offers
// peripherals no way to drop a central.
func (b *Backend) Disconnect(ctx context.Context, addr string) error {
	return fmt.Errorf("%w: disconnect", ErrUnsupported)
}

// Close stops advertising and retracts the published services. Close
// is idempotent.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	advertising := b.advertising
	b.advertising = false
	b.mu.Unlock()

	if advertising {
		b.pm.StopAdvertising()
	}
	b.pm.RemoveAllServices()
	return nil
}

// charProps maps property bits to the framework's characteristic
// properties. The low eight bits line up exactly; the two high bits
// mean reliable-write and writable-auxiliaries here but encryption
// requirements there, so they are rejected rather than silently
// changing meaning.
func charProps(props uint) (cbgo.CharacteristicProperties, error) {
	if props&^uint(0xff) != 0 {
		return 0, fmt.Errorf("corebt: reliable-write and writable-auxiliaries properties: %w", ErrUnsupported)
	}
	return cbgo.CharacteristicProperties(props), nil
}

// attrPerms maps permission bits to the framework's attribute
// permissions; the layouts are identical.
func attrPerms(perms uint) cbgo.AttributePermissions {
	return cbgo.AttributePermissions(perms & 0xf)
}

// normUUID expands a framework UUID string, possibly a 16 or 32 bit
// short form, to the canonical lowercase 128-bit form.
func normUUID(s string) string {
	s = strings.ToLower(s)
	switch len(s) {
	case 4:
		return "0000" + s + "-0000-1000-8000-00805f9b34fb"
	case 8:
		return s + "-0000-1000-8000-00805f9b34fb"
	}
	return s
}

func drainErr(ch chan error) {
	select {
	case <-ch:
	default:
	}
}
