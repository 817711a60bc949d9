// Package bluez exposes a GATT application over the BlueZ D-Bus API.
//
// The backend exports the application object tree on the system bus and
// hands it to bluetoothd with org.bluez.GattManager1.RegisterApplication.
// From then on bluetoothd drives the tree: attribute reads and writes
// arrive as method calls on the exported objects, subscriptions arrive
// as StartNotify and StopNotify, and outbound notifications are
// PropertiesChanged emissions on the characteristic's Value property.
// Inbound traffic is forwarded to an Events sink supplied by the caller.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezService = "org.bluez"
	bluezRoot    = dbus.ObjectPath("/")

	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattManagerIface = "org.bluez.GattManager1"
	advManagerIface  = "org.bluez.LEAdvertisingManager1"
	serviceIface     = "org.bluez.GattService1"
	charIface        = "org.bluez.GattCharacteristic1"
	descIface        = "org.bluez.GattDescriptor1"
	advIface         = "org.bluez.LEAdvertisement1"

	propsIface          = "org.freedesktop.DBus.Properties"
	objectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	introspectableIface = "org.freedesktop.DBus.Introspectable"

	interfacesAdded   = objectManagerIface + ".InterfacesAdded"
	interfacesRemoved = objectManagerIface + ".InterfacesRemoved"
	propertiesChanged = propsIface + ".PropertiesChanged"

	errFailed       = "org.bluez.Error.Failed"
	errNotSupported = "org.bluez.Error.NotSupported"
)

var (
	// ErrBusUnavailable is returned when the system bus cannot be reached.
	ErrBusUnavailable = errors.New("bluez: system bus unavailable")

	// ErrNoAdapter is returned when no adapter with GATT server support
	// is present, or the requested adapter is missing.
	ErrNoAdapter = errors.New("bluez: no usable adapter")

	// ErrNotFound is returned for operations on unknown object paths.
	ErrNotFound = errors.New("bluez: object not found")

	// ErrClosed is returned for operations on a closed backend.
	ErrClosed = errors.New("bluez: backend closed")
)

// Events receives inbound GATT traffic decoded from D-Bus method calls.
// Characteristics and descriptors are identified by their UUID strings
// and centrals by their Bluetooth address; the address is empty when
// bluetoothd does not attribute the request to a device, as is the case
// for StartNotify. Read and Write block until the application has
// produced an answer, and their errors are reported to the remote
// central as org.bluez.Error.Failed.
type Events interface {
	Read(char string, offset int, central string) ([]byte, error)
	Write(char string, offset int, central string, value []byte) error
	DescRead(char, desc string, central string) ([]byte, error)
	DescWrite(char, desc string, central string, value []byte) error
	Subscribed(char string, central string)
	Unsubscribed(char string, central string)
	Connected(addr, name string)
	Disconnected(addr, name string)
}

// Config carries the backend settings.
type Config struct {
	// Name is the advertised local name. It also seeds the object path
	// the application tree is exported under.
	Name string

	// Adapter selects a specific adapter, e.g. "hci1". Empty picks the
	// first adapter that offers a GATT manager.
	Adapter string

	// Logger for transport diagnostics. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

// Backend is a GATT server bound to one BlueZ adapter.
type Backend struct {
	cfg  Config
	log  logrus.FieldLogger
	sink Events

	dial func() (busConn, error)

	mu          sync.Mutex
	conn        busConn
	adapterPath dbus.ObjectPath
	app         *application
	adv         *advertisement
	registered  bool
	advertising bool
	closed      bool
	peers       map[string]string // address -> name

	sig  chan *dbus.Signal
	done chan struct{}
}

// New creates a Backend forwarding inbound traffic to sink. The
// backend does nothing until Connect.
func New(cfg Config, sink Events) *Backend {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{
		cfg:   cfg,
		log:   log,
		sink:  sink,
		dial:  dialSystemBus,
		peers: make(map[string]string),
		done:  make(chan struct{}),
	}
}

// Connect attaches to the system bus, selects and powers the adapter,
// and exports the (still empty) application root. It does not register
// the application with bluetoothd; that happens on the first
// StartAdvertising, once the object tree is populated.
func (b *Backend) Connect(ctx context.Context) error {
	conn, err := b.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	adapter, err := findAdapter(ctx, conn, b.cfg.Adapter)
	if err != nil {
		conn.Close()
		return err
	}
	b.log.WithField("adapter", adapter).Debug("bluez: adapter selected")

	obj := conn.Object(bluezService, adapter)
	if err := obj.SetProperty(adapterIface+".Powered", dbus.MakeVariant(true)); err != nil {
		conn.Close()
		return fmt.Errorf("bluez: power on %s: %w", adapter, err)
	}
	if b.cfg.Name != "" {
		if err := obj.SetProperty(adapterIface+".Alias", dbus.MakeVariant(b.cfg.Name)); err != nil {
			b.log.WithError(err).Debug("bluez: setting adapter alias failed")
		}
	}

	app := newApplication(conn, b.cfg.Name, b)
	if err := app.export(); err != nil {
		conn.Close()
		return fmt.Errorf("bluez: export application: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.adapterPath = adapter
	b.app = app
	b.adv = newAdvertisement(conn, app.path, b.cfg.Name)
	b.mu.Unlock()

	return b.watchDevices()
}

// findAdapter locates the adapter object to serve from. With an empty
// name the first adapter offering a GATT manager wins; adapters are
// visited in path order so the choice is stable across runs.
func findAdapter(ctx context.Context, conn busConn, name string) (dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := conn.Object(bluezService, bluezRoot)
	call := root.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAdapter, call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}

	if name != "" {
		want := dbus.ObjectPath("/org/bluez/" + name)
		if ifaces, ok := objects[want]; ok {
			if _, ok := ifaces[gattManagerIface]; ok {
				return want, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNoAdapter, name)
	}

	var paths []string
	for path, ifaces := range objects {
		if _, ok := ifaces[gattManagerIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", ErrNoAdapter
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

// AddService exports a new primary service and returns its object
// path. Services added after RegisterApplication are announced to
// bluetoothd with an InterfacesAdded signal.
func (b *Backend) AddService(ctx context.Context, uuid string) (string, error) {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return "", err
	}
	app, registered := b.app, b.registered
	b.mu.Unlock()

	svc, err := app.addService(uuid)
	if err != nil {
		return "", err
	}
	if registered {
		app.announce(svc.path, map[string]map[string]dbus.Variant{serviceIface: svc.properties()})
	}
	b.log.WithFields(logrus.Fields{"uuid": uuid, "path": svc.path}).Debug("bluez: service exported")
	return string(svc.path), nil
}

// AddCharacteristic exports a characteristic under the service at
// servicePath, with the given BlueZ flag strings and initial value.
func (b *Backend) AddCharacteristic(ctx context.Context, servicePath, uuid string, flags []string, value []byte) (string, error) {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return "", err
	}
	app, registered := b.app, b.registered
	b.mu.Unlock()

	char, err := app.addCharacteristic(dbus.ObjectPath(servicePath), uuid, flags, value)
	if err != nil {
		return "", err
	}
	if registered {
		app.announce(char.path, map[string]map[string]dbus.Variant{charIface: char.properties()})
	}
	b.log.WithFields(logrus.Fields{"uuid": uuid, "path": char.path, "flags": strings.Join(flags, "|")}).Debug("bluez: characteristic exported")
	return string(char.path), nil
}

// AddDescriptor exports a descriptor under the characteristic at
// charPath.
func (b *Backend) AddDescriptor(ctx context.Context, charPath, uuid string, flags []string, value []byte) (string, error) {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return "", err
	}
	app, registered := b.app, b.registered
	b.mu.Unlock()

	desc, err := app.addDescriptor(dbus.ObjectPath(charPath), uuid, flags, value)
	if err != nil {
		return "", err
	}
	if registered {
		app.announce(desc.path, map[string]map[string]dbus.Variant{descIface: desc.properties()})
	}
	b.log.WithFields(logrus.Fields{"uuid": uuid, "path": desc.path}).Debug("bluez: descriptor exported")
	return string(desc.path), nil
}

// StartAdvertising registers the application with bluetoothd on first
// use, then registers the LE advertisement carrying the local name and
// the service UUIDs. Calling it while already advertising is a no-op.
func (b *Backend) StartAdvertising(ctx context.Context) error {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.advertising {
		b.mu.Unlock()
		return nil
	}
	conn, adapter, app, adv := b.conn, b.adapterPath, b.app, b.adv
	registered := b.registered
	b.mu.Unlock()

	mgr := conn.Object(bluezService, adapter)
	if !registered {
		call := mgr.CallWithContext(ctx, gattManagerIface+".RegisterApplication", 0, app.path, map[string]dbus.Variant{})
		if call.Err != nil {
			return fmt.Errorf("bluez: register application: %w", call.Err)
		}
		b.mu.Lock()
		b.registered = true
		b.mu.Unlock()
		b.log.WithField("path", app.path).Debug("bluez: application registered")
	}

	adv.setServiceUUIDs(app.serviceUUIDs())
	if err := adv.export(); err != nil {
		return fmt.Errorf("bluez: export advertisement: %w", err)
	}
	call := mgr.CallWithContext(ctx, advManagerIface+".RegisterAdvertisement", 0, adv.path, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bluez: register advertisement: %w", call.Err)
	}

	b.mu.Lock()
	b.advertising = true
	b.mu.Unlock()
	b.log.WithField("name", b.cfg.Name).Info("bluez: advertising")
	return nil
}

// StopAdvertising unregisters the LE advertisement. The application
// stays registered, so connected centrals keep their access and a
// later StartAdvertising resumes cheaply.
func (b *Backend) StopAdvertising(ctx context.Context) error {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if !b.advertising {
		b.mu.Unlock()
		return nil
	}
	conn, adapter, adv := b.conn, b.adapterPath, b.adv
	b.mu.Unlock()

	mgr := conn.Object(bluezService, adapter)
	call := mgr.CallWithContext(ctx, advManagerIface+".UnregisterAdvertisement", 0, adv.path)
	if call.Err != nil {
		return fmt.Errorf("bluez: unregister advertisement: %w", call.Err)
	}
	b.mu.Lock()
	b.advertising = false
	b.mu.Unlock()
	return nil
}

// Notify updates the characteristic's cached value and, when a central
// has subscribed, emits the PropertiesChanged signal that bluetoothd
// turns into a notification or indication. With no subscriber the
// value update alone succeeds.
func (b *Backend) Notify(charPath string, value []byte) error {
	char, err := b.lookupChar(charPath)
	if err != nil {
		return err
	}
	return char.notify(value)
}

// SetValue updates the characteristic's cached value without emitting
// anything.
func (b *Backend) SetValue(charPath string, value []byte) error {
	char, err := b.lookupChar(charPath)
	if err != nil {
		return err
	}
	char.setValue(value)
	return nil
}

func (b *Backend) lookupChar(charPath string) (*characteristic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.app == nil {
		return nil, ErrNotFound
	}
	char, ok := b.app.characteristic(dbus.ObjectPath(charPath))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, charPath)
	}
	return char, nil
}

// Advertising reports whether the LE advertisement is registered.
func (b *Backend) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

// Connected reports whether any central is connected to the adapter.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers) > 0
}

// Peers returns the addresses of connected centrals.
func (b *Backend) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := make([]string, 0, len(b.peers))
	for addr := range b.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Disconnect asks bluetoothd to drop the central with the given
// address.
func (b *Backend) Disconnect(ctx context.Context, addr string) error {
	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	conn, adapter := b.conn, b.adapterPath
	b.mu.Unlock()

	dev := conn.Object(bluezService, pathFromAddr(adapter, addr))
	call := dev.CallWithContext(ctx, deviceIface+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", addr, call.Err)
	}
	return nil
}

// Close unregisters the advertisement and the application and releases
// the bus connection. Close is idempotent.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn, adapter := b.conn, b.adapterPath
	adv, advertising := b.adv, b.advertising
	app, registered := b.app, b.registered
	b.advertising = false
	b.registered = false
	b.mu.Unlock()

	close(b.done)
	if conn == nil {
		return nil
	}

	mgr := conn.Object(bluezService, adapter)
	if advertising {
		if call := mgr.CallWithContext(ctx, advManagerIface+".UnregisterAdvertisement", 0, adv.path); call.Err != nil {
			b.log.WithError(call.Err).Debug("bluez: unregister advertisement failed")
		}
	}
	if registered {
		if call := mgr.CallWithContext(ctx, gattManagerIface+".UnregisterApplication", 0, app.path); call.Err != nil {
			b.log.WithError(call.Err).Debug("bluez: unregister application failed")
		}
	}
	return conn.Close()
}

func (b *Backend) readyLocked() error {
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil {
		return fmt.Errorf("%w: not connected", ErrBusUnavailable)
	}
	return nil
}
