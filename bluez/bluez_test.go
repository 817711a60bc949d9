package bluez

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestConnectPicksFirstAdapter(t *testing.T) {
	bus := newFakeBus()
	bus.objects["/org/bluez/hci1"] = map[string]map[string]dbus.Variant{
		adapterIface:     {},
		gattManagerIface: {},
		advManagerIface:  {},
	}
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	if b.adapterPath != "/org/bluez/hci0" {
		t.Errorf("adapter: got %s want /org/bluez/hci0", b.adapterPath)
	}
}

func TestConnectHonorsAdapterName(t *testing.T) {
	bus := newFakeBus()
	bus.objects["/org/bluez/hci1"] = map[string]map[string]dbus.Variant{
		adapterIface:     {},
		gattManagerIface: {},
		advManagerIface:  {},
	}
	b := newTestBackend(t, bus, Config{Adapter: "hci1"}, newStubEvents())
	if b.adapterPath != "/org/bluez/hci1" {
		t.Errorf("adapter: got %s want /org/bluez/hci1", b.adapterPath)
	}
}

func TestConnectMissingNamedAdapter(t *testing.T) {
	bus := newFakeBus()
	b := New(Config{Adapter: "hci7", Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return bus, nil }
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect: got %v want ErrNoAdapter", err)
	}
	if !bus.isClosed() {
		t.Error("bus left open after failed connect")
	}
}

// An adapter without a GATT manager cannot host a server, even when
// named explicitly.
func TestConnectRequiresGattManager(t *testing.T) {
	bus := newFakeBus()
	bus.objects["/org/bluez/hci1"] = map[string]map[string]dbus.Variant{adapterIface: {}}
	b := New(Config{Adapter: "hci1", Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return bus, nil }
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect: got %v want ErrNoAdapter", err)
	}
}

func TestConnectNoAdapters(t *testing.T) {
	bus := newFakeBus()
	delete(bus.objects, "/org/bluez/hci0")
	b := New(Config{Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return bus, nil }
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect: got %v want ErrNoAdapter", err)
	}
}

func TestConnectManagedObjectsFailure(t *testing.T) {
	bus := newFakeBus()
	bus.failCall(objectManagerIface+".GetManagedObjects", errors.New("timeout"))
	b := New(Config{Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return bus, nil }
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect: got %v want ErrNoAdapter", err)
	}
}

func TestConnectDialFailure(t *testing.T) {
	b := New(Config{Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return nil, errors.New("no bus") }
	if err := b.Connect(context.Background()); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("Connect: got %v want ErrBusUnavailable", err)
	}
}

func TestConnectPowersAdapterAndSetsAlias(t *testing.T) {
	bus := newFakeBus()
	newTestBackend(t, bus, Config{Name: "gopher gatt"}, newStubEvents())

	v, ok := bus.setProp("/org/bluez/hci0", adapterIface+".Powered")
	if !ok || v.Value() != true {
		t.Errorf("Powered: got %v (set %v)", v, ok)
	}
	v, ok = bus.setProp("/org/bluez/hci0", adapterIface+".Alias")
	if !ok || v.Value() != "gopher gatt" {
		t.Errorf("Alias: got %v (set %v)", v, ok)
	}
	if !bus.exported("/org/bluez/gophergatt", objectManagerIface) {
		t.Error("application root not exported")
	}
}

func TestConnectPowerFailureIsFatal(t *testing.T) {
	bus := newFakeBus()
	bus.failCall(adapterIface+".Powered", errors.New("blocked by rfkill"))
	b := New(Config{Logger: quietLogger()}, newStubEvents())
	b.dial = func() (busConn, error) { return bus, nil }
	err := b.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "power on") {
		t.Fatalf("Connect: got %v", err)
	}
	if !bus.isClosed() {
		t.Error("bus left open after failed connect")
	}
}

// A failed alias update is cosmetic and must not abort the bring-up.
func TestConnectAliasFailureIsIgnored(t *testing.T) {
	bus := newFakeBus()
	bus.failCall(adapterIface+".Alias", errors.New("not permitted"))
	newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
}

// The application is registered with bluetoothd once, on the first
// StartAdvertising; advertising cycles only touch the advertisement.
func TestAdvertisingLifecycle(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	buildHeartRate(t, b)
	ctx := context.Background()

	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}
	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising while advertising: %v", err)
	}
	if got := len(bus.callsTo(gattManagerIface + ".RegisterApplication")); got != 1 {
		t.Errorf("RegisterApplication calls: got %d want 1", got)
	}
	if got := len(bus.callsTo(advManagerIface + ".RegisterAdvertisement")); got != 1 {
		t.Errorf("RegisterAdvertisement calls: got %d want 1", got)
	}
	if !b.Advertising() {
		t.Error("Advertising() false while advertising")
	}

	if err := b.StopAdvertising(ctx); err != nil {
		t.Fatalf("StopAdvertising: %v", err)
	}
	if err := b.StopAdvertising(ctx); err != nil {
		t.Fatalf("StopAdvertising while stopped: %v", err)
	}
	if got := len(bus.callsTo(advManagerIface + ".UnregisterAdvertisement")); got != 1 {
		t.Errorf("UnregisterAdvertisement calls: got %d want 1", got)
	}
	if got := len(bus.callsTo(gattManagerIface + ".UnregisterApplication")); got != 0 {
		t.Errorf("application unregistered by StopAdvertising")
	}
	if b.Advertising() {
		t.Error("Advertising() true after StopAdvertising")
	}

	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising again: %v", err)
	}
	if got := len(bus.callsTo(gattManagerIface + ".RegisterApplication")); got != 1 {
		t.Errorf("RegisterApplication calls after resume: got %d want 1", got)
	}
	if got := len(bus.callsTo(advManagerIface + ".RegisterAdvertisement")); got != 2 {
		t.Errorf("RegisterAdvertisement calls after resume: got %d want 2", got)
	}
}

// A rejected RegisterApplication leaves the backend unregistered so the
// next StartAdvertising retries it.
func TestRegistrationFailureIsRetried(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	buildHeartRate(t, b)
	ctx := context.Background()

	bus.failCall(gattManagerIface+".RegisterApplication", errors.New("rejected"))
	err := b.StartAdvertising(ctx)
	if err == nil || !strings.Contains(err.Error(), "register application") {
		t.Fatalf("StartAdvertising: got %v", err)
	}
	if b.Advertising() {
		t.Error("Advertising() true after failed registration")
	}

	bus.failCall(gattManagerIface+".RegisterApplication", nil)
	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising retry: %v", err)
	}
	if got := len(bus.callsTo(gattManagerIface + ".RegisterApplication")); got != 2 {
		t.Errorf("RegisterApplication calls: got %d want 2", got)
	}
}

func TestAdvertisementCarriesServiceUUIDs(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	ctx := context.Background()
	if _, err := b.AddService(ctx, heartRateSvcUUID); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if _, err := b.AddService(ctx, envSenseSvcUUID); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}

	props, derr := b.adv.GetAll(advIface)
	if derr != nil {
		t.Fatalf("GetAll: %v", derr)
	}
	if got := props["Type"].Value(); got != "peripheral" {
		t.Errorf("Type: got %v", got)
	}
	if got := props["LocalName"].Value(); got != "unit" {
		t.Errorf("LocalName: got %v", got)
	}
	uuids, _ := props["ServiceUUIDs"].Value().([]string)
	if want := []string{heartRateSvcUUID, envSenseSvcUUID}; !reflect.DeepEqual(uuids, want) {
		t.Errorf("ServiceUUIDs: got %v want %v", uuids, want)
	}
	if !bus.exported(b.adv.path, advIface) {
		t.Error("advertisement not exported")
	}
}

// Objects added before registration travel with GetManagedObjects;
// only later additions need an InterfacesAdded announcement.
func TestLateServiceIsAnnounced(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	buildHeartRate(t, b)
	ctx := context.Background()

	if got := len(bus.emissions(interfacesAdded)); got != 0 {
		t.Fatalf("announcements before registration: got %d want 0", got)
	}
	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}

	svc, err := b.AddService(ctx, envSenseSvcUUID)
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	emits := bus.emissions(interfacesAdded)
	if len(emits) != 1 {
		t.Fatalf("announcements after late add: got %d want 1", len(emits))
	}
	if path, _ := emits[0].values[0].(dbus.ObjectPath); string(path) != svc {
		t.Errorf("announced path: got %v want %s", emits[0].values[0], svc)
	}
}

func TestCloseUnregistersEverything(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	buildHeartRate(t, b)
	ctx := context.Background()
	if err := b.StartAdvertising(ctx); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(bus.callsTo(advManagerIface + ".UnregisterAdvertisement")); got != 1 {
		t.Errorf("UnregisterAdvertisement calls: got %d want 1", got)
	}
	if got := len(bus.callsTo(gattManagerIface + ".UnregisterApplication")); got != 1 {
		t.Errorf("UnregisterApplication calls: got %d want 1", got)
	}
	if !bus.isClosed() {
		t.Error("bus connection not closed")
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := len(bus.callsTo(gattManagerIface + ".UnregisterApplication")); got != 1 {
		t.Errorf("second Close repeated the unregistration")
	}
	if _, err := b.AddService(ctx, envSenseSvcUUID); !errors.Is(err, ErrClosed) {
		t.Errorf("AddService after Close: got %v want ErrClosed", err)
	}
}

func TestOperationsRequireConnect(t *testing.T) {
	b := New(Config{Logger: quietLogger()}, newStubEvents())
	if _, err := b.AddService(context.Background(), heartRateSvcUUID); !errors.Is(err, ErrBusUnavailable) {
		t.Errorf("AddService: got %v want ErrBusUnavailable", err)
	}
	if err := b.StartAdvertising(context.Background()); !errors.Is(err, ErrBusUnavailable) {
		t.Errorf("StartAdvertising: got %v want ErrBusUnavailable", err)
	}
}

func TestNotifyUnknownCharacteristic(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	if err := b.Notify("/org/bluez/unit/service0/char9", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Notify: got %v want ErrNotFound", err)
	}
	if err := b.SetValue("/org/bluez/unit/service0/char9", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetValue: got %v want ErrNotFound", err)
	}
}

func TestDisconnectTargetsDeviceObject(t *testing.T) {
	bus := newFakeBus()
	b := newTestBackend(t, bus, Config{Name: "unit"}, newStubEvents())
	if err := b.Disconnect(context.Background(), "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	calls := bus.callsTo(deviceIface + ".Disconnect")
	if len(calls) != 1 {
		t.Fatalf("Disconnect calls: got %d want 1", len(calls))
	}
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); calls[0].path != want {
		t.Errorf("Disconnect path: got %s want %s", calls[0].path, want)
	}
}
