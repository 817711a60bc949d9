package bluez

import (
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestAddrFromPath(t *testing.T) {
	cases := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0/dev_aa_bb", "aa:bb"},
		{"/org/bluez/hci0", ""},
		{"dev_AA", ""},
		{"", ""},
	}
	for _, tt := range cases {
		if got := addrFromPath(tt.path); got != tt.want {
			t.Errorf("addrFromPath(%q): got %q want %q", tt.path, got, tt.want)
		}
	}
}

func TestPathFromAddr(t *testing.T) {
	got := pathFromAddr("/org/bluez/hci0", "aa:bb:cc:dd:ee:ff")
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); got != want {
		t.Errorf("pathFromAddr: got %s want %s", got, want)
	}
}

// Central connections surface as InterfacesAdded and Connected flips;
// the roster dedupes and disconnections drain it again.
func TestCentralTracking(t *testing.T) {
	bus := newFakeBus()
	sink := newStubEvents()
	b := newTestBackend(t, bus, Config{Name: "unit"}, sink)

	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	bus.inject(t, &dbus.Signal{
		Name: interfacesAdded,
		Path: "/",
		Body: []interface{}{dev, map[string]map[string]dbus.Variant{
			deviceIface: {
				"Connected": dbus.MakeVariant(true),
				"Alias":     dbus.MakeVariant("pixel"),
			},
		}},
	})
	p := awaitPeer(t, sink.connects, "connect")
	if p.addr != "AA:BB:CC:DD:EE:FF" || p.name != "pixel" {
		t.Errorf("connect event: got %+v", p)
	}
	if !b.Connected() {
		t.Error("Connected() false with a peer present")
	}
	if got := b.Peers(); !reflect.DeepEqual(got, []string{"AA:BB:CC:DD:EE:FF"}) {
		t.Errorf("Peers: got %v", got)
	}

	// A second Connected flip for a known device must not produce a
	// second event.
	bus.inject(t, &dbus.Signal{
		Name: propertiesChanged,
		Path: dev,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}, []string{}},
	})
	bus.inject(t, &dbus.Signal{
		Name: propertiesChanged,
		Path: dev,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	})
	p = awaitPeer(t, sink.disconnects, "disconnect")
	if p.addr != "AA:BB:CC:DD:EE:FF" || p.name != "pixel" {
		t.Errorf("disconnect event: got %+v", p)
	}
	select {
	case extra := <-sink.connects:
		t.Errorf("duplicate connect reported: %+v", extra)
	default:
	}
	if b.Connected() {
		t.Error("Connected() true after disconnect")
	}
	if got := b.Peers(); len(got) != 0 {
		t.Errorf("Peers after disconnect: got %v", got)
	}
}

// A Connected flip without properties triggers an alias lookup on the
// device object.
func TestConnectedNameLookup(t *testing.T) {
	bus := newFakeBus()
	sink := newStubEvents()
	newTestBackend(t, bus, Config{Name: "unit"}, sink)

	dev := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	bus.scriptProperty(dev, deviceIface+".Alias", dbus.MakeVariant("watch"))
	bus.inject(t, &dbus.Signal{
		Name: propertiesChanged,
		Path: dev,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}, []string{}},
	})
	p := awaitPeer(t, sink.connects, "connect")
	if p.addr != "11:22:33:44:55:66" || p.name != "watch" {
		t.Errorf("connect event: got %+v", p)
	}
}

// Devices hanging off another adapter belong to someone else's server.
func TestForeignAdapterIgnored(t *testing.T) {
	bus := newFakeBus()
	sink := newStubEvents()
	newTestBackend(t, bus, Config{Name: "unit"}, sink)

	foreign := dbus.ObjectPath("/org/bluez/hci9/dev_11_22_33_44_55_66")
	own := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	for _, dev := range []dbus.ObjectPath{foreign, own} {
		bus.inject(t, &dbus.Signal{
			Name: interfacesAdded,
			Path: "/",
			Body: []interface{}{dev, map[string]map[string]dbus.Variant{
				deviceIface: {"Connected": dbus.MakeVariant(true)},
			}},
		})
	}
	// Signals are handled in order, so the first event must belong to
	// the own adapter's device.
	p := awaitPeer(t, sink.connects, "connect")
	if p.addr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("connect event: got %+v", p)
	}
	select {
	case extra := <-sink.connects:
		t.Errorf("foreign device reported: %+v", extra)
	default:
	}
}

// Removal of the whole Device1 object counts as a disconnection.
func TestDeviceRemovalDisconnects(t *testing.T) {
	bus := newFakeBus()
	sink := newStubEvents()
	newTestBackend(t, bus, Config{Name: "unit"}, sink)

	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	bus.inject(t, &dbus.Signal{
		Name: interfacesAdded,
		Path: "/",
		Body: []interface{}{dev, map[string]map[string]dbus.Variant{
			deviceIface: {
				"Connected": dbus.MakeVariant(true),
				"Alias":     dbus.MakeVariant("pixel"),
			},
		}},
	})
	awaitPeer(t, sink.connects, "connect")

	bus.inject(t, &dbus.Signal{
		Name: interfacesRemoved,
		Path: "/",
		Body: []interface{}{dev, []string{deviceIface}},
	})
	p := awaitPeer(t, sink.disconnects, "disconnect")
	if p.addr != "AA:BB:CC:DD:EE:FF" || p.name != "pixel" {
		t.Errorf("disconnect event: got %+v", p)
	}
}
