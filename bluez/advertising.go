package bluez

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// advertisement is the org.bluez.LEAdvertisement1 object handed to the
// adapter's advertising manager. It is a passive property bag; the
// kernel builds the actual advertising PDUs from it.
type advertisement struct {
	conn      busConn
	path      dbus.ObjectPath
	localName string

	mu           sync.Mutex
	serviceUUIDs []string
}

func newAdvertisement(conn busConn, base dbus.ObjectPath, localName string) *advertisement {
	return &advertisement{
		conn:      conn,
		path:      base + "/advertisement0",
		localName: localName,
	}
}

// setServiceUUIDs replaces the advertised service list. It is called
// right before registration, so a service added between advertising
// rounds shows up in the next one.
func (a *advertisement) setServiceUUIDs(uuids []string) {
	a.mu.Lock()
	a.serviceUUIDs = append([]string{}, uuids...)
	a.mu.Unlock()
}

func (a *advertisement) export() error {
	if err := a.conn.Export(a, a.path, advIface); err != nil {
		return err
	}
	if err := a.conn.Export(a, a.path, propsIface); err != nil {
		return err
	}
	return a.exportIntrospection()
}

func (a *advertisement) properties() map[string]dbus.Variant {
	a.mu.Lock()
	defer a.mu.Unlock()
	props := map[string]dbus.Variant{
		"Type":           dbus.MakeVariant("peripheral"),
		"ServiceUUIDs":   dbus.MakeVariant(append([]string{}, a.serviceUUIDs...)),
		"IncludeTxPower": dbus.MakeVariant(true),
	}
	if a.localName != "" {
		props["LocalName"] = dbus.MakeVariant(a.localName)
	}
	return props
}

func (a *advertisement) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := a.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, invalidArgs(prop)
	}
	return v, nil
}

func (a *advertisement) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != advIface {
		return nil, invalidArgs(iface)
	}
	return a.properties(), nil
}

func (a *advertisement) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

// Release is called by bluetoothd when it drops the advertisement on
// its own, typically because the adapter went away.
func (a *advertisement) Release() *dbus.Error {
	return nil
}

func (a *advertisement) exportIntrospection() error {
	iface := introspect.Interface{
		Name:    advIface,
		Methods: []introspect.Method{{Name: "Release"}},
		Properties: []introspect.Property{
			{Name: "Type", Type: "s", Access: "read"},
			{Name: "ServiceUUIDs", Type: "as", Access: "read"},
			{Name: "LocalName", Type: "s", Access: "read"},
			{Name: "IncludeTxPower", Type: "b", Access: "read"},
		},
	}
	node := &introspect.Node{
		Name:       string(a.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, propertiesIntro, iface},
	}
	return a.conn.Export(introspect.NewIntrospectable(node), a.path, introspectableIface)
}
