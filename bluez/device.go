package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// watchDevices subscribes to the bus signals that reveal central
// connections. bluetoothd does not notify GATT servers about peers
// directly; connections surface as Device1 objects appearing under the
// adapter and as Connected property flips on existing ones.
func (b *Backend) watchDevices() error {
	b.mu.Lock()
	conn, adapter := b.conn, b.adapterPath
	b.mu.Unlock()

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objectManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objectManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(adapter)},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: subscribe signals: %w", err)
		}
	}

	sig := make(chan *dbus.Signal, 64)
	conn.Signal(sig)
	b.mu.Lock()
	b.sig = sig
	b.mu.Unlock()

	go b.deviceLoop(sig)
	return nil
}

func (b *Backend) deviceLoop(sig <-chan *dbus.Signal) {
	for {
		select {
		case <-b.done:
			return
		case s, ok := <-sig:
			if !ok {
				return
			}
			b.handleSignal(s)
		}
	}
}

func (b *Backend) handleSignal(s *dbus.Signal) {
	switch s.Name {
	case interfacesAdded:
		if len(s.Body) < 2 {
			return
		}
		path, _ := s.Body[0].(dbus.ObjectPath)
		ifaces, _ := s.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok {
			return
		}
		if v, ok := props["Connected"]; ok {
			if connected, _ := v.Value().(bool); connected {
				b.deviceConnected(path, props)
			}
		}
	case interfacesRemoved:
		if len(s.Body) < 2 {
			return
		}
		path, _ := s.Body[0].(dbus.ObjectPath)
		names, _ := s.Body[1].([]string)
		for _, name := range names {
			if name == deviceIface {
				b.deviceDisconnected(path)
				return
			}
		}
	case propertiesChanged:
		if len(s.Body) < 2 {
			return
		}
		iface, _ := s.Body[0].(string)
		if iface != deviceIface {
			return
		}
		changed, _ := s.Body[1].(map[string]dbus.Variant)
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, _ := v.Value().(bool); connected {
			b.deviceConnected(s.Path, nil)
		} else {
			b.deviceDisconnected(s.Path)
		}
	}
}

func (b *Backend) deviceConnected(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !b.ownsDevice(path) {
		return
	}
	addr := addrFromPath(path)
	if addr == "" {
		return
	}
	name := deviceAlias(props)
	if name == "" {
		name = b.deviceName(path)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, known := b.peers[addr]; known {
		b.mu.Unlock()
		return
	}
	b.peers[addr] = name
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"addr": addr, "name": name}).Debug("bluez: central connected")
	b.sink.Connected(addr, name)
}

func (b *Backend) deviceDisconnected(path dbus.ObjectPath) {
	if !b.ownsDevice(path) {
		return
	}
	addr := addrFromPath(path)

	b.mu.Lock()
	name, known := b.peers[addr]
	if !known || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.peers, addr)
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"addr": addr, "name": name}).Debug("bluez: central disconnected")
	b.sink.Disconnected(addr, name)
}

// ownsDevice filters out devices hanging off other adapters.
func (b *Backend) ownsDevice(path dbus.ObjectPath) bool {
	b.mu.Lock()
	adapter := b.adapterPath
	b.mu.Unlock()
	return strings.HasPrefix(string(path), string(adapter)+"/")
}

func deviceAlias(props map[string]dbus.Variant) string {
	for _, key := range []string{"Alias", "Name"} {
		if v, ok := props[key]; ok {
			if name, ok := v.Value().(string); ok {
				return name
			}
		}
	}
	return ""
}

// deviceName fetches the device alias with a bus round trip, used when
// the triggering signal did not carry it.
func (b *Backend) deviceName(path dbus.ObjectPath) string {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ""
	}
	v, err := conn.Object(bluezService, path).GetProperty(deviceIface + ".Alias")
	if err != nil {
		return ""
	}
	name, _ := v.Value().(string)
	return name
}

// addrFromPath extracts the device address from an object path,
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF giving AA:BB:CC:DD:EE:FF.
func addrFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if !strings.HasPrefix(s, "dev_") {
		return ""
	}
	return strings.ReplaceAll(s[4:], "_", ":")
}

// pathFromAddr is the inverse, mapping an address to the Device1
// object path under the adapter.
func pathFromAddr(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + s)
}
