package bluez

import "github.com/godbus/dbus/v5"

// busConn is the slice of *dbus.Conn the backend relies on. Tests
// substitute a scripted implementation; production code always runs on
// a private system bus connection.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// dialSystemBus opens a private connection so that Close cannot tear
// down a bus handle shared with other packages in the process.
func dialSystemBus() (busConn, error) {
	return dbus.ConnectSystemBus()
}
