package bluez

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	heartRateSvcUUID = "0000180d-0000-1000-8000-00805f9b34fb"
	heartRateChrUUID = "00002a37-0000-1000-8000-00805f9b34fb"
	envSenseSvcUUID  = "0000181a-0000-1000-8000-00805f9b34fb"
	userDescUUID     = "00002901-0000-1000-8000-00805f9b34fb"
)

// fakeBus is a scripted busConn. It records exported objects, emitted
// signals and outbound method calls, answers GetManagedObjects from the
// objects map, and fails individual methods on request.
type fakeBus struct {
	mu       sync.Mutex
	objects  map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	exports  map[dbus.ObjectPath][]string
	emits    []busEmit
	calls    []busCall
	setProps map[string]dbus.Variant
	remote   map[string]dbus.Variant
	callErrs map[string]error
	sig      chan<- *dbus.Signal
	closed   bool
}

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

type busEmit struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects: map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
			"/org/bluez/hci0": {
				adapterIface:     {},
				gattManagerIface: {},
				advManagerIface:  {},
			},
		},
		exports:  make(map[dbus.ObjectPath][]string),
		setProps: make(map[string]dbus.Variant),
		remote:   make(map[string]dbus.Variant),
		callErrs: make(map[string]error),
	}
}

func (f *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeBusObject{bus: f, dest: dest, path: path}
}

func (f *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.exports[path] {
		if have == iface {
			return nil
		}
	}
	f.exports[path] = append(f.exports[path], iface)
	return nil
}

func (f *fakeBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, busEmit{path: path, name: name, values: values})
	return nil
}

func (f *fakeBus) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.sig = ch
	f.mu.Unlock()
}

func (f *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.sig = nil
	f.mu.Unlock()
}

func (f *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error    { return nil }
func (f *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error { return nil }

func (f *fakeBus) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// failCall scripts an error for one method or property name; a nil err
// clears it again.
func (f *fakeBus) failCall(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.callErrs, method)
		return
	}
	f.callErrs[method] = err
}

func (f *fakeBus) scriptProperty(path dbus.ObjectPath, prop string, v dbus.Variant) {
	f.mu.Lock()
	f.remote[propKey(path, prop)] = v
	f.mu.Unlock()
}

// inject delivers a signal as if it had arrived from the bus.
func (f *fakeBus) inject(t *testing.T, s *dbus.Signal) {
	t.Helper()
	f.mu.Lock()
	sig := f.sig
	f.mu.Unlock()
	if sig == nil {
		t.Fatal("no signal channel registered")
	}
	sig <- s
}

func (f *fakeBus) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeBus) callsTo(method string) []busCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []busCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBus) setProp(path dbus.ObjectPath, prop string) (dbus.Variant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.setProps[propKey(path, prop)]
	return v, ok
}

func (f *fakeBus) exported(path dbus.ObjectPath, iface string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.exports[path] {
		if have == iface {
			return true
		}
	}
	return false
}

func (f *fakeBus) emissions(name string) []busEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []busEmit
	for _, e := range f.emits {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// valueEmissions collects the Value payloads of PropertiesChanged
// signals emitted on path, the signals bluetoothd turns into
// notifications.
func (f *fakeBus) valueEmissions(path dbus.ObjectPath) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, e := range f.emits {
		if e.path != path || e.name != propertiesChanged || len(e.values) < 2 {
			continue
		}
		changed, ok := e.values[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		if v, ok := changed["Value"]; ok {
			value, _ := v.Value().([]byte)
			out = append(out, value)
		}
	}
	return out
}

// fakeBusObject scripts the bluetoothd side of adapter and device
// objects.
type fakeBusObject struct {
	bus  *fakeBus
	dest string
	path dbus.ObjectPath
}

func (o *fakeBusObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

func (o *fakeBusObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	o.bus.calls = append(o.bus.calls, busCall{path: o.path, method: method, args: args})
	if err := o.bus.callErrs[method]; err != nil {
		return &dbus.Call{Err: err}
	}
	if method == objectManagerIface+".GetManagedObjects" {
		return &dbus.Call{Body: []interface{}{o.bus.objects}}
	}
	return &dbus.Call{}
}

func (o *fakeBusObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *fakeBusObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return o.CallWithContext(ctx, method, flags, args...)
}

func (o *fakeBusObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeBusObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeBusObject) GetProperty(p string) (dbus.Variant, error) {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	if v, ok := o.bus.remote[propKey(o.path, p)]; ok {
		return v, nil
	}
	return dbus.Variant{}, errors.New("no such property")
}

func (o *fakeBusObject) StoreProperty(p string, value interface{}) error {
	v, err := o.GetProperty(p)
	if err != nil {
		return err
	}
	return dbus.Store([]interface{}{v.Value()}, value)
}

func (o *fakeBusObject) SetProperty(p string, v interface{}) error {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	if err := o.bus.callErrs[p]; err != nil {
		return err
	}
	variant, ok := v.(dbus.Variant)
	if !ok {
		variant = dbus.MakeVariant(v)
	}
	o.bus.setProps[propKey(o.path, p)] = variant
	return nil
}

func (o *fakeBusObject) Destination() string   { return o.dest }
func (o *fakeBusObject) Path() dbus.ObjectPath { return o.path }

func propKey(path dbus.ObjectPath, prop string) string {
	return string(path) + " " + prop
}

// stubEvents records the traffic the backend forwards and scripts the
// answers handed back to remote readers.
type stubEvents struct {
	mu           sync.Mutex
	readValue    []byte
	readErr      error
	writeErr     error
	descValue    []byte
	descReadErr  error
	descWriteErr error

	reads      []gattCall
	writes     []gattCall
	descReads  []gattCall
	descWrites []gattCall
	subs       []gattCall
	unsubs     []gattCall

	connects    chan peerEvent
	disconnects chan peerEvent
}

type gattCall struct {
	char    string
	desc    string
	offset  int
	central string
	value   []byte
}

type peerEvent struct {
	addr string
	name string
}

func newStubEvents() *stubEvents {
	return &stubEvents{
		connects:    make(chan peerEvent, 4),
		disconnects: make(chan peerEvent, 4),
	}
}

func (e *stubEvents) Read(char string, offset int, central string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads = append(e.reads, gattCall{char: char, offset: offset, central: central})
	if e.readErr != nil {
		return nil, e.readErr
	}
	return append([]byte{}, e.readValue...), nil
}

func (e *stubEvents) Write(char string, offset int, central string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, gattCall{char: char, offset: offset, central: central, value: append([]byte{}, value...)})
	return e.writeErr
}

func (e *stubEvents) DescRead(char, desc string, central string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descReads = append(e.descReads, gattCall{char: char, desc: desc, central: central})
	if e.descReadErr != nil {
		return nil, e.descReadErr
	}
	return append([]byte{}, e.descValue...), nil
}

func (e *stubEvents) DescWrite(char, desc string, central string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descWrites = append(e.descWrites, gattCall{char: char, desc: desc, central: central, value: append([]byte{}, value...)})
	return e.descWriteErr
}

func (e *stubEvents) Subscribed(char string, central string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, gattCall{char: char, central: central})
}

func (e *stubEvents) Unsubscribed(char string, central string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, gattCall{char: char, central: central})
}

func (e *stubEvents) Connected(addr, name string) {
	select {
	case e.connects <- peerEvent{addr: addr, name: name}:
	default:
	}
}

func (e *stubEvents) Disconnected(addr, name string) {
	select {
	case e.disconnects <- peerEvent{addr: addr, name: name}:
	default:
	}
}

func (e *stubEvents) setRead(value []byte, err error) {
	e.mu.Lock()
	e.readValue, e.readErr = value, err
	e.mu.Unlock()
}

func (e *stubEvents) setWrite(err error) {
	e.mu.Lock()
	e.writeErr = err
	e.mu.Unlock()
}

func (e *stubEvents) setDescRead(value []byte, err error) {
	e.mu.Lock()
	e.descValue, e.descReadErr = value, err
	e.mu.Unlock()
}

func (e *stubEvents) readCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.reads...)
}

func (e *stubEvents) writeCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.writes...)
}

func (e *stubEvents) descReadCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.descReads...)
}

func (e *stubEvents) descWriteCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.descWrites...)
}

func (e *stubEvents) subCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.subs...)
}

func (e *stubEvents) unsubCalls() []gattCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gattCall{}, e.unsubs...)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestBackend connects a backend to bus and tears it down with the
// test.
func newTestBackend(t *testing.T, bus *fakeBus, cfg Config, sink Events) *Backend {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	b := New(cfg, sink)
	b.dial = func() (busConn, error) { return bus, nil }
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func buildHeartRate(t *testing.T, b *Backend) (string, string) {
	t.Helper()
	svcPath, err := b.AddService(context.Background(), heartRateSvcUUID)
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	charPath, err := b.AddCharacteristic(context.Background(), svcPath, heartRateChrUUID, []string{"read", "notify"}, []byte{0x00})
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	return svcPath, charPath
}

func awaitPeer(t *testing.T, ch chan peerEvent, what string) peerEvent {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event within 2s", what)
	}
	return peerEvent{}
}
