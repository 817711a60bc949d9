package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// application is the exported object tree bluetoothd walks with
// GetManagedObjects. The root object implements ObjectManager; each
// service, characteristic and descriptor hangs below it under the
// serviceN/charM/descK path scheme and serves its own properties.
type application struct {
	conn    busConn
	backend *Backend
	path    dbus.ObjectPath

	mu       sync.Mutex
	services []*service
	chars    map[dbus.ObjectPath]*characteristic
	descs    map[dbus.ObjectPath]*descriptor
}

type service struct {
	app   *application
	path  dbus.ObjectPath
	uuid  string
	chars []*characteristic
}

type characteristic struct {
	app     *application
	service *service
	path    dbus.ObjectPath
	uuid    string
	flags   []string

	mu        sync.Mutex
	value     []byte
	notifying bool
	descs     []*descriptor
}

type descriptor struct {
	app  *application
	char *characteristic
	path dbus.ObjectPath
	uuid string

	flags []string

	mu    sync.Mutex
	value []byte
}

func newApplication(conn busConn, name string, b *Backend) *application {
	return &application{
		conn:    conn,
		backend: b,
		path:    dbus.ObjectPath("/org/bluez/" + pathElement(name)),
		chars:   make(map[dbus.ObjectPath]*characteristic),
		descs:   make(map[dbus.ObjectPath]*descriptor),
	}
}

// pathElement strips name down to the characters an object path
// element may carry, [A-Za-z0-9_].
func pathElement(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "gatts"
	}
	return b.String()
}

func (a *application) export() error {
	if err := a.conn.Export(a, a.path, objectManagerIface); err != nil {
		return err
	}
	return a.exportIntrospection()
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
// bluetoothd calls it once during RegisterApplication to learn the
// whole attribute tree.
func (a *application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for _, svc := range a.services {
		objects[svc.path] = map[string]map[string]dbus.Variant{serviceIface: svc.properties()}
		for _, char := range svc.chars {
			objects[char.path] = map[string]map[string]dbus.Variant{charIface: char.properties()}
			char.mu.Lock()
			descs := append([]*descriptor{}, char.descs...)
			char.mu.Unlock()
			for _, desc := range descs {
				objects[desc.path] = map[string]map[string]dbus.Variant{descIface: desc.properties()}
			}
		}
	}
	return objects, nil
}

// announce emits InterfacesAdded so bluetoothd picks up objects
// exported after RegisterApplication.
func (a *application) announce(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if err := a.conn.Emit(a.path, interfacesAdded, path, ifaces); err != nil {
		a.backend.log.WithError(err).Debug("bluez: InterfacesAdded emission failed")
	}
}

func (a *application) addService(uuid string) (*service, error) {
	a.mu.Lock()
	svc := &service{
		app:  a,
		path: dbus.ObjectPath(fmt.Sprintf("%s/service%d", a.path, len(a.services))),
		uuid: uuid,
	}
	a.services = append(a.services, svc)
	a.mu.Unlock()

	if err := svc.export(); err != nil {
		return nil, err
	}
	if err := svc.exportIntrospection(); err != nil {
		return nil, err
	}
	return svc, a.exportIntrospection()
}

func (a *application) addCharacteristic(servicePath dbus.ObjectPath, uuid string, flags []string, value []byte) (*characteristic, error) {
	a.mu.Lock()
	var svc *service
	for _, s := range a.services {
		if s.path == servicePath {
			svc = s
			break
		}
	}
	if svc == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, servicePath)
	}
	char := &characteristic{
		app:     a,
		service: svc,
		path:    dbus.ObjectPath(fmt.Sprintf("%s/char%d", svc.path, len(svc.chars))),
		uuid:    uuid,
		flags:   append([]string{}, flags...),
		value:   append([]byte{}, value...),
	}
	svc.chars = append(svc.chars, char)
	a.chars[char.path] = char
	a.mu.Unlock()

	if err := char.export(); err != nil {
		return nil, err
	}
	if err := char.exportIntrospection(); err != nil {
		return nil, err
	}
	return char, svc.exportIntrospection()
}

func (a *application) addDescriptor(charPath dbus.ObjectPath, uuid string, flags []string, value []byte) (*descriptor, error) {
	a.mu.Lock()
	char, ok := a.chars[charPath]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, charPath)
	}
	char.mu.Lock()
	desc := &descriptor{
		app:   a,
		char:  char,
		path:  dbus.ObjectPath(fmt.Sprintf("%s/desc%d", char.path, len(char.descs))),
		uuid:  uuid,
		flags: append([]string{}, flags...),
		value: append([]byte{}, value...),
	}
	char.descs = append(char.descs, desc)
	char.mu.Unlock()
	a.descs[desc.path] = desc
	a.mu.Unlock()

	if err := desc.export(); err != nil {
		return nil, err
	}
	return desc, char.exportIntrospection()
}

func (a *application) characteristic(path dbus.ObjectPath) (*characteristic, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	char, ok := a.chars[path]
	return char, ok
}

func (a *application) serviceUUIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	uuids := make([]string, 0, len(a.services))
	for _, svc := range a.services {
		uuids = append(uuids, svc.uuid)
	}
	return uuids
}

// Service object.

func (s *service) export() error {
	if err := s.app.conn.Export(s, s.path, serviceIface); err != nil {
		return err
	}
	return s.app.conn.Export(s, s.path, propsIface)
}

func (s *service) properties() map[string]dbus.Variant {
	paths := make([]dbus.ObjectPath, len(s.chars))
	for i, char := range s.chars {
		paths[i] = char.path
	}
	return map[string]dbus.Variant{
		"UUID":            dbus.MakeVariant(s.uuid),
		"Primary":         dbus.MakeVariant(true),
		"Characteristics": dbus.MakeVariant(paths),
	}
}

func (s *service) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := s.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, invalidArgs(prop)
	}
	return v, nil
}

func (s *service) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != serviceIface {
		return nil, invalidArgs(iface)
	}
	s.app.mu.Lock()
	defer s.app.mu.Unlock()
	return s.properties(), nil
}

func (s *service) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

// Characteristic object.

func (c *characteristic) export() error {
	if err := c.app.conn.Export(c, c.path, charIface); err != nil {
		return err
	}
	return c.app.conn.Export(c, c.path, propsIface)
}

func (c *characteristic) properties() map[string]dbus.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]dbus.ObjectPath, len(c.descs))
	for i, desc := range c.descs {
		paths[i] = desc.path
	}
	return map[string]dbus.Variant{
		"UUID":        dbus.MakeVariant(c.uuid),
		"Service":     dbus.MakeVariant(c.service.path),
		"Flags":       dbus.MakeVariant(c.flags),
		"Value":       dbus.MakeVariant(append([]byte{}, c.value...)),
		"Notifying":   dbus.MakeVariant(c.notifying),
		"Descriptors": dbus.MakeVariant(paths),
	}
}

func (c *characteristic) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := c.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, invalidArgs(prop)
	}
	return v, nil
}

func (c *characteristic) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != charIface {
		return nil, invalidArgs(iface)
	}
	return c.properties(), nil
}

func (c *characteristic) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

// ReadValue handles a remote read. The answer comes from the
// application, not from the cached Value property.
func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	offset := readOffset(options)
	value, err := c.app.backend.sink.Read(c.uuid, offset, centralAddr(options))
	if err != nil {
		return nil, dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return sliceAt(value, offset), nil
}

// WriteValue handles a remote write. Whether the value sticks is the
// application's decision; the cache is not touched here.
func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	err := c.app.backend.sink.Write(c.uuid, readOffset(options), centralAddr(options), value)
	if err != nil {
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return nil
}

// StartNotify is bluetoothd's subscription signal. It carries no
// device identity, so the subscriber is reported anonymously.
func (c *characteristic) StartNotify() *dbus.Error {
	c.mu.Lock()
	already := c.notifying
	c.notifying = true
	c.mu.Unlock()
	if already {
		return nil
	}
	c.emitChanged(map[string]dbus.Variant{"Notifying": dbus.MakeVariant(true)})
	c.app.backend.sink.Subscribed(c.uuid, "")
	return nil
}

func (c *characteristic) StopNotify() *dbus.Error {
	c.mu.Lock()
	wasNotifying := c.notifying
	c.notifying = false
	c.mu.Unlock()
	if !wasNotifying {
		return nil
	}
	c.emitChanged(map[string]dbus.Variant{"Notifying": dbus.MakeVariant(false)})
	c.app.backend.sink.Unsubscribed(c.uuid, "")
	return nil
}

// notify caches the value and pushes it to subscribers. bluetoothd
// only forwards Value changes while Notifying is set, so with no
// subscriber the cache update alone is the whole effect.
func (c *characteristic) notify(value []byte) error {
	v := append([]byte{}, value...)
	c.mu.Lock()
	c.value = v
	notifying := c.notifying
	c.mu.Unlock()
	if !notifying {
		return nil
	}
	return c.app.conn.Emit(c.path, propertiesChanged, charIface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(v)}, []string{})
}

func (c *characteristic) setValue(value []byte) {
	v := append([]byte{}, value...)
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

func (c *characteristic) emitChanged(changed map[string]dbus.Variant) {
	if err := c.app.conn.Emit(c.path, propertiesChanged, charIface, changed, []string{}); err != nil {
		c.app.backend.log.WithError(err).Debug("bluez: PropertiesChanged emission failed")
	}
}

// Descriptor object.

func (d *descriptor) export() error {
	if err := d.app.conn.Export(d, d.path, descIface); err != nil {
		return err
	}
	if err := d.app.conn.Export(d, d.path, propsIface); err != nil {
		return err
	}
	return d.exportIntrospection()
}

func (d *descriptor) properties() map[string]dbus.Variant {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant(d.uuid),
		"Characteristic": dbus.MakeVariant(d.char.path),
		"Flags":          dbus.MakeVariant(d.flags),
		"Value":          dbus.MakeVariant(append([]byte{}, d.value...)),
	}
}

func (d *descriptor) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := d.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, invalidArgs(prop)
	}
	return v, nil
}

func (d *descriptor) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != descIface {
		return nil, invalidArgs(iface)
	}
	return d.properties(), nil
}

func (d *descriptor) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

func (d *descriptor) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	offset := readOffset(options)
	value, err := d.app.backend.sink.DescRead(d.char.uuid, d.uuid, centralAddr(options))
	if err != nil {
		return nil, dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return sliceAt(value, offset), nil
}

func (d *descriptor) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	err := d.app.backend.sink.DescWrite(d.char.uuid, d.uuid, centralAddr(options), value)
	if err != nil {
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	d.mu.Lock()
	d.value = append([]byte{}, value...)
	d.mu.Unlock()
	return nil
}

// Option decoding helpers.

// readOffset extracts the read or write offset bluetoothd passes for
// long attribute operations.
func readOffset(options map[string]dbus.Variant) int {
	v, ok := options["offset"]
	if !ok {
		return 0
	}
	switch off := v.Value().(type) {
	case uint16:
		return int(off)
	case uint32:
		return int(off)
	case int:
		return off
	}
	return 0
}

// centralAddr recovers the requesting central's address from the
// device option, a Device1 object path like
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func centralAddr(options map[string]dbus.Variant) string {
	v, ok := options["device"]
	if !ok {
		return ""
	}
	if path, ok := v.Value().(dbus.ObjectPath); ok {
		return addrFromPath(path)
	}
	if s, ok := v.Value().(string); ok {
		return addrFromPath(dbus.ObjectPath(s))
	}
	return ""
}

func sliceAt(value []byte, offset int) []byte {
	if offset <= 0 {
		return value
	}
	if offset >= len(value) {
		return []byte{}
	}
	return value[offset:]
}

func invalidArgs(what string) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", []interface{}{what})
}

// Introspection. bluetoothd itself discovers the tree through
// ObjectManager; the introspection data is for busctl and friends.

var objectManagerIntro = introspect.Interface{
	Name: objectManagerIface,
	Methods: []introspect.Method{{
		Name: "GetManagedObjects",
		Args: []introspect.Arg{{Name: "objects", Type: "a{oa{sa{sv}}}", Direction: "out"}},
	}},
	Signals: []introspect.Signal{
		{Name: "InterfacesAdded", Args: []introspect.Arg{
			{Name: "object", Type: "o"},
			{Name: "interfaces", Type: "a{sa{sv}}"},
		}},
		{Name: "InterfacesRemoved", Args: []introspect.Arg{
			{Name: "object", Type: "o"},
			{Name: "interfaces", Type: "as"},
		}},
	},
}

var propertiesIntro = introspect.Interface{
	Name: propsIface,
	Methods: []introspect.Method{
		{Name: "Get", Args: []introspect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "out"},
		}},
		{Name: "GetAll", Args: []introspect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "properties", Type: "a{sv}", Direction: "out"},
		}},
		{Name: "Set", Args: []introspect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "in"},
		}},
	},
	Signals: []introspect.Signal{
		{Name: "PropertiesChanged", Args: []introspect.Arg{
			{Name: "interface", Type: "s"},
			{Name: "changed_properties", Type: "a{sv}"},
			{Name: "invalidated_properties", Type: "as"},
		}},
	},
}

func (a *application) exportIntrospection() error {
	a.mu.Lock()
	node := &introspect.Node{
		Name:       string(a.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, objectManagerIntro},
	}
	for _, svc := range a.services {
		node.Children = append(node.Children, introspect.Node{Name: childName(a.path, svc.path)})
	}
	a.mu.Unlock()
	return a.conn.Export(introspect.NewIntrospectable(node), a.path, introspectableIface)
}

func (s *service) exportIntrospection() error {
	iface := introspect.Interface{
		Name: serviceIface,
		Properties: []introspect.Property{
			{Name: "UUID", Type: "s", Access: "read"},
			{Name: "Primary", Type: "b", Access: "read"},
			{Name: "Characteristics", Type: "ao", Access: "read"},
		},
	}
	s.app.mu.Lock()
	node := &introspect.Node{
		Name:       string(s.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, propertiesIntro, iface},
	}
	for _, char := range s.chars {
		node.Children = append(node.Children, introspect.Node{Name: childName(s.path, char.path)})
	}
	s.app.mu.Unlock()
	return s.app.conn.Export(introspect.NewIntrospectable(node), s.path, introspectableIface)
}

func (c *characteristic) exportIntrospection() error {
	iface := introspect.Interface{
		Name: charIface,
		Methods: []introspect.Method{
			{Name: "ReadValue", Args: []introspect.Arg{
				{Name: "options", Type: "a{sv}", Direction: "in"},
				{Name: "value", Type: "ay", Direction: "out"},
			}},
			{Name: "WriteValue", Args: []introspect.Arg{
				{Name: "value", Type: "ay", Direction: "in"},
				{Name: "options", Type: "a{sv}", Direction: "in"},
			}},
			{Name: "StartNotify"},
			{Name: "StopNotify"},
		},
		Properties: []introspect.Property{
			{Name: "UUID", Type: "s", Access: "read"},
			{Name: "Service", Type: "o", Access: "read"},
			{Name: "Flags", Type: "as", Access: "read"},
			{Name: "Value", Type: "ay", Access: "read"},
			{Name: "Notifying", Type: "b", Access: "read"},
			{Name: "Descriptors", Type: "ao", Access: "read"},
		},
	}
	c.mu.Lock()
	node := &introspect.Node{
		Name:       string(c.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, propertiesIntro, iface},
	}
	for _, desc := range c.descs {
		node.Children = append(node.Children, introspect.Node{Name: childName(c.path, desc.path)})
	}
	c.mu.Unlock()
	return c.app.conn.Export(introspect.NewIntrospectable(node), c.path, introspectableIface)
}

func (d *descriptor) exportIntrospection() error {
	iface := introspect.Interface{
		Name: descIface,
		Methods: []introspect.Method{
			{Name: "ReadValue", Args: []introspect.Arg{
				{Name: "options", Type: "a{sv}", Direction: "in"},
				{Name: "value", Type: "ay", Direction: "out"},
			}},
			{Name: "WriteValue", Args: []introspect.Arg{
				{Name: "value", Type: "ay", Direction: "in"},
				{Name: "options", Type: "a{sv}", Direction: "in"},
			}},
		},
		Properties: []introspect.Property{
			{Name: "UUID", Type: "s", Access: "read"},
			{Name: "Characteristic", Type: "o", Access: "read"},
			{Name: "Flags", Type: "as", Access: "read"},
			{Name: "Value", Type: "ay", Access: "read"},
		},
	}
	node := &introspect.Node{
		Name:       string(d.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, propertiesIntro, iface},
	}
	return d.app.conn.Export(introspect.NewIntrospectable(node), d.path, introspectableIface)
}

func childName(parent, child dbus.ObjectPath) string {
	return strings.TrimPrefix(string(child), string(parent)+"/")
}
