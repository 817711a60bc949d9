package gatts

import "strings"

// A Property is a set of GATT characteristic property flags.
type Property uint

// Characteristic property flags (spec 3.3.3.1).
// Do not re-order the bit flags below;
// they are organized to match the BLE spec.
const (
	CharBroadcast   Property = 1 << iota // the characteristic may be broadcast
	CharRead                             // the characteristic may be read
	CharWriteNR                          // the characteristic may be written to, with no reply
	CharWrite                            // the characteristic may be written to, with a reply
	CharNotify                           // the characteristic supports notifications
	CharIndicate                         // the characteristic supports indications
	CharSignedWrite                      // the characteristic supports signed writes
	CharExtended                         // the characteristic has extended properties
	CharReliableWrite                    // the characteristic supports reliable writes
	CharWritableAux                      // the characteristic user description is writable
)

// Readable reports whether the characteristic may be read.
func (p Property) Readable() bool { return p&CharRead != 0 }

// Writable reports whether the characteristic accepts writes,
// with or without response.
func (p Property) Writable() bool { return p&(CharWrite|CharWriteNR) != 0 }

// Notifiable reports whether the characteristic supports
// server-initiated value pushes, by notification or indication.
func (p Property) Notifiable() bool { return p&(CharNotify|CharIndicate) != 0 }

func (p Property) String() string {
	var names []string
	for _, f := range propertyNames {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}

var propertyNames = []struct {
	bit  Property
	name string
}{
	{CharBroadcast, "broadcast"},
	{CharRead, "read"},
	{CharWriteNR, "writeWithoutResponse"},
	{CharWrite, "write"},
	{CharNotify, "notify"},
	{CharIndicate, "indicate"},
	{CharSignedWrite, "authenticatedSignedWrites"},
	{CharExtended, "extendedProperties"},
	{CharReliableWrite, "reliableWrite"},
	{CharWritableAux, "writableAuxiliaries"},
}

// A Permission is a set of GATT attribute permission flags. Unlike
// properties, which a central discovers, permissions gate what the
// local stack will allow on the attribute.
type Permission uint

const (
	PermRead           Permission = 1 << iota // the attribute value may be read
	PermWrite                                 // the attribute value may be written
	PermReadEncrypted                         // reads require an encrypted link
	PermWriteEncrypted                        // writes require an encrypted link
)

func (p Permission) String() string {
	var names []string
	for _, f := range permissionNames {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}

var permissionNames = []struct {
	bit  Permission
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermReadEncrypted, "readEncrypted"},
	{PermWriteEncrypted, "writeEncrypted"},
}
