package bluez

// Characteristic property bits, one per GATT characteristic property.
// The values match the wire layout of the Characteristic Properties
// attribute field, with reliable-write and writable-auxiliaries carried
// in the extended properties descriptor.
const (
	propBroadcast   = 0x0001
	propRead        = 0x0002
	propWriteNR     = 0x0004
	propWrite       = 0x0008
	propNotify      = 0x0010
	propIndicate    = 0x0020
	propSignedWrite = 0x0040
	propExtended    = 0x0080
	propReliableWr  = 0x0100
	propWritableAux = 0x0200

	permRead     = 0x1
	permWrite    = 0x2
	permReadEnc  = 0x4
	permWriteEnc = 0x8
)

// propFlagNames is ordered by bit value so generated flag lists are
// deterministic.
var propFlagNames = []struct {
	bit  uint
	name string
}{
	{propBroadcast, "broadcast"},
	{propRead, "read"},
	{propWriteNR, "write-without-response"},
	{propWrite, "write"},
	{propNotify, "notify"},
	{propIndicate, "indicate"},
	{propSignedWrite, "authenticated-signed-writes"},
	{propExtended, "extended-properties"},
	{propReliableWr, "reliable-write"},
	{propWritableAux, "writable-auxiliaries"},
}

// Flags renders characteristic property and permission bits as the
// flag strings the GattCharacteristic1 Flags property expects. Plain
// read and write permissions add nothing beyond the property flags;
// only the encryption requirements survive as distinct strings.
func Flags(props, perms uint) []string {
	var flags []string
	for _, f := range propFlagNames {
		if props&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	if perms&permReadEnc != 0 {
		flags = append(flags, "encrypt-read")
	}
	if perms&permWriteEnc != 0 {
		flags = append(flags, "encrypt-write")
	}
	return flags
}

// PropsFromFlags is the inverse of Flags. Property bits round-trip
// exactly. Permission bits are reconstructed from what the flag
// strings imply: readable flags grant read permission, writable flags
// write permission, so a permission mask stricter than the properties
// does not survive the trip.
func PropsFromFlags(flags []string) (props, perms uint) {
	for _, f := range flags {
		switch f {
		case "broadcast":
			props |= propBroadcast
		case "read":
			props |= propRead
			perms |= permRead
		case "write-without-response":
			props |= propWriteNR
			perms |= permWrite
		case "write":
			props |= propWrite
			perms |= permWrite
		case "notify":
			props |= propNotify
		case "indicate":
			props |= propIndicate
		case "authenticated-signed-writes":
			props |= propSignedWrite
			perms |= permWrite
		case "extended-properties":
			props |= propExtended
		case "reliable-write":
			props |= propReliableWr
			perms |= permWrite
		case "writable-auxiliaries":
			props |= propWritableAux
		case "encrypt-read":
			perms |= permReadEnc
		case "encrypt-write":
			perms |= permWriteEnc
		}
	}
	return props, perms
}

// DescriptorFlags renders descriptor permission bits as flag strings
// for the GattDescriptor1 Flags property. A zero mask falls back to
// read-only, the common case for user description style descriptors.
func DescriptorFlags(perms uint) []string {
	if perms == 0 {
		return []string{"read"}
	}
	var flags []string
	if perms&permRead != 0 {
		flags = append(flags, "read")
	}
	if perms&permWrite != 0 {
		flags = append(flags, "write")
	}
	if perms&permReadEnc != 0 {
		flags = append(flags, "encrypt-read")
	}
	if perms&permWriteEnc != 0 {
		flags = append(flags, "encrypt-write")
	}
	return flags
}
