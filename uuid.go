package gatts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix completes the Bluetooth SIG base UUID,
// 0000xxxx-0000-1000-8000-00805f9b34fb. 16- and 32-bit assigned
// numbers expand into the marked position.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// A UUID identifies a service, characteristic, or descriptor.
// UUIDs are held in canonical form: the full 128-bit lowercase
// 8-4-4-4-12 string. The zero UUID is invalid; construct UUIDs with
// ParseUUID, MustParseUUID, or UUID16.
type UUID struct {
	s string
}

// ParseUUID parses s into a UUID. It accepts 16- and 32-bit Bluetooth
// SIG assigned numbers as 4 or 8 hex digits ("180d", "0000180d"),
// and full 128-bit UUIDs in any case, with or without braces or
// dashes. The result is always canonical.
func ParseUUID(s string) (UUID, error) {
	in := s
	s = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}"))
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("gatts: invalid UUID %q: %w", in, err)
	}
	return UUID{u.String()}, nil
}

// MustParseUUID parses a UUID as ParseUUID does, panicking on failure.
// Intended for hard-coded, known-good UUIDs.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// UUID16 returns the UUID for a 16-bit Bluetooth SIG assigned number.
func UUID16(i uint16) UUID {
	return UUID{fmt.Sprintf("0000%04x%s", i, baseUUIDSuffix)}
}

// String returns the canonical form, or "" for the zero UUID.
func (u UUID) String() string { return u.s }

// Equal reports whether u and v identify the same attribute.
func (u UUID) Equal(v UUID) bool { return u.s == v.s }

// IsZero reports whether u is the zero (invalid) UUID.
func (u UUID) IsZero() bool { return u.s == "" }

// Assigned numbers for attributes the native stacks own. Applications
// may not register these themselves; the GAP and GATT services and the
// client/server configuration descriptors are managed by the platform
// BLE stack on every supported backend.
var (
	attrGAPUUID  = UUID16(0x1800)
	attrGATTUUID = UUID16(0x1801)

	attrClientCharConfigUUID = UUID16(0x2902)
	attrServerCharConfigUUID = UUID16(0x2903)
)
