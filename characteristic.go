package gatts

import "sync"

// A ReadRequest is an inbound characteristic read from a connected
// central, as surfaced by the active backend.
type ReadRequest struct {
	Characteristic UUID
	Service        UUID   // owning service; zero if the backend event carried none
	Offset         int    // requested value offset, for long reads
	Central        string // platform address of the requesting central, if known
}

// A WriteRequest is an inbound characteristic write from a connected
// central.
type WriteRequest struct {
	Characteristic UUID
	Service        UUID
	Offset         int
	Central        string
	Value          []byte
}

// ReadHandlerFunc is the single server-wide read handler. Its result,
// not the characteristic's stored value, forms the reply sent to the
// central. Returning an error produces a generic failure reply.
type ReadHandlerFunc func(req ReadRequest) ([]byte, error)

// WriteHandlerFunc is the single server-wide write handler. The
// handler owns persistence: the inbound value is not committed to the
// characteristic unless the handler calls Server.WriteCharValue (or an
// equivalent commit path). Returning an error produces a failure reply.
type WriteHandlerFunc func(req WriteRequest) error

// A Characteristic is a value-bearing attribute owned by a Service.
// Characteristics are created through Server.AddCharacteristic; their
// UUID, properties, and permissions are immutable afterwards.
type Characteristic struct {
	uuid    UUID
	props   Property
	perms   Permission
	service *Service
	handle  CharacteristicHandle
	descs   []*Descriptor

	valmu sync.RWMutex
	value []byte
}

func newCharacteristic(svc *Service, u UUID, props Property, perms Permission, value []byte) *Characteristic {
	c := &Characteristic{
		uuid:    u,
		props:   props,
		perms:   perms,
		service: svc,
	}
	c.value = append([]byte{}, value...) // nil normalizes to empty, never absent
	return c
}

// UUID returns the characteristic's UUID.
func (c *Characteristic) UUID() UUID { return c.uuid }

// Properties returns the characteristic's property flags.
func (c *Characteristic) Properties() Property { return c.props }

// Permissions returns the characteristic's permission flags.
func (c *Characteristic) Permissions() Permission { return c.perms }

// Service returns the owning service.
func (c *Characteristic) Service() *Service { return c.service }

// Descriptors returns the characteristic's descriptors in insertion
// order. The returned slice must not be modified.
func (c *Characteristic) Descriptors() []*Descriptor { return c.descs }

// Value returns a copy of the stored value. The stored value is never
// nil; an uninitialized characteristic holds an empty value.
func (c *Characteristic) Value() []byte {
	c.valmu.RLock()
	defer c.valmu.RUnlock()
	return append([]byte{}, c.value...)
}

// SetValue replaces the stored value without touching the backend:
// no notification fires and the native object graph is not updated.
// This divergence is intentional; use Server.WriteCharValue to commit
// a value, and Server.UpdateValue to push it to subscribers.
func (c *Characteristic) SetValue(value []byte) {
	c.valmu.Lock()
	c.value = append([]byte{}, value...)
	c.valmu.Unlock()
}

func (c *Characteristic) descriptor(u UUID) (*Descriptor, bool) {
	for _, d := range c.descs {
		if d.uuid.Equal(u) {
			return d, true
		}
	}
	return nil, false
}
