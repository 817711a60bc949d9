package gatts

import "sync"

// A Descriptor qualifies its characteristic at finer grain. Descriptor
// requests route through the server's event queue like characteristic
// requests, but are served from the stored value directly: reads
// return it, writes commit into it, and the server-wide read/write
// handlers are not consulted. Client and server configuration
// descriptors are stack-managed and cannot be registered here.
type Descriptor struct {
	uuid  UUID
	char  *Characteristic
	perms Permission

	valmu sync.RWMutex
	value []byte
}

func newDescriptor(c *Characteristic, u UUID, perms Permission, value []byte) *Descriptor {
	d := &Descriptor{
		uuid:  u,
		char:  c,
		perms: perms,
	}
	d.value = append([]byte{}, value...)
	return d
}

// UUID returns the descriptor's UUID.
func (d *Descriptor) UUID() UUID { return d.uuid }

// Permissions returns the descriptor's permission flags.
func (d *Descriptor) Permissions() Permission { return d.perms }

// Characteristic returns the owning characteristic.
func (d *Descriptor) Characteristic() *Characteristic { return d.char }

// Value returns a copy of the descriptor's value.
func (d *Descriptor) Value() []byte {
	d.valmu.RLock()
	defer d.valmu.RUnlock()
	return append([]byte{}, d.value...)
}

func (d *Descriptor) setValue(value []byte) {
	d.valmu.Lock()
	d.value = append([]byte{}, value...)
	d.valmu.Unlock()
}
