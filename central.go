package gatts

// A Central identifies a remote central device connected to this
// peripheral. Addr is the platform's address form, e.g.
// "AA:BB:CC:DD:EE:FF" on Linux or an opaque identifier on macOS.
type Central struct {
	Addr string
	Name string // resolved device name, when the platform exposes one
}

func (c Central) String() string {
	if c.Name == "" {
		return c.Addr
	}
	return c.Addr + " (" + c.Name + ")"
}
