package gatts

import (
	"fmt"
	"sync"
)

// The router is the single consumer of the server's event queue. It
// looks up the target attribute, invokes the registered handler, and
// feeds the result back to the waiting backend. Because exactly one
// goroutine runs dispatch, no two inbound events are ever handled
// concurrently and handler code needs no locking of its own.
//
// Reads resolve the characteristic by UUID alone: several platforms
// omit the service from the inbound event. Lookup walks services in
// insertion order, then characteristics in insertion order, so a UUID
// that collides across services resolves to the first one registered.
type router struct {
	s *Server

	// roster tracks subscribed centrals per characteristic. Mutated
	// only on the router goroutine; the mutex exists for snapshot
	// reads through Server.Subscribers.
	rostermu sync.RWMutex
	roster   map[UUID]map[string]struct{}
}

func newRouter(s *Server) *router {
	return &router{
		s:      s,
		roster: make(map[UUID]map[string]struct{}),
	}
}

func (r *router) run() {
	for {
		select {
		case ev := <-r.s.events:
			r.dispatch(ev)
		case <-r.s.quit:
			return
		}
	}
}

func (r *router) dispatch(ev event) {
	switch ev := ev.(type) {
	case readEvent:
		r.read(ev)
	case writeEvent:
		r.write(ev)
	case descReadEvent:
		r.descRead(ev)
	case descWriteEvent:
		r.descWrite(ev)
	case subscribeEvent:
		r.subscribe(ev.char, ev.central)
	case unsubscribeEvent:
		r.unsubscribe(ev.char, ev.central)
	case connectEvent:
		r.connected(ev.central)
	case disconnectEvent:
		r.disconnected(ev.central)
	}
}

func (r *router) read(ev readEvent) {
	char, svc, ok := r.s.findCharacteristic(ev.char)
	if !ok {
		r.s.log.WithField("char", ev.char.String()).Warn("read for unregistered characteristic")
		ev.reply <- readReply{err: ErrUnknownCharacteristic}
		return
	}
	h := r.s.readHandlerFn()
	if h == nil {
		// No handler registered; serve the stored value.
		ev.reply <- readReply{value: char.Value()}
		return
	}
	req := ReadRequest{
		Characteristic: char.uuid,
		Service:        svc.uuid,
		Offset:         ev.offset,
		Central:        ev.central,
	}
	value, err := r.callRead(h, req)
	ev.reply <- readReply{value: value, err: err}
}

func (r *router) callRead(h ReadHandlerFunc, req ReadRequest) (value []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.s.log.WithField("char", req.Characteristic.String()).
				Errorf("read handler panic: %v", p)
			err = fmt.Errorf("gatts: read handler panic: %v", p)
		}
	}()
	return h(req)
}

func (r *router) write(ev writeEvent) {
	char, svc, ok := r.s.findCharacteristic(ev.char)
	if !ok {
		r.s.log.WithField("char", ev.char.String()).Warn("write for unregistered characteristic")
		ev.reply <- ErrUnknownCharacteristic
		return
	}
	h := r.s.writeHandlerFn()
	if h == nil {
		// No handler registered; commit the payload so the native
		// object graph and the entity model stay in agreement.
		r.s.commitValue(char, ev.value)
		ev.reply <- nil
		return
	}
	req := WriteRequest{
		Characteristic: char.uuid,
		Service:        svc.uuid,
		Offset:         ev.offset,
		Central:        ev.central,
		Value:          ev.value,
	}
	ev.reply <- r.callWrite(h, req)
}

func (r *router) callWrite(h WriteHandlerFunc, req WriteRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.s.log.WithField("char", req.Characteristic.String()).
				Errorf("write handler panic: %v", p)
			err = fmt.Errorf("gatts: write handler panic: %v", p)
		}
	}()
	return h(req)
}

// Descriptor traffic is served from the stored value; the server-wide
// handlers are characteristic-keyed and do not apply.

func (r *router) descRead(ev descReadEvent) {
	d, ok := r.s.findDescriptor(ev.char, ev.desc)
	if !ok {
		ev.reply <- readReply{err: ErrUnknownCharacteristic}
		return
	}
	ev.reply <- readReply{value: d.Value()}
}

func (r *router) descWrite(ev descWriteEvent) {
	d, ok := r.s.findDescriptor(ev.char, ev.desc)
	if !ok {
		ev.reply <- ErrUnknownCharacteristic
		return
	}
	d.setValue(ev.value)
	ev.reply <- nil
}

func (r *router) subscribe(char UUID, central string) {
	r.rostermu.Lock()
	set, ok := r.roster[char]
	if !ok {
		set = make(map[string]struct{})
		r.roster[char] = set
	}
	set[central] = struct{}{}
	r.rostermu.Unlock()
	r.s.log.WithField("char", char.String()).WithField("central", central).Debug("central subscribed")
}

func (r *router) unsubscribe(char UUID, central string) {
	r.rostermu.Lock()
	if set, ok := r.roster[char]; ok {
		delete(set, central)
		if len(set) == 0 {
			delete(r.roster, char)
		}
	}
	r.rostermu.Unlock()
	r.s.log.WithField("char", char.String()).WithField("central", central).Debug("central unsubscribed")
}

// subscribers returns a snapshot of the centrals subscribed to char.
func (r *router) subscribers(char UUID) []string {
	r.rostermu.RLock()
	defer r.rostermu.RUnlock()
	set, ok := r.roster[char]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *router) connected(c Central) {
	if f := r.s.connectedFn(); f != nil {
		r.callCallback(f, c, "connect")
	}
}

func (r *router) disconnected(c Central) {
	if f := r.s.disconnectedFn(); f != nil {
		r.callCallback(f, c, "disconnect")
	}
}

func (r *router) callCallback(f func(Central), c Central, kind string) {
	defer func() {
		if p := recover(); p != nil {
			r.s.log.WithField("central", c.Addr).Errorf("%s callback panic: %v", kind, p)
		}
	}()
	f(c)
}
