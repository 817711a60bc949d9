package gatts

// Inbound native events. Each backend surfaces its platform callbacks
// through a small sink interface; the eventBridge converts those calls
// into the tagged variants below and posts them onto the server's
// single event queue, where the router consumes them one at a time in
// arrival order.

type event interface {
	isEvent()
}

type readEvent struct {
	char    UUID
	offset  int
	central string
	reply   chan<- readReply
}

type readReply struct {
	value []byte
	err   error
}

type writeEvent struct {
	char    UUID
	offset  int
	central string
	value   []byte
	reply   chan<- error
}

type descReadEvent struct {
	char    UUID
	desc    UUID
	central string
	reply   chan<- readReply
}

type descWriteEvent struct {
	char    UUID
	desc    UUID
	central string
	value   []byte
	reply   chan<- error
}

type subscribeEvent struct {
	char    UUID
	central string
}

type unsubscribeEvent struct {
	char    UUID
	central string
}

type connectEvent struct {
	central Central
}

type disconnectEvent struct {
	central Central
}

func (readEvent) isEvent()        {}
func (writeEvent) isEvent()       {}
func (descReadEvent) isEvent()    {}
func (descWriteEvent) isEvent()   {}
func (subscribeEvent) isEvent()   {}
func (unsubscribeEvent) isEvent() {}
func (connectEvent) isEvent()     {}
func (disconnectEvent) isEvent()  {}

// eventBridge adapts a backend's synchronous callback surface onto the
// server's event queue. Backends hand UUIDs back in the canonical
// string form they were registered with. One eventBridge value
// satisfies every backend package's sink interface; the method set is
// the contract.
type eventBridge struct {
	s *Server
}

func (e eventBridge) Read(char string, offset int, central string) ([]byte, error) {
	reply := make(chan readReply, 1)
	if !e.post(readEvent{char: UUID{char}, offset: offset, central: central, reply: reply}) {
		return nil, ErrServerClosed
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-e.s.quit:
		return nil, ErrServerClosed
	}
}

func (e eventBridge) Write(char string, offset int, central string, value []byte) error {
	reply := make(chan error, 1)
	ev := writeEvent{char: UUID{char}, offset: offset, central: central, value: value, reply: reply}
	if !e.post(ev) {
		return ErrServerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.s.quit:
		return ErrServerClosed
	}
}

func (e eventBridge) DescRead(char, desc string, central string) ([]byte, error) {
	reply := make(chan readReply, 1)
	if !e.post(descReadEvent{char: UUID{char}, desc: UUID{desc}, central: central, reply: reply}) {
		return nil, ErrServerClosed
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-e.s.quit:
		return nil, ErrServerClosed
	}
}

func (e eventBridge) DescWrite(char, desc string, central string, value []byte) error {
	reply := make(chan error, 1)
	ev := descWriteEvent{char: UUID{char}, desc: UUID{desc}, central: central, value: value, reply: reply}
	if !e.post(ev) {
		return ErrServerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.s.quit:
		return ErrServerClosed
	}
}

func (e eventBridge) Subscribed(char string, central string) {
	e.post(subscribeEvent{char: UUID{char}, central: central})
}

func (e eventBridge) Unsubscribed(char string, central string) {
	e.post(unsubscribeEvent{char: UUID{char}, central: central})
}

func (e eventBridge) Connected(addr, name string) {
	e.post(connectEvent{central: Central{Addr: addr, Name: name}})
}

func (e eventBridge) Disconnected(addr, name string) {
	e.post(disconnectEvent{central: Central{Addr: addr, Name: name}})
}

// post enqueues ev, giving up when the server shuts down so backend
// goroutines never block on a dead queue.
func (e eventBridge) post(ev event) bool {
	select {
	case e.s.events <- ev:
		return true
	case <-e.s.quit:
		return false
	}
}
