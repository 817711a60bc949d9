package gatts

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// A Server is a GATT peripheral: it owns the service/characteristic
// tree, the single read and write handler slots, and the platform
// backend that exposes the tree to centrals. Servers are single-shot;
// once stopped they cannot be restarted. Create a new Server instead.
//
// All methods are safe for concurrent use. Inbound traffic from the
// native stack is serialized through one event queue, so handlers are
// invoked one at a time in arrival order and need no locking.
type Server struct {
	name      string
	adapter   string
	log       logrus.FieldLogger
	queueSize int

	backend Backend
	events  chan event
	router  *router

	inited  chan struct{} // closed when the bootstrap finishes
	initErr error
	quit    chan struct{}

	mu           sync.RWMutex
	launched     bool
	closed       bool
	services     []*Service
	svcIndex     map[UUID]*Service
	readHandler  ReadHandlerFunc
	writeHandler WriteHandlerFunc
	connected    func(Central)
	disconnected func(Central)
}

// NewServer creates a Server advertising under the given display name,
// with the specified options. See also Server.Option.
// See http://dave.cheney.net/2014/10/17/functional-options-for-friendly-apis for more discussion.
func NewServer(name string, opts ...option) *Server {
	s := &Server{
		name:      name,
		log:       logrus.StandardLogger(),
		queueSize: 32,
		svcIndex:  make(map[UUID]*Service),
		inited:    make(chan struct{}),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = make(chan event, s.queueSize)
	s.router = newRouter(s)
	return s
}

// Name returns the server's display name.
func (s *Server) Name() string { return s.name }

// Start brings the peripheral online: it bootstraps the platform
// backend once, registers every service and characteristic added so
// far, and begins advertising. Concurrent and repeated calls share the
// single bootstrap; late callers await its completion instead of
// re-running it, and a call on an already advertising server is a
// no-op. Bootstrap failures (ErrTransportUnavailable,
// ErrAdapterUnavailable) are fatal to the server and returned to every
// caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if len(s.services) == 0 {
		s.mu.Unlock()
		return ErrNothingToAdvertise
	}
	launch := !s.launched
	s.launched = true
	s.mu.Unlock()

	if launch {
		s.initErr = s.bootstrap(ctx)
		close(s.inited)
	} else {
		select {
		case <-s.inited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.initErr != nil {
		return s.initErr
	}
	if s.isClosed() {
		return ErrServerClosed
	}
	return s.backend.StartAdvertising(ctx)
}

// bootstrap runs exactly once, from the first Start call: it selects
// the platform backend if none was injected, starts the router, and
// mirrors the entity model into the native object graph.
func (s *Server) bootstrap(ctx context.Context) error {
	if s.backend == nil {
		b, err := defaultBackend(s)
		if err != nil {
			return err
		}
		s.backend = b
	}
	go s.router.run()

	s.log.WithField("name", s.name).Debug("initializing backend")
	if err := s.backend.Initialize(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	services := append([]*Service{}, s.services...)
	s.mu.RUnlock()
	for _, svc := range services {
		if err := s.register(ctx, svc); err != nil {
			return err
		}
	}
	s.log.WithField("state", s.backend.State().String()).Debug("backend ready")
	return nil
}

// register mirrors one service and its characteristics into the
// backend, recording the assigned handles.
func (s *Server) register(ctx context.Context, svc *Service) error {
	sh, err := s.backend.AddService(ctx, svc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	svc.handle = sh
	s.mu.Unlock()
	for _, char := range svc.chars {
		ch, err := s.backend.AddCharacteristic(ctx, sh, char)
		if err != nil {
			return err
		}
		s.mu.Lock()
		char.handle = ch
		s.mu.Unlock()
		for _, d := range char.descs {
			if err := s.backend.AddDescriptor(ctx, ch, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop stops advertising, unregisters the native application, and
// releases the platform transport. Stopping an already stopped or
// never started server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	launched := s.launched
	s.mu.Unlock()

	var err error
	if launched {
		<-s.inited // a bootstrap in flight finishes or fails first
		if s.initErr == nil {
			if e := s.backend.StopAdvertising(ctx); e != nil {
				s.log.WithError(e).Warn("stop advertising failed")
				err = e
			}
			if e := s.backend.Shutdown(ctx); e != nil {
				s.log.WithError(e).Warn("backend shutdown failed")
				if err == nil {
					err = e
				}
			}
		}
	}
	close(s.quit)
	return err
}

// IsAdvertising reports whether the peripheral is currently
// advertising.
func (s *Server) IsAdvertising() bool {
	return s.started() && s.backend.IsAdvertising()
}

// IsConnected reports whether at least one central currently holds a
// connection to this peripheral.
func (s *Server) IsConnected() bool {
	return s.started() && s.backend.IsConnected()
}

// ConnectedPeers returns the addresses of currently connected
// centrals, as far as the platform exposes them.
func (s *Server) ConnectedPeers() []string {
	if !s.started() {
		return nil
	}
	return s.backend.ConnectedPeers()
}

// AddService registers a new empty service. Adding a UUID that is
// already present fails with ErrDuplicateService and leaves the
// service map unchanged. The GAP and GATT services are stack-managed
// and rejected.
func (s *Server) AddService(ctx context.Context, uuid string) error {
	u, err := ParseUUID(uuid)
	if err != nil {
		return err
	}
	if u.Equal(attrGAPUUID) || u.Equal(attrGATTUUID) {
		return fmt.Errorf("gatts: service %s is stack managed: %w", u, ErrUnsupported)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if _, dup := s.svcIndex[u]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateService, u)
	}
	svc := &Service{uuid: u}
	s.services = append(s.services, svc)
	s.svcIndex[u] = svc
	s.mu.Unlock()

	if !s.started() {
		return nil // mirrored into the backend at Start
	}
	sh, err := s.backend.AddService(ctx, svc)
	if err != nil {
		s.removeService(u)
		return err
	}
	s.mu.Lock()
	svc.handle = sh
	s.mu.Unlock()
	return nil
}

// AddCharacteristic registers a characteristic under an existing
// service, with the given property flags, permission flags, and
// initial value. A nil value is stored as an empty one: the transport
// cannot carry an absent value. Adding a UUID already present in the
// service fails with ErrDuplicateCharacteristic and leaves the first
// characteristic registered and queryable.
func (s *Server) AddCharacteristic(ctx context.Context, serviceUUID, charUUID string, props Property, value []byte, perms Permission) error {
	su, err := ParseUUID(serviceUUID)
	if err != nil {
		return err
	}
	cu, err := ParseUUID(charUUID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	svc, ok := s.svcIndex[su]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, su)
	}
	if _, dup := svc.Characteristic(cu); dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCharacteristic, cu)
	}
	char := newCharacteristic(svc, cu, props, perms, value)
	svc.chars = append(svc.chars, char)
	handle := svc.handle
	s.mu.Unlock()

	if !s.started() {
		return nil
	}
	ch, err := s.backend.AddCharacteristic(ctx, handle, char)
	if err != nil {
		s.removeCharacteristic(svc, cu)
		return err
	}
	s.mu.Lock()
	char.handle = ch
	s.mu.Unlock()
	return nil
}

// AddDescriptor registers a descriptor under an existing
// characteristic. The client and server configuration descriptors
// (0x2902, 0x2903) are stack-managed on every supported platform and
// rejected here; backends without local descriptor support fail with
// ErrUnsupported.
func (s *Server) AddDescriptor(ctx context.Context, serviceUUID, charUUID, descUUID string, value []byte, perms Permission) error {
	du, err := ParseUUID(descUUID)
	if err != nil {
		return err
	}
	if du.Equal(attrClientCharConfigUUID) || du.Equal(attrServerCharConfigUUID) {
		return fmt.Errorf("gatts: descriptor %s is stack managed: %w", du, ErrUnsupported)
	}
	char, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if _, dup := char.descriptor(du); dup {
		s.mu.Unlock()
		return fmt.Errorf("gatts: descriptor %s already present on %s", du, char.uuid)
	}
	d := newDescriptor(char, du, perms, value)
	char.descs = append(char.descs, d)
	handle := char.handle
	s.mu.Unlock()

	if !s.started() || handle == "" {
		return nil
	}
	if err := s.backend.AddDescriptor(ctx, handle, d); err != nil {
		s.removeDescriptor(char, du)
		return err
	}
	return nil
}

// UpdateValue pushes the characteristic's stored value to subscribed
// centrals through the backend's notification mechanism. It reports
// false only when the characteristic cannot be located or the native
// push fails; pushing with zero subscribers, or before the server has
// started, succeeds as a no-op. Callers never need to check
// subscription state first.
func (s *Server) UpdateValue(ctx context.Context, serviceUUID, charUUID string) bool {
	char, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		s.log.WithError(err).Debug("update value: lookup failed")
		return false
	}
	if !s.started() {
		return true
	}
	s.mu.RLock()
	handle := char.handle
	s.mu.RUnlock()
	if handle == "" {
		return true
	}
	if err := s.backend.Notify(ctx, handle, char.Value()); err != nil {
		s.log.WithError(err).WithField("char", char.uuid.String()).Warn("notify failed")
		return false
	}
	return true
}

// WriteCharValue commits a value: it stores it in the entity model and
// updates the backend's cached copy so the native object graph never
// disagrees with the model. No notification fires; call UpdateValue to
// push the committed value to subscribers. This is the persistence
// path write handlers are expected to use.
func (s *Server) WriteCharValue(serviceUUID, charUUID string, value []byte) error {
	char, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	char.SetValue(value)
	if !s.started() {
		return nil
	}
	s.mu.RLock()
	handle := char.handle
	s.mu.RUnlock()
	if handle == "" {
		return nil
	}
	if err := s.backend.SetValue(handle, char.Value()); err != nil {
		s.log.WithError(err).WithField("char", char.uuid.String()).Warn("backend value sync failed")
		return err
	}
	return nil
}

// commitValue stores value on the characteristic and keeps the
// backend's cached copy aligned, logging a sync failure instead of
// propagating it. The router uses it for writes with no handler.
func (s *Server) commitValue(char *Characteristic, value []byte) {
	char.SetValue(value)
	if !s.started() {
		return
	}
	s.mu.RLock()
	handle := char.handle
	s.mu.RUnlock()
	if handle == "" {
		return
	}
	if err := s.backend.SetValue(handle, char.Value()); err != nil {
		s.log.WithError(err).WithField("char", char.uuid.String()).Warn("backend value sync failed")
	}
}

// ReadCharValue returns a copy of the characteristic's stored value.
func (s *Server) ReadCharValue(serviceUUID, charUUID string) ([]byte, error) {
	char, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return char.Value(), nil
}

// SetReadHandler registers the single server-wide read handler,
// replacing any previous one. A nil handler fails with
// ErrInvalidCallback.
func (s *Server) SetReadHandler(f ReadHandlerFunc) error {
	if f == nil {
		return ErrInvalidCallback
	}
	s.mu.Lock()
	s.readHandler = f
	s.mu.Unlock()
	return nil
}

// SetWriteHandler registers the single server-wide write handler,
// replacing any previous one. A nil handler fails with
// ErrInvalidCallback.
func (s *Server) SetWriteHandler(f WriteHandlerFunc) error {
	if f == nil {
		return ErrInvalidCallback
	}
	s.mu.Lock()
	s.writeHandler = f
	s.mu.Unlock()
	return nil
}

// SetConnectedCallback registers the single callback invoked when a
// central connects, replacing any previous one.
func (s *Server) SetConnectedCallback(f func(Central)) error {
	if f == nil {
		return ErrInvalidCallback
	}
	s.mu.Lock()
	s.connected = f
	s.mu.Unlock()
	return nil
}

// SetDisconnectedCallback registers the single callback invoked when a
// central disconnects, replacing any previous one.
func (s *Server) SetDisconnectedCallback(f func(Central)) error {
	if f == nil {
		return ErrInvalidCallback
	}
	s.mu.Lock()
	s.disconnected = f
	s.mu.Unlock()
	return nil
}

// Disconnect asks the native stack to drop the peer with the given
// platform address. Best effort: it reports whether the request was
// issued, and logs the cause when it was not.
func (s *Server) Disconnect(ctx context.Context, peer string) bool {
	if !s.started() {
		return false
	}
	if err := s.backend.Disconnect(ctx, peer); err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("disconnect request failed")
		return false
	}
	return true
}

// Subscribers returns the centrals currently subscribed to the
// characteristic's notifications, for diagnostics. Platforms that do
// not attribute subscriptions to a specific central report them under
// an empty address.
func (s *Server) Subscribers(serviceUUID, charUUID string) []string {
	char, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil
	}
	return s.router.subscribers(char.uuid)
}

// Service returns the registered service with the given UUID.
func (s *Server) Service(uuid string) (*Service, bool) {
	u, err := ParseUUID(uuid)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.svcIndex[u]
	return svc, ok
}

// Services returns the registered services in insertion order.
func (s *Server) Services() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Service{}, s.services...)
}

// started reports whether the bootstrap has completed successfully.
func (s *Server) started() bool {
	select {
	case <-s.inited:
		return s.initErr == nil
	default:
		return false
	}
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// characteristic resolves a (service, characteristic) UUID pair
// against the entity model.
func (s *Server) characteristic(serviceUUID, charUUID string) (*Characteristic, error) {
	su, err := ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	cu, err := ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.svcIndex[su]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, su)
	}
	char, ok := svc.Characteristic(cu)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, cu)
	}
	return char, nil
}

// findCharacteristic resolves a characteristic by UUID alone, in
// service-then-characteristic insertion order. Used by the router,
// whose inbound events carry no service identity on some platforms.
func (s *Server) findCharacteristic(u UUID) (*Characteristic, *Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if char, ok := svc.Characteristic(u); ok {
			return char, svc, true
		}
	}
	return nil, nil, false
}

func (s *Server) findDescriptor(char, desc UUID) (*Descriptor, bool) {
	c, _, ok := s.findCharacteristic(char)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.descriptor(desc)
}

func (s *Server) removeService(u UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.svcIndex, u)
	for i, svc := range s.services {
		if svc.uuid.Equal(u) {
			s.services = append(s.services[:i], s.services[i+1:]...)
			return
		}
	}
}

func (s *Server) removeCharacteristic(svc *Service, u UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range svc.chars {
		if c.uuid.Equal(u) {
			svc.chars = append(svc.chars[:i], svc.chars[i+1:]...)
			return
		}
	}
}

func (s *Server) removeDescriptor(char *Characteristic, u UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range char.descs {
		if d.uuid.Equal(u) {
			char.descs = append(char.descs[:i], char.descs[i+1:]...)
			return
		}
	}
}

func (s *Server) readHandlerFn() ReadHandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readHandler
}

func (s *Server) writeHandlerFn() WriteHandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeHandler
}

func (s *Server) connectedFn() func(Central) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Server) disconnectedFn() func(Central) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnected
}
