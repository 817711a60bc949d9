package gatts

// A Service is a collection of characteristics under one UUID.
// Services are created through Server.AddService and live until
// server teardown; the UUID is immutable.
type Service struct {
	uuid   UUID
	chars  []*Characteristic
	handle ServiceHandle
}

// UUID returns the service's UUID.
func (s *Service) UUID() UUID { return s.uuid }

// Characteristics returns the service's characteristics in insertion
// order. The returned slice must not be modified.
func (s *Service) Characteristics() []*Characteristic { return s.chars }

// Characteristic returns the characteristic with the given UUID,
// if present.
func (s *Service) Characteristic(u UUID) (*Characteristic, bool) {
	for _, c := range s.chars {
		if c.uuid.Equal(u) {
			return c, true
		}
	}
	return nil, false
}
