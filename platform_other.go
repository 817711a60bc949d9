//go:build !linux && !darwin && !windows

package gatts

import "fmt"

// defaultBackend reports that no transport exists for this platform.
// Servers can still run here against a backend supplied through
// UseBackend.
func defaultBackend(s *Server) (Backend, error) {
	return nil, fmt.Errorf("%w: no transport for this platform", ErrTransportUnavailable)
}
