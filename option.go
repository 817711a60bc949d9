package gatts

import "github.com/sirupsen/logrus"

type option func(*Server) option

// Option sets the options specified.
// It returns an option to restore the last arg's previous value.
// Options that configure the transport take effect at the next Start;
// they are best used with NewServer instead of Option.
// See http://commandcenter.blogspot.com.au/2014/01/self-referential-functions-and-design.html for more discussion.
func (s *Server) Option(opts ...option) (prev option) {
	for _, opt := range opts {
		prev = opt(s)
	}
	return prev
}

// Adapter sets the Bluetooth adapter to use, e.g. "hci1".
// To automatically select an adapter, use "".
// Only the Linux transport distinguishes adapters; elsewhere the
// option is ignored.
// See also Server.NewServer and Server.Option.
func Adapter(name string) option {
	return func(s *Server) option {
		prev := s.adapter
		s.adapter = name
		return Adapter(prev)
	}
}

// Logger sets the logger used for server and transport diagnostics.
// It defaults to the logrus standard logger.
// See also Server.NewServer and Server.Option.
func Logger(l logrus.FieldLogger) option {
	return func(s *Server) option {
		prev := s.log
		s.log = l
		return Logger(prev)
	}
}

// UseBackend sets the transport backend, overriding the platform
// default. UseBackend cannot be used after Start.
// See also Server.NewServer.
func UseBackend(b Backend) option {
	return func(s *Server) option {
		prev := s.backend
		s.backend = b
		return UseBackend(prev)
	}
}

// QueueSize sets the capacity of the inbound request queue. The stack
// blocks once the queue fills, so a larger queue absorbs bursts from
// chatty centrals at the cost of memory. It defaults to 32.
// QueueSize cannot be used with Server.Option.
// See also Server.NewServer.
func QueueSize(n int) option {
	return func(s *Server) option {
		prev := s.queueSize
		if n > 0 {
			s.queueSize = n
		}
		return QueueSize(prev)
	}
}

// CentralConnected sets a function to be called when a central
// connects to the server.
// See also Server.NewServer and Server.Option.
func CentralConnected(f func(Central)) option {
	return func(s *Server) option {
		prev := s.connected
		s.connected = f
		return CentralConnected(prev)
	}
}

// CentralDisconnected sets a function to be called when a central
// disconnects from the server.
// See also Server.NewServer and Server.Option.
func CentralDisconnected(f func(Central)) option {
	return func(s *Server) option {
		prev := s.disconnected
		s.disconnected = f
		return CentralDisconnected(prev)
	}
}
