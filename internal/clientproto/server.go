package clientproto

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// SocketName is the well-known socket address groupd listens on. The
// leading '@' is Go's convention (net, "unix" network) for the Linux
// abstract namespace: no backing file is created, so there is no
// stale-socket cleanup on crash restart — recovered from
// original_source/group's GROUPD_SOCK_PATH/sun_path[0]==0 convention
// (spec.md §6 names only "a well-known socket", not the path scheme).
const SocketName = "@groupd"

// Server accepts client connections and hands each off as an
// *Endpoint (spec.md §4.7).
type Server struct {
	listener net.Listener
	log      logrus.FieldLogger

	nextID uint64

	mu        sync.Mutex
	endpoints map[uint64]*Endpoint

	newConns chan *Endpoint
}

// Listen binds SocketName and returns a Server ready to Serve.
func Listen(log logrus.FieldLogger) (*Server, error) {
	ln, err := net.Listen("unix", SocketName)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		listener:  ln,
		log:       log.WithField("component", "clientproto"),
		endpoints: make(map[uint64]*Endpoint),
		newConns:  make(chan *Endpoint, 16),
	}, nil
}

// NewConns delivers one *Endpoint per accepted connection, already
// running its read loop, for the daemon's event loop to start
// consuming Commands() from and to index by ID() once `setup`/`join`
// associates it with a Group.
func (s *Server) NewConns() <-chan *Endpoint { return s.newConns }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.log.WithError(err).Info("client listener stopped accepting")
			return
		}

		id := atomic.AddUint64(&s.nextID, 1)
		ep := newEndpoint(id, conn, s.log)

		s.mu.Lock()
		s.endpoints[id] = ep
		s.mu.Unlock()

		go ep.run()
		s.newConns <- ep
	}
}

// Endpoint returns the connection registered under id, the
// Group.ClientID values assigned at `setup` time (spec.md §3).
func (s *Server) Endpoint(id uint64) (*Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	return ep, ok
}

// Remove drops id from the server's bookkeeping, e.g. once its
// connection has been closed following a Terminate callback.
func (s *Server) Remove(id uint64) {
	s.mu.Lock()
	delete(s.endpoints, id)
	s.mu.Unlock()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
