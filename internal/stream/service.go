package stream

import (
	"errors"
	"fmt"
	"sync"
)

// svcKey indexes registered servers; matching is case-sensitive and
// exact.
type svcKey struct {
	service  string
	protocol string
}

// Server accepts inbound top-level streams for one (service, protocol)
// registration.
type Server struct {
	service  string
	protocol string

	mu     sync.Mutex
	queue  []*Stream
	onConn func()
}

// Service returns the registered service name.
func (srv *Server) Service() string { return srv.service }

// Protocol returns the registered protocol name.
func (srv *Server) Protocol() string { return srv.protocol }

// SetOnConnection installs a callback fired when a stream arrives.
func (srv *Server) SetOnConnection(f func()) {
	srv.mu.Lock()
	srv.onConn = f
	srv.mu.Unlock()
}

// Accept dequeues the next connected stream, or nil.
func (srv *Server) Accept() *Stream {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.queue) == 0 {
		return nil
	}
	s := srv.queue[0]
	srv.queue = srv.queue[1:]
	return s
}

func (srv *Server) deliver(s *Stream) {
	srv.mu.Lock()
	srv.queue = append(srv.queue, s)
	cb := srv.onConn
	srv.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ErrServiceRegistered is returned when a (service, protocol) pair is
// already listened on.
var ErrServiceRegistered = errors.New("service already registered")

// ServiceTable holds a host's registered stream servers.
type ServiceTable struct {
	mu sync.RWMutex
	m  map[svcKey]*Server
}

// NewServiceTable creates an empty registration table.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{m: make(map[svcKey]*Server)}
}

// Listen registers a server for (service, protocol).
func (t *ServiceTable) Listen(service, protocol string) (*Server, error) {
	if len(service)+len(protocol) > maxServiceMsgSize {
		return nil, ErrServiceTooLong
	}
	key := svcKey{service, protocol}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.m[key]; dup {
		return nil, fmt.Errorf("%w: %s/%s", ErrServiceRegistered, service, protocol)
	}
	srv := &Server{service: service, protocol: protocol}
	t.m[key] = srv
	return srv, nil
}

// Unlisten removes a registration.
func (t *ServiceTable) Unlisten(service, protocol string) {
	t.mu.Lock()
	delete(t.m, svcKey{service, protocol})
	t.mu.Unlock()
}

// Lookup resolves a registration, nil when absent.
func (t *ServiceTable) Lookup(service, protocol string) *Server {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[svcKey{service, protocol}]
}

// ConnectService opens a top-level stream negotiating access to the
// named service. The ConnectRequest is queued as the stream's first
// message; application writes follow it.
func (sf *StreamFlow) ConnectService(service, protocol string) (*Stream, error) {
	if len(service)+len(protocol) > maxServiceMsgSize {
		return nil, ErrServiceTooLong
	}
	req := &ConnectRequest{Service: service, Protocol: protocol}

	child := newStream(sf.peer, sf.root)
	child.state = Connected
	child.toplev = true
	child.twin = MinReceiveBuffer
	child.svcRequest = req

	if _, err := child.write(req.Encode(), dataMessageFlag|dataPushFlag); err != nil {
		return nil, err
	}
	sf.initSubstream(sf.root, child)
	return child, nil
}

// processServiceMessage consumes the negotiation message that opens a
// top-level stream: the ConnectRequest on the responder, the
// ConnectReply on the initiator.
func (s *Stream) processServiceMessage() {
	s.mu.Lock()
	responder := s.state == WaitService
	s.mu.Unlock()

	msg, err := s.ReadMessage()
	if err != nil || msg == nil {
		return // need more data, or the stream already died
	}

	if responder {
		req, err := DecodeConnectRequest(msg)
		if err != nil {
			s.disconnect("malformed connect request", true)
			return
		}
		srv := s.peer.Services().Lookup(req.Service, req.Protocol)
		if srv == nil {
			s.mu.Lock()
			s.svcDone = true
			s.state = Accepting
			s.mu.Unlock()
			reply := &ConnectReply{Status: connectNoSuchService}
			s.WriteMessage(reply.Encode()) //nolint:errcheck
			s.disconnect("no such service: "+req.Service+"/"+req.Protocol, true)
			return
		}

		s.mu.Lock()
		s.svcDone = true
		s.state = Connected
		s.server = srv
		s.mu.Unlock()
		s.WriteMessage((&ConnectReply{Status: connectOK}).Encode()) //nolint:errcheck
		srv.deliver(s)
	} else {
		rep, err := DecodeConnectReply(msg)
		if err != nil {
			s.disconnect("malformed connect reply", true)
			return
		}
		if rep.Status != connectOK {
			s.disconnect("connection refused", false)
			return
		}
		s.mu.Lock()
		s.svcDone = true
		ev := s.events
		s.mu.Unlock()
		if ev.LinkUp != nil {
			ev.LinkUp()
		}
	}

	// The negotiation message may have arrived bundled with the
	// first application data; surface whatever is left.
	s.notifyReadable()
}

// notifyReadable fires read-side events for already-buffered data.
func (s *Stream) notifyReadable() {
	s.mu.Lock()
	readable := len(s.rbuf) > 0
	msgReady := len(s.rrecs) > 0
	ev := s.events
	s.mu.Unlock()
	if msgReady && ev.ReadyReadMessage != nil {
		ev.ReadyReadMessage()
	}
	if readable && ev.ReadyRead != nil {
		ev.ReadyRead()
	}
}
