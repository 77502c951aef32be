package sock

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/netsteria/sst/internal/logging"
)

// maxDatagram bounds the receive buffer. Larger datagrams than the
// transport MTU can still arrive from misbehaving peers; they are
// read fully and dispatched, never truncated mid-packet.
const maxDatagram = 64 * 1024

// UDPSocket is the production Socket over one bound UDP port.
type UDPSocket struct {
	*Dispatcher

	logger *slog.Logger
	conn   *net.UDPConn
	local  Endpoint

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// ListenUDP binds a UDP socket on port, falling back to an ephemeral
// port when the requested one is taken.
func ListenUDP(port uint16, logger *slog.Logger) (*UDPSocket, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil && port != 0 {
		logger.Warn("UDP port taken, falling back to ephemeral",
			logging.KeyLocalAddr, port, logging.KeyError, err)
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	}
	if err != nil {
		return nil, fmt.Errorf("bind UDP socket: %w", err)
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	s := &UDPSocket{
		Dispatcher: NewDispatcher(logger),
		logger:     logger,
		conn:       conn,
		local:      Endpoint{Addr: local},
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.receiveLoop()

	logger.Info("UDP socket bound", logging.KeyLocalAddr, local.String())
	return s, nil
}

// Send transmits one datagram to ep.
func (s *UDPSocket) Send(ep Endpoint, b []byte) error {
	if ep.IsNull() {
		return errors.New("send to null endpoint")
	}
	_, err := s.conn.WriteToUDPAddrPort(b, ep.Addr)
	if err != nil {
		// Transient path errors are the retransmit timer's problem.
		s.logger.Debug("UDP send failed",
			logging.KeyEndpoint, ep.String(), logging.KeyError, err)
	}
	return err
}

// LocalEndpoints returns the endpoints peers can reach us at. A socket
// bound to the wildcard address reports one endpoint per usable
// interface address.
func (s *UDPSocket) LocalEndpoints() []Endpoint {
	port := s.local.Addr.Port()
	if !s.local.Addr.Addr().IsUnspecified() {
		return []Endpoint{s.local}
	}

	var eps []Endpoint
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []Endpoint{s.local}
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			continue
		}
		eps = append(eps, MakeEndpoint(addr, port))
	}
	if len(eps) == 0 {
		eps = []Endpoint{s.local}
	}
	return eps
}

// LocalPort returns the bound UDP port.
func (s *UDPSocket) LocalPort() uint16 { return s.local.Addr.Port() }

// Close shuts down the socket and its receive loop.
func (s *UDPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *UDPSocket) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Debug("UDP receive error", logging.KeyError, err)
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		s.Dispatch(msg, Endpoint{Addr: normalize(src)})
	}
}

// normalize unwraps IPv4-mapped IPv6 source addresses so endpoint keys
// compare equal regardless of socket family.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
