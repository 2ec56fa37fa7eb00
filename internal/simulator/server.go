// Package simulator serves in-process stand-ins for the field devices: a
// register-protocol chlorine sensor and a 4-20 mA current-loop transmitter.
// Tests and cmd/simulator use them in place of real hardware.
package simulator

import (
	"net"
	"sync"
)

// server is the accept loop shared by both device kinds.
type server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	handle    func(net.Conn)

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func (s *server) init(handle func(net.Conn)) {
	s.quit = make(chan struct{})
	s.handle = handle
	s.conns = make(map[net.Conn]struct{})
}

// Listen starts accepting connections on the provided address.
func (s *server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, useful after listening on port 0.
func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port.
func (s *server) Port() int {
	if s.listener == nil {
		return 0
	}
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (s *server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *server) track(c net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Close stops the server, drops open connections and waits for all goroutines
// to exit.
func (s *server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}
