package sshtest

import (
	"context"
	"net"
	"sync"
)

// PartitionDialer dials for real and can later cut the client off from
// the server. After Partition every write on a dialed connection is
// dropped, so the server never hears from the client again and keeps
// whatever it was doing, as with a host that fell off the network.
type PartitionDialer struct {
	dialer  net.Dialer
	once    sync.Once
	cutOnce sync.Once
	cut     chan struct{}
}

func (d *PartitionDialer) init() {
	d.once.Do(func() { d.cut = make(chan struct{}) })
}

// DialContext implements the dialer interface used by ssh.WithDialer.
func (d *PartitionDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.init()
	c, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &partitionedConn{Conn: c, cut: d.cut}, nil
}

// Partition starts dropping writes on every connection.
func (d *PartitionDialer) Partition() {
	d.init()
	d.cutOnce.Do(func() { close(d.cut) })
}

type partitionedConn struct {
	net.Conn
	cut <-chan struct{}
}

func (c *partitionedConn) Write(p []byte) (int, error) {
	select {
	case <-c.cut:
		return len(p), nil
	default:
		return c.Conn.Write(p)
	}
}

// SilentListener accepts TCP connections and never speaks SSH on them,
// like a host whose port is open before sshd is ready.
type SilentListener struct {
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    []net.Conn
}

// NewSilentListener listens on a random loopback port.
func NewSilentListener() (*SilentListener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &SilentListener{listener: l}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
		}
	}()
	return s, nil
}

// Host returns the listening host and port.
func (s *SilentListener) Host() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Accepted returns the number of connections accepted so far.
func (s *SilentListener) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops listening and closes every accepted connection.
func (s *SilentListener) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}
