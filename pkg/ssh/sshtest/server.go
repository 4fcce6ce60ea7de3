// Package sshtest provides an in-process SSH server for tests.
//
// The server accepts any public key (optionally after rejecting a number
// of attempts), runs every exec or shell request through a Handler and
// reports how many connections are still open.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Exec is one command request received by the server.
type Exec struct {
	User    string
	Command string // empty for an interactive shell
	PTY     bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Handler runs a command and returns its exit status. ctx is cancelled
// when the client closes the session.
type Handler func(ctx context.Context, e *Exec) int

// Option configures a Server.
type Option func(*Server)

// WithAuthRejections makes the server reject the first n authentication
// attempts. A negative n rejects every attempt.
func WithAuthRejections(n int) Option {
	return func(s *Server) {
		s.rejectsLeft.Store(int64(n))
	}
}

// Server is an SSH server listening on a loopback port.
type Server struct {
	Addr      string
	HostKey   ssh.PublicKey
	listener  net.Listener
	config    *ssh.ServerConfig
	handler   Handler
	wg        sync.WaitGroup
	closeOnce sync.Once

	rejectsLeft  atomic.Int64
	authRejected atomic.Int64
	live         atomic.Int64
	accepted     atomic.Int64

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string
}

// NewServer starts a server on 127.0.0.1 with a random port.
func NewServer(handler Handler, opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     l.Addr().String(),
		HostKey:  signer.PublicKey(),
		listener: l,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			left := s.rejectsLeft.Load()
			if left < 0 || (left > 0 && s.rejectsLeft.CompareAndSwap(left, left-1)) {
				s.authRejected.Add(1)
				return nil, errors.New("key rejected")
			}
			return &ssh.Permissions{}, nil
		},
	}
	s.config.AddHostKey(signer)

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host returns the listening host and port.
func (s *Server) Host() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// LiveConnections returns the number of TCP connections not yet closed.
func (s *Server) LiveConnections() int64 {
	return s.live.Load()
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// AuthRejections returns how many authentication attempts were refused.
func (s *Server) AuthRejections() int64 {
	return s.authRejected.Load()
}

// Commands returns the commands received so far, in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the listener, drops open connections and waits for every
// handler goroutine to return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.live.Add(1)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.live.Add(-1)
	}()

	sconn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.handleSession(sconn.User(), channel, requests)
		}()
	}
	channels.Wait()
}

func (s *Server) handleSession(user string, channel ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pty := false
	started := false
	finished := make(chan struct{})

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil)
		case "exec", "shell":
			if started {
				req.Reply(false, nil)
				continue
			}
			var payload struct{ Command string }
			if req.Type == "exec" {
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
			}
			started = true
			req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			e := &Exec{
				User:    user,
				Command: payload.Command,
				PTY:     pty,
				Stdin:   channel,
				Stdout:  channel,
				Stderr:  channel.Stderr(),
			}
			go func() {
				defer close(finished)
				status := s.handler(ctx, e)
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
				channel.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}

	// The client closed the session.
	cancel()
	if started {
		<-finished
	}
	channel.Close()
}

// WriteClientKey generates an ed25519 private key in OpenSSH PEM format
// under dir and returns its path. The server accepts any key.
func WriteClientKey(dir string) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", fmt.Errorf("failed to marshal key: %w", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return "", err
	}
	return path, nil
}
