// Package sshserver provides an in-process SSH server for integration
// testing. It supports password and public key authentication, exec
// requests (for scheduler command tests) and direct-tcpip channels (for
// port forwarding).
package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// ExecHandler serves one exec request. It returns the command's stdout and
// exit code.
type ExecHandler func(command string) (string, int)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
}

// Options configures the test SSH server.
type Options struct {
	Username       string          // Required
	Password       string          // Enables password auth if set
	AuthorizedKeys []ssh.PublicKey // Enables pubkey auth if set
	HostKey        ssh.Signer      // Generated if nil
	Exec           ExecHandler     // Serves exec requests; nil rejects them
}

// New creates a test SSH server. Call Start() to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		t.Fatal("sshserver: Username is required")
	}

	return &Server{
		t:    t,
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start begins listening on a random loopback port
func (s *Server) Start() {
	s.t.Helper()

	hostKey := s.opts.HostKey
	if hostKey == nil {
		hostKey = GenerateHostKey(s.t)
	}

	s.config = &ssh.ServerConfig{}
	s.config.AddHostKey(hostKey)

	if s.opts.Password != "" {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.opts.Username && string(password) == s.opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("authentication failed for user %q", conn.User())
		}
	}

	if len(s.opts.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != s.opts.Username {
				return nil, fmt.Errorf("unknown user %q", conn.User())
			}
			keyBytes := key.Marshal()
			for _, authorized := range s.opts.AuthorizedKeys {
				if bytes.Equal(keyBytes, authorized.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	close(s.done)
	s.listener.Close()
	s.wg.Wait()
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the server address as "127.0.0.1:<port>".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.t.Logf("sshserver: accept error: %v", err)
				return
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		// Authentication failures are expected in tests
		s.t.Logf("sshserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			switch newChan.ChannelType() {
			case "session":
				s.wg.Add(1)
				go s.handleSession(newChan)
			case "direct-tcpip":
				s.wg.Add(1)
				go s.handleDirectTCPIP(newChan)
			default:
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			}
		}
	}
}

// execPayload is the RFC 4254 payload for exec requests
type execPayload struct {
	Command string
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	for {
		select {
		case <-s.done:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "exec":
				var payload execPayload
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil || s.opts.Exec == nil {
					if req.WantReply {
						req.Reply(false, nil)
					}
					continue
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
				out, code := s.opts.Exec(payload.Command)
				io.WriteString(ch, out)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			case "env", "shell":
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}
}

// directTCPIPPayload is the RFC 4254 payload for direct-tcpip channels
type directTCPIPPayload struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func (s *Server) handleDirectTCPIP(newChan ssh.NewChannel) {
	defer s.wg.Done()

	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "invalid payload")
		return
	}

	target := net.JoinHostPort(payload.DestHost, fmt.Sprintf("%d", payload.DestPort))
	targetConn, err := net.Dial("tcp", target)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("failed to connect to %s: %v", target, err))
		return
	}
	defer targetConn.Close()

	ch, _, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept direct-tcpip channel: %v", err)
		return
	}
	defer ch.Close()

	var proxyWg sync.WaitGroup
	proxyWg.Add(2)

	go func() {
		defer proxyWg.Done()
		io.Copy(ch, targetConn)
		ch.CloseWrite()
	}()

	go func() {
		defer proxyWg.Done()
		io.Copy(targetConn, ch)
		targetConn.(*net.TCPConn).CloseWrite()
	}()

	doneCh := make(chan struct{})
	go func() {
		proxyWg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-s.done:
	}
}

// GenerateHostKey generates an ED25519 host key signer
func GenerateHostKey(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate ED25519 key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create signer: %v", err)
	}

	return signer
}

// GenerateClientKeyPair generates a temporary ED25519 keypair for testing.
// Returns the signer, the public key, and the path to the private key file.
func GenerateClientKeyPair(t testing.TB, dir string) (ssh.Signer, ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate client key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create client signer: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519_test")
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("sshserver: failed to marshal private key: %v", err)
	}

	keyBytes := pem.EncodeToMemory(block)
	if err := os.WriteFile(keyPath, keyBytes, 0600); err != nil {
		t.Fatalf("sshserver: failed to write private key: %v", err)
	}

	return signer, signer.PublicKey(), keyPath
}
