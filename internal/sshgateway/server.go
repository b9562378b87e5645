// Package sshgateway implements the SSH-facing tunnel lifecycle engine:
// connection accept, public-key authentication, the per-connection forward
// state machine, and the interactive greeter that reports outcomes to the
// client (spec §2).
package sshgateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/gaetanlhf/EXPOSE/internal/controlplane"
	"github.com/gaetanlhf/EXPOSE/internal/endpoint"
	"github.com/gaetanlhf/EXPOSE/internal/slotpolicy"
)

// serverVersion is the fixed banner the gateway advertises to every client
// (spec §4.4, §6).
const serverVersion = "SSH-2.0-EXPOSE"

// defaultRateLimit caps new TCP connections accepted per second.
const defaultRateLimit rate.Limit = 10

// defaultMaxPending caps concurrent unauthenticated handshakes in flight.
const defaultMaxPending = 50

// handshakeTimeout bounds the SSH handshake itself; cleared once the
// connection is authenticated so long-lived tunnels are unaffected.
const handshakeTimeout = 15 * time.Second

// keepaliveInterval/keepaliveTimeout implement the 30s keepalive ping of
// spec §4.4, sent as an SSH global request on the connection.
const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 15 * time.Second
)

// Server is the SSH-facing entry point of the gateway: it accepts
// connections, authenticates public keys against ControlPlane, and hands
// each authenticated connection off to a TunnelSession and a Greeter
// (spec §4.4).
type Server struct {
	ListenAddr    string
	HostKey       ssh.Signer
	Control       *controlplane.Client
	Policy        slotpolicy.Policy
	Endpoints     *endpoint.Registry
	ContainerAddr string
	Greeter       GreeterConfig

	RateLimit  rate.Limit
	MaxPending int

	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     chan struct{}
}

func (s *Server) init() error {
	if s.Control == nil || s.Endpoints == nil || s.HostKey == nil {
		return fmt.Errorf("sshgateway: Server.Control, Endpoints and HostKey must be set")
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	cfg := &ssh.ServerConfig{
		ServerVersion:     serverVersion,
		PublicKeyCallback: s.publicKeyCallback,
	}
	cfg.AddHostKey(s.HostKey)
	s.sshCfg = cfg
	return nil
}

// publicKeyCallback never itself rejects a connection: authentication
// always succeeds at the SSH layer (spec §4.4, "two-phase auth" per §9).
// The presented key's canonical public-key line is checked against
// ControlPlane and the verdict is stashed on the connection for the
// greeter to read once the real session opens.
func (s *Server) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	username := conn.User()
	keyLine := string(ssh.MarshalAuthorizedKey(key))

	ctx, cancel := context.WithTimeout(context.Background(), controlPlaneCallTimeout*time.Second)
	defer cancel()

	matches, isStargazer := s.Control.KeyMatches(ctx, username, keyLine)

	perms := &ssh.Permissions{}
	if matches {
		perms.Extensions = map[string]string{"key_matches": "1"}
		if isStargazer {
			perms.Extensions["is_stargazer"] = "1"
		}
	}
	return perms, nil
}

// ListenAndServe accepts connections on ListenAddr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("sshgateway: init: %w", err)
	}

	addr := s.ListenAddr
	if addr == "" {
		addr = ":2222"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshgateway: listen %s: %w", addr, err)
	}
	log.Printf("[sshgateway] listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// handleConn drives one physical connection end to end: SSH handshake,
// global-request forwarding via a TunnelSession, the interactive session
// channel via a Greeter, and deterministic teardown on exit (spec §4.7).
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		log.Printf("[sshgateway] handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	connCtx := newConnContext(conn.RemoteAddr().String(), sshConn.User())
	if sshConn.Permissions != nil {
		connCtx.KeyMatches = sshConn.Permissions.Extensions["key_matches"] == "1"
		connCtx.IsStargazer = sshConn.Permissions.Extensions["is_stargazer"] == "1"
	}

	session := newTunnelSession(sshConn, connCtx, s.Policy, s.Endpoints, s.Control, s.ContainerAddr)

	defer func() {
		session.teardown()
		_ = sshConn.Close()
		log.Printf("[sshgateway] connection closed (user=%s)", connCtx.Username)
	}()

	go s.keepalive(sshConn)
	go session.handleGlobalRequests(reqs)

	greeter := &Greeter{Control: s.Control, Policy: s.Policy, Config: s.Greeter}

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only interactive sessions are supported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		// Each session channel drives the greeter in turn, one at a time;
		// an autossh-style client opens only one.
		greeter.Run(ch, requests, connCtx)
	}
}

// keepalive sends periodic SSH keepalive requests and closes the
// connection if the remote end stops responding (spec §4.4, §5).
func (s *Server) keepalive(conn *ssh.ServerConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		result := make(chan error, 1)
		go func() {
			_, _, err := conn.SendRequest("keepalive@gateway", true, nil)
			result <- err
		}()
		select {
		case err := <-result:
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-time.After(keepaliveTimeout):
			log.Printf("[sshgateway] keepalive timeout for %s — closing", conn.User())
			_ = conn.Close()
			return
		}
	}
}

// LoadHostKey reads an SSH private key from path. It does not generate one
// — materializing the key file from the configured literal is a bootstrap
// responsibility (spec §6), kept out of this package so Server stays pure
// protocol/lifecycle logic.
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshgateway: read host key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("sshgateway: parse host key %s: %w", path, err)
	}
	return signer, nil
}
