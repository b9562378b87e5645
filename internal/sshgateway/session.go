package sshgateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gaetanlhf/EXPOSE/internal/controlplane"
	"github.com/gaetanlhf/EXPOSE/internal/endpoint"
	"github.com/gaetanlhf/EXPOSE/internal/slotpolicy"
)

// controlPlaneCallTimeout, in seconds, bounds the ControlPlane key check
// made during public-key authentication (Server.publicKeyCallback). Calls
// made while servicing a forward request rely on the ControlPlane client's
// own per-call timeout.
const controlPlaneCallTimeout = 10

// tcpipForwardPayload is the wire encoding of a "tcpip-forward" global
// request (RFC 4254 §7.1). BindPort doubles as the slot number here — the
// gateway never allocates a real TCP port, it only ever echoes the slot
// back as the "assigned" port (spec GLOSSARY, "Slot").
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPPayload is the wire encoding for the "forwarded-tcpip"
// channel-open payload the gateway sends when bridging an inbound stream
// connection back to the client (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// TunnelSession drives the forward-request state machine for one
// authenticated SSH connection: it watches the connection's global
// requests, resolves each remote-forward to a tunnel name, binds a stream
// endpoint for it, and bridges inbound stream connections back through the
// SSH connection (spec §4.5).
type TunnelSession struct {
	conn          *ssh.ServerConn
	ctx           *ConnContext
	policy        slotpolicy.Policy
	endpoints     *endpoint.Registry
	control       *controlplane.Client
	containerAddr string

	mu    sync.Mutex
	bound []*endpoint.Endpoint
}

func newTunnelSession(conn *ssh.ServerConn, ctx *ConnContext, policy slotpolicy.Policy, endpoints *endpoint.Registry, control *controlplane.Client, containerAddr string) *TunnelSession {
	return &TunnelSession{
		conn:          conn,
		ctx:           ctx,
		policy:        policy,
		endpoints:     endpoints,
		control:       control,
		containerAddr: containerAddr,
	}
}

// handleGlobalRequests processes global requests for the lifetime of the
// connection. It returns once the channel is closed (the connection is
// going away), at which point the caller runs teardown.
func (s *TunnelSession) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleTCPIPForward(req)
		case "streamlocal-forward@openssh.com":
			// Stream-endpoint remote-forward is never supported; only
			// numbered-slot TCP forwarding resolves to a tunnel (spec §4.4).
			s.ctx.setRejection(Rejection{Kind: UnixSocketRejected})
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *TunnelSession) handleTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		log.Printf("[sshgateway] malformed tcpip-forward from %s: %v", s.ctx.Username, err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	slot := int(payload.BindPort)
	ok := s.requestForward(slot, payload.BindAddr)
	if !req.WantReply {
		return
	}
	if !ok {
		_ = req.Reply(false, nil)
		return
	}
	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], payload.BindPort)
	_ = req.Reply(true, reply[:])
}

// requestForward implements the per-request state machine described in
// spec §4.5. It returns whether the request was accepted.
func (s *TunnelSession) requestForward(slot int, listenHost string) bool {
	if s.policy.Classify(slot) == slotpolicy.Invalid {
		s.ctx.setRejection(Rejection{Kind: InvalidSlot, Slot: slot})
		return false
	}

	name, err := s.policy.Name(s.ctx.Username, slot)
	if err != nil {
		s.ctx.setRejection(Rejection{Kind: InvalidSlot, Slot: slot})
		return false
	}

	cpCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if s.control.TunnelExists(cpCtx, name) {
		s.ctx.setRejection(Rejection{Kind: TunnelExists, Name: name})
		return false
	}

	ep, err := s.endpoints.Bind(name)
	if err != nil {
		// EndpointBusy: refuse silently, no rejection banner recorded — the
		// greeter falls into the generic "no endpoints" usage-help case
		// (spec §7, EndpointBusy policy).
		log.Printf("[sshgateway] bind %s for %s: %v", name, s.ctx.Username, err)
		return false
	}

	s.ctx.addEndpoint(ep.SockPath, name)
	s.trackEndpoint(ep)
	s.control.CacheAdd(cpCtx, name, s.containerAddr)

	go s.acceptLoop(ep, listenHost, slot)

	return true
}

func (s *TunnelSession) trackEndpoint(ep *endpoint.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = append(s.bound, ep)
}

// acceptLoop accepts inbound stream connections on ep and bridges each one
// to a fresh "forwarded-tcpip" SSH channel. It returns once the endpoint
// listener is closed by teardown.
func (s *TunnelSession) acceptLoop(ep *endpoint.Endpoint, listenHost string, slot int) {
	for {
		conn, err := ep.Accept()
		if err != nil {
			return
		}
		go s.bridge(conn, listenHost, slot)
	}
}

// bridge opens a forwarded-tcpip channel for one inbound stream connection
// and copies bytes in both directions until either side closes (spec §4.5,
// "bridging semantics").
func (s *TunnelSession) bridge(stream net.Conn, listenHost string, slot int) {
	defer stream.Close()

	originAddr, originPort := splitHostPortOrZero(stream.RemoteAddr())

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       listenHost,
		Port:       uint32(slot),
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	ch, reqs, err := s.conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.Printf("[sshgateway] open forwarded-tcpip channel for slot %d: %v", slot, err)
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, stream)
		ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(stream, ch)
		if cw, ok := stream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
}

func splitHostPortOrZero(addr net.Addr) (string, uint32) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port uint32
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// teardown releases every endpoint this session bound: unlinking its
// filesystem files via the registry and removing its proxy-cache entry.
// Individual failures are logged and never stop the sweep (spec §4.7).
func (s *TunnelSession) teardown() {
	s.mu.Lock()
	bound := s.bound
	s.bound = nil
	s.mu.Unlock()

	for _, ep := range bound {
		name := ep.Name
		s.endpoints.Release(ep)

		ctx, cancel := context.WithCancel(context.Background())
		if !s.control.CacheRemove(ctx, name) {
			log.Printf("[sshgateway] cache_remove(%s) failed during teardown", name)
		}
		cancel()
	}
}
