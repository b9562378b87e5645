package sshgateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gaetanlhf/EXPOSE/internal/controlplane"
	"github.com/gaetanlhf/EXPOSE/internal/slotpolicy"
)

// GreeterConfig carries the user-facing configuration the greeter
// substitutes into banners and the usage-help text (spec §6).
type GreeterConfig struct {
	HTTPURL        string
	SSHServerURL   string
	TimeoutMinutes int
}

// Greeter is the in-session writer that presents banners, usage help,
// tunnel URLs, and runs the absolute-timeout watchdog (spec §4.6).
type Greeter struct {
	Control *controlplane.Client
	Policy  slotpolicy.Policy
	Config  GreeterConfig
}

// exitStatusMsg is the wire encoding of an "exit-status" channel request
// (RFC 4254 §6.10).
type exitStatusMsg struct {
	Status uint32
}

// Run drives one interactive session to completion: it writes the
// decision-tree banners described in spec §4.6, then — only on the
// success path — enforces the absolute session timeout while draining
// stdin until the client disconnects.
func (g *Greeter) Run(ch ssh.Channel, requests <-chan *ssh.Request, connCtx *ConnContext) {
	defer ch.Close()

	go acknowledgeSessionRequests(requests)

	welcome := g.Control.Banner(context.Background(), controlplane.BannerWelcome)
	fmt.Fprintf(ch, "%s\n\n", welcome)

	if !connCtx.KeyMatches {
		unrecognised := g.Control.Banner(context.Background(), controlplane.BannerUnrecognisedUser)
		fmt.Fprintf(ch, "%s\n", unrecognised)
		log.Printf("[sshgateway] user rejected: SSH key does not match (user=%s)", connCtx.Username)
		sendExitStatus(ch, 1)
		return
	}

	rejection := connCtx.getRejection()
	maxSlot := g.Policy.MaxSlot()

	switch {
	case rejection.Kind == InvalidSlot:
		fmt.Fprint(ch, formatInvalidSlot(rejection.Slot, maxSlot))
		log.Printf("[sshgateway] user rejected: invalid slot %d (user=%s)", rejection.Slot, connCtx.Username)
		sendExitStatus(ch, 1)
		return

	case rejection.Kind == TunnelExists:
		fmt.Fprint(ch, formatTunnelExists(rejection.Name))
		log.Printf("[sshgateway] user rejected: tunnel %s already exists (user=%s)", rejection.Name, connCtx.Username)
		sendExitStatus(ch, 1)
		return

	case rejection.Kind == UnixSocketRejected || connCtx.endpointCount() == 0:
		fmt.Fprint(ch, formatUsageHelp(g.Config, g.Policy, connCtx.Username))
		if rejection.Kind == UnixSocketRejected {
			log.Printf("[sshgateway] user rejected: unix socket forwarding not allowed (user=%s)", connCtx.Username)
		} else {
			log.Printf("[sshgateway] user rejected: not in port forwarding mode (user=%s)", connCtx.Username)
		}
		sendExitStatus(ch, 1)
		return
	}

	for _, e := range connCtx.endpointsSnapshot() {
		tlsURL := fmt.Sprintf("https://%s.%s", e.Name, g.Config.HTTPURL)
		qr := g.Control.QRCode(context.Background(), tlsURL)
		fmt.Fprint(ch, formatSuccessLines(e.Name, g.Config.HTTPURL, qr))
		log.Printf("[sshgateway] exposed %s.%s (user=%s)", e.Name, g.Config.HTTPURL, connCtx.Username)
	}

	timeoutHours := g.Config.TimeoutMinutes / 60
	timer := time.AfterFunc(time.Duration(g.Config.TimeoutMinutes)*time.Minute, func() {
		fmt.Fprint(ch, formatTimeoutMessage(timeoutHours))
		log.Printf("[sshgateway] user automatically disconnected after %d hours (user=%s)", timeoutHours, connCtx.Username)
		ch.Close()
	})
	defer timer.Stop()

	// Drain stdin until the client disconnects or the timeout fires and
	// closes the channel out from under this read.
	io.Copy(io.Discard, ch)
	sendExitStatus(ch, 0)
}

// acknowledgeSessionRequests accepts the usual interactive-shell requests
// (pty-req, shell, env), ignores window-change (a false reply when one is
// wanted), and rejects anything that would run
// a command or transfer a file (spec §4.4, "sessions requesting command
// execution or file copy are rejected").
func acknowledgeSessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "shell", "env", "window-change", "subsystem-request":
			if req.WantReply {
				_ = req.Reply(req.Type != "window-change", nil)
			}
		case "exec", "subsystem":
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

func sendExitStatus(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: code}))
}

func formatInvalidSlot(slot, maxSlot int) string {
	return fmt.Sprintf("Invalid slot number: %d. Please use slots 1-%d only.\n", slot, maxSlot)
}

func formatTunnelExists(name string) string {
	return fmt.Sprintf("Tunnel already exists: %s. Please use a different slot.\n", name)
}

func formatSuccessLines(name, httpURL, qr string) string {
	return fmt.Sprintf("Internet address: %s.%s\nTLS termination: https://%s.%s\n\n%s\n",
		name, httpURL, name, httpURL, qr)
}

func formatTimeoutMessage(hours int) string {
	return fmt.Sprintf("\nTimeout: automatically disconnected after %d hours.\n", hours)
}

// formatUsageHelp renders the multi-line help text shown whenever a
// connection never produced a bound endpoint (spec §4.6 case 4). It
// includes a freshly generated random suffix purely as an illustrative
// example — the suffix is not a reservation (spec §9).
func formatUsageHelp(cfg GreeterConfig, policy slotpolicy.Policy, username string) string {
	randomSuffix, err := slotpolicy.RandomSuffix()
	if err != nil {
		randomSuffix = "abc123"
	}

	timeoutHours := cfg.TimeoutMinutes / 60

	return fmt.Sprintf(`Usage: ssh -R <slot>:localhost:<localport> %s

Tunnel naming rules:
- Slots %d-%d: Named as %s, %s-2, %s-3, etc.
- Slots %d-%d: Random names like %s-%s
- Maximum: %d concurrent tunnels per user (slots 1-%d)
- Session limit: %d hours

Only numbered slots are supported. Unix socket forwarding is not allowed.

Examples:
ssh -R 1:localhost:3000 %s                              Named tunnel: %s
ssh -R 2:localhost:8080 %s                              Named tunnel: %s-2
ssh -R 1:localhost:3000 -R 2:localhost:8080 %s          Named tunnels: %s, %s-2
ssh -R %d:localhost:9000 %s                 Random tunnel name
`,
		cfg.SSHServerURL,
		policy.Named.Start, policy.Named.End, username, username, username,
		policy.Random.Start, policy.Random.End, username, randomSuffix,
		policy.MaxSlot(), policy.MaxSlot(),
		timeoutHours,
		cfg.SSHServerURL, username,
		cfg.SSHServerURL, username,
		cfg.SSHServerURL, username, username,
		policy.Random.Start, cfg.SSHServerURL,
	)
}
