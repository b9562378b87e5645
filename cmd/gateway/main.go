// Command gateway runs the EXPOSE reverse-tunnel SSH gateway: it accepts
// SSH connections, authenticates them against an external control plane,
// and bridges each accepted remote-forward request to an on-disk stream
// endpoint for the co-resident HTTP reverse proxy to consume.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gaetanlhf/EXPOSE/internal/config"
	"github.com/gaetanlhf/EXPOSE/internal/controlplane"
	"github.com/gaetanlhf/EXPOSE/internal/endpoint"
	"github.com/gaetanlhf/EXPOSE/internal/slotpolicy"
	"github.com/gaetanlhf/EXPOSE/internal/sshgateway"
)

// hostKeyFilename is the fixed file name the gateway looks for inside
// CONFIG_DIRECTORY (spec §6).
const hostKeyFilename = "id_rsa_host"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log.Printf("[gateway] starting EXPOSE tunnel SSH gateway")

	hostKeyPath := filepath.Join(cfg.ConfigDirectory, hostKeyFilename)
	if err := ensureHostKeyFile(hostKeyPath, cfg.SSHServerKey); err != nil {
		log.Fatalf("[gateway] host key: %v", err)
	}
	hostKey, err := sshgateway.LoadHostKey(hostKeyPath)
	if err != nil {
		log.Fatalf("[gateway] host key: %v", err)
	}

	if err := ensureSocketsDir(cfg.UnixSocketsDirectory); err != nil {
		log.Fatalf("[gateway] sockets directory: %v", err)
	}

	// Relaxed process-wide umask so the stream-endpoint files this process
	// creates are reachable by the co-resident reverse proxy (spec §4.3).
	syscall.Umask(0)

	containerAddr := resolveContainerAddr()
	if containerAddr == "" {
		log.Printf("[gateway] could not resolve fly-local-6pn; cache_add will run with an empty address")
	}

	control := controlplane.New(controlplane.Config{
		KeyMatchesAccountURL:   cfg.KeyMatchesAccountURL,
		IsUserStargazerURL:     cfg.IsUserStargazerURL,
		GenerateQRCodeURL:      cfg.GenerateQRCodeURL,
		BannerURL:              cfg.BannerURL,
		CacheAddURL:            cfg.CacheAddURL,
		CacheRemoveURL:         cfg.CacheRemoveURL,
		CheckIfTunnelExistsURL: cfg.CheckIfTunnelExistsURL,
	})

	srv := &sshgateway.Server{
		ListenAddr:    fmt.Sprintf("%s:%d", cfg.SSHServerHost, cfg.SSHServerPort),
		HostKey:       hostKey,
		Control:       control,
		Policy:        slotpolicy.New(cfg.NamedTunnelsRange, cfg.RandomTunnelsRange),
		Endpoints:     endpoint.NewRegistry(cfg.UnixSocketsDirectory),
		ContainerAddr: containerAddr,
		Greeter: sshgateway.GreeterConfig{
			HTTPURL:        cfg.HTTPURL,
			SSHServerURL:   cfg.SSHServerURL,
			TimeoutMinutes: cfg.TimeoutMinutes,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[gateway] shutdown signal received")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("[gateway] %v", err)
	}
	log.Printf("[gateway] exited")
}

// ensureHostKeyFile materializes the host key file from literal key
// material when it is absent, mode-locked to 0600 (spec §6, §4.4).
func ensureHostKeyFile(path, literal string) error {
	if _, err := os.Stat(path); err == nil {
		log.Printf("[gateway] host key exists at %s", path)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	log.Printf("[gateway] host key missing, materializing from SSH_SERVER_KEY at %s", path)
	if err := os.WriteFile(path, []byte(literal), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// ensureSocketsDir creates the endpoint directory if it does not already
// exist (spec §6).
func ensureSocketsDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		log.Printf("[gateway] sockets directory %s exists", dir)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	log.Printf("[gateway] creating sockets directory %s", dir)
	return os.MkdirAll(dir, 0o755)
}

// resolveContainerAddr resolves the gateway's own reachable IPv6 address
// via the fixed "fly-local-6pn" hostname (spec §4.1). Returns "" if
// resolution fails — cache_add still runs with an empty address in that
// case, it is never fatal to bootstrap.
func resolveContainerAddr() string {
	addrs, err := net.DefaultResolver.LookupIP(context.Background(), "ip6", "fly-local-6pn")
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0].String()
}
