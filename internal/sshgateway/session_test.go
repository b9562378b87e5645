package sshgateway

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gaetanlhf/EXPOSE/internal/controlplane"
	"github.com/gaetanlhf/EXPOSE/internal/endpoint"
	"github.com/gaetanlhf/EXPOSE/internal/slotpolicy"
)

func newTestControlPlane(t *testing.T, tunnelExists bool) *controlplane.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case filepath.Base(r.URL.Path) == "checkIfTunnelExists":
			// Only a clean 200 proves the name is free; a non-200 response
			// is treated conservatively as "exists" (controlplane.TunnelExists).
			if tunnelExists {
				w.WriteHeader(http.StatusNotFound)
			} else {
				w.WriteHeader(http.StatusOK)
			}
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return controlplane.New(controlplane.Config{
		KeyMatchesAccountURL:   srv.URL + "/keyMatchesAccount",
		IsUserStargazerURL:     srv.URL + "/isUserStargazer",
		GenerateQRCodeURL:      srv.URL + "/generateQRCode",
		BannerURL:              srv.URL + "/getBanner",
		CacheAddURL:            srv.URL + "/addToNginxCache",
		CacheRemoveURL:         srv.URL + "/removeFromNginxCache",
		CheckIfTunnelExistsURL: srv.URL + "/checkIfTunnelExists",
	})
}

func TestRequestForward_InvalidSlot(t *testing.T) {
	dir := t.TempDir()
	registry := endpoint.NewRegistry(dir)
	control := newTestControlPlane(t, false)
	ctx := newConnContext("", "dave")
	policy := slotpolicy.New("1-3", "4-5")

	session := newTunnelSession(nil, ctx, policy, registry, control, "")

	if ok := session.requestForward(9, "0.0.0.0"); ok {
		t.Error("requestForward(9) = true, want false (invalid slot)")
	}
	rej := ctx.getRejection()
	if rej.Kind != InvalidSlot || rej.Slot != 9 {
		t.Errorf("rejection = %+v, want InvalidSlot(9)", rej)
	}
	if ctx.endpointCount() != 0 {
		t.Error("endpointCount() != 0 after invalid slot, want 0 (spec I4)")
	}
}

func TestRequestForward_TunnelExists(t *testing.T) {
	dir := t.TempDir()
	registry := endpoint.NewRegistry(dir)
	control := newTestControlPlane(t, true)
	ctx := newConnContext("", "eve")
	policy := slotpolicy.New("1-3", "4-5")

	session := newTunnelSession(nil, ctx, policy, registry, control, "")

	if ok := session.requestForward(1, "0.0.0.0"); ok {
		t.Error("requestForward(1) = true, want false (tunnel exists)")
	}
	rej := ctx.getRejection()
	if rej.Kind != TunnelExists || rej.Name != "eve" {
		t.Errorf("rejection = %+v, want TunnelExists(eve)", rej)
	}
	if ctx.endpointCount() != 0 {
		t.Error("endpointCount() != 0 after tunnel_exists refusal, want 0 (spec I4)")
	}
}

func TestRequestForward_NamedSlotOneSucceeds(t *testing.T) {
	dir := t.TempDir()
	registry := endpoint.NewRegistry(dir)
	control := newTestControlPlane(t, false)
	ctx := newConnContext("", "alice")
	policy := slotpolicy.New("1-3", "4-5")

	session := newTunnelSession(nil, ctx, policy, registry, control, "::1")
	defer session.teardown()

	if ok := session.requestForward(1, "0.0.0.0"); !ok {
		t.Fatal("requestForward(1) = false, want true")
	}

	if ctx.endpointCount() != 1 {
		t.Fatalf("endpointCount() = %d, want 1", ctx.endpointCount())
	}

	snap := ctx.endpointsSnapshot()
	if snap[0].Name != "alice" {
		t.Errorf("tunnel name = %q, want alice", snap[0].Name)
	}
	if _, err := os.Stat(snap[0].Path); err != nil {
		t.Errorf("endpoint socket missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.meta")); err != nil {
		t.Errorf("meta file missing: %v", err)
	}
}

func TestRequestForward_SecondBindOfSameNameRefusedSilently(t *testing.T) {
	dir := t.TempDir()
	registry := endpoint.NewRegistry(dir)
	control := newTestControlPlane(t, false)
	ctx := newConnContext("", "alice")
	policy := slotpolicy.New("1-3", "4-5")

	session1 := newTunnelSession(nil, ctx, policy, registry, control, "")
	defer session1.teardown()
	if ok := session1.requestForward(1, "0.0.0.0"); !ok {
		t.Fatal("first requestForward(1) = false, want true")
	}

	ctx2 := newConnContext("", "alice")
	session2 := newTunnelSession(nil, ctx2, policy, registry, control, "")
	defer session2.teardown()
	if ok := session2.requestForward(1, "0.0.0.0"); ok {
		t.Error("second requestForward(1) for same name = true, want false (EndpointBusy)")
	}
	// EndpointBusy does not set a rejection banner — it falls through to the
	// greeter's generic "no endpoints" usage-help case (spec §7).
	if ctx2.getRejection().Kind != NoRejection {
		t.Errorf("rejection = %+v, want NoRejection for EndpointBusy", ctx2.getRejection())
	}
}

func TestTeardown_ReleasesEndpointFiles(t *testing.T) {
	dir := t.TempDir()
	registry := endpoint.NewRegistry(dir)
	control := newTestControlPlane(t, false)
	ctx := newConnContext("", "alice")
	policy := slotpolicy.New("1-3", "4-5")

	session := newTunnelSession(nil, ctx, policy, registry, control, "")
	if ok := session.requestForward(1, "0.0.0.0"); !ok {
		t.Fatal("requestForward(1) = false, want true")
	}

	session.teardown()

	if _, err := os.Stat(filepath.Join(dir, "alice.sock")); !os.IsNotExist(err) {
		t.Errorf("socket file still exists after teardown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.meta")); !os.IsNotExist(err) {
		t.Errorf("meta file still exists after teardown: %v", err)
	}
}
