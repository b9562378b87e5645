package sshgateway

import "testing"

func TestConnContext_AddEndpointPreservesInsertionOrder(t *testing.T) {
	ctx := newConnContext("1.2.3.4:5", "alice")
	ctx.addEndpoint("/tmp/b.sock", "b")
	ctx.addEndpoint("/tmp/a.sock", "a")

	got := ctx.endpointsSnapshot()
	if len(got) != 2 {
		t.Fatalf("endpointsSnapshot() len = %d, want 2", len(got))
	}
	if got[0].Name != "b" || got[1].Name != "a" {
		t.Errorf("endpointsSnapshot() = %+v, want insertion order [b, a]", got)
	}
}

func TestConnContext_AddEndpointOverwriteKeepsOriginalPosition(t *testing.T) {
	ctx := newConnContext("", "alice")
	ctx.addEndpoint("/tmp/a.sock", "a")
	ctx.addEndpoint("/tmp/b.sock", "b")
	ctx.addEndpoint("/tmp/a.sock", "a-renamed")

	got := ctx.endpointsSnapshot()
	if len(got) != 2 {
		t.Fatalf("endpointsSnapshot() len = %d, want 2", len(got))
	}
	if got[0].Name != "a-renamed" {
		t.Errorf("endpointsSnapshot()[0].Name = %q, want a-renamed", got[0].Name)
	}
}

func TestConnContext_SetRejectionKeepsFirst(t *testing.T) {
	ctx := newConnContext("", "alice")
	ctx.setRejection(Rejection{Kind: InvalidSlot, Slot: 9})
	ctx.setRejection(Rejection{Kind: TunnelExists, Name: "alice"})

	got := ctx.getRejection()
	if got.Kind != InvalidSlot || got.Slot != 9 {
		t.Errorf("getRejection() = %+v, want first-recorded InvalidSlot(9)", got)
	}
}

func TestConnContext_EndpointCount(t *testing.T) {
	ctx := newConnContext("", "alice")
	if ctx.endpointCount() != 0 {
		t.Errorf("endpointCount() = %d, want 0", ctx.endpointCount())
	}
	ctx.addEndpoint("/tmp/a.sock", "a")
	if ctx.endpointCount() != 1 {
		t.Errorf("endpointCount() = %d, want 1", ctx.endpointCount())
	}
}
