package main

import "testing"

// TestResolvePrefix checks that exact beats prefix, a unique prefix
// resolves, an ambiguous prefix fails AmbiguousPeerError, and an
// unmatched query fails UnknownPeerError.
func TestResolvePrefix(t *testing.T) {
	d := NewPeerDirectory()
	d.UpsertPeer("aabbccddeeff00112233445566778899", nil, nil)
	d.UpsertPeer("aaccddeeff00112233445566778899aa", nil, nil)

	got, err := d.ResolvePrefix("aab")
	if err != nil {
		t.Fatalf("resolve aab: %v", err)
	}
	if got != "aabbccddeeff00112233445566778899" {
		t.Fatalf("resolve aab = %s, want aabbcc...", got)
	}

	if _, err := d.ResolvePrefix("aa"); err == nil {
		t.Fatal("resolve aa: expected AmbiguousPeerError, got nil")
	} else if _, ok := err.(*AmbiguousPeerError); !ok {
		t.Fatalf("resolve aa: got %T, want *AmbiguousPeerError", err)
	}

	if _, err := d.ResolvePrefix("zz"); err == nil {
		t.Fatal("resolve zz: expected UnknownPeerError, got nil")
	} else if _, ok := err.(*UnknownPeerError); !ok {
		t.Fatalf("resolve zz: got %T, want *UnknownPeerError", err)
	}
}

func TestResolvePrefixExactMatchWins(t *testing.T) {
	d := NewPeerDirectory()
	d.UpsertPeer("aa", nil, nil)
	d.UpsertPeer("aabb", nil, nil)

	got, err := d.ResolvePrefix("aa")
	if err != nil {
		t.Fatalf("resolve exact aa: %v", err)
	}
	if got != "aa" {
		t.Fatalf("resolve exact aa = %s, want aa", got)
	}
}

// TestInstallGroupTiebreak: when both peers race to create a group for
// the same client_id, the directory retains whichever hex group_id sorts
// lower.
func TestInstallGroupTiebreak(t *testing.T) {
	d := NewPeerDirectory()

	if !d.InstallGroup("ffffffff", "peer1") {
		t.Fatal("first install should win")
	}
	if won := d.InstallGroup("11111111", "peer1"); !won {
		t.Fatal("lower hex should win the tiebreak")
	}
	hex, ok := d.GroupPeer("11111111")
	if !ok || hex != "peer1" {
		t.Fatalf("expected 11111111 -> peer1 to remain installed, got ok=%v hex=%v", ok, hex)
	}
	if _, ok := d.GroupPeer("ffffffff"); ok {
		t.Fatal("higher-sorting group should have been evicted")
	}

	if won := d.InstallGroup("99999999", "peer1"); won {
		t.Fatal("higher hex should lose the tiebreak")
	}
}

func TestPendingConnectLifecycle(t *testing.T) {
	d := NewPeerDirectory()
	if _, ok := d.Pending("p1"); ok {
		t.Fatal("p1 should not be pending yet")
	}
	d.SetPending("p1")
	if _, ok := d.Pending("p1"); !ok {
		t.Fatal("p1 should be pending after SetPending")
	}
	d.ClearPending("p1")
	if _, ok := d.Pending("p1"); ok {
		t.Fatal("p1 should not be pending after ClearPending")
	}
}
