package main

import (
	"bytes"
	"strings"
	"testing"
)

// testPeer bundles everything one simulated client needs for the session
// state machine tests: its identity, directory, transport, session
// manager, and an event loop used only for its unexported handleInbound
// dispatch (no goroutines — tests drive delivery deterministically).
type testPeer struct {
	identity  *ClientIdentity
	directory *PeerDirectory
	transport *MockTransport
	session   *SessionManager
	loop      *EventLoop
}

func newTestPeer(t *testing.T, broker *MockBroker) *testPeer {
	t.Helper()
	id, err := NewClientIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	dir := NewPeerDirectory()
	tr := broker.NewClient()
	sm := NewSessionManager(id, tr, dir, nil)
	loop := NewEventLoop(tr, sm, nil, nil)
	return &testPeer{identity: id, directory: dir, transport: tr, session: sm, loop: loop}
}

// drain processes every currently-buffered inbound message for p,
// returning once the channel has no more ready messages.
func (p *testPeer) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case msg := <-p.transport.Inbound():
			p.loop.handleInbound(msg)
		default:
			return
		}
	}
}

func bootstrapPeer(t *testing.T, p *testPeer) {
	t.Helper()
	if err := p.session.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p.drain(t) // consume the self-retained key publish echo
}

// TestHandshakeAndChatRoundTrip walks the full handshake from a single
// connect command and asserts both sides end up with the same two member
// credentials, then exchanges a message in each direction.
func TestHandshakeAndChatRoundTrip(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	b := newTestPeer(t, broker)
	bootstrapPeer(t, a)
	bootstrapPeer(t, b)

	out, err := a.session.HandleConnect(b.identity.ClientID)
	if err != nil {
		t.Fatalf("A connect B: %v", err)
	}
	if out != "connecting..." {
		t.Fatalf("A connect B = %q, want connecting... (the subscribe just queued B's retained key)", out)
	}
	a.drain(t) // A processes B's retained key package and establishes outbound

	b.drain(t) // B receives the Welcome, installs the group, republishes its key

	sa := a.session.sessionFor(b.identity.ClientID)
	sb := b.session.sessionFor(a.identity.ClientID)
	if sa.state != StateSessionReady {
		t.Fatalf("A state = %v, want SessionReady", sa.state)
	}
	if sb.state != StateSessionReady {
		t.Fatalf("B state = %v, want SessionReady", sb.state)
	}

	aMembers := sa.group.MemberCredentials()
	bMembers := sb.group.MemberCredentials()
	if !sameMemberSet(aMembers, bMembers) {
		t.Fatalf("member sets differ: A=%v B=%v", stringify(aMembers), stringify(bMembers))
	}

	// Chat round trip, both directions, exact byte equality.
	if _, err := a.session.HandleChat(b.identity.ClientID, "hello world"); err != nil {
		t.Fatalf("A chat: %v", err)
	}
	b.drainApplication(t, "hello world")

	if _, err := b.session.HandleChat(a.identity.ClientID, "hi back"); err != nil {
		t.Fatalf("B chat: %v", err)
	}
	a.drainApplication(t, "hi back")
}

// drainApplication drains p's inbound channel and asserts exactly one
// application message arrived with the given exact byte content. Other
// traffic still queued (key-package republishes, own-publish echoes) is
// routed through the normal dispatch so state stays consistent.
func (p *testPeer) drainApplication(t *testing.T, want string) {
	t.Helper()
	var found bool
	for {
		select {
		case msg := <-p.transport.Inbound():
			if !strings.HasPrefix(msg.Topic, "relay/g/") || !strings.HasSuffix(msg.Topic, "/m") {
				p.loop.handleInbound(msg)
				continue
			}
			ev, err := p.session.HandleGroupMessage(msg.Topic, msg.Payload)
			if err != nil {
				t.Fatalf("handle group message: %v", err)
			}
			if ev != nil && !ev.Silent {
				if ev.Display != want {
					t.Fatalf("application content = %q, want %q", ev.Display, want)
				}
				found = true
			}
		default:
			if !found {
				t.Fatalf("expected an application message %q, none arrived", want)
			}
			return
		}
	}
}

func sameMemberSet(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, m := range a {
		set[string(m)] = true
	}
	for _, m := range b {
		if !set[string(m)] {
			return false
		}
	}
	return true
}

func stringify(creds [][]byte) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = string(c)
	}
	return out
}

// TestConnectBeforeKeyPackage: a connect issued before the peer has
// published anything parks in PendingConnect/WaitingForKeyPackage and
// resolves to SessionReady once the peer's key package arrives.
func TestConnectBeforeKeyPackage(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	b := newTestPeer(t, broker)
	bootstrapPeer(t, a)
	// B has not bootstrapped yet: no key package on the broker.

	out, err := a.session.HandleConnect(b.identity.ClientID)
	if err != nil {
		t.Fatalf("A connect B (early): %v", err)
	}
	if out != "connecting..." {
		t.Fatalf("A connect B (early) = %q, want connecting...", out)
	}
	if s := a.session.sessionFor(b.identity.ClientID); s.state != StateWaitingForKeyPackage {
		t.Fatalf("A state = %v, want WaitingForKeyPackage", s.state)
	}
	if _, pending := a.directory.Pending(b.identity.ClientID); !pending {
		t.Fatal("expected B to be in A's PendingConnect set")
	}

	// B now bootstraps and publishes its key package; A is already
	// subscribed to relay/k/<B>, so it arrives live.
	bootstrapPeer(t, b)
	a.drain(t)

	if s := a.session.sessionFor(b.identity.ClientID); s.state != StateSessionReady {
		t.Fatalf("A state after B's key arrives = %v, want SessionReady", s.state)
	}
	b.drain(t)
	if s := b.session.sessionFor(a.identity.ClientID); s.state != StateSessionReady {
		t.Fatalf("B state = %v, want SessionReady", s.state)
	}
}

// TestSelfPublishFilter: a client's own retained key-package publish,
// replayed back to itself, mutates no state.
func TestSelfPublishFilter(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	if err := a.session.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	before := len(a.directory.Peers())
	a.drain(t)
	after := len(a.directory.Peers())
	if before != after {
		t.Fatalf("self-publish filter failed: peer count %d -> %d", before, after)
	}
	if _, ok := a.directory.Peer(a.identity.ClientID); ok {
		t.Fatal("self should never appear in the peer directory")
	}
}

// TestKeyPackageSingleUse: once B joins from A's Welcome, B republishes
// a fresh KeyPackage; a third party C then consumes that fresh one, and
// its bytes differ from B's first.
func TestKeyPackageSingleUse(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	b := newTestPeer(t, broker)
	c := newTestPeer(t, broker)
	bootstrapPeer(t, a)
	bootstrapPeer(t, b)
	bootstrapPeer(t, c)

	firstKP := b.transport.RetainedPayload(topicKeys(b.identity.ClientID))
	if len(firstKP) == 0 {
		t.Fatal("B should have a retained key package after bootstrap")
	}

	if _, err := a.session.HandleConnect(b.identity.ClientID); err != nil {
		t.Fatalf("A connect B: %v", err)
	}
	a.drain(t) // A consumes B's first key package and establishes outbound
	b.drain(t) // B installs the group and republishes a fresh key package

	secondKP := b.transport.RetainedPayload(topicKeys(b.identity.ClientID))
	if bytes.Equal(firstKP, secondKP) {
		t.Fatal("B's republished key package must differ from the one consumed by A")
	}

	if _, err := c.session.HandleConnect(b.identity.ClientID); err != nil {
		t.Fatalf("C connect B: %v", err)
	}
	c.drain(t)
	b.drain(t)

	if s := b.session.sessionFor(c.identity.ClientID); s.state != StateSessionReady {
		t.Fatalf("B-C state = %v, want SessionReady", s.state)
	}
}

// TestAlreadyConnectedIsNoOp: a second connect to an established peer
// reports "already connected" and changes nothing.
func TestAlreadyConnectedIsNoOp(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	b := newTestPeer(t, broker)
	bootstrapPeer(t, a)
	bootstrapPeer(t, b)

	if _, err := a.session.HandleConnect(b.identity.ClientID); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	a.drain(t)
	b.drain(t)

	out, err := a.session.HandleConnect(b.identity.ClientID)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if out != "already connected" {
		t.Fatalf("second connect = %q, want already connected", out)
	}
}

// TestDuplicateWelcomeKeepsClientLive: the same Welcome payload
// delivered twice (QoS-1 redelivery) must leave the client live either
// way, whether the second delivery reinstalls the group or is dropped as
// an error, and a chat round trip must still succeed on whatever group
// ends up installed.
func TestDuplicateWelcomeKeepsClientLive(t *testing.T) {
	broker := NewMockBroker()
	a := newTestPeer(t, broker)
	b := newTestPeer(t, broker)
	bootstrapPeer(t, a)
	bootstrapPeer(t, b)

	if _, err := a.session.HandleConnect(b.identity.ClientID); err != nil {
		t.Fatalf("A connect B: %v", err)
	}
	a.drain(t) // A consumes B's key package, publishes the Welcome

	var welcomePayload []byte
	select {
	case msg := <-b.transport.Inbound():
		if msg.Topic != topicWelcome(b.identity.ClientID) {
			t.Fatalf("unexpected topic %s, want the welcome", msg.Topic)
		}
		welcomePayload = msg.Payload
	default:
		t.Fatal("expected a Welcome waiting in B's inbound queue")
	}

	if err := b.session.HandleWelcomeInbound(welcomePayload); err != nil {
		t.Fatalf("first welcome delivery: %v", err)
	}
	// Second delivery of the same bytes: either outcome is in-contract,
	// as long as nothing panics and the session stays usable.
	if err := b.session.HandleWelcomeInbound(welcomePayload); err != nil {
		t.Logf("duplicate welcome dropped: %v", err)
	}

	a.drain(t) // A absorbs B's republished key package(s)
	b.drain(t)

	if s := b.session.sessionFor(a.identity.ClientID); s.state != StateSessionReady {
		t.Fatalf("B state after duplicate welcome = %v, want SessionReady", s.state)
	}

	if _, err := a.session.HandleChat(b.identity.ClientID, "still alive"); err != nil {
		t.Fatalf("A chat after duplicate welcome: %v", err)
	}
	b.drainApplication(t, "still alive")
}
