package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
)

// PeerState tracks where a peer sits in the session lifecycle.
type PeerState int

const (
	StateNone PeerState = iota
	StateWaitingForKeyPackage
	StateKeyPackageKnown
	StateSessionReady
)

func (s PeerState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWaitingForKeyPackage:
		return "waiting-for-keypackage"
	case StateKeyPackageKnown:
		return "keypackage-known"
	case StateSessionReady:
		return "session-ready"
	default:
		return "unknown"
	}
}

// peerSession is the state-machine bookkeeping for a single peer
// client_id: its current state and, once established, the live MLS Group
// backing it. Distinct from directory.PeerRecord, which the peer
// directory owns independently.
//
// ownCiphertexts tracks the SHA-256 of every application ciphertext this
// client has published to the group's message topic but not yet seen
// echoed back. The MLS library has no sentinel error for "this is my own
// message" (see the ProcessMessage doc in mls.go), and the broker
// redelivers a client's own publishes verbatim, so an inbound ciphertext
// matching a hash in this set is recognized and dropped before it ever
// reaches group.ProcessMessage.
type peerSession struct {
	state          PeerState
	groupHex       string
	group          *Group
	ownCiphertexts map[[32]byte]struct{}
}

// SessionManager orchestrates discovery, session establishment, and
// messaging for every peer. It owns no lock of its own: its state is only
// ever mutated by the single owning goroutine of the event loop
// (PeersSummary, which the control server also calls, reads only the
// directory).
type SessionManager struct {
	identity  *ClientIdentity
	transport Transport
	directory *PeerDirectory

	sessions    map[string]*peerSession // peer client_id -> session
	groupToPeer map[string]string       // hex group_id -> peer client_id

	metrics *Metrics
}

func NewSessionManager(identity *ClientIdentity, transport Transport, directory *PeerDirectory, metrics *Metrics) *SessionManager {
	return &SessionManager{
		identity:    identity,
		transport:   transport,
		directory:   directory,
		sessions:    make(map[string]*peerSession),
		groupToPeer: make(map[string]string),
		metrics:     metrics,
	}
}

func (m *SessionManager) sessionFor(peer string) *peerSession {
	s, ok := m.sessions[peer]
	if !ok {
		s = &peerSession{state: StateNone}
		m.sessions[peer] = s
	}
	return s
}

// Bootstrap publishes this client's own KeyPackage (retained) and
// subscribes to its own key and welcome topics; a peer must be
// discoverable and listening before anyone can connect to it.
func (m *SessionManager) Bootstrap() error {
	if err := m.publishOwnKeyPackage(); err != nil {
		return err
	}
	if err := m.transport.Subscribe(topicKeys(m.identity.ClientID)); err != nil {
		return err
	}
	if err := m.transport.Subscribe(topicWelcome(m.identity.ClientID)); err != nil {
		return err
	}
	return nil
}

func (m *SessionManager) publishOwnKeyPackage() error {
	kpBytes, err := MarshalKeyPackage(m.identity.Identity.PublicKeyPackage())
	if err != nil {
		return err
	}
	payload, err := encodeKeyPackagePublication(kpBytes, m.identity.OuterPublic())
	if err != nil {
		return err
	}
	if err := m.transport.Publish(topicKeys(m.identity.ClientID), payload, true); err != nil {
		return err
	}
	log.Printf("[session] published key package on %s", topicKeys(m.identity.ClientID))
	return nil
}

// HandleConnect handles a user "connect" command for peer.
func (m *SessionManager) HandleConnect(peer string) (string, error) {
	s := m.sessionFor(peer)
	switch s.state {
	case StateSessionReady:
		return "already connected", nil
	case StateKeyPackageKnown:
		return m.establishOutbound(peer, s)
	default:
		if s.state == StateNone {
			s.state = StateWaitingForKeyPackage
			m.directory.SetPending(peer)
			if _, known := m.directory.Peer(peer); !known {
				m.directory.UpsertPeer(peer, nil, nil)
			}
			if err := m.transport.Subscribe(topicKeys(peer)); err != nil {
				return "", err
			}
		}
		return "connecting...", nil
	}
}

// HandleKeyPackageInbound processes a key-package publication observed
// on relay/k/<peer>.
func (m *SessionManager) HandleKeyPackageInbound(topic string, payload []byte) error {
	peer := strings.TrimPrefix(topic, "relay/k/")
	if peer == m.identity.ClientID {
		return nil // the broker replays our own retained publish
	}

	kpBytes, outerPub, err := decodeKeyPackagePublication(payload)
	if err != nil {
		return err
	}
	if _, err := UnmarshalKeyPackage(kpBytes); err != nil {
		// Validation failure: drop the publication but keep any pending
		// connect, so the peer's next retained publish retries.
		return fmt.Errorf("%w: key package from %s: %v", ErrMLS, peer, err)
	}

	s := m.sessionFor(peer)
	if s.state == StateSessionReady {
		// A record holds at most one of {KeyPackage, group}: once a
		// session exists, only the outer key is refreshed.
		kpBytes = nil
	}
	m.directory.UpsertPeer(peer, kpBytes, outerPub)

	if s.state == StateNone {
		s.state = StateKeyPackageKnown
	}

	if _, pending := m.directory.Pending(peer); pending {
		m.directory.ClearPending(peer)
		_, err := m.establishOutbound(peer, s)
		return err
	}
	return nil
}

// establishOutbound creates a two-member group around the peer's stored
// key package, delivers the Welcome, and installs the session.
func (m *SessionManager) establishOutbound(peer string, s *peerSession) (string, error) {
	rec, ok := m.directory.Peer(peer)
	if !ok || rec.KeyPackage == nil {
		return "", fmt.Errorf("%w: no key package on file for %s", ErrNoSession, peer)
	}
	peerKP, err := UnmarshalKeyPackage(rec.KeyPackage)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMLS, err)
	}

	groupIDBytes := make([]byte, 16)
	if _, err := rand.Read(groupIDBytes); err != nil {
		return "", fmt.Errorf("%w: generate group id: %v", ErrCrypto, err)
	}

	group, err := CreateGroup(groupIDBytes, m.identity.Identity)
	if err != nil {
		return "", err
	}

	welcome, err := group.AddMember(peerKP)
	if err != nil {
		return "", err
	}
	welcomeBytes, err := MarshalWelcome(welcome)
	if err != nil {
		return "", err
	}

	groupHex := hex.EncodeToString(group.GroupID())

	inner := innerPayload{
		MsgType:              msgTypeWelcome,
		SenderUserID:         m.identity.ClientID,
		Content:              welcomeBytes,
		SenderOuterPublicKey: m.identity.OuterPublic(),
	}

	// Every Welcome travels sealed; a key publication without an outer
	// key gives us nothing to seal against.
	if len(rec.OuterPublic) != 32 {
		return "", fmt.Errorf("%w: %s published no outer key", ErrProtocolViolation, peer)
	}
	outPayload, err := sealMessage(inner, rec.OuterPublic, m.metrics)
	if err != nil {
		return "", err
	}

	if err := m.transport.Publish(topicWelcome(peer), outPayload, false); err != nil {
		return "", err
	}
	if err := m.transport.Subscribe(topicGroupMessages(groupHex)); err != nil {
		return "", err
	}

	m.installGroup(groupHex, peer, group, s)
	m.directory.ClearPending(peer)
	if m.metrics != nil {
		m.metrics.SessionsEstablished.Inc()
	}
	log.Printf("[session] established outbound session with %s (group %s)", peer, groupHex)
	return "session established", nil
}

func (m *SessionManager) installGroup(groupHex, peer string, group *Group, s *peerSession) {
	if m.directory.InstallGroup(groupHex, peer) {
		s.groupHex = groupHex
		s.group = group
		s.state = StateSessionReady
		m.groupToPeer[groupHex] = peer
		m.directory.ClearKeyPackage(peer)
	}
}

// HandleWelcomeInbound joins a group from a Welcome delivered on this
// client's welcome topic.
func (m *SessionManager) HandleWelcomeInbound(payload []byte) error {
	inner, err := unsealMessage(payload, m.identity.OuterPrivate())
	if err != nil {
		return err
	}
	if inner.MsgType != msgTypeWelcome {
		return fmt.Errorf("%w: expected welcome message", ErrProtocolViolation)
	}

	welcome, err := UnmarshalWelcome(inner.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMLS, err)
	}
	group, err := GroupFromWelcome(welcome, m.identity.Identity, inner.RatchetTree)
	if err != nil {
		return err
	}

	peer, err := m.identifyPeer(group)
	if err != nil {
		return err
	}
	// The joining side may never have seen this peer before the Welcome
	// arrived; make sure a directory record exists either way so "peers"
	// and prefix resolution can find them, refreshing the outer key when
	// the envelope carried one.
	outerPub := inner.SenderOuterPublicKey
	var existingKP []byte
	if rec, ok := m.directory.Peer(peer); ok {
		existingKP = rec.KeyPackage
		if len(outerPub) != 32 {
			outerPub = rec.OuterPublic
		}
	}
	m.directory.UpsertPeer(peer, existingKP, outerPub)

	groupHex := hex.EncodeToString(group.GroupID())
	s := m.sessionFor(peer)
	m.installGroup(groupHex, peer, group, s)

	if err := m.transport.Subscribe(topicGroupMessages(groupHex)); err != nil {
		return err
	}
	// The key package the sender consumed is now exhausted; replace it
	// with freshly generated material.
	fresh, err := BuildIdentityMaterial([]byte(m.identity.ClientID))
	if err != nil {
		return err
	}
	m.identity.Identity = fresh
	if err := m.publishOwnKeyPackage(); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SessionsEstablished.Inc()
	}
	log.Printf("[session] established inbound session with %s (group %s)", peer, groupHex)
	return nil
}

// identifyPeer finds the unique group member whose credential bytes
// decode to a client_id different from self.
func (m *SessionManager) identifyPeer(group *Group) (string, error) {
	for _, cred := range group.MemberCredentials() {
		id := string(cred)
		if id != m.identity.ClientID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: welcome group has no peer member", ErrProtocolViolation)
}

// HandleChat resolves peerQuery, encrypts text into the established
// session, and publishes it on the group's message topic.
func (m *SessionManager) HandleChat(peerQuery, text string) (string, error) {
	peer, err := m.directory.ResolvePrefix(peerQuery)
	if err != nil {
		return "", err
	}
	s := m.sessionFor(peer)
	if s.state != StateSessionReady {
		return "", fmt.Errorf("%w: no established session with %s", ErrNoSession, peer)
	}

	ciphertext, err := s.group.CreateMessage([]byte(text))
	if err != nil {
		return "", err
	}
	m.rememberOwnCiphertext(s, ciphertext)
	if err := m.transport.Publish(topicGroupMessages(s.groupHex), ciphertext, false); err != nil {
		return "", err
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
	}
	return fmt.Sprintf("<%s> %s", m.identity.ClientID, text), nil
}

// rememberOwnCiphertext records the hash of a just-published application
// ciphertext so a later redelivery of the same bytes on the group's
// message topic is recognized as the broker's own-publish echo rather
// than reprocessed as a peer message (see peerSession.ownCiphertexts).
func (m *SessionManager) rememberOwnCiphertext(s *peerSession, ciphertext []byte) {
	if s.ownCiphertexts == nil {
		s.ownCiphertexts = make(map[[32]byte]struct{})
	}
	s.ownCiphertexts[sha256.Sum256(ciphertext)] = struct{}{}
}

// groupMessageEvent is what HandleGroupMessage returns for the event loop
// to print, distinguishing a displayable application message from a
// silent protocol-internal outcome.
type groupMessageEvent struct {
	Peer    string
	Display string
	Silent  bool
}

// HandleGroupMessage processes an inbound MLS message on a group's
// message topic.
func (m *SessionManager) HandleGroupMessage(topic string, payload []byte) (*groupMessageEvent, error) {
	groupHex := groupHexFromMessageTopic(topic)
	peer, ok := m.groupToPeer[groupHex]
	if !ok {
		peer, ok = m.directory.GroupPeer(groupHex)
		if !ok {
			return nil, fmt.Errorf("%w: message for unknown group %s", ErrNoSession, groupHex)
		}
		m.groupToPeer[groupHex] = peer
	}

	s := m.sessionFor(peer)
	if s.group == nil || s.groupHex != groupHex {
		return nil, fmt.Errorf("%w: no live group state for %s", ErrNoSession, groupHex)
	}

	if hash := sha256.Sum256(payload); s.ownCiphertexts != nil {
		if _, ok := s.ownCiphertexts[hash]; ok {
			delete(s.ownCiphertexts, hash)
			return &groupMessageEvent{Peer: peer, Silent: true}, nil
		}
	}

	processed, err := s.group.ProcessMessage(payload)
	if err != nil {
		return nil, err
	}

	switch processed.Kind {
	case ProcessedApplication:
		if m.metrics != nil {
			m.metrics.MessagesReceived.Inc()
		}
		return &groupMessageEvent{Peer: peer, Display: string(processed.Application)}, nil
	case ProcessedStagedCommit:
		return &groupMessageEvent{Peer: peer, Silent: true}, nil
	default:
		// Proposals and external joins never occur in two-party
		// sessions; ignore them.
		return &groupMessageEvent{Peer: peer, Silent: true}, nil
	}
}

func groupHexFromMessageTopic(topic string) string {
	// relay/g/<hex>/m
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

// PeersSummary renders one display line per known peer for the "peers"
// command. It reads only the mutex-guarded directory (a peer with an
// installed group is in SessionReady), so the control server may call it
// from its own goroutines.
func (m *SessionManager) PeersSummary() []string {
	var lines []string
	for _, rec := range m.directory.Peers() {
		if _, ok := m.directory.GroupForPeer(rec.ClientID); ok {
			lines = append(lines, fmt.Sprintf("%s (session)", rec.ClientID))
		} else {
			lines = append(lines, fmt.Sprintf("%s (keypackage only)", rec.ClientID))
		}
	}
	return lines
}
