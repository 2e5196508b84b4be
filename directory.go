package main

import (
	"strings"
	"sync"
	"time"
)

// PeerRecord is what the directory knows about a client_id that has been
// seen on relay/k/<id> or referenced by a command.
type PeerRecord struct {
	ClientID    string
	KeyPackage  []byte // last KeyPackage seen published, marshaled
	OuterPublic []byte
	LastSeen    time.Time
}

// PendingConnect is an outbound connect in flight, waiting on the peer's
// KeyPackage to arrive before a Welcome can be built.
type PendingConnect struct {
	ClientID  string
	StartedAt time.Time
}

// groupEntry maps a group's hex id to the peer client_id on the other
// end of that two-party group.
type groupEntry struct {
	PeerClientID string
}

// PeerDirectory is a process-lifetime, mutex-guarded index of peers,
// pending outbound connects, and established groups. Nothing here is
// persisted; records live exactly as long as the process.
type PeerDirectory struct {
	mu      sync.RWMutex
	peers   map[string]PeerRecord
	pending map[string]PendingConnect
	groups  map[string]groupEntry // hex group_id -> entry
}

func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{
		peers:   make(map[string]PeerRecord),
		pending: make(map[string]PendingConnect),
		groups:  make(map[string]groupEntry),
	}
}

// UpsertPeer records (or refreshes) a peer's published KeyPackage.
func (d *PeerDirectory) UpsertPeer(clientID string, keyPackage, outerPublic []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[clientID] = PeerRecord{
		ClientID:    clientID,
		KeyPackage:  keyPackage,
		OuterPublic: outerPublic,
		LastSeen:    time.Now(),
	}
}

// Peer looks up a peer record by exact client_id.
func (d *PeerDirectory) Peer(clientID string) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[clientID]
	return p, ok
}

// Peers returns a snapshot of all known peers for the "peers" command.
func (d *PeerDirectory) Peers() []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// ResolvePrefix matches a query against known client_ids: an exact match
// wins outright; otherwise exactly one prefix match is required, else
// UnknownPeerError/AmbiguousPeerError.
func (d *PeerDirectory) ResolvePrefix(prefix string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.peers[prefix]; ok {
		return prefix, nil
	}

	var candidates []string
	for id := range d.peers {
		if strings.HasPrefix(id, prefix) {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", &UnknownPeerError{Query: prefix}
	case 1:
		return candidates[0], nil
	default:
		return "", &AmbiguousPeerError{Query: prefix, Candidates: candidates}
	}
}

// SetPending records a started outbound connect attempt.
func (d *PeerDirectory) SetPending(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[clientID] = PendingConnect{ClientID: clientID, StartedAt: time.Now()}
}

// Pending reports whether an outbound connect is in flight for clientID.
func (d *PeerDirectory) Pending(clientID string) (PendingConnect, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pending[clientID]
	return p, ok
}

// ClearPending removes a pending outbound connect once it resolves into a
// group (success) or is abandoned (failure).
func (d *PeerDirectory) ClearPending(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, clientID)
}

// InstallGroup records groupHex as the session with peerClientID. If a
// group already exists for that peer (both sides raced to connect), the
// tiebreak keeps whichever hex group_id sorts lower, so both ends
// converge on the same winner without coordination. Returns true if
// groupHex became (or remained) the installed group for peerClientID.
func (d *PeerDirectory) InstallGroup(groupHex, peerClientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for existingHex, e := range d.groups {
		if e.PeerClientID != peerClientID {
			continue
		}
		if existingHex == groupHex {
			return true
		}
		if strings.Compare(groupHex, existingHex) < 0 {
			delete(d.groups, existingHex)
			d.groups[groupHex] = groupEntry{PeerClientID: peerClientID}
			return true
		}
		return false
	}

	d.groups[groupHex] = groupEntry{PeerClientID: peerClientID}
	return true
}

// ClearKeyPackage drops a peer's stored KeyPackage once a group has been
// established with them. A record holds at most one of {KeyPackage,
// group}; this keeps it honest once InstallGroup succeeds, without
// disturbing OuterPublic/LastSeen.
func (d *PeerDirectory) ClearKeyPackage(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[clientID]
	if !ok || p.KeyPackage == nil {
		return
	}
	p.KeyPackage = nil
	d.peers[clientID] = p
}

// GroupPeer returns the peer client_id associated with a group's hex id.
func (d *PeerDirectory) GroupPeer(groupHex string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.groups[groupHex]
	return e.PeerClientID, ok
}

// GroupForPeer returns the hex group_id of the session established with
// peerClientID, if any.
func (d *PeerDirectory) GroupForPeer(peerClientID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for hex, e := range d.groups {
		if e.PeerClientID == peerClientID {
			return hex, true
		}
	}
	return "", false
}
