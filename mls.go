package main

import (
	"fmt"

	mls "github.com/matjam/go-mls"
)

// ciphersuite is fixed: MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519
// (RFC 9420 suite 0x0001), MLS protocol version 1.0.
const ciphersuite = mls.CipherSuiteMLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519

// IdentityMaterial bundles what github.com/matjam/go-mls needs to build
// key packages and join or create groups: the credential wrapping
// client_id bytes, plus the library's self-contained key-pair package
// (it carries its own signer).
type IdentityMaterial struct {
	Credential mls.Credential
	KPP        *mls.KeyPairPackage
}

// BuildIdentityMaterial generates the signer, credential, and one-time
// key package for a fresh client_id.
func BuildIdentityMaterial(clientID []byte) (*IdentityMaterial, error) {
	cred := mls.NewBasicCredential(clientID)
	kpp, err := mls.GenerateKeyPairPackage(ciphersuite, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key package: %v", ErrMLS, err)
	}
	return &IdentityMaterial{Credential: cred, KPP: kpp}, nil
}

// PublicKeyPackage is what gets published on relay/k/<client_id> — the
// one-time offer a peer consumes to add this identity to a group.
func (m *IdentityMaterial) PublicKeyPackage() mls.KeyPackage {
	return m.KPP.Public
}

// Group wraps the library's GroupState. Groups stay two-party by
// construction: AddMember is called at most once per group, and no
// add/remove surface exists on an established group.
type Group struct {
	inner *mls.GroupState
}

// CreateGroup starts a new group with self as the sole member. The
// library always embeds the ratchet tree in its Welcome, so joiners need
// no out-of-band tree.
func CreateGroup(groupID []byte, mat *IdentityMaterial) (*Group, error) {
	g, err := mls.CreateGroup(mls.GroupID(groupID), mat.KPP)
	if err != nil {
		return nil, fmt.Errorf("%w: create group: %v", ErrMLS, err)
	}
	return &Group{inner: g}, nil
}

// GroupID returns the group's identifier as raw bytes; callers hex-render
// it for topic names.
func (g *Group) GroupID() []byte {
	return []byte(g.inner.ID())
}

// AddMember builds the commit+welcome for the sole peer being added,
// then immediately reprocesses the commit against this group so the
// ratchet state advances for the creator exactly as it will for the
// joiner. Never called twice on the same Group.
func (g *Group) AddMember(peerKP mls.KeyPackage) (welcome mls.Welcome, err error) {
	welcome, commit, err := g.inner.CreateWelcome([]mls.KeyPackage{peerKP})
	if err != nil {
		return welcome, fmt.Errorf("%w: create welcome: %v", ErrMLS, err)
	}
	if _, err := g.inner.UnmarshalAndProcessMessage(commit); err != nil {
		return welcome, fmt.Errorf("%w: merge own commit: %v", ErrMLS, err)
	}
	return welcome, nil
}

// GroupFromWelcome joins a group from a received Welcome. The trailing
// ratchet-tree argument is accepted for wire-format symmetry with peers
// that deliver the tree out of band; the library embeds the tree in the
// Welcome itself, so it is unused when present and harmless when nil.
func GroupFromWelcome(welcome mls.Welcome, mat *IdentityMaterial, _ []byte) (*Group, error) {
	g, err := mls.GroupFromWelcome(welcome, mat.KPP)
	if err != nil {
		return nil, fmt.Errorf("%w: join from welcome: %v", ErrMLS, err)
	}
	return &Group{inner: g}, nil
}

// CreateMessage encrypts plaintext into the group's current epoch.
func (g *Group) CreateMessage(plaintext []byte) ([]byte, error) {
	ct, err := g.inner.CreateApplicationMessage(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: create application message: %v", ErrMLS, err)
	}
	return ct, nil
}

// ProcessedKind enumerates the ProcessMessage result variants callers
// dispatch on. Two-party sessions never produce Proposal results, but the
// type still distinguishes them.
type ProcessedKind int

const (
	ProcessedApplication ProcessedKind = iota
	ProcessedStagedCommit
	ProcessedProposal
)

// Processed is the result of ProcessMessage.
type Processed struct {
	Kind        ProcessedKind
	Application []byte
}

// ProcessMessage decrypts and applies one inbound group message. A
// zero-length, nil-error return from the underlying library means the
// message advanced the ratchet without producing application plaintext
// (a commit); any non-empty return is application data.
//
// The library has no sentinel error for "this ciphertext was authored by
// me" — a group will happily decrypt a message it just created. Own-
// message echo is therefore detected one layer up, in session.go, by
// recognizing the exact ciphertext bytes this client already published,
// before this method is ever called.
func (g *Group) ProcessMessage(msg []byte) (*Processed, error) {
	out, err := g.inner.UnmarshalAndProcessMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: process message: %v", ErrMLS, err)
	}
	if len(out) == 0 {
		return &Processed{Kind: ProcessedStagedCommit}, nil
	}
	return &Processed{Kind: ProcessedApplication, Application: out}, nil
}

// MemberCredentials returns the raw credential bytes of every group
// member, used by session.go to identify the peer in a freshly-joined
// group.
func (g *Group) MemberCredentials() [][]byte {
	members := g.inner.Members()
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		out = append(out, m.Credential.Identity())
	}
	return out
}

// MarshalKeyPackage / UnmarshalKeyPackage carry the TLS-presentation
// wire form published on relay/k/<id>.
func MarshalKeyPackage(kp mls.KeyPackage) ([]byte, error) {
	b, err := kp.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal key package: %v", ErrMLS, err)
	}
	return b, nil
}

func UnmarshalKeyPackage(data []byte) (mls.KeyPackage, error) {
	kp, err := mls.UnmarshalKeyPackage(data)
	if err != nil {
		return mls.KeyPackage{}, fmt.Errorf("%w: unmarshal key package: %v", ErrMLS, err)
	}
	return kp, nil
}

// MarshalWelcome / UnmarshalWelcome implement the TLS-presentation wire
// form for the Welcome payload (direct variant), or the content of an
// InnerPayload (sealed variant).
func MarshalWelcome(w mls.Welcome) ([]byte, error) {
	b, err := w.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal welcome: %v", ErrMLS, err)
	}
	return b, nil
}

func UnmarshalWelcome(data []byte) (mls.Welcome, error) {
	w, err := mls.UnmarshalWelcome(data)
	if err != nil {
		return mls.Welcome{}, fmt.Errorf("%w: unmarshal welcome: %v", ErrMLS, err)
	}
	return w, nil
}
