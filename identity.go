package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ClientIdentity is the process-lifetime identity: client_id, the MLS
// signer/credential material, and the outer X25519 keypair used to seal
// envelopes addressed to this client. ClientID and the outer keypair are
// fixed after init; Identity is replaced with fresh MLS material each time
// a Welcome consumes the published key package.
type ClientIdentity struct {
	ClientID string
	Identity *IdentityMaterial

	outerPriv [32]byte
	outerPub  [32]byte
}

// NewClientIdentity builds a fresh identity: a random 16-byte client_id
// rendered lowercase hex, the MLS credential/key-package material bound
// to that id, and an outer X25519 keypair.
func NewClientIdentity() (*ClientIdentity, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("%w: generate client_id: %v", ErrCrypto, err)
	}
	clientID := hex.EncodeToString(idBytes)

	mat, err := BuildIdentityMaterial([]byte(clientID))
	if err != nil {
		return nil, err
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("%w: generate outer key: %v", ErrCrypto, err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive outer public key: %v", ErrCrypto, err)
	}

	id := &ClientIdentity{
		ClientID: clientID,
		Identity: mat,
	}
	copy(id.outerPriv[:], priv[:])
	copy(id.outerPub[:], pub)
	return id, nil
}

// OuterPublic returns the X25519 public key published alongside the
// client's KeyPackage so peers can seal envelopes addressed to it.
func (c *ClientIdentity) OuterPublic() []byte {
	out := make([]byte, 32)
	copy(out, c.outerPub[:])
	return out
}

// OuterPrivate returns the X25519 private scalar used to open envelopes
// addressed to this client.
func (c *ClientIdentity) OuterPrivate() []byte {
	out := make([]byte, 32)
	copy(out, c.outerPriv[:])
	return out
}
