package main

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Topic builders for the four broker channels.
func topicKeys(clientID string) string {
	return fmt.Sprintf("relay/k/%s", clientID)
}

func topicWelcome(clientID string) string {
	return fmt.Sprintf("relay/w/%s", clientID)
}

func topicGroupMessages(groupHex string) string {
	return fmt.Sprintf("relay/g/%s/m", groupHex)
}

func topicGroupInfo(groupHex string) string {
	return fmt.Sprintf("relay/g/%s/i", groupHex)
}

// keyPackageEnvelope is the wire form published on relay/k/<id>: a CBOR
// array of byte strings, the marshaled MLS KeyPackage in slot zero and
// the client's outer X25519 public key in slot one. The outer key rides
// along because a connecting peer has no prior message from which to
// learn it, and without it the very first Welcome could not be sealed.
// A publication missing the outer key cannot be connected to.
type keyPackageEnvelope struct {
	_           struct{} `cbor:",toarray"`
	KeyPackage  []byte
	OuterPublic []byte
}

func encodeKeyPackagePublication(marshaledKP, outerPublic []byte) ([]byte, error) {
	env := keyPackageEnvelope{KeyPackage: marshaledKP, OuterPublic: outerPublic}
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode key package publication: %v", ErrSerialization, err)
	}
	return b, nil
}

func decodeKeyPackagePublication(data []byte) (keyPackage, outerPublic []byte, err error) {
	var env keyPackageEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode key package publication: %v", ErrSerialization, err)
	}
	return env.KeyPackage, env.OuterPublic, nil
}

// msgType is the innerPayload discriminant.
type msgType uint8

const (
	msgTypeWelcome     msgType = 3
	msgTypeApplication msgType = 5
)

// innerPayload is the plaintext carried inside a sealedEnvelope once it
// has been opened. For a Welcome payload, SenderOuterPublicKey is
// populated and RatchetTree is left empty (the MLS library embeds the
// tree in the Welcome itself); for an Application payload, only Content
// is.
type innerPayload struct {
	_                    struct{} `cbor:",toarray"`
	MsgType              msgType
	SenderUserID         string
	SenderIdentityKey    []byte
	Content              []byte
	RatchetTree          []byte
	SenderOuterPublicKey []byte
}

func encodeInnerPayload(p innerPayload) ([]byte, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encode inner payload: %v", ErrSerialization, err)
	}
	return b, nil
}

func decodeInnerPayload(data []byte) (innerPayload, error) {
	var p innerPayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return innerPayload{}, fmt.Errorf("%w: decode inner payload: %v", ErrSerialization, err)
	}
	return p, nil
}

// sealedEnvelope is the outer, untrusted-until-opened wire frame
// published on relay/w/<id>.
type sealedEnvelope struct {
	_                struct{} `cbor:",toarray"`
	Version          uint8
	EphemeralPub     []byte
	EncryptedPayload []byte
	PowNonce         uint64
}

const sealedEnvelopeVersion = 1

func encodeSealedEnvelope(e sealedEnvelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode sealed envelope: %v", ErrSerialization, err)
	}
	return b, nil
}

func decodeSealedEnvelope(data []byte) (sealedEnvelope, error) {
	if len(data) == 0 {
		return sealedEnvelope{}, ErrShortPayload
	}
	var e sealedEnvelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return sealedEnvelope{}, fmt.Errorf("%w: decode sealed envelope: %v", ErrDecodeFail, err)
	}
	return e, nil
}
