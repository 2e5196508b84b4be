package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info string for deriving the sealed-envelope
// AEAD key from an X25519 shared secret. Changing it is a wire break.
const hkdfInfo = "relay-seal-v1"

// powZeroBytes is the PoW difficulty: the SHA-256 digest of the marshaled
// envelope (with pow_nonce varying) must have this many leading zero
// bytes. Two bytes is a 16-bit target, about 2^16 expected hashes.
const powZeroBytes = 2

func deriveSealKey(shared []byte) []byte {
	h := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	io.ReadFull(h, key)
	return key
}

// sealMessage CBOR-encodes the inner payload, runs X25519 with a fresh
// ephemeral keypair against the recipient's published outer public key,
// HKDF-derives an AES-256-GCM key, encrypts, then mines pow_nonce until
// the envelope's own CBOR encoding hashes to two leading zero bytes.
func sealMessage(payload innerPayload, peerOuterPub []byte, metrics *Metrics) ([]byte, error) {
	if len(peerOuterPub) != 32 {
		return nil, ErrInvalidKey
	}

	plaintext, err := encodeInnerPayload(payload)
	if err != nil {
		return nil, err
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("%w: generate ephemeral key: %v", ErrCrypto, err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive ephemeral public key: %v", ErrCrypto, err)
	}
	shared, err := curve25519.X25519(ephPriv[:], peerOuterPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCrypto, err)
	}

	key := deriveSealKey(shared)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)

	env := sealedEnvelope{
		Version:          sealedEnvelopeVersion,
		EphemeralPub:     ephPub,
		EncryptedPayload: ciphertext,
		PowNonce:         0,
	}

	log.Printf("[envelope] mining PoW...")
	for {
		b, err := encodeSealedEnvelope(env)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			metrics.PowAttempts.Inc()
		}
		h := sha256.Sum256(b)
		if leadingZeroBytes(h[:]) >= powZeroBytes {
			log.Printf("[envelope] PoW done, nonce=%d", env.PowNonce)
			return b, nil
		}
		env.PowNonce++
	}
}

// unsealMessage verifies the PoW, runs ECDH with the caller's outer
// private key against the envelope's ephemeral public key, HKDF-derives
// the same AES-256-GCM key, decrypts, then CBOR-decodes the inner
// payload.
func unsealMessage(data []byte, myOuterPriv []byte) (innerPayload, error) {
	env, err := decodeSealedEnvelope(data)
	if err != nil {
		return innerPayload{}, err
	}

	b, err := encodeSealedEnvelope(env)
	if err != nil {
		return innerPayload{}, err
	}
	h := sha256.Sum256(b)
	if leadingZeroBytes(h[:]) < powZeroBytes {
		return innerPayload{}, ErrPowInvalid
	}

	if len(env.EphemeralPub) != 32 || len(myOuterPriv) != 32 {
		return innerPayload{}, ErrInvalidKey
	}
	shared, err := curve25519.X25519(myOuterPriv, env.EphemeralPub)
	if err != nil {
		return innerPayload{}, fmt.Errorf("%w: ecdh: %v", ErrCrypto, err)
	}
	key := deriveSealKey(shared)

	block, err := aes.NewCipher(key)
	if err != nil {
		return innerPayload{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return innerPayload{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(env.EncryptedPayload) < aead.NonceSize() {
		return innerPayload{}, ErrShortPayload
	}
	nonce := env.EncryptedPayload[:aead.NonceSize()]
	ct := env.EncryptedPayload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return innerPayload{}, ErrDecryptFail
	}

	return decodeInnerPayload(plaintext)
}

func leadingZeroBytes(h []byte) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			break
		}
		n++
	}
	return n
}
