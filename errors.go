package main

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel values where no extra context is needed; custom types where
// the message must carry candidates or details.
var (
	ErrTransport         = errors.New("transport error")
	ErrSerialization     = errors.New("serialization error")
	ErrCrypto            = errors.New("crypto error")
	ErrPowInvalid        = errors.New("invalid proof of work")
	ErrMLS               = errors.New("mls error")
	ErrNoSession         = errors.New("no session")
	ErrProtocolViolation = errors.New("protocol violation")

	ErrShortPayload = errors.New("sealed envelope: short payload")
	ErrInvalidKey   = errors.New("sealed envelope: invalid key length")
	ErrDecryptFail  = errors.New("sealed envelope: decrypt failed")
	ErrDecodeFail   = errors.New("sealed envelope: decode failed")
)

// UnknownPeerError reports a prefix query that matched no known peer.
type UnknownPeerError struct {
	Query string
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("unknown peer: %q matches no known client_id", e.Query)
}

// AmbiguousPeerError reports a prefix query matching more than one peer.
type AmbiguousPeerError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguousPeerError) Error() string {
	return fmt.Sprintf("ambiguous peer %q: matches %s", e.Query, strings.Join(e.Candidates, ", "))
}
