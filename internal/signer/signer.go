// Package signer produces COSE Sign1 attestations over MMR checkpoint state.
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// CheckpointState is the signed commitment to the head of the range. The
// root commits to every checkpoint up to Height.
type CheckpointState struct {
	ProjectID string `cbor:"1,keyasint"`
	Height    uint64 `cbor:"2,keyasint"`
	LeafCount uint64 `cbor:"3,keyasint"`
	Root      []byte `cbor:"4,keyasint"`
	// Timestamp is unix milliseconds at signing time, so the same root can
	// be signed again
	Timestamp int64 `cbor:"5,keyasint"`
}

// Signer signs checkpoint states with an ES256 key
type Signer struct {
	keyID  []byte
	key    *ecdsa.PrivateKey
	signer cose.Signer
	enc    cbor.EncMode
}

// New creates a signer for key
func New(key *ecdsa.PrivateKey, keyID string) (*Signer, error) {
	s, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cose signer: %w", err)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Signer{keyID: []byte(keyID), key: key, signer: s, enc: enc}, nil
}

// GenerateKey returns a fresh P-256 key
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// LoadKey reads a PEM encoded EC private key from path
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an EC key", path)
	}
	return key, nil
}

// PublicKey returns the verification key
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns the COSE Sign1 message over the CBOR encoded state
func (s *Signer) Sign(state CheckpointState) ([]byte, error) {
	payload, err := s.enc.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint state: %w", err)
	}

	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: s.signer.Algorithm(),
				cose.HeaderLabelKeyID:     s.keyID,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("failed to sign checkpoint state: %w", err)
	}
	return msg.MarshalCBOR()
}

// Verify checks the signature of a Sign1 message and decodes its state
func Verify(message []byte, publicKey *ecdsa.PublicKey) (CheckpointState, error) {
	var state CheckpointState

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(message); err != nil {
		return state, fmt.Errorf("failed to decode cose message: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, publicKey)
	if err != nil {
		return state, err
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return state, fmt.Errorf("checkpoint signature invalid: %w", err)
	}
	if err := cbor.Unmarshal(msg.Payload, &state); err != nil {
		return state, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return state, nil
}
