// Package signing provides the signing and verification surface the
// state core consumes. The core never touches raw key material: it
// hands canonical bytes to a Signer and places the result in the
// event's signature map.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// Signer produces signatures for this server's key.
type Signer interface {
	// ServerName is the domain signatures are filed under.
	ServerName() string
	// KeyID identifies the signing key, e.g. "ed25519:a_Fgh3".
	KeyID() string
	// Sign signs the message.
	Sign(message []byte) ([]byte, error)
}

// Verifier checks signatures from one remote key.
type Verifier interface {
	// Verify returns nil for a valid signature.
	Verify(message, signature []byte) error
}

// SignatureError reports a missing or invalid event signature. It is
// terminal; signature failures are never retried.
type SignatureError struct {
	EventID    string
	ServerName string
	Message    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature on %s from %s: %s", e.EventID, e.ServerName, e.Message)
}

// SignEvent computes this server's signature over the event's
// canonical redacted form and files it under
// signatures[serverName][keyID]. Signing an event twice with the same
// key is a no-op.
func SignEvent(ev *pdu.Pdu, version pdu.Version, signer Signer) error {
	if existing, ok := ev.Signatures[signer.ServerName()]; ok {
		if _, ok := existing[signer.KeyID()]; ok {
			return nil
		}
	}
	message, err := ev.SigningBytes(version)
	if err != nil {
		return fmt.Errorf("signing bytes for %s: %w", ev.EventID, err)
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return fmt.Errorf("sign %s: %w", ev.EventID, err)
	}
	if ev.Signatures == nil {
		ev.Signatures = make(map[string]map[string]string, 1)
	}
	if ev.Signatures[signer.ServerName()] == nil {
		ev.Signatures[signer.ServerName()] = make(map[string]string, 1)
	}
	ev.Signatures[signer.ServerName()][signer.KeyID()] = base64.RawStdEncoding.EncodeToString(sig)
	return nil
}

// VerifyEvent checks the named server's signature on the event using
// the verifier for that server's key.
func VerifyEvent(ev *pdu.Pdu, version pdu.Version, serverName, keyID string, verifier Verifier) error {
	sigB64, ok := ev.Signatures[serverName][keyID]
	if !ok {
		return &SignatureError{EventID: ev.EventID, ServerName: serverName, Message: "signature missing"}
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return &SignatureError{EventID: ev.EventID, ServerName: serverName, Message: "signature is not valid base64"}
	}
	message, err := ev.SigningBytes(version)
	if err != nil {
		return &SignatureError{EventID: ev.EventID, ServerName: serverName, Message: err.Error()}
	}
	if err := verifier.Verify(message, sig); err != nil {
		return &SignatureError{EventID: ev.EventID, ServerName: serverName, Message: err.Error()}
	}
	return nil
}

// Ed25519Signer signs with an in-memory ed25519 key. Deployments that
// keep keys in an HSM or separate process implement Signer themselves.
type Ed25519Signer struct {
	serverName string
	keyID      string
	key        ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(serverName, keyID string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{serverName: serverName, keyID: keyID, key: key}
}

// GenerateEd25519Signer creates a fresh key, for tests and first boot.
func GenerateEd25519Signer(serverName, keyID string) (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewEd25519Signer(serverName, keyID, key), nil
}

func (s *Ed25519Signer) ServerName() string { return s.serverName }
func (s *Ed25519Signer) KeyID() string      { return s.keyID }

// Sign implements Signer.
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// PublicVerifier returns a Verifier for this signer's public key.
func (s *Ed25519Signer) PublicVerifier() Verifier {
	return &Ed25519Verifier{key: s.key.Public().(ed25519.PublicKey)}
}

// Ed25519Verifier verifies against one ed25519 public key.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewEd25519Verifier wraps a public key.
func NewEd25519Verifier(key ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{key: key}
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(message, signature []byte) error {
	if !ed25519.Verify(v.key, message, signature) {
		return fmt.Errorf("ed25519 signature mismatch")
	}
	return nil
}
