// Package identity owns the node's Ed25519 keypair: generation, on-disk
// persistence, and the sign/verify primitives every signed envelope relies
// on.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// keypairFile is the on-disk layout under STORAGE_PATH: hex-encoded
// DER SubjectPublicKeyInfo and PKCS#8 PrivateKeyInfo, per the external
// keypair-file contract.
type keypairFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Identity is a node's permanent cluster identity.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// LoadOrGenerate reads STORAGE_PATH/keypair.json, generating and persisting
// a fresh keypair the first time a node starts. This is the only place a
// keypair is minted; every subsequent start reuses the same identity.
func LoadOrGenerate(storagePath string) (*Identity, error) {
	path := filepath.Join(storagePath, "keypair.json")

	if data, err := os.ReadFile(path); err == nil {
		var kf keypairFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("identity: parse keypair file: %w", err)
		}
		pubDER, err := hex.DecodeString(kf.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("identity: decode public key: %w", err)
		}
		pubAny, err := x509.ParsePKIXPublicKey(pubDER)
		if err != nil {
			return nil, fmt.Errorf("identity: parse SPKI public key: %w", err)
		}
		pub, ok := pubAny.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity: SPKI public key is not Ed25519")
		}
		privDER, err := hex.DecodeString(kf.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("identity: decode private key: %w", err)
		}
		privAny, err := x509.ParsePKCS8PrivateKey(privDER)
		if err != nil {
			return nil, fmt.Errorf("identity: parse PKCS8 private key: %w", err)
		}
		priv, ok := privAny.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("identity: PKCS8 private key is not Ed25519")
		}
		return &Identity{Public: pub, private: priv}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read keypair file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}

	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create storage path: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal SPKI public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal PKCS8 private key: %w", err)
	}

	kf := keypairFile{
		PublicKey:  hex.EncodeToString(pubDER),
		PrivateKey: hex.EncodeToString(privDER),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("identity: encode keypair: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write keypair file: %w", err)
	}

	return &Identity{Public: pub, private: priv}, nil
}

// NodeID derives a short, stable label from the public key: the hex of its
// first 4 bytes. The node's own label is not taken from here; it comes from
// NODE_ID, or a random value when that is unset (see pkg/config).
func (id *Identity) NodeID() string {
	return hex.EncodeToString(id.Public)[:8]
}

// PublicKeyHex is the hex encoding carried in every signed envelope's
// sender field.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.Public)
}

// PrivateKeyBytes returns the raw Ed25519 private key, needed by the
// transport layer to derive the libp2p host identity from the same
// keypair as the node's signing identity.
func (id *Identity) PrivateKeyBytes() ed25519.PrivateKey {
	return id.private
}

// Sign returns the Ed25519 signature over the canonical bytes of payload.
// Callers MUST pass bytes already produced by CanonicalBytes so that every
// node signs and verifies the identical encoding.
func (id *Identity) Sign(canonical []byte) []byte {
	return ed25519.Sign(id.private, canonical)
}

// Verify checks sig against canonical under the given hex-encoded public
// key. It never panics on malformed input; a bad hex string or wrong-length
// key simply fails verification.
func Verify(publicKeyHex string, canonical []byte, sig []byte) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), canonical, sig)
}

// CanonicalBytes produces the deterministic encoding signed and verified
// across the cluster. Payload structs already yield stable field order
// under encoding/json (Go preserves declared struct-field order), so a
// plain marshal is sufficient as long as payload types never use map
// fields — an invariant upheld by every payload type in pkg/wire.
func CanonicalBytes(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
