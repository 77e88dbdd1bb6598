package identity

import (
	"os"
	"testing"
)

func TestLoadOrGenerateThenReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	id1, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	id2, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if id1.PublicKeyHex() != id2.PublicKeyHex() {
		t.Fatal("expected reload to reuse the same persisted keypair")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	id, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatal(err)
	}

	payload := struct {
		Type string `json:"type"`
	}{Type: "HEARTBEAT"}

	canonical, err := CanonicalBytes(payload)
	if err != nil {
		t.Fatal(err)
	}

	sig := id.Sign(canonical)
	if !Verify(id.PublicKeyHex(), canonical, sig) {
		t.Fatal("expected signature to verify")
	}

	if Verify(id.PublicKeyHex(), []byte("tampered"), sig) {
		t.Fatal("expected verification to fail on tampered payload")
	}
}

func TestVerifyRejectsMalformedPublicKey(t *testing.T) {
	if Verify("not-hex", []byte("x"), []byte("y")) {
		t.Fatal("expected malformed public key to fail verification, not panic or succeed")
	}
}
