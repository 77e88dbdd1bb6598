package router

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/orbitmesh/node/pkg/identity"
	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/registry"
	"github.com/orbitmesh/node/pkg/wire"
)

// fakeConsensus records every call the router dispatches into it, so a test
// can assert both that a handler ran and that it did not.
type fakeConsensus struct {
	proposes []wire.Operation
	prepares []string
	commits  []string
}

func (f *fakeConsensus) HandlePropose(op wire.Operation)  { f.proposes = append(f.proposes, op) }
func (f *fakeConsensus) HandlePrepare(opID, voter string) { f.prepares = append(f.prepares, opID) }
func (f *fakeConsensus) HandleCommit(opID, voter string)  { f.commits = append(f.commits, opID) }

func (f *fakeConsensus) calls() int {
	return len(f.proposes) + len(f.prepares) + len(f.commits)
}

// signedEnvelope builds the raw bytes HandleInbound expects, signed by priv
// under senderHex (which need not match priv, to construct a forged
// envelope for the bad-signature case).
func signedEnvelope(t *testing.T, senderHex string, priv ed25519.PrivateKey, payload wire.Payload) []byte {
	t.Helper()
	canonical, err := identity.CanonicalBytes(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := ed25519.Sign(priv, canonical)
	env := wire.Envelope{
		Sender:    senderHex,
		Payload:   payload,
		Signature: hex.EncodeToString(sig),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(context.Background(), logging.Nop())
	reg.Start()
	t.Cleanup(reg.Stop)
	return reg
}

func TestHandleInboundValidEnvelopeDispatches(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderHex := hex.EncodeToString(pub)

	reg := newTestRegistry(t)
	// Seed the record via a legitimate handshake first, so Reward (which,
	// like Penalize, is a no-op for an unknown peer) has something to act on.
	reg.UpsertOnHandshake(senderHex, "peerA", senderHex)

	fc := &fakeConsensus{}
	r := New(logging.Nop(), reg, fc)

	data := signedEnvelope(t, senderHex, priv, wire.Payload{
		Type:        wire.PBFTPrepare,
		OpID:        "op-1",
		VoterNodeID: "peerA",
	})
	r.HandleInbound("peerA", data)

	if len(fc.prepares) != 1 || fc.prepares[0] != "op-1" {
		t.Fatalf("expected one HandlePrepare(op-1), got %v", fc.prepares)
	}

	rec, ok := reg.Get(senderHex)
	if !ok || rec.Score <= 0 {
		t.Fatalf("expected sender to be rewarded, got record %+v ok=%v", rec, ok)
	}
}

func TestHandleInboundBadSignatureDroppedAndPenalized(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	senderHex := hex.EncodeToString(pub)

	reg := newTestRegistry(t)
	// Seed the record via a legitimate handshake first, so Penalize (which
	// is a no-op for an unknown peer) has something to act on.
	reg.UpsertOnHandshake(senderHex, "peerA", senderHex)

	fc := &fakeConsensus{}
	r := New(logging.Nop(), reg, fc)

	// Signed with the wrong key: Sender claims pub, but the signature was
	// produced by an unrelated private key.
	data := signedEnvelope(t, senderHex, wrongPriv, wire.Payload{
		Type:        wire.PBFTCommit,
		OpID:        "op-2",
		VoterNodeID: "peerA",
	})
	r.HandleInbound("peerA", data)

	if fc.calls() != 0 {
		t.Fatalf("expected no consensus handler invoked, got proposes=%v prepares=%v commits=%v",
			fc.proposes, fc.prepares, fc.commits)
	}

	rec, ok := reg.Get(senderHex)
	if !ok {
		t.Fatalf("expected peer record to still exist")
	}
	if rec.Score >= 0 {
		t.Fatalf("expected Penalize to have lowered score, got %v", rec.Score)
	}
}

func TestHandleInboundQuarantinedSenderDroppedBeforeVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderHex := hex.EncodeToString(pub)

	reg := newTestRegistry(t)
	reg.UpsertOnHandshake(senderHex, "peerA", senderHex)
	for i := 0; i < 10; i++ {
		reg.Penalize(senderHex)
	}
	if !reg.IsQuarantined(senderHex) {
		t.Fatalf("expected sender to be quarantined after repeated penalties")
	}
	scoreBefore, _ := reg.Get(senderHex)

	fc := &fakeConsensus{}
	r := New(logging.Nop(), reg, fc)

	// A validly-signed envelope from a quarantined sender must still be
	// dropped, and dropped before signature verification: Reward must not
	// fire, which would otherwise nudge a quarantined peer's score back up.
	data := signedEnvelope(t, senderHex, priv, wire.Payload{
		Type:        wire.PBFTPrepare,
		OpID:        "op-3",
		VoterNodeID: "peerA",
	})
	r.HandleInbound("peerA", data)

	if fc.calls() != 0 {
		t.Fatalf("expected no consensus handler invoked for quarantined sender")
	}
	scoreAfter, _ := reg.Get(senderHex)
	if scoreAfter.Score != scoreBefore.Score {
		t.Fatalf("expected score untouched by a dropped quarantined message, before=%v after=%v",
			scoreBefore.Score, scoreAfter.Score)
	}
}

func TestHandleInboundMalformedJSONDropped(t *testing.T) {
	reg := newTestRegistry(t)
	fc := &fakeConsensus{}
	r := New(logging.Nop(), reg, fc)

	r.HandleInbound("peerA", []byte("{not json"))

	if fc.calls() != 0 {
		t.Fatalf("expected no consensus handler invoked for malformed JSON")
	}
}

func TestHandleInboundReplayedEnvelopeDroppedOnSecondDelivery(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderHex := hex.EncodeToString(pub)

	reg := newTestRegistry(t)
	fc := &fakeConsensus{}
	r := New(logging.Nop(), reg, fc)

	data := signedEnvelope(t, senderHex, priv, wire.Payload{
		Type:        wire.PBFTPrepare,
		OpID:        "op-4",
		VoterNodeID: "peerA",
	})
	r.HandleInbound("peerA", data)
	r.HandleInbound("peerA", data)

	if len(fc.prepares) != 1 {
		t.Fatalf("expected exactly one HandlePrepare despite two deliveries, got %d", len(fc.prepares))
	}
}
