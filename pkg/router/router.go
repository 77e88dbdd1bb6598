// Package router implements the message router: parse envelope,
// authenticate, dispatch by payload type. It is the single gate through
// which every inbound byte stream must pass before reaching the registry
// or the consensus engine.
package router

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/identity"
	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/registry"
	"github.com/orbitmesh/node/pkg/wire"
)

// ConsensusHandlers is the narrow slice of the consensus engine the router
// dispatches PBFT payloads into.
type ConsensusHandlers interface {
	HandlePropose(op wire.Operation)
	HandlePrepare(opID, voter string)
	HandleCommit(opID, voter string)
}

// Router parses, authenticates and dispatches inbound envelopes.
type Router struct {
	log       *logging.Logger
	reg       *registry.Registry
	consensus ConsensusHandlers

	// seen deduplicates recently processed (sender, payload-type, op_id,
	// timestamp) keys (see replayKey), dropping an exact replay before it reaches the registry or
	// consensus engine. Vote sets are idempotent regardless, so this is not
	// a correctness dependency, but it keeps a replayed PREPARE/COMMIT from
	// re-triggering a Reward or a quorum recheck on every redelivery.
	seen *lru.LRU[string, struct{}]
}

// New constructs a Router wired to reg and consensus.
func New(log *logging.Logger, reg *registry.Registry, consensus ConsensusHandlers) *Router {
	return &Router{
		log:       log.Component("router"),
		reg:       reg,
		consensus: consensus,
		seen:      lru.NewLRU[string, struct{}](4096, nil, 5*time.Minute),
	}
}

// HandleInbound is the transport layer's OnData entrypoint: one call per
// line received on a peer stream.
func (r *Router) HandleInbound(remotePeerLabel string, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn("dropping malformed envelope", zap.String("peer", remotePeerLabel), zap.Error(err))
		return
	}

	if env.Sender == "" || env.Signature == "" {
		r.log.Warn("dropping envelope missing sender or signature", zap.String("peer", remotePeerLabel))
		return
	}

	if r.reg.IsQuarantined(env.Sender) {
		r.log.Debug("dropping message from quarantined peer", zap.String("sender", env.Sender))
		return
	}

	canonical, err := identity.CanonicalBytes(env.Payload)
	if err != nil {
		r.log.Warn("dropping envelope: failed to canonicalize payload", zap.Error(err))
		return
	}

	sigBytes, err := hex.DecodeString(env.Signature)
	if err != nil {
		r.log.Warn("dropping envelope: malformed signature encoding", zap.String("sender", env.Sender))
		return
	}

	if !identity.Verify(env.Sender, canonical, sigBytes) {
		r.log.Warn("signature verification failed", zap.String("sender", env.Sender))
		r.reg.Penalize(env.Sender)
		return
	}

	key := replayKey(env.Sender, env.Payload)
	if r.seen.Contains(key) {
		r.log.Debug("dropping replayed envelope", zap.String("sender", env.Sender), zap.String("type", string(env.Payload.Type)))
		return
	}
	r.seen.Add(key, struct{}{})

	r.reg.Reward(env.Sender)
	r.dispatch(env.Sender, env.Payload)
}

// replayKey identifies one specific envelope instance: sender, payload
// type, the op_id it concerns (if any), and its timestamp. Two heartbeats
// from the same sender a tick apart get distinct keys (different
// timestamps); the exact same envelope redelivered gets the same key.
func replayKey(sender string, p wire.Payload) string {
	opID := p.OpID
	if p.Op != nil {
		opID = p.Op.OpID
	}
	return fmt.Sprintf("%s|%s|%s|%d", sender, p.Type, opID, p.Timestamp)
}

func (r *Router) dispatch(sender string, p wire.Payload) {
	switch p.Type {
	case wire.Handshake:
		r.reg.UpsertOnHandshake(sender, p.NodeID, sender)
	case wire.Heartbeat:
		r.reg.Touch(sender, time.UnixMilli(p.Timestamp))
	case wire.PBFTPropose:
		if p.Op == nil {
			r.log.Warn("dropping PBFT_PROPOSE with no op", zap.String("sender", sender))
			return
		}
		r.consensus.HandlePropose(*p.Op)
	case wire.PBFTPrepare:
		r.consensus.HandlePrepare(p.OpID, p.VoterNodeID)
	case wire.PBFTCommit:
		r.consensus.HandleCommit(p.OpID, p.VoterNodeID)
	default:
		r.log.Warn("dropping envelope with unknown payload type", zap.String("type", string(p.Type)))
	}
}
