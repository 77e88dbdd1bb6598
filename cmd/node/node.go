package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/config"
	"github.com/orbitmesh/node/pkg/consensus"
	"github.com/orbitmesh/node/pkg/identity"
	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/registry"
	"github.com/orbitmesh/node/pkg/store"
	"github.com/orbitmesh/node/pkg/transport"
	"github.com/orbitmesh/node/pkg/wire"
	"github.com/orbitmesh/node/pkg/worker"
)

// node wires together every component and implements the small interfaces
// (consensus.Broadcaster, consensus.DecisionHandler) that otherwise would
// need to reach back into cmd/node from pkg/*.
type node struct {
	cfg   *config.Config
	log   *logging.Logger
	id    *identity.Identity
	reg   *registry.Registry
	store *store.Store

	engine     *consensus.Engine
	transport  *transport.Transport
	supervisor *worker.Supervisor
}

func newNode(cfg *config.Config, log *logging.Logger, id *identity.Identity, reg *registry.Registry, st *store.Store) *node {
	return &node{cfg: cfg, log: log, id: id, reg: reg, store: st}
}

// signEnvelope signs payload's canonical bytes with this node's identity
// key and marshals the resulting wire.Envelope, shared by BroadcastPayload
// and sendHandshake.
func (n *node) signEnvelope(payload wire.Payload) ([]byte, error) {
	canonical, err := identity.CanonicalBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	sig := n.id.Sign(canonical)

	env := wire.Envelope{
		Sender:    n.id.PublicKeyHex(),
		Payload:   payload,
		Signature: hex.EncodeToString(sig),
	}
	return json.Marshal(env)
}

// BroadcastPayload implements consensus.Broadcaster: sign payload and
// broadcast the resulting envelope to every connected peer.
func (n *node) BroadcastPayload(payload wire.Payload) {
	data, err := n.signEnvelope(payload)
	if err != nil {
		n.log.Warn("failed to build outbound envelope", zap.Error(err))
		return
	}
	n.transport.Broadcast(data)
}

// sendHandshake signs and sends a HANDSHAKE directly to remote. It is the
// only producer of HANDSHAKE envelopes, and the router's dispatch of a
// received HANDSHAKE is the only caller of registry.UpsertOnHandshake, so
// this is how each side of a connection gets registered by the other; a
// HEARTBEAT from an unregistered peer is ignored. Called from the
// transport's OnConnect callback for every newly connected peer.
func (n *node) sendHandshake(remote transport.PeerID) {
	if n.transport == nil {
		return
	}
	data, err := n.signEnvelope(wire.Payload{
		Type:      wire.Handshake,
		NodeID:    n.cfg.NodeID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.log.Warn("failed to build handshake envelope", zap.Error(err))
		return
	}
	if err := n.transport.Write(remote, data); err != nil {
		n.log.Warn("failed to send handshake", zap.String("peer", remote.String()), zap.Error(err))
	}
}

// onDecide implements consensus.DecisionHandler: apply the operation to
// the store, then, if it locally assigns a task to this node, launch the
// worker supervisor.
func (n *node) onDecide(op wire.Operation) {
	if err := n.store.Apply(op); err != nil {
		n.log.Error("failed to apply decided operation", zap.String("op_id", op.OpID), zap.Error(err))
		return
	}

	if op.Type == wire.AssignTask && op.Details.AssignedNode == n.cfg.NodeID {
		if err := n.store.SetStatus(op.Details.TaskID, store.Running); err != nil {
			n.log.Warn("failed to mark task running", zap.String("task_id", op.Details.TaskID), zap.Error(err))
		}
		n.supervisor.Launch(context.Background(), worker.Assignment{
			TaskID: op.Details.TaskID,
			Image:  op.Details.Image,
			Cmd:    op.Details.Cmd,
		})
	}
}

// startTickers launches two of the three independent tickers spec.md §5
// describes: heartbeat (~5s) and simulated self-proposer (~15s). The
// failure-detector ticker lives in pkg/failure and is started separately.
func (n *node) startTickers(ctx context.Context) {
	go n.heartbeatLoop(ctx)
	go n.proposerLoop(ctx)
}

func (n *node) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.BroadcastPayload(wire.Payload{
				Type:      wire.Heartbeat,
				NodeID:    n.cfg.NodeID,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

// proposerLoop simulates external task submission: since spec.md §1 places
// external client APIs out of scope, the reference node periodically
// proposes assigning a demo task to itself, exercising the full
// PROPOSE/PREPARE/COMMIT pipeline end to end.
func (n *node) proposerLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.ProposerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.proposeDemoTask()
		}
	}
}

func (n *node) proposeDemoTask() {
	taskID := uuid.NewString()
	op := wire.Operation{
		OpID:      uuid.NewString(),
		Type:      wire.AssignTask,
		Proposer:  n.cfg.NodeID,
		Timestamp: time.Now().UnixMilli(),
		Details: wire.OpDetails{
			TaskID:       taskID,
			Image:        "alpine",
			Cmd:          []string{"echo", "hello from " + n.cfg.NodeID},
			AssignedNode: n.cfg.NodeID,
		},
	}
	n.engine.Propose(op)
}

// consumeCompletions drains the worker supervisor's completion channel and
// feeds each outcome back into the store, either directly (the default,
// short-circuiting consensus per spec.md §9 Open Question (i)) or via a
// follow-up UPDATE_STATUS proposal when WORKER_COMPLETION_VIA_CONSENSUS is
// enabled.
func (n *node) consumeCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-n.supervisor.CompletionCh:
			status := store.Completed
			if c.Err != nil || c.ExitCode != 0 {
				status = store.Failed
			}

			if n.cfg.WorkerCompletionViaConsensus {
				n.engine.Propose(wire.Operation{
					OpID:      uuid.NewString(),
					Type:      wire.UpdateStatus,
					Proposer:  n.cfg.NodeID,
					Timestamp: time.Now().UnixMilli(),
					Details: wire.OpDetails{
						TaskID: c.TaskID,
						Status: string(status),
					},
				})
				continue
			}

			n.log.Warn("applying worker completion outside consensus",
				zap.String("task_id", c.TaskID), zap.String("status", string(status)))
			if err := n.store.SetStatus(c.TaskID, status); err != nil {
				n.log.Error("failed to apply worker completion", zap.String("task_id", c.TaskID), zap.Error(err))
			}
		}
	}
}
