// Package failure implements the failure detector: a periodic sweep that
// marks silent peers suspect, then dead, and proposes reassignment of
// their in-flight work.
package failure

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/registry"
	"github.com/orbitmesh/node/pkg/store"
	"github.com/orbitmesh/node/pkg/wire"
)

// ReassignPolicy decides, for a task previously assigned to a now-dead
// node, which node should take it over. The reference implementation
// (SelfReassign) always reassigns to the proposing node, matching
// spec.md §9 Open Question (iii)'s "treat as a pluggable strategy".
type ReassignPolicy interface {
	Reassign(taskID, failedNode, proposerNode string) string
}

// SelfReassign is the reference policy: every orphaned task moves to
// whichever node is running the detector that noticed the failure.
type SelfReassign struct{}

func (SelfReassign) Reassign(_ string, _ string, proposerNode string) string {
	return proposerNode
}

// Proposer is the narrow slice of the consensus engine the detector needs:
// the ability to start a new PROPOSE round for a FAIL_NODE operation.
type Proposer interface {
	Propose(op wire.Operation)
}

// OpIDGenerator produces a fresh, globally unique op_id for each proposal
// the detector originates.
type OpIDGenerator func() string

// Detector periodically sweeps the peer registry and the task store for
// unresponsive peers with orphaned work.
type Detector struct {
	log      *logging.Logger
	reg      *registry.Registry
	st       *store.Store
	proposer Proposer
	policy   ReassignPolicy
	selfID   string
	newOpID  OpIDGenerator

	suspectTimeout time.Duration
	deadGrace      time.Duration
	interval       time.Duration

	mu           sync.Mutex
	suspectSince map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Detector. interval is the sweep period (~10s in
// spec.md §4.H); suspectTimeout is the silence threshold before a peer is
// marked suspect (~15s); deadGrace is how much longer a suspect peer is
// given before a FAIL_NODE is proposed.
func New(ctx context.Context, log *logging.Logger, reg *registry.Registry, st *store.Store, proposer Proposer, policy ReassignPolicy, selfID string, newOpID OpIDGenerator, interval, suspectTimeout, deadGrace time.Duration) *Detector {
	dctx, cancel := context.WithCancel(ctx)
	if policy == nil {
		policy = SelfReassign{}
	}
	return &Detector{
		log:            log.Component("failure_detector"),
		reg:            reg,
		st:             st,
		proposer:       proposer,
		policy:         policy,
		selfID:         selfID,
		newOpID:        newOpID,
		suspectTimeout: suspectTimeout,
		deadGrace:      deadGrace,
		interval:       interval,
		suspectSince:   make(map[string]time.Time),
		ctx:            dctx,
		cancel:         cancel,
	}
}

// Start launches the sweep loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop cancels the sweep loop and waits for it to exit.
func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	now := time.Now()
	for _, p := range d.reg.Snapshot() {
		if p.Liveness == registry.Dead {
			continue
		}

		silence := now.Sub(p.LastSeen)
		if silence <= d.suspectTimeout {
			d.clearSuspect(p.PublicKeyHex)
			continue
		}

		d.reg.MarkSuspect(p.PublicKeyHex)

		d.mu.Lock()
		since, tracked := d.suspectSince[p.PublicKeyHex]
		if !tracked {
			since = now
			d.suspectSince[p.PublicKeyHex] = since
		}
		d.mu.Unlock()

		if now.Sub(since) >= d.deadGrace {
			d.declareDead(p.PublicKeyHex, p.NodeID)
		}
	}
}

func (d *Detector) clearSuspect(publicKeyHex string) {
	d.mu.Lock()
	delete(d.suspectSince, publicKeyHex)
	d.mu.Unlock()
}

// declareDead marks the peer dead in the registry (keyed by publicKeyHex)
// and proposes a FAIL_NODE operation naming nodeID — the label the rest of
// the cluster knows the failed peer's work by in wire.Operation.AssignedNode
// and store.TaskRecord.AssignedNode, neither of which carry a public key.
func (d *Detector) declareDead(publicKeyHex, nodeID string) {
	d.reg.MarkDead(publicKeyHex)
	d.clearSuspect(publicKeyHex)

	reassignments := d.buildReassignments(nodeID)
	d.log.Warn("node declared dead, proposing FAIL_NODE", zap.String("failed_node", nodeID), zap.Int("reassignments", len(reassignments)))

	d.proposer.Propose(wire.Operation{
		OpID:      d.newOpID(),
		Type:      wire.FailNode,
		Proposer:  d.selfID,
		Timestamp: time.Now().UnixMilli(),
		Details: wire.OpDetails{
			FailedNodeID:  nodeID,
			Reassignments: reassignments,
		},
	})
}

func (d *Detector) buildReassignments(failedNode string) []wire.Reassignment {
	var out []wire.Reassignment
	for _, rec := range d.st.Range("tasks/") {
		if rec.AssignedNode != failedNode {
			continue
		}
		if rec.Status == store.Completed || rec.Status == store.Failed {
			continue
		}
		newNode := d.policy.Reassign(rec.TaskID, failedNode, d.selfID)
		out = append(out, wire.Reassignment{
			TaskID:     rec.TaskID,
			FailedNode: failedNode,
			NewNode:    newNode,
		})
	}
	return out
}
