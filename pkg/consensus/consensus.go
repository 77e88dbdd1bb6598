// Package consensus implements the PBFT-lite three-phase agreement engine:
// PROPOSE, PREPARE, COMMIT, with a configurable quorum threshold Q and no
// view-change or leader election. Each op_id owns an independent record;
// votes are idempotent sets, and a record is decided at most once.
package consensus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/wire"
)

// Phase is a consensus record's position in the PROPOSED -> PREPARED ->
// COMMITTED -> DECIDED pipeline. Phases never regress.
type Phase int

const (
	Proposed Phase = iota
	Prepared
	Committed
	Decided
)

func (p Phase) String() string {
	switch p {
	case Proposed:
		return "PROPOSED"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Decided:
		return "DECIDED"
	default:
		return "UNKNOWN"
	}
}

// Record is the per-op_id consensus state. op may be nil if votes arrived
// before the proposal (out-of-order tolerance); the decision only fires
// once both quorum and op are present.
type Record struct {
	mu sync.Mutex

	OpID     string
	Op       *wire.Operation
	Prepares map[string]struct{}
	Commits  map[string]struct{}
	Phase    Phase
}

// Broadcaster is the narrow send-side capability the engine needs from the
// transport layer: sign-and-broadcast an envelope payload.
type Broadcaster interface {
	BroadcastPayload(payload wire.Payload)
}

// DecisionHandler is invoked exactly once per op_id, the moment a record
// reaches DECIDED. Handlers are expected to apply the operation to the
// replicated store; the engine does not retry on handler error, matching
// spec.md §7(d): storage failures are logged and the decision is not
// replayed without a durable log, which this implementation does not add.
type DecisionHandler func(op wire.Operation)

// Engine owns every consensus record and the vote bookkeeping around it.
type Engine struct {
	log    *logging.Logger
	self   string // this node's NodeID, used to insert "self" into vote sets
	quorum int
	bc     Broadcaster

	mu      sync.RWMutex
	records map[string]*Record

	onDecide DecisionHandler
}

// New constructs an Engine. quorum is Q as defined in spec.md §4.E — the
// caller resolves Q = 2f+1 for its cluster size before passing it in.
func New(log *logging.Logger, selfNodeID string, quorum int, bc Broadcaster, onDecide DecisionHandler) *Engine {
	return &Engine{
		log:      log.Component("consensus"),
		self:     selfNodeID,
		quorum:   quorum,
		bc:       bc,
		records:  make(map[string]*Record),
		onDecide: onDecide,
	}
}

// ByzantineTolerance returns f for the engine's configured quorum, derived
// as f = (Q-1)/2 — diagnostic only; Q itself is the operative parameter.
func (e *Engine) ByzantineTolerance() int {
	return (e.quorum - 1) / 2
}

func (e *Engine) getOrCreate(opID string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[opID]
	if !ok {
		r = &Record{
			OpID:     opID,
			Prepares: make(map[string]struct{}),
			Commits:  make(map[string]struct{}),
			Phase:    Proposed,
		}
		e.records[opID] = r
	}
	return r
}

// Propose starts a new operation. It does not stamp op: callers pass it
// already stamped with proposer and timestamp. It creates the local record,
// broadcasts PBFT_PROPOSE, then runs the same local-prepare path any
// PROPOSE receipt takes, which is where the proposer's own PREPARE vote is
// recorded and broadcast.
func (e *Engine) Propose(op wire.Operation) {
	r := e.getOrCreate(op.OpID)

	r.mu.Lock()
	r.Op = &op
	r.mu.Unlock()

	e.log.Info("proposing operation", zap.String("op_id", op.OpID), zap.String("type", string(op.Type)))

	e.bc.BroadcastPayload(wire.Payload{
		Type: wire.PBFTPropose,
		Op:   &op,
	})

	e.localPrepare(op.OpID)
}

// HandlePropose processes a received PBFT_PROPOSE{op}. Setting Op may by
// itself be enough to satisfy an already-met prepare quorum if PREPARE
// votes arrived first (out-of-order tolerance), so it always re-checks.
func (e *Engine) HandlePropose(op wire.Operation) {
	r := e.getOrCreate(op.OpID)

	r.mu.Lock()
	if r.Op == nil {
		r.Op = &op
	}
	r.mu.Unlock()

	e.localPrepare(op.OpID)
}

// localPrepare ensures this node's own PREPARE vote is recorded for opID
// (broadcasting it the first time only) and always re-checks the prepare
// quorum, run both on self-propose and on receipt of another node's
// PROPOSE.
func (e *Engine) localPrepare(opID string) {
	r := e.getOrCreate(opID)

	r.mu.Lock()
	_, already := r.Prepares[e.self]
	if !already {
		r.Prepares[e.self] = struct{}{}
	}
	r.mu.Unlock()

	if !already {
		e.bc.BroadcastPayload(wire.Payload{
			Type:        wire.PBFTPrepare,
			OpID:        opID,
			VoterNodeID: e.self,
		})
	}
	e.checkPrepareQuorum(opID)
}

// HandlePrepare records voter's PREPARE vote for opID. Vote sets are
// idempotent: a re-delivered vote from the same voter does not increase the
// effective set size.
func (e *Engine) HandlePrepare(opID, voter string) {
	r := e.getOrCreate(opID)
	r.mu.Lock()
	r.Prepares[voter] = struct{}{}
	r.mu.Unlock()
	e.checkPrepareQuorum(opID)
}

// checkPrepareQuorum advances opID to PREPARED and broadcasts this node's
// own COMMIT the first time |prepares| >= Q and op is known. It is safe to
// call repeatedly: the phase-equality guard makes the advance idempotent.
func (e *Engine) checkPrepareQuorum(opID string) {
	r := e.getOrCreate(opID)

	r.mu.Lock()
	readyToAdvance := r.Phase == Proposed && len(r.Prepares) >= e.quorum && r.Op != nil
	if readyToAdvance {
		r.Phase = Prepared
	}
	r.mu.Unlock()

	if !readyToAdvance {
		return
	}

	e.log.Info("phase advanced", zap.String("op_id", opID), zap.String("phase", Prepared.String()))

	r.mu.Lock()
	_, selfCommitted := r.Commits[e.self]
	if !selfCommitted {
		r.Commits[e.self] = struct{}{}
	}
	r.mu.Unlock()

	e.bc.BroadcastPayload(wire.Payload{
		Type:        wire.PBFTCommit,
		OpID:        opID,
		VoterNodeID: e.self,
	})

	if !selfCommitted {
		e.checkCommitQuorum(opID)
	}
}

// HandleCommit records voter's COMMIT vote for opID. Once the record has
// reached PREPARED, |commits| >= Q, op is known, and the record is not yet
// DECIDED, it transitions to DECIDED and the decision handler runs exactly
// once. A COMMIT arriving before PREPARED (out-of-order tolerance) is
// counted but held: checkPrepareQuorum re-checks commit quorum itself the
// moment the record advances to PREPARED.
func (e *Engine) HandleCommit(opID, voter string) {
	r := e.getOrCreate(opID)
	r.mu.Lock()
	r.Commits[voter] = struct{}{}
	r.mu.Unlock()
	e.checkCommitQuorum(opID)
}

func (e *Engine) checkCommitQuorum(opID string) {
	r := e.getOrCreate(opID)

	r.mu.Lock()
	ready := r.Phase >= Prepared && r.Phase != Decided && len(r.Commits) >= e.quorum && r.Op != nil
	var op wire.Operation
	if ready {
		r.Phase = Committed
		op = *r.Op
		r.Phase = Decided
	}
	r.mu.Unlock()

	if !ready {
		return
	}

	e.log.Info("operation decided", zap.String("op_id", opID), zap.String("type", string(op.Type)))
	e.onDecide(op)
}

// RecordPhase returns opID's current phase, for tests and diagnostics.
func (e *Engine) RecordPhase(opID string) (Phase, bool) {
	e.mu.RLock()
	r, ok := e.records[opID]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Phase, true
}

// VoteCounts returns the current prepare/commit set sizes for opID, for
// tests asserting the quorum-safety invariant.
func (e *Engine) VoteCounts(opID string) (prepares, commits int, err error) {
	e.mu.RLock()
	r, ok := e.records[opID]
	e.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("consensus: no record for op_id %s", opID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Prepares), len(r.Commits), nil
}
