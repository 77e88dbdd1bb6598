// Package registry tracks known peers: identity, last-seen timestamps,
// liveness, and a decaying reputation score used to quarantine misbehaving
// peers before their messages ever reach consensus.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/logging"
)

// Liveness is a peer's health state as seen by this node.
type Liveness string

const (
	Live    Liveness = "live"
	Suspect Liveness = "suspect"
	Dead    Liveness = "dead"
)

// PeerRecord is the registry's view of one cluster member, keyed by the
// peer's public-key hex. NodeID is carried as metadata only: it is the
// short human/config label used in wire.Operation (AssignedNode,
// FailedNodeID) and is NOT a lookup key into this registry.
type PeerRecord struct {
	NodeID          string
	PublicKeyHex    string
	TransportHandle string // opaque peer-transport identifier, empty between reconnects
	LastSeen        time.Time
	Liveness        Liveness

	Score       float64
	Quarantined bool
}

// Registry is the single-owner actor for peer state: every mutation goes
// through one of its exported methods, each of which takes the lock
// briefly, matching the locking discipline of the peer registries in the
// retrieved corpus. Every method below takes a public-key hex as its peer
// key — the same string carried in wire.Envelope.Sender — so that the
// reputation bookkeeping done by pkg/router (which only ever sees Sender)
// and the handshake/heartbeat bookkeeping done here always address the
// same record.
type Registry struct {
	log *logging.Logger

	mu    sync.RWMutex
	peers map[string]*PeerRecord

	livenessTimeout time.Duration
	decayInterval   time.Duration
	decayFactor     float64
	quarantineAt    float64 // score threshold below which a peer is quarantined
	penaltyAmount   float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry at construction time.
type Option func(*Registry)

func WithLivenessTimeout(d time.Duration) Option { return func(r *Registry) { r.livenessTimeout = d } }
func WithDecayInterval(d time.Duration) Option    { return func(r *Registry) { r.decayInterval = d } }

// New constructs a Registry. The caller owns ctx's lifetime; Stop should be
// called on shutdown regardless of ctx cancellation to join background
// goroutines deterministically.
func New(ctx context.Context, log *logging.Logger, opts ...Option) *Registry {
	rctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:             log.Component("registry"),
		peers:           make(map[string]*PeerRecord),
		livenessTimeout: 15 * time.Second,
		decayInterval:   30 * time.Second,
		decayFactor:     0.98,
		quarantineAt:    -10,
		penaltyAmount:   5,
		ctx:             rctx,
		cancel:          cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the background decay loop. It does not launch a liveness
// loop of its own; liveness sweeping is driven externally by the failure
// detector (pkg/failure), which calls MarkSuspect directly on timeout —
// this keeps the "every shared map has exactly one logical owner for each
// kind of mutation" discipline from spec.md §5 clean, rather than having
// two independent tickers mutate Liveness.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.decayLoop()
}

// Stop cancels the decay loop and waits for it to exit.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) decayLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.decayInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			r.applyDecay()
		}
	}
}

func (r *Registry) applyDecay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.Score *= r.decayFactor
	}
}

// UpsertOnHandshake creates or refreshes the record for publicKeyHex. At
// most one record exists per public key; a second handshake from a
// different transport handle, or carrying an updated nodeID label,
// collapses onto the same record, keeping only the freshest of each.
func (r *Registry) UpsertOnHandshake(publicKeyHex, nodeID, transportHandle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[publicKeyHex]
	if !ok {
		p = &PeerRecord{PublicKeyHex: publicKeyHex, Liveness: Live}
		r.peers[publicKeyHex] = p
	}
	p.NodeID = nodeID
	p.TransportHandle = transportHandle
	p.LastSeen = time.Now()
	p.Liveness = Live
}

// Touch refreshes LastSeen for the peer identified by publicKeyHex on
// receipt of a HEARTBEAT. A peer not yet known (heartbeat arriving before
// handshake, which the transport layer should prevent but the registry
// tolerates defensively) is a no-op.
func (r *Registry) Touch(publicKeyHex string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[publicKeyHex]
	if !ok {
		return
	}
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	if p.Liveness != Dead {
		p.Liveness = Live
	}
}

// IterLive returns a snapshot of every peer currently considered live.
func (r *Registry) IterLive() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Liveness == Live {
			out = append(out, *p)
		}
	}
	return out
}

// Snapshot returns every known peer regardless of liveness, used by the
// failure detector's sweep.
func (r *Registry) Snapshot() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// MarkSuspect transitions the peer identified by publicKeyHex to Suspect.
// Safe to call repeatedly.
func (r *Registry) MarkSuspect(publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[publicKeyHex]; ok && p.Liveness == Live {
		p.Liveness = Suspect
		r.log.Warn("peer marked suspect", zap.String("node_id", p.NodeID), zap.String("public_key", publicKeyHex))
	}
}

// MarkDead transitions the peer identified by publicKeyHex to Dead, the
// state that triggers a FAIL_NODE proposal from the failure detector.
func (r *Registry) MarkDead(publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[publicKeyHex]; ok {
		p.Liveness = Dead
	}
}

// Remove deletes the record for publicKeyHex entirely.
func (r *Registry) Remove(publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, publicKeyHex)
}

// Penalize lowers publicKeyHex's reputation score on an authentication
// failure or detected consensus misbehavior. Crossing the quarantine
// threshold quarantines the peer; messages from a quarantined peer are
// dropped by the router before signature verification is even attempted.
func (r *Registry) Penalize(publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[publicKeyHex]
	if !ok {
		return
	}
	p.Score -= r.penaltyAmount
	if p.Score <= r.quarantineAt && !p.Quarantined {
		p.Quarantined = true
		r.log.Warn("peer quarantined", zap.String("node_id", p.NodeID), zap.String("public_key", publicKeyHex))
	}
}

// Reward nudges publicKeyHex's score up on a successfully authenticated and
// dispatched message.
func (r *Registry) Reward(publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[publicKeyHex]; ok {
		p.Score += 1
	}
}

// IsQuarantined reports whether publicKeyHex is currently quarantined.
func (r *Registry) IsQuarantined(publicKeyHex string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[publicKeyHex]
	return ok && p.Quarantined
}

// Get returns a copy of publicKeyHex's record, if known.
func (r *Registry) Get(publicKeyHex string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[publicKeyHex]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}
