// Package store implements the replicated task-state store: an
// ordered-key value store that accepts decided mutations through Apply,
// invoked by the consensus engine's decision handler, plus direct status
// updates through SetStatus. Persistence is pluggable behind the Backend
// interface.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbitmesh/node/pkg/wire"
)

// TaskStatus is a task record's lifecycle state. Transitions must follow
// Assigned -> Running -> Completed|Failed. Backward transitions are
// rejected, and Completed/Failed are both terminal: once a record reaches
// either one, no further transition is accepted, including to the other
// terminal status.
type TaskStatus string

const (
	Assigned  TaskStatus = "assigned"
	Running   TaskStatus = "running"
	Completed TaskStatus = "completed"
	Failed    TaskStatus = "failed"
)

var statusRank = map[TaskStatus]int{
	Assigned: 0,
	Running:  1,
}

func isTerminal(s TaskStatus) bool {
	return s == Completed || s == Failed
}

// validTransition reports whether to is a legal follow-up to from: forward
// progress through Assigned -> Running -> a terminal status, an idempotent
// re-apply of the same status, but never a transition away from a terminal
// status, including one terminal status re-applied over another.
func validTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if isTerminal(from) {
		return false
	}
	if isTerminal(to) {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// TaskRecord is the value stored under "tasks/<task_id>".
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	AssignedNode string     `json:"assigned_node"`
	Image        string     `json:"image"`
	Cmd          []string   `json:"cmd"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Backend is the pluggable persistence seam. The reference ships a
// MemoryBackend and a FileBackend behind this one interface.
type Backend interface {
	Load() (map[string]TaskRecord, error)
	Save(key string, rec TaskRecord) error
}

// Store is the single-writer actor owning the replicated key space.
// Decided operations mutate it through Apply, invoked by the consensus
// engine's decision handler; SetStatus is the one direct, non-consensus
// mutation. Reads are always consistent with the last applied change.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	records map[string]TaskRecord
	applied map[string]appliedEntry // op_id -> (timestamp, op_id) dedup/LWW bookkeeping
}

type appliedEntry struct {
	timestamp int64
	opID      string
}

// New loads existing state from backend (if any) and returns a ready Store.
func New(backend Backend) (*Store, error) {
	records, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("store: load backend: %w", err)
	}
	if records == nil {
		records = make(map[string]TaskRecord)
	}
	return &Store{
		backend: backend,
		records: records,
		applied: make(map[string]appliedEntry),
	}, nil
}

// Get returns the record at key, if present.
func (s *Store) Get(key string) (TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// Range returns every record whose key starts with prefix, in lexicographic
// key order.
func (s *Store) Range(prefix string) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]TaskRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k])
	}
	return out
}

// Apply applies a DECIDED operation to the store. It is the mutation
// entrypoint for decided operations, gated to be called exclusively from
// the consensus engine's decision handler, per spec.md §4.F.
func (s *Store) Apply(op wire.Operation) error {
	switch op.Type {
	case wire.AssignTask:
		return s.applyAssignTask(op)
	case wire.FailNode:
		return s.applyFailNode(op)
	case wire.UpdateStatus:
		return s.applyUpdateStatus(op)
	default:
		return fmt.Errorf("store: unknown op type %q", op.Type)
	}
}

// applyUpdateStatus backs the WORKER_COMPLETION_VIA_CONSENSUS path: a
// worker's completion becomes a proposed op instead of a direct SetStatus
// call, so every node's store converges on the same status transition in
// DECIDED order rather than racing on each node's local child-process exit.
func (s *Store) applyUpdateStatus(op wire.Operation) error {
	key := taskKey(op.Details.TaskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(key, op) {
		return nil
	}

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("store: unknown task %q", op.Details.TaskID)
	}
	status := TaskStatus(op.Details.Status)
	if !validTransition(rec.Status, status) {
		return fmt.Errorf("store: rejected invalid transition %s -> %s for task %q", rec.Status, status, op.Details.TaskID)
	}
	rec.Status = status
	if status == Completed || status == Failed {
		completedAt := time.UnixMilli(op.Timestamp)
		rec.CompletedAt = &completedAt
	}
	s.records[key] = rec
	return s.persistLocked(key, rec)
}

func (s *Store) applyAssignTask(op wire.Operation) error {
	key := taskKey(op.Details.TaskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(key, op) {
		return nil
	}

	rec := TaskRecord{
		TaskID:       op.Details.TaskID,
		Status:       Assigned,
		AssignedNode: op.Details.AssignedNode,
		Image:        op.Details.Image,
		Cmd:          op.Details.Cmd,
		CreatedAt:    time.UnixMilli(op.Timestamp),
	}
	if existing, ok := s.records[key]; ok {
		// A newer assignment replaces what an assignment decides (node,
		// image, cmd) but keeps the record's status and timestamps, so the
		// status never moves backward.
		existing.AssignedNode = rec.AssignedNode
		existing.Image = rec.Image
		existing.Cmd = rec.Cmd
		rec = existing
	}
	s.records[key] = rec
	return s.persistLocked(key, rec)
}

func (s *Store) applyFailNode(op wire.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, re := range op.Details.Reassignments {
		key := taskKey(re.TaskID)
		rec, ok := s.records[key]
		if !ok || rec.AssignedNode != re.FailedNode {
			continue
		}
		rec.AssignedNode = re.NewNode
		s.records[key] = rec
		if err := s.persistLocked(key, rec); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus advances a task's status directly, short-circuiting consensus
// (the default worker-completion path, per spec.md §9 Open Question (i),
// and the local assigned -> running step). When the operator opts into
// WORKER_COMPLETION_VIA_CONSENSUS, completion instead arrives as a decided
// UPDATE_STATUS op through Apply (applyUpdateStatus), not through this
// method. Both paths enforce the same forward-only status rule.
func (s *Store) SetStatus(taskID string, status TaskStatus) error {
	key := taskKey(taskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("store: unknown task %q", taskID)
	}
	if !validTransition(rec.Status, status) {
		return fmt.Errorf("store: rejected invalid transition %s -> %s for task %q", rec.Status, status, taskID)
	}
	rec.Status = status
	if status == Completed || status == Failed {
		now := time.Now()
		rec.CompletedAt = &now
	}
	s.records[key] = rec
	return s.persistLocked(key, rec)
}

// acceptLocked implements the last-writer-wins reconciliation rule from
// spec.md §4.E: decisions apply in (timestamp, op_id) ascending order;
// an op_id already applied is a no-op, and a stale op (non-increasing
// timestamp and op_id) is rejected in favor of what is already applied.
func (s *Store) acceptLocked(key string, op wire.Operation) bool {
	prev, ok := s.applied[key]
	if ok && !isNewer(op.Timestamp, op.OpID, prev.timestamp, prev.opID) {
		return false
	}
	s.applied[key] = appliedEntry{timestamp: op.Timestamp, opID: op.OpID}
	return true
}

func isNewer(ts int64, opID string, prevTS int64, prevOpID string) bool {
	if ts != prevTS {
		return ts > prevTS
	}
	return opID > prevOpID
}

func (s *Store) persistLocked(key string, rec TaskRecord) error {
	if err := s.backend.Save(key, rec); err != nil {
		// spec.md §7(d): storage failures are logged by the caller and the
		// node keeps operating; the decision is not replayed.
		return fmt.Errorf("store: persist %q: %w", key, err)
	}
	return nil
}

func taskKey(taskID string) string {
	return "tasks/" + taskID
}
