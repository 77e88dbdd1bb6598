package store

import (
	"testing"

	"github.com/orbitmesh/node/pkg/wire"
)

func assignOp(opID, taskID, assignedNode string, ts int64) wire.Operation {
	return wire.Operation{
		OpID:      opID,
		Type:      wire.AssignTask,
		Proposer:  assignedNode,
		Timestamp: ts,
		Details: wire.OpDetails{
			TaskID:       taskID,
			Image:        "alpine",
			Cmd:          []string{"echo", "hi"},
			AssignedNode: assignedNode,
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(NewMemoryBackend())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestApplyAssignTaskCreatesRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply(assignOp("op-1", "t1", "A", 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, ok := s.Get("tasks/t1")
	if !ok {
		t.Fatal("expected task record to exist")
	}
	if rec.Status != Assigned || rec.AssignedNode != "A" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestStatusMonotonicityRejectsBackwardTransition(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply(assignOp("op-1", "t1", "A", 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.SetStatus("t1", Running); err != nil {
		t.Fatalf("advance to running: %v", err)
	}
	if err := s.SetStatus("t1", Completed); err != nil {
		t.Fatalf("advance to completed: %v", err)
	}
	if err := s.SetStatus("t1", Assigned); err == nil {
		t.Fatal("expected backward transition to be rejected")
	}
}

func TestTerminalStatusesAreNotInterchangeable(t *testing.T) {
	s := newTestStore(t)
	if err := s.Apply(assignOp("op-1", "t1", "A", 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.SetStatus("t1", Completed); err != nil {
		t.Fatalf("advance to completed: %v", err)
	}
	if err := s.SetStatus("t1", Failed); err == nil {
		t.Fatal("expected completed -> failed to be rejected, terminal statuses are final")
	}
	if err := s.SetStatus("t1", Completed); err != nil {
		t.Fatalf("expected idempotent re-apply of the same terminal status to succeed: %v", err)
	}
}

func TestRangeReturnsLexicographicOrder(t *testing.T) {
	s := newTestStore(t)
	_ = s.Apply(assignOp("op-1", "t2", "A", 100))
	_ = s.Apply(assignOp("op-2", "t1", "A", 101))
	_ = s.Apply(assignOp("op-3", "t3", "A", 102))

	recs := s.Range("tasks/")
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].TaskID != "t1" || recs[1].TaskID != "t2" || recs[2].TaskID != "t3" {
		t.Fatalf("expected lexicographic order, got %v, %v, %v", recs[0].TaskID, recs[1].TaskID, recs[2].TaskID)
	}
}

func TestFailNodeReassignsOpenTasks(t *testing.T) {
	s := newTestStore(t)
	_ = s.Apply(assignOp("op-1", "t1", "A", 100))

	err := s.Apply(wire.Operation{
		OpID:      "op-2",
		Type:      wire.FailNode,
		Proposer:  "B",
		Timestamp: 200,
		Details: wire.OpDetails{
			FailedNodeID: "A",
			Reassignments: []wire.Reassignment{
				{TaskID: "t1", FailedNode: "A", NewNode: "B"},
			},
		},
	})
	if err != nil {
		t.Fatalf("apply fail_node: %v", err)
	}

	rec, ok := s.Get("tasks/t1")
	if !ok {
		t.Fatal("expected record to still exist")
	}
	if rec.AssignedNode != "B" {
		t.Fatalf("expected reassignment to B, got %s", rec.AssignedNode)
	}
}

func TestLastWriterWinsByTimestampThenOpID(t *testing.T) {
	s := newTestStore(t)
	// Same task key, two competing assignments decided in different local
	// order; the higher (timestamp, op_id) must win regardless of apply order.
	later := assignOp("op-b", "t1", "B", 200)
	earlier := assignOp("op-a", "t1", "A", 100)

	if err := s.Apply(later); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(earlier); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.Get("tasks/t1")
	if rec.AssignedNode != "B" {
		t.Fatalf("expected later write to win, got assigned_node=%s", rec.AssignedNode)
	}
}
