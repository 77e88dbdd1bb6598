// Package wire defines the on-the-wire data model shared by every
// component: the signed envelope, the payload kinds it carries, and the
// consensus operation type those payloads reference. Keeping these in one
// package avoids import cycles between the router and the consensus
// engine, both of which need to talk about an Operation.
package wire

// PayloadType identifies the kind of message an envelope carries.
type PayloadType string

const (
	Handshake    PayloadType = "HANDSHAKE"
	Heartbeat    PayloadType = "HEARTBEAT"
	PBFTPropose  PayloadType = "PBFT_PROPOSE"
	PBFTPrepare  PayloadType = "PBFT_PREPARE"
	PBFTCommit   PayloadType = "PBFT_COMMIT"
)

// OpType identifies the kind of state change an Operation proposes.
type OpType string

const (
	AssignTask   OpType = "ASSIGN_TASK"
	FailNode     OpType = "FAIL_NODE"
	UpdateStatus OpType = "UPDATE_STATUS" // supplemental: routes worker completion through consensus when enabled
)

// Reassignment records that a task previously assigned to FailedNode now
// belongs to NewNode, as decided by a FAIL_NODE operation.
type Reassignment struct {
	TaskID     string `json:"task_id"`
	FailedNode string `json:"failed_node"`
	NewNode    string `json:"new_node"`
}

// OpDetails is the union of the op payload shapes (ASSIGN_TASK, FAIL_NODE,
// UPDATE_STATUS).
// Only the fields relevant to Type are populated; the rest are left at
// their zero value and omitted on the wire.
type OpDetails struct {
	// ASSIGN_TASK
	TaskID       string   `json:"task_id,omitempty"`
	Image        string   `json:"image,omitempty"`
	Cmd          []string `json:"cmd,omitempty"`
	AssignedNode string   `json:"assigned_node,omitempty"`

	// FAIL_NODE
	FailedNodeID  string         `json:"failed_node_id,omitempty"`
	Reassignments []Reassignment `json:"reassignments,omitempty"`

	// UPDATE_STATUS (TaskID is reused from ASSIGN_TASK above)
	Status string `json:"status,omitempty"`
}

// Operation is a candidate state change proposed to consensus. Once
// DECIDED it is applied exactly once to the replicated store.
type Operation struct {
	OpID      string    `json:"op_id"`
	Type      OpType    `json:"type"`
	Proposer  string    `json:"proposer"`
	Timestamp int64     `json:"timestamp"`
	Details   OpDetails `json:"details"`
}

// Payload is the typed body of a signed envelope. Only the fields that
// apply to Type are populated.
type Payload struct {
	Type PayloadType `json:"type"`

	// HANDSHAKE / HEARTBEAT
	NodeID    string `json:"node_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// PBFT_PROPOSE
	Op *Operation `json:"op,omitempty"`

	// PBFT_PREPARE / PBFT_COMMIT
	OpID        string `json:"op_id,omitempty"`
	VoterNodeID string `json:"voter_node_id,omitempty"`
}

// Envelope is the wire format every message takes: a sender identity, a
// typed payload, and a signature over the payload's canonical bytes.
type Envelope struct {
	Sender    string  `json:"sender"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}
