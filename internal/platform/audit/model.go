package audit

import (
	"encoding/json"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one privileged action. Before and After hold JSON snapshots of the
// object the action touched.
type Event struct {
	AuditID      string          `json:"audit_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	ObjectType   string          `json:"object_type"`
	ObjectID     string          `json:"object_id"`
	Action       string          `json:"action"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
	Result       Result          `json:"result"`
	Reason       string          `json:"reason,omitempty"`
	PartitionDay string          `json:"partition_day"`
	HashPrev     string          `json:"hash_prev"`
	HashCurr     string          `json:"hash_curr"`
}
