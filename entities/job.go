package entities

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type JobKind string

const JobKindTickEvent JobKind = "tick-event"

const (
	minTick = -(1 << 23)
	maxTick = 1<<23 - 1
)

// jobNamespace seeds the deterministic job ids. Changing it changes every job id.
var jobNamespace = uuid.MustParse("6f1c2b1e-3f4a-4d8e-9b5c-7a0e2d9c4f11")

// Job is the envelope stored on the queue. Payload is interpreted according to Kind.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Attempt   int             `json:"attempt"`
	NotBefore time.Time       `json:"notBefore,omitzero"`
	Payload   json.RawMessage `json:"payload"`
}

type TickEventPayload struct {
	PoolID      string  `json:"poolId"`
	CurrentTick int32   `json:"currentTick"`
	TaskIndex   *uint32 `json:"taskIndex,omitempty"`
	Task        *Task   `json:"task,omitempty"`
	Source      *LogRef `json:"source,omitempty"`
}

func (p TickEventPayload) Pool() common.Hash {
	return common.HexToHash(p.PoolID)
}

// JobID derives the job id from the log that caused it, so processing the same log twice yields the same id.
func JobID(ref LogRef) string {
	return uuid.NewSHA1(jobNamespace, []byte(ref.String())).String()
}

func NewTickEventJob(ref LogRef, trigger RangeViolationTrigger) (Job, error) {
	payload := TickEventPayload{
		PoolID:      trigger.PoolID.Hex(),
		CurrentTick: trigger.CurrentTick,
		TaskIndex:   trigger.TaskIndex,
		Task:        trigger.Task,
		Source:      &ref,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, errors.Wrap(err, "marshalling tick event payload")
	}
	return Job{
		ID:      JobID(ref),
		Kind:    JobKindTickEvent,
		Payload: raw,
	}, nil
}

// TickEvent decodes and validates the payload of a tick-event job. Errors wrap ErrInvalidJob.
func (j Job) TickEvent() (*TickEventPayload, error) {
	if j.Kind != JobKindTickEvent {
		return nil, errors.Wrapf(ErrInvalidJob, "unexpected job kind [%s]", j.Kind)
	}

	var raw struct {
		PoolID      *string `json:"poolId"`
		CurrentTick *int32  `json:"currentTick"`
		TaskIndex   *uint32 `json:"taskIndex"`
		Task        *Task   `json:"task"`
		Source      *LogRef `json:"source"`
	}
	if err := json.Unmarshal(j.Payload, &raw); err != nil {
		return nil, errors.Wrapf(ErrInvalidJob, "decoding payload: %v", err)
	}
	if raw.PoolID == nil || raw.CurrentTick == nil {
		return nil, errors.Wrap(ErrInvalidJob, "payload requires poolId and currentTick")
	}
	poolID, err := hexutil.Decode(*raw.PoolID)
	if err != nil || len(poolID) != common.HashLength {
		return nil, errors.Wrapf(ErrInvalidJob, "pool id [%s] is not a 32 byte hex value", *raw.PoolID)
	}
	if *raw.CurrentTick < minTick || *raw.CurrentTick > maxTick {
		return nil, errors.Wrapf(ErrInvalidJob, "tick [%d] out of int24 range", *raw.CurrentTick)
	}

	return &TickEventPayload{
		PoolID:      *raw.PoolID,
		CurrentTick: *raw.CurrentTick,
		TaskIndex:   raw.TaskIndex,
		Task:        raw.Task,
		Source:      raw.Source,
	}, nil
}

type JobState string

const (
	JobStatePending  JobState = "pending"
	JobStateInFlight JobState = "in-flight"
	JobStateDone     JobState = "done"
	JobStateFailed   JobState = "failed"
)

// JobRecord is the worker's local ledger entry for a job. RawTx holds the signed remediation
// transaction once it was built, so a redelivered job re-broadcasts instead of signing again.
type JobRecord struct {
	ID        string      `json:"id"`
	State     JobState    `json:"state"`
	Attempts  int         `json:"attempts"`
	PoolID    string      `json:"poolId,omitempty"`
	TxHash    common.Hash `json:"txHash"`
	RawTx     []byte      `json:"rawTx,omitempty"`
	TokenIDs  []string    `json:"tokenIds,omitempty"`
	LastError string      `json:"lastError,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Attestation is the operator's signed statement over a pool id, consumed by the attested remediation call.
type Attestation struct {
	Operator       common.Address
	Signature      []byte
	ReferenceBlock uint32
}

type RemediationRecord struct {
	JobID       string      `json:"jobId"`
	PoolID      string      `json:"poolId"`
	CurrentTick int32       `json:"currentTick"`
	TokenIDs    []string    `json:"tokenIds"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Timestamp   time.Time   `json:"timestamp"`
}

type DeadLetterRecord struct {
	JobID     string    `json:"jobId"`
	Kind      JobKind   `json:"kind"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
