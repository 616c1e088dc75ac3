package entities

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventPositionRegistered    EventKind = "position-registered"
	EventRangeViolationTrigger EventKind = "range-violation-trigger"
)

// LogRef identifies a single log emitted on chain.
type LogRef struct {
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	LogIndex    uint        `json:"logIndex"`
}

func (r LogRef) String() string {
	return fmt.Sprintf("%d:%s:%d", r.BlockNumber, r.TxHash.Hex(), r.LogIndex)
}

// Task is the task descriptor attached to triggers emitted by the task manager variant of the contract.
type Task struct {
	TaskIndex        uint32 `json:"taskIndex"`
	PoolID           string `json:"poolId"`
	TaskCreatedBlock uint32 `json:"taskCreatedBlock"`
}

type RangeViolationTrigger struct {
	PoolID      common.Hash
	CurrentTick int32
	TaskIndex   *uint32
	Task        *Task
}

// ChainEvent is one decoded log. Exactly one of Registered and Trigger is set unless DecodeErr is set.
type ChainEvent struct {
	Ref        LogRef
	Kind       EventKind
	Registered *ShieldPosition
	Trigger    *RangeViolationTrigger
	DecodeErr  error
}
