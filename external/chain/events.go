package chain

import (
	"math/big"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

const wordSize = 32

// WatchedTopics are the event signatures the watcher filters for.
func WatchedTopics() []common.Hash {
	return []common.Hash{RegisterShieldTopic, TickTopic, TaskTickTopic}
}

// DecodeLog turns a log into a chain event. Logs with a watched topic that cannot be decoded are returned with
// DecodeErr set, so the caller can account for them.
func DecodeLog(vLog types.Log) entities.ChainEvent {
	event := entities.ChainEvent{
		Ref: entities.LogRef{BlockNumber: vLog.BlockNumber, TxHash: vLog.TxHash, LogIndex: vLog.Index},
	}
	if len(vLog.Topics) == 0 {
		event.DecodeErr = errors.New("log without topics")
		return event
	}

	var err error
	switch vLog.Topics[0] {
	case RegisterShieldTopic:
		event.Kind = entities.EventPositionRegistered
		event.Registered, err = decodeRegisterShield(vLog)
	case TickTopic:
		event.Kind = entities.EventRangeViolationTrigger
		event.Trigger, err = decodeTick(vLog)
	case TaskTickTopic:
		event.Kind = entities.EventRangeViolationTrigger
		event.Trigger, err = decodeTaskTick(vLog)
	default:
		err = errors.Errorf("unexpected topic [%s]", vLog.Topics[0].Hex())
	}
	if err != nil {
		event.DecodeErr = errors.Wrapf(err, "decoding log %s", event.Ref)
	}
	return event
}

func decodeRegisterShield(vLog types.Log) (*entities.ShieldPosition, error) {
	// data: poolId, tickLower, tickUpper, tokenId, owner
	if len(vLog.Data) < wordSize*5 {
		return nil, errors.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	tickLower, err := readInt24(word(vLog.Data, 1))
	if err != nil {
		return nil, errors.Wrap(err, "tick lower")
	}
	tickUpper, err := readInt24(word(vLog.Data, 2))
	if err != nil {
		return nil, errors.Wrap(err, "tick upper")
	}
	return &entities.ShieldPosition{
		PoolID:    common.BytesToHash(word(vLog.Data, 0)),
		TickLower: tickLower,
		TickUpper: tickUpper,
		TokenID:   new(big.Int).SetBytes(word(vLog.Data, 3)),
		Owner:     common.BytesToAddress(word(vLog.Data, 4)),
	}, nil
}

func decodeTick(vLog types.Log) (*entities.RangeViolationTrigger, error) {
	// data: poolId, currentTick
	if len(vLog.Data) < wordSize*2 {
		return nil, errors.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	tick, err := readInt24(word(vLog.Data, 1))
	if err != nil {
		return nil, errors.Wrap(err, "current tick")
	}
	return &entities.RangeViolationTrigger{
		PoolID:      common.BytesToHash(word(vLog.Data, 0)),
		CurrentTick: tick,
	}, nil
}

func decodeTaskTick(vLog types.Log) (*entities.RangeViolationTrigger, error) {
	// topics: signature, poolId, currentTick, taskIndex
	// data: task (taskIndex, poolId, taskCreatedBlock)
	if len(vLog.Topics) < 4 {
		return nil, errors.Errorf("unexpected topics len=%d", len(vLog.Topics))
	}
	if len(vLog.Data) < wordSize*3 {
		return nil, errors.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	tick, err := readInt24(vLog.Topics[2].Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "current tick")
	}
	taskIndex, err := readUint32(vLog.Topics[3].Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "task index")
	}
	taskTaskIndex, err := readUint32(word(vLog.Data, 0))
	if err != nil {
		return nil, errors.Wrap(err, "task.taskIndex")
	}
	createdBlock, err := readUint32(word(vLog.Data, 2))
	if err != nil {
		return nil, errors.Wrap(err, "task.taskCreatedBlock")
	}
	return &entities.RangeViolationTrigger{
		PoolID:      vLog.Topics[1],
		CurrentTick: tick,
		TaskIndex:   &taskIndex,
		Task: &entities.Task{
			TaskIndex:        taskTaskIndex,
			PoolID:           common.BytesToHash(word(vLog.Data, 1)).Hex(),
			TaskCreatedBlock: createdBlock,
		},
	}, nil
}

func word(data []byte, index int) []byte {
	return data[index*wordSize : (index+1)*wordSize]
}

// readInt24 reads a two's complement word.
func readInt24(w []byte) (int32, error) {
	v := new(big.Int).SetBytes(w)
	if len(w) > 0 && w[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(w)*8)))
	}
	if !v.IsInt64() || v.Int64() < -(1<<23) || v.Int64() > 1<<23-1 {
		return 0, errors.Errorf("value [%s] out of int24 range", v)
	}
	return int32(v.Int64()), nil
}

func readUint32(w []byte) (uint32, error) {
	v := new(big.Int).SetBytes(w)
	if !v.IsUint64() || v.Uint64() > uint64(^uint32(0)) {
		return 0, errors.Errorf("value [%s] out of uint32 range", v)
	}
	return uint32(v.Uint64()), nil
}
