package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const shieldABIJSON = `[
  {"type":"function","name":"registerShield","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"poolId","type":"bytes32"},{"name":"feeMaxLow","type":"int24"},{"name":"feeMaxUpper","type":"int24"},
    {"name":"tokenId","type":"uint256"},{"name":"owner","type":"address"}]},
  {"type":"function","name":"removeLiquidityInBatch","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"poolId","type":"bytes32"},{"name":"_tokenIds","type":"uint256[]"}]},
  {"type":"function","name":"removeLiquidityInBatchAttested","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"poolId","type":"bytes32"},{"name":"_tokenIds","type":"uint256[]"},
    {"name":"attestation","type":"tuple","components":[
      {"name":"operator","type":"address"},{"name":"signature","type":"bytes"},{"name":"referenceBlock","type":"uint32"}]}]},
  {"type":"function","name":"sendTickEvent","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"poolId","type":"bytes32"},{"name":"currentTick","type":"int24"}]},
  {"type":"event","name":"RegisterShieldEvent","anonymous":false,"inputs":[
    {"name":"poolId","type":"bytes32","indexed":false},{"name":"feeMaxLow","type":"int24","indexed":false},
    {"name":"feeMaxUpper","type":"int24","indexed":false},{"name":"tokenId","type":"uint256","indexed":false},
    {"name":"owner","type":"address","indexed":false}]},
  {"type":"event","name":"TickEvent","anonymous":false,"inputs":[
    {"name":"poolId","type":"bytes32","indexed":false},{"name":"currentTick","type":"int24","indexed":false}]}
]`

const delegationManagerABIJSON = `[
  {"type":"function","name":"registerAsOperator","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"registeringOperatorDetails","type":"tuple","components":[
      {"name":"earningsReceiver","type":"address"},{"name":"delegationApprover","type":"address"},
      {"name":"stakerOptOutWindowBlocks","type":"uint32"}]},
    {"name":"metadataURI","type":"string"}]},
  {"type":"function","name":"isOperator","stateMutability":"view","inputs":[{"name":"operator","type":"address"}],
    "outputs":[{"name":"","type":"bool"}]}
]`

const avsDirectoryABIJSON = `[
  {"type":"function","name":"calculateOperatorAVSRegistrationDigestHash","stateMutability":"view","inputs":[
    {"name":"operator","type":"address"},{"name":"avs","type":"address"},{"name":"salt","type":"bytes32"},
    {"name":"expiry","type":"uint256"}],
    "outputs":[{"name":"","type":"bytes32"}]}
]`

const stakeRegistryABIJSON = `[
  {"type":"function","name":"registerOperatorWithSignature","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"_operatorSignature","type":"tuple","components":[
      {"name":"signature","type":"bytes"},{"name":"salt","type":"bytes32"},{"name":"expiry","type":"uint256"}]},
    {"name":"_signingKey","type":"address"}]},
  {"type":"function","name":"operatorRegistered","stateMutability":"view","inputs":[{"name":"operator","type":"address"}],
    "outputs":[{"name":"","type":"bool"}]}
]`

var (
	ShieldABI            = mustParseABI(shieldABIJSON)
	DelegationManagerABI = mustParseABI(delegationManagerABIJSON)
	AVSDirectoryABI      = mustParseABI(avsDirectoryABIJSON)
	StakeRegistryABI     = mustParseABI(stakeRegistryABIJSON)
)

// Topic hashes of the events the watcher consumes. The task manager emits TickEvent with indexed fields
// and a task struct, which is a different signature and therefore a different topic.
var (
	RegisterShieldTopic = crypto.Keccak256Hash([]byte("RegisterShieldEvent(bytes32,int24,int24,uint256,address)"))
	TickTopic           = crypto.Keccak256Hash([]byte("TickEvent(bytes32,int24)"))
	TaskTickTopic       = crypto.Keccak256Hash([]byte("TickEvent(bytes32,int24,uint32,(uint32,bytes32,uint32))"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type operatorDetails struct {
	EarningsReceiver         common.Address `abi:"earningsReceiver"`
	DelegationApprover       common.Address `abi:"delegationApprover"`
	StakerOptOutWindowBlocks uint32         `abi:"stakerOptOutWindowBlocks"`
}

type signatureWithSaltAndExpiry struct {
	Signature []byte   `abi:"signature"`
	Salt      [32]byte `abi:"salt"`
	Expiry    *big.Int `abi:"expiry"`
}

type attestationArg struct {
	Operator       common.Address `abi:"operator"`
	Signature      []byte         `abi:"signature"`
	ReferenceBlock uint32         `abi:"referenceBlock"`
}
