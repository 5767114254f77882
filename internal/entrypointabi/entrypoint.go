package entrypointabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput    = errors.New("entrypointabi: invalid input")
	ErrInvalidCalldata = errors.New("entrypointabi: invalid calldata")
)

// SelectorLen is the fixed-width function selector prefix on operation calldata.
const SelectorLen = 4

// UserOperation mirrors the on-chain user operation tuple carried inside an admitted
// transaction's calldata. Field names must match the ABI component names below;
// decode and pack both rely on that mapping.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

var (
	initOnce sync.Once
	initErr  error

	entryPointABI abi.ABI
	userOpsArgs   abi.Arguments
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		entryPointABI, err = abi.JSON(strings.NewReader(handleOpsABIJSON))
		if err != nil {
			initErr = fmt.Errorf("entrypointabi: parse handleOps ABI: %w", err)
			return
		}

		opsType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
			{Name: "sender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "initCode", Type: "bytes"},
			{Name: "callData", Type: "bytes"},
			{Name: "callGasLimit", Type: "uint256"},
			{Name: "verificationGasLimit", Type: "uint256"},
			{Name: "preVerificationGas", Type: "uint256"},
			{Name: "maxFeePerGas", Type: "uint256"},
			{Name: "maxPriorityFeePerGas", Type: "uint256"},
			{Name: "paymasterAndData", Type: "bytes"},
			{Name: "signature", Type: "bytes"},
		})
		if err != nil {
			initErr = fmt.Errorf("entrypointabi: build UserOperation ABI type: %w", err)
			return
		}

		userOpsArgs = abi.Arguments{{Name: "ops", Type: opsType}}
	})
	return initErr
}

// DecodeOperationCalldata extracts the user operations embedded in an admitted
// transaction's calldata: a selector prefix followed by an ABI-encoded
// UserOperation[] argument. The selector value itself is not interpreted.
func DecodeOperationCalldata(data []byte) ([]UserOperation, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(data) < SelectorLen {
		return nil, fmt.Errorf("%w: calldata shorter than selector", ErrInvalidCalldata)
	}

	vals, err := userOpsArgs.Unpack(data[SelectorLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalldata, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: unexpected argument count %d", ErrInvalidCalldata, len(vals))
	}

	ops := *abi.ConvertType(vals[0], new([]UserOperation)).(*[]UserOperation)
	return ops, nil
}

// EncodeOperationCalldata is the inverse of DecodeOperationCalldata; clients use it
// to build the calldata region of a transaction submitted to the pool.
func EncodeOperationCalldata(selector [SelectorLen]byte, ops []UserOperation) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := validateOps(ops); err != nil {
		return nil, err
	}

	packed, err := userOpsArgs.Pack(ops)
	if err != nil {
		return nil, fmt.Errorf("entrypointabi: pack operations: %w", err)
	}
	return append(selector[:], packed...), nil
}

// PackHandleOps builds the settlement calldata.
//
// The on-chain entry point takes a single public input positionally; when the batch
// carries more than one, callers pass publicInputs[0] here and the remainder stays
// recorded off-chain with the batch.
func PackHandleOps(ops []UserOperation, proof []byte, publicInput *big.Int, beneficiary common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrInvalidInput)
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidInput)
	}
	if (beneficiary == common.Address{}) {
		return nil, fmt.Errorf("%w: zero beneficiary", ErrInvalidInput)
	}
	if err := validateOps(ops); err != nil {
		return nil, err
	}
	if publicInput == nil {
		publicInput = new(big.Int)
	}

	b, err := entryPointABI.Pack("handleOps", ops, proof, publicInput, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("entrypointabi: pack handleOps calldata: %w", err)
	}
	return b, nil
}

func validateOps(ops []UserOperation) error {
	for i := range ops {
		op := &ops[i]
		if op.Nonce == nil || op.CallGasLimit == nil || op.VerificationGasLimit == nil ||
			op.PreVerificationGas == nil || op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
			return fmt.Errorf("%w: op[%d] has nil numeric field", ErrInvalidInput, i)
		}
	}
	return nil
}

const handleOpsABIJSON = `[
  {
    "inputs": [
      {
        "components": [
          {"internalType":"address","name":"sender","type":"address"},
          {"internalType":"uint256","name":"nonce","type":"uint256"},
          {"internalType":"bytes","name":"initCode","type":"bytes"},
          {"internalType":"bytes","name":"callData","type":"bytes"},
          {"internalType":"uint256","name":"callGasLimit","type":"uint256"},
          {"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},
          {"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
          {"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},
          {"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},
          {"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
          {"internalType":"bytes","name":"signature","type":"bytes"}
        ],
        "internalType":"struct EntryPoint.UserOperation[]",
        "name":"ops",
        "type":"tuple[]"
      },
      {"internalType":"bytes","name":"zkProof","type":"bytes"},
      {"internalType":"uint256","name":"zkPubInput","type":"uint256"},
      {"internalType":"address payable","name":"beneficiary","type":"address"}
    ],
    "name":"handleOps",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
