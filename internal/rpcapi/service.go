// Package rpcapi exposes the bundler over JSON-RPC: pool intake on the eth
// namespace, prover endpoints on the zkp namespace, and a read-only
// passthrough to the upstream execution node for everything a wallet expects.
package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zkprover-labs/bundler/internal/intake"
	"github.com/zkprover-labs/bundler/internal/pool"
	"github.com/zkprover-labs/bundler/internal/proofs"
)

var ErrInvalidConfig = errors.New("rpcapi: invalid config")

// Caller is the upstream JSON-RPC client used for passthrough reads.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// EthService serves the eth namespace. Writes go into the pool; reads proxy
// to the upstream node so clients can point a single endpoint at the bundler.
type EthService struct {
	intake   *intake.Service
	upstream Caller
	chainID  *big.Int
	log      *slog.Logger
}

func NewEthService(in *intake.Service, upstream Caller, chainID *big.Int, log *slog.Logger) (*EthService, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil intake service", ErrInvalidConfig)
	}
	if upstream == nil {
		return nil, fmt.Errorf("%w: nil upstream caller", ErrInvalidConfig)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &EthService{intake: in, upstream: upstream, chainID: chainID, log: log}, nil
}

// SendRawTransaction admits a signed transaction into the pool instead of the
// upstream mempool. The returned hash is the canonical transaction hash, so
// resubmission returns the same value.
func (s *EthService) SendRawTransaction(ctx context.Context, input hexutil.Bytes) (common.Hash, error) {
	id, err := s.intake.Submit(ctx, input)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(id), nil
}

// ChainId is answered locally; the bundler refuses transactions for any other
// chain, so upstream and local values match by construction.
func (s *EthService) ChainId() *hexutil.Big { //nolint:revive
	return (*hexutil.Big)(new(big.Int).Set(s.chainID))
}

func (s *EthService) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	var out hexutil.Big
	err := s.upstream.CallContext(ctx, &out, "eth_gasPrice")
	return &out, err
}

func (s *EthService) MaxPriorityFeePerGas(ctx context.Context) (*hexutil.Big, error) {
	var out hexutil.Big
	err := s.upstream.CallContext(ctx, &out, "eth_maxPriorityFeePerGas")
	return &out, err
}

func (s *EthService) BlockNumber(ctx context.Context) (hexutil.Uint64, error) {
	var out hexutil.Uint64
	err := s.upstream.CallContext(ctx, &out, "eth_blockNumber")
	return out, err
}

func (s *EthService) GetBalance(ctx context.Context, addr common.Address, block string) (*hexutil.Big, error) {
	var out hexutil.Big
	err := s.upstream.CallContext(ctx, &out, "eth_getBalance", addr, block)
	return &out, err
}

func (s *EthService) GetTransactionCount(ctx context.Context, addr common.Address, block string) (hexutil.Uint64, error) {
	var out hexutil.Uint64
	err := s.upstream.CallContext(ctx, &out, "eth_getTransactionCount", addr, block)
	return out, err
}

func (s *EthService) GetCode(ctx context.Context, addr common.Address, block string) (hexutil.Bytes, error) {
	var out hexutil.Bytes
	err := s.upstream.CallContext(ctx, &out, "eth_getCode", addr, block)
	return out, err
}

func (s *EthService) Call(ctx context.Context, msg map[string]interface{}, block string) (hexutil.Bytes, error) {
	var out hexutil.Bytes
	err := s.upstream.CallContext(ctx, &out, "eth_call", msg, block)
	return out, err
}

func (s *EthService) EstimateGas(ctx context.Context, msg map[string]interface{}) (hexutil.Uint64, error) {
	var out hexutil.Uint64
	err := s.upstream.CallContext(ctx, &out, "eth_estimateGas", msg)
	return out, err
}

func (s *EthService) GetTransactionReceipt(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := s.upstream.CallContext(ctx, &out, "eth_getTransactionReceipt", hash)
	return out, err
}

func (s *EthService) GetTransactionByHash(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := s.upstream.CallContext(ctx, &out, "eth_getTransactionByHash", hash)
	return out, err
}

func (s *EthService) GetBlockByNumber(ctx context.Context, block string, fullTxs bool) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := s.upstream.CallContext(ctx, &out, "eth_getBlockByNumber", block, fullTxs)
	return out, err
}

func (s *EthService) FeeHistory(ctx context.Context, blockCount hexutil.Uint64, lastBlock string, rewardPercentiles []float64) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := s.upstream.CallContext(ctx, &out, "eth_feeHistory", blockCount, lastBlock, rewardPercentiles)
	return out, err
}

// NetService answers net_version from configuration.
type NetService struct {
	chainID *big.Int
}

func NewNetService(chainID *big.Int) (*NetService, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	return &NetService{chainID: chainID}, nil
}

func (s *NetService) Version() string {
	return s.chainID.String()
}

// PoolBatch is the zkp_getPoolBatch result handed to a prover.
type PoolBatch struct {
	BatchHash common.Hash     `json:"batchHash"`
	TxList    []hexutil.Bytes `json:"txList"`
	Status    hexutil.Uint64  `json:"status"`
}

// ZkpService serves the prover-facing namespace.
type ZkpService struct {
	store  pool.Store
	proofs *proofs.Service
	log    *slog.Logger
}

func NewZkpService(store pool.Store, proofSvc *proofs.Service, log *slog.Logger) (*ZkpService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if proofSvc == nil {
		return nil, fmt.Errorf("%w: nil proof service", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &ZkpService{store: store, proofs: proofSvc, log: log}, nil
}

// GetPoolBatch hands the oldest unproven batch to a prover. Fetching locks the
// batch, so two provers polling concurrently receive different batches. The
// result is null when no batch is waiting.
func (s *ZkpService) GetPoolBatch(ctx context.Context) (*PoolBatch, error) {
	b, ok, err := s.store.NextAwaitingProof(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	txList := make([]hexutil.Bytes, 0, len(b.Members))
	for _, id := range b.Members {
		op, err := s.store.GetOperation(ctx, id)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				s.log.Warn("batch member missing from pool",
					"batch", common.Hash(b.ID).Hex(),
					"operation", common.Hash(id).Hex(),
				)
				continue
			}
			return nil, err
		}
		txList = append(txList, hexutil.Bytes(op.Payload))
	}

	s.log.Info("handed batch to prover",
		"batch", common.Hash(b.ID).Hex(),
		"members", len(txList),
	)
	// The wire status reports the batch as it stood when the prover asked
	// for it. NextAwaitingProof only hands out received batches, so the
	// lock it takes stays a store-side detail.
	return &PoolBatch{
		BatchHash: common.Hash(b.ID),
		TxList:    txList,
		Status:    hexutil.Uint64(pool.BatchStatusReceived),
	}, nil
}

// SendProofAndPublicInput submits a proof for a batch. The result is 1 when
// the proof was accepted and 0 otherwise; rejection reasons are logged, not
// returned, matching what provers are built to consume.
func (s *ZkpService) SendProofAndPublicInput(ctx context.Context, batchHash common.Hash, proof hexutil.Bytes, publicInputs []*hexutil.Big) (hexutil.Uint64, error) {
	inputs := make([]*big.Int, 0, len(publicInputs))
	for _, v := range publicInputs {
		if v == nil {
			continue
		}
		inputs = append(inputs, (*big.Int)(v))
	}

	outcome, err := s.proofs.SubmitProof(ctx, [32]byte(batchHash), proof, inputs)
	if err != nil {
		if errors.Is(err, proofs.ErrEmptyProof) {
			return hexutil.Uint64(0), nil
		}
		return hexutil.Uint64(0), err
	}
	if !outcome.Accepted() {
		s.log.Warn("rejected proof submission",
			"batch", batchHash.Hex(),
			"outcome", outcome.String(),
		)
	}
	return hexutil.Uint64(outcome.Wire()), nil
}
