package intake

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var testChainID = big.NewInt(1337)

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, data []byte) []byte {
	t.Helper()

	to := common.HexToAddress("0x4d496ccc28058b1d74b7a19541663e21154f9c84")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       500_000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return raw
}

type countingNudger struct{ n int }

func (c *countingNudger) Nudge() { c.n++ }

func newService(t *testing.T, store pool.OperationStore, nudger Nudger) *Service {
	t.Helper()
	s, err := New(Config{ChainID: testChainID}, store, nudger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSubmit_AdmitsAndRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := pool.NewMemoryStore(nil)
	nudger := &countingNudger{}
	s := newService(t, store, nudger)

	raw := signedTx(t, key, 0, []byte{0x01, 0x02})
	id, err := s.Submit(context.Background(), raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == ([32]byte{}) {
		t.Fatalf("empty operation id")
	}

	op, err := store.GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	wantSender := crypto.PubkeyToAddress(key.PublicKey)
	if common.Address(op.Sender) != wantSender {
		t.Fatalf("sender: got %s, want %s", common.Address(op.Sender), wantSender)
	}
	if op.Status != pool.OperationStatusReceived {
		t.Fatalf("status: got %s, want received", op.Status)
	}
	if nudger.n != 1 {
		t.Fatalf("nudges: got %d, want 1", nudger.n)
	}
}

func TestSubmit_IdempotentResubmission(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := pool.NewMemoryStore(nil)
	nudger := &countingNudger{}
	s := newService(t, store, nudger)

	raw := signedTx(t, key, 0, []byte{0x01})
	first, err := s.Submit(context.Background(), raw)
	if err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	second, err := s.Submit(context.Background(), raw)
	if err != nil {
		t.Fatalf("Submit #2: %v", err)
	}
	if first != second {
		t.Fatalf("resubmission id: got %x, want %x", second, first)
	}

	ops, err := store.ListReceived(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListReceived: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("stored %d operations, want exactly 1", len(ops))
	}
	if nudger.n != 1 {
		t.Fatalf("duplicate submission must not nudge again, got %d", nudger.n)
	}
}

func TestSubmit_RejectsMalformedPayload(t *testing.T) {
	s := newService(t, pool.NewMemoryStore(nil), nil)

	for _, raw := range [][]byte{nil, {}, {0xff, 0x00, 0x01}} {
		if _, err := s.Submit(context.Background(), raw); !errors.Is(err, ErrInvalidTransaction) {
			t.Fatalf("payload %x: got %v, want ErrInvalidTransaction", raw, err)
		}
	}
}
