package pool

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrInvalidConfig = errors.New("pool: invalid config")
	ErrInvalidInput  = errors.New("pool: invalid input")
)

type OperationStatus uint8

const (
	OperationStatusUnknown OperationStatus = iota
	OperationStatusReceived
	OperationStatusLocked
	OperationStatusSettled
	OperationStatusFailed
)

func (s OperationStatus) String() string {
	switch s {
	case OperationStatusReceived:
		return "received"
	case OperationStatusLocked:
		return "locked"
	case OperationStatusSettled:
		return "settled"
	case OperationStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusSettled || s == OperationStatusFailed
}

// Operation is one admitted signed transaction, keyed by its canonical hash.
//
// ID and Sender are always recomputed server-side from the payload; client-supplied
// values are never trusted. Payload is retained verbatim because settlement re-extracts
// the embedded user operations from it.
type Operation struct {
	ID      [32]byte
	Sender  [20]byte
	Payload []byte

	EnqueuedAt time.Time
	Status     OperationStatus
}

func (o Operation) Validate() error {
	if o.ID == ([32]byte{}) {
		return fmt.Errorf("%w: missing operation id", ErrInvalidInput)
	}
	if o.Sender == ([20]byte{}) {
		return fmt.Errorf("%w: missing sender", ErrInvalidInput)
	}
	if len(o.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return nil
}

type BatchStatus uint8

const (
	BatchStatusUnknown BatchStatus = iota
	BatchStatusReceived
	BatchStatusLocked
	BatchStatusProofSubmitted
	BatchStatusSubmitting
	BatchStatusSucceeded
	BatchStatusFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchStatusReceived:
		return "received"
	case BatchStatusLocked:
		return "locked"
	case BatchStatusProofSubmitted:
		return "proof_submitted"
	case BatchStatusSubmitting:
		return "submitting"
	case BatchStatusSucceeded:
		return "succeeded"
	case BatchStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s BatchStatus) Terminal() bool {
	return s == BatchStatusSucceeded || s == BatchStatusFailed
}

// Proven reports whether a proof has already been attached.
func (s BatchStatus) Proven() bool {
	switch s {
	case BatchStatusProofSubmitted, BatchStatusSubmitting, BatchStatusSucceeded:
		return true
	default:
		return false
	}
}

// Batch is the durable unit of joint proving and joint settlement.
//
// Members is the ordered member operation id sequence, fixed at formation time.
// Proof and PublicInputs are nil until proof ingestion and immutable afterwards.
type Batch struct {
	ID      [32]byte
	Members [][32]byte

	Proof        []byte
	PublicInputs []*big.Int

	// SettlementTx is the on-chain settlement transaction hash, set only after a
	// submission attempt succeeded.
	SettlementTx string

	CreatedAt time.Time
	// UpdatedAt advances on every state transition; reconciliation uses it to spot
	// batches stuck between proof acceptance and settlement finalization.
	UpdatedAt time.Time
	Status    BatchStatus
}

func (b Batch) Validate() error {
	if b.ID == ([32]byte{}) {
		return fmt.Errorf("%w: missing batch id", ErrInvalidInput)
	}
	if len(b.Members) == 0 {
		return fmt.Errorf("%w: batch has no members", ErrInvalidInput)
	}
	if b.ID != BatchIDV1(b.Members) {
		return fmt.Errorf("%w: batch id does not match members", ErrInvalidInput)
	}
	return nil
}
