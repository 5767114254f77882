package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkprover-labs/bundler/internal/pool"
)

var ErrInvalidConfig = errors.New("pool/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pgp *pgxpool.Pool) (*Store, error) {
	if pgp == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pgp}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("pool/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertReceived(ctx context.Context, op pool.Operation) (pool.Operation, bool, error) {
	if s == nil || s.pool == nil {
		return pool.Operation{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := op.Validate(); err != nil {
		return pool.Operation{}, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pool_operations (operation_id, sender, payload, status, enqueued_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
		ON CONFLICT (operation_id) DO NOTHING
	`, op.ID[:], op.Sender[:], op.Payload, int16(pool.OperationStatusReceived))
	if err != nil {
		return pool.Operation{}, false, fmt.Errorf("pool/postgres: insert operation: %w", err)
	}

	stored, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		return pool.Operation{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Store) GetOperation(ctx context.Context, id [32]byte) (pool.Operation, error) {
	if s == nil || s.pool == nil {
		return pool.Operation{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT operation_id, sender, payload, status, enqueued_at
		FROM pool_operations
		WHERE operation_id = $1
	`, id[:])

	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.Operation{}, pool.ErrNotFound
		}
		return pool.Operation{}, fmt.Errorf("pool/postgres: get operation: %w", err)
	}
	return op, nil
}

func (s *Store) ListReceived(ctx context.Context, limit int) ([]pool.Operation, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, pool.ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx, `
		SELECT operation_id, sender, payload, status, enqueued_at
		FROM pool_operations
		WHERE status = $1
		ORDER BY enqueued_at ASC, operation_id ASC
		LIMIT $2
	`, int16(pool.OperationStatusReceived), limit)
	if err != nil {
		return nil, fmt.Errorf("pool/postgres: list received: %w", err)
	}
	defer rows.Close()

	var out []pool.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("pool/postgres: scan received row: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool/postgres: received rows: %w", err)
	}
	return out, nil
}

func (s *Store) LockOperations(ctx context.Context, ids [][32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(ids) == 0 {
		return pool.ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pool/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range ids {
		tag, err := tx.Exec(ctx, `
			UPDATE pool_operations
			SET status = $2, updated_at = now()
			WHERE operation_id = $1 AND status = $3
		`, id[:], int16(pool.OperationStatusLocked), int16(pool.OperationStatusReceived))
		if err != nil {
			return fmt.Errorf("pool/postgres: lock operation: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return pool.ErrInvalidTransition
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pool/postgres: commit lock: %w", err)
	}
	return nil
}

func (s *Store) FinishOperations(ctx context.Context, ids [][32]byte, status pool.OperationStatus) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if status != pool.OperationStatusSettled && status != pool.OperationStatusFailed {
		return pool.ErrInvalidTransition
	}

	for _, id := range ids {
		_, err := s.pool.Exec(ctx, `
			UPDATE pool_operations
			SET status = $2, updated_at = now()
			WHERE operation_id = $1 AND status IN ($3, $4)
		`, id[:], int16(status),
			int16(pool.OperationStatusReceived), int16(pool.OperationStatusLocked))
		if err != nil {
			return fmt.Errorf("pool/postgres: finish operation: %w", err)
		}
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, b pool.Batch) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := b.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pool/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO pool_batches (batch_id, status, created_at, updated_at)
		VALUES ($1,$2,now(),now())
		ON CONFLICT (batch_id) DO NOTHING
	`, b.ID[:], int16(pool.BatchStatusReceived))
	if err != nil {
		return fmt.Errorf("pool/postgres: insert batch: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return pool.ErrDuplicateBatch
	}

	for i, id := range b.Members {
		_, err := tx.Exec(ctx, `
			INSERT INTO pool_batch_members (batch_id, operation_id, position)
			VALUES ($1,$2,$3)
		`, b.ID[:], id[:], i)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Unique member index: the operation already belongs to a batch.
				return pool.ErrInvalidTransition
			}
			return fmt.Errorf("pool/postgres: insert batch member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pool/postgres: commit batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id [32]byte) (pool.Batch, error) {
	if s == nil || s.pool == nil {
		return pool.Batch{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		idRaw        []byte
		status       int16
		proof        []byte
		inputsRaw    []string
		settlementTx *string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id, status, proof, public_inputs, settlement_tx, created_at, updated_at
		FROM pool_batches
		WHERE batch_id = $1
	`, id[:]).Scan(&idRaw, &status, &proof, &inputsRaw, &settlementTx, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.Batch{}, pool.ErrNotFound
		}
		return pool.Batch{}, fmt.Errorf("pool/postgres: get batch: %w", err)
	}

	batchID, err := to32(idRaw)
	if err != nil {
		return pool.Batch{}, err
	}
	inputs, err := decodeInputs(inputsRaw)
	if err != nil {
		return pool.Batch{}, err
	}
	members, err := s.batchMembers(ctx, id)
	if err != nil {
		return pool.Batch{}, err
	}

	out := pool.Batch{
		ID:           batchID,
		Members:      members,
		Proof:        append([]byte(nil), proof...),
		PublicInputs: inputs,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		Status:       pool.BatchStatus(status),
	}
	if len(proof) == 0 {
		out.Proof = nil
	}
	if settlementTx != nil {
		out.SettlementTx = *settlementTx
	}
	return out, nil
}

func (s *Store) NextAwaitingProof(ctx context.Context) (pool.Batch, bool, error) {
	if s == nil || s.pool == nil {
		return pool.Batch{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var idRaw []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE pool_batches
		SET status = $1, updated_at = now()
		WHERE batch_id = (
			SELECT batch_id FROM pool_batches
			WHERE status = $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING batch_id
	`, int16(pool.BatchStatusLocked), int16(pool.BatchStatusReceived)).Scan(&idRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.Batch{}, false, nil
		}
		return pool.Batch{}, false, fmt.Errorf("pool/postgres: next awaiting proof: %w", err)
	}

	id, err := to32(idRaw)
	if err != nil {
		return pool.Batch{}, false, err
	}
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return pool.Batch{}, false, err
	}
	return b, true, nil
}

func (s *Store) AttachProof(ctx context.Context, id [32]byte, proof []byte, publicInputs []*big.Int) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(proof) == 0 {
		return pool.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_batches
		SET proof = $2, public_inputs = $3, status = $4, updated_at = now()
		WHERE batch_id = $1 AND status IN ($5, $6)
	`, id[:], proof, encodeInputs(publicInputs),
		int16(pool.BatchStatusProofSubmitted),
		int16(pool.BatchStatusReceived), int16(pool.BatchStatusLocked))
	if err != nil {
		return fmt.Errorf("pool/postgres: attach proof: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id)
}

func (s *Store) MarkSubmitting(ctx context.Context, id [32]byte) error {
	return s.transition(ctx, id, pool.BatchStatusSubmitting, `
		UPDATE pool_batches
		SET status = $2, updated_at = now()
		WHERE batch_id = $1 AND status = $3
	`, int16(pool.BatchStatusProofSubmitted))
}

func (s *Store) SetBatchSucceeded(ctx context.Context, id [32]byte, settlementTx string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if settlementTx == "" {
		return pool.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_batches
		SET status = $2, settlement_tx = $3, updated_at = now()
		WHERE batch_id = $1 AND status = $4
	`, id[:], int16(pool.BatchStatusSucceeded), settlementTx, int16(pool.BatchStatusSubmitting))
	if err != nil {
		return fmt.Errorf("pool/postgres: set batch succeeded: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id)
}

func (s *Store) SetBatchFailed(ctx context.Context, id [32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_batches
		SET status = $2, updated_at = now()
		WHERE batch_id = $1 AND status NOT IN ($3, $4)
	`, id[:], int16(pool.BatchStatusFailed),
		int16(pool.BatchStatusSucceeded), int16(pool.BatchStatusFailed))
	if err != nil {
		return fmt.Errorf("pool/postgres: set batch failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id)
}

func (s *Store) ListUnsettled(ctx context.Context, cutoff time.Time) ([]pool.Batch, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT batch_id
		FROM pool_batches
		WHERE status IN ($1, $2) AND updated_at <= $3
		ORDER BY updated_at ASC
	`, int16(pool.BatchStatusProofSubmitted), int16(pool.BatchStatusSubmitting), cutoff)
	if err != nil {
		return nil, fmt.Errorf("pool/postgres: list unsettled: %w", err)
	}
	defer rows.Close()

	var ids [][32]byte
	for rows.Next() {
		var idRaw []byte
		if err := rows.Scan(&idRaw); err != nil {
			return nil, fmt.Errorf("pool/postgres: scan unsettled id: %w", err)
		}
		id, err := to32(idRaw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool/postgres: unsettled rows: %w", err)
	}

	out := make([]pool.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, id [32]byte, to pool.BatchStatus, sql string, fromStatus int16) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, sql, id[:], int16(to), fromStatus)
	if err != nil {
		return fmt.Errorf("pool/postgres: transition to %s: %w", to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id)
}

// transitionFailure distinguishes a missing batch from a wrong-state batch after a
// guarded UPDATE touched zero rows.
func (s *Store) transitionFailure(ctx context.Context, id [32]byte) error {
	var status int16
	err := s.pool.QueryRow(ctx, `SELECT status FROM pool_batches WHERE batch_id = $1`, id[:]).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pool.ErrNotFound
		}
		return fmt.Errorf("pool/postgres: inspect batch: %w", err)
	}
	return pool.ErrInvalidTransition
}

func (s *Store) batchMembers(ctx context.Context, id [32]byte) ([][32]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_id
		FROM pool_batch_members
		WHERE batch_id = $1
		ORDER BY position ASC
	`, id[:])
	if err != nil {
		return nil, fmt.Errorf("pool/postgres: get batch members: %w", err)
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pool/postgres: scan batch member: %w", err)
		}
		opID, err := to32(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, opID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool/postgres: batch member rows: %w", err)
	}
	return out, nil
}

func scanOperation(row pgx.Row) (pool.Operation, error) {
	var (
		idRaw      []byte
		senderRaw  []byte
		payload    []byte
		status     int16
		enqueuedAt time.Time
	)
	if err := row.Scan(&idRaw, &senderRaw, &payload, &status, &enqueuedAt); err != nil {
		return pool.Operation{}, err
	}

	id, err := to32(idRaw)
	if err != nil {
		return pool.Operation{}, err
	}
	sender, err := to20(senderRaw)
	if err != nil {
		return pool.Operation{}, err
	}

	return pool.Operation{
		ID:         id,
		Sender:     sender,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: enqueuedAt,
		Status:     pool.OperationStatus(status),
	}, nil
}

// Public inputs are persisted as decimal strings to avoid precision loss on
// field elements larger than 64 bits.
func encodeInputs(in []*big.Int) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = "0"
			continue
		}
		out[i] = v.String()
	}
	return out
}

func decodeInputs(raw []string) ([]*big.Int, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]*big.Int, len(raw))
	for i, s := range raw {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("pool/postgres: malformed public input %q in db", s)
		}
		out[i] = v
	}
	return out, nil
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("pool/postgres: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	var out [20]byte
	if len(b) != 20 {
		return out, fmt.Errorf("pool/postgres: expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
