package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pool_operations (
	operation_id BYTEA PRIMARY KEY,
	sender BYTEA NOT NULL,
	payload BYTEA NOT NULL,
	status SMALLINT NOT NULL,

	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT operation_id_len CHECK (octet_length(operation_id) = 32),
	CONSTRAINT sender_len CHECK (octet_length(sender) = 20),
	CONSTRAINT payload_nonempty CHECK (octet_length(payload) > 0),
	CONSTRAINT operation_status_range CHECK (status >= 1 AND status <= 4)
);

CREATE INDEX IF NOT EXISTS pool_operations_pending_idx ON pool_operations (enqueued_at) WHERE status = 1;

CREATE TABLE IF NOT EXISTS pool_batches (
	batch_id BYTEA PRIMARY KEY,
	status SMALLINT NOT NULL,
	proof BYTEA,
	public_inputs TEXT[],
	settlement_tx TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT batch_id_len CHECK (octet_length(batch_id) = 32),
	CONSTRAINT batch_status_range CHECK (status >= 1 AND status <= 6),
	CONSTRAINT proof_nonempty CHECK (proof IS NULL OR octet_length(proof) > 0),
	CONSTRAINT settlement_tx_nonempty CHECK (settlement_tx IS NULL OR settlement_tx <> '')
);

CREATE INDEX IF NOT EXISTS pool_batches_status_idx ON pool_batches (status);
CREATE INDEX IF NOT EXISTS pool_batches_unsettled_idx ON pool_batches (updated_at) WHERE status IN (3, 4);

CREATE TABLE IF NOT EXISTS pool_batch_members (
	batch_id BYTEA NOT NULL REFERENCES pool_batches(batch_id) ON DELETE CASCADE,
	operation_id BYTEA NOT NULL REFERENCES pool_operations(operation_id),
	position INTEGER NOT NULL,

	PRIMARY KEY (batch_id, operation_id),

	CONSTRAINT pbm_batch_id_len CHECK (octet_length(batch_id) = 32),
	CONSTRAINT pbm_operation_id_len CHECK (octet_length(operation_id) = 32),
	CONSTRAINT pbm_position_nonneg CHECK (position >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS pool_batch_members_operation_uniq ON pool_batch_members (operation_id);
CREATE INDEX IF NOT EXISTS pool_batch_members_batch_idx ON pool_batch_members (batch_id, position);
`
