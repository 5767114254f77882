package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settlement_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS settlement_leases_expires_at_idx ON settlement_leases (expires_at);
`
