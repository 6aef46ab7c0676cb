package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                BIGINT PRIMARY KEY,
    credits_remaining BIGINT NOT NULL DEFAULT 0,
    fast_stale        BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE accounts ADD COLUMN IF NOT EXISTS fast_stale BOOLEAN NOT NULL DEFAULT FALSE;
CREATE TABLE IF NOT EXISTS identities (
    id         BIGSERIAL PRIMARY KEY,
    credential TEXT NOT NULL UNIQUE,
    account_id BIGINT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS call_records (
    id           UUID PRIMARY KEY,
    account_id   BIGINT NOT NULL,
    endpoint     TEXT NOT NULL,
    credits_used BIGINT NOT NULL,
    params_json  JSONB NOT NULL DEFAULT '{}',
    exec_ms      BIGINT NOT NULL DEFAULT 0,
    client_ip    TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_identities_account ON identities(account_id);
CREATE INDEX IF NOT EXISTS idx_call_records_account ON call_records(account_id, created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                INTEGER PRIMARY KEY,
    credits_remaining INTEGER NOT NULL DEFAULT 0,
    fast_stale        INTEGER NOT NULL DEFAULT 0,
    updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS identities (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    credential TEXT NOT NULL UNIQUE,
    account_id INTEGER NOT NULL,
    active     INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS call_records (
    id           TEXT PRIMARY KEY,
    account_id   INTEGER NOT NULL,
    endpoint     TEXT NOT NULL,
    credits_used INTEGER NOT NULL,
    params_json  TEXT NOT NULL DEFAULT '{}',
    exec_ms      INTEGER NOT NULL DEFAULT 0,
    client_ip    TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_identities_account ON identities(account_id);
CREATE INDEX IF NOT EXISTS idx_call_records_account ON call_records(account_id, created_at);
`
