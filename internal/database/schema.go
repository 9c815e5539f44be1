package database

import (
	"context"
	"database/sql"
	"fmt"
)

// The partial unique index keeps (from_platform, tid) unique among live rows
// while soft-deleted rows stay in the table.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS external_order (
    id BIGSERIAL PRIMARY KEY,
    from_platform TEXT NOT NULL,
    tid TEXT NOT NULL,
    status TEXT NOT NULL,
    item_id TEXT NOT NULL DEFAULT '',
    buyer_id TEXT NOT NULL DEFAULT '',
    seller_id TEXT NOT NULL DEFAULT '',
    count INTEGER NOT NULL DEFAULT 0,
    amount NUMERIC(12,2) NOT NULL DEFAULT 0,
    remark TEXT NOT NULL DEFAULT '',
    extra JSON,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    update_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_external_order_live
    ON external_order(from_platform, tid) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_external_order_create_time
    ON external_order(create_time DESC) WHERE is_deleted = FALSE;
`

func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}
