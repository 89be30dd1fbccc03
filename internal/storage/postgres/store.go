package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventScope/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS event_logs (
		chain_id      BIGINT      NOT NULL,
		block_hash    TEXT        NOT NULL,
		log_index     BIGINT      NOT NULL,
		block_number  BIGINT      NOT NULL,
		tx_hash       TEXT        NOT NULL,
		tx_index      BIGINT      NOT NULL,
		address       TEXT        NOT NULL,
		topics        TEXT[]      NOT NULL,
		data          TEXT        NOT NULL,
		removed       BOOLEAN     NOT NULL DEFAULT FALSE,
		subscriber    TEXT,
		contract      TEXT,
		event_name    TEXT,
		args          JSONB,
		block_ts      BIGINT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (chain_id, block_hash, log_index)
	);
	CREATE INDEX IF NOT EXISTS event_logs_block_number ON event_logs (chain_id, block_number);
`

// Store persists notifications in Postgres. A retraction flips the removed
// flag of the row written when the log was adopted.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the event_logs table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// PutLogBatch inserts or updates log records.
func (s *Store) PutLogBatch(ctx context.Context, logs []model.LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, lr := range logs {
		args, err := encodeArgs(lr.Args)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO event_logs (
				chain_id, block_hash, log_index, block_number, tx_hash, tx_index, address,
				topics, data, removed, subscriber, contract, event_name, args, block_ts,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
			ON CONFLICT (chain_id, block_hash, log_index)
			DO UPDATE SET
				removed = EXCLUDED.removed,
				subscriber = COALESCE(EXCLUDED.subscriber, event_logs.subscriber),
				contract = COALESCE(EXCLUDED.contract, event_logs.contract),
				event_name = COALESCE(EXCLUDED.event_name, event_logs.event_name),
				args = COALESCE(EXCLUDED.args, event_logs.args),
				block_ts = COALESCE(EXCLUDED.block_ts, event_logs.block_ts),
				updated_at = now()
		`,
			int64(lr.ChainID),
			lr.BlockHash,
			int64(lr.LogIndex),
			int64(lr.BlockNumber),
			lr.TxHash,
			int64(lr.TxIndex),
			lr.Address,
			lr.Topics,
			lr.Data,
			lr.Removed,
			nullable(lr.Subscriber),
			nullable(lr.Contract),
			nullable(lr.EventName),
			args,
			nullableTS(lr.Timestamp),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range logs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func encodeArgs(args []model.Arg) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return raw, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTS(ts uint64) *int64 {
	if ts == 0 {
		return nil
	}
	v := int64(ts)
	return &v
}
