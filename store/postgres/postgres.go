package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/store/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigratedTable is the table the embedded migrations create.
const MigratedTable = "local_smartmedia_queue_msgs"

type PostgresConfig struct {
	DatabaseUrl   string
	TableName     string
	RunMigrations bool
}

type PostgresStore struct {
	pool       *pgxpool.Pool
	table      string
	insertStmt string
}

func New(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DatabaseUrl == "" {
		return nil, errors.New("database url is required")
	}
	if cfg.TableName == "" {
		return nil, errors.New("table name is required")
	}

	if cfg.RunMigrations {
		if cfg.TableName != MigratedTable {
			return nil, fmt.Errorf("migrations create %s; create table %s yourself or disable migrations", MigratedTable, cfg.TableName)
		}
		log.Debug("Running database migrations...")
		if err := Migrate(cfg.DatabaseUrl); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:       pool,
		table:      pgx.Identifier{cfg.TableName}.Sanitize(),
		insertStmt: insertStatement(cfg.TableName),
	}, nil
}

func insertStatement(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (record_key, objectkey, process, status, message, senttime, timecreated)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (record_key) DO NOTHING`, pgx.Identifier{table}.Sanitize())
}

func insertArgs(r types.QueueRecord) []any {
	return []any{r.RecordKey, r.ObjectKey, r.Process, r.Status, r.Message, r.SentTime, r.CreatedTime}
}

// InsertRecords writes the batch in a single transaction. Records whose key
// already exists are skipped.
func (s *PostgresStore) InsertRecords(ctx context.Context, records []types.QueueRecord) (int, error) {
	records = types.UniqueByKey(records)
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(s.insertStmt, insertArgs(r)...)
	}

	results := tx.SendBatch(ctx, batch)

	inserted := 0
	for _, r := range records {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to insert record %s: %w", r.RecordKey, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit records: %w", err)
	}

	return inserted, nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, record types.QueueRecord) error {
	record = record.WithKey()

	tag, err := s.pool.Exec(ctx, s.insertStmt, insertArgs(record)...)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", record.RecordKey, err)
	}

	if tag.RowsAffected() == 0 {
		return types.ErrRecordExists
	}

	return nil
}

// Count returns the number of stored records.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
