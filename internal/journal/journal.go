// Package journal provides durable storage for finalized store transaction
// ids using SQLite, so duplicate purchase deliveries stay no-ops across
// restarts and not just within one process.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// retention controls how long finalized transaction ids are kept. Platform
// stores stop redelivering long before this.
const retention = 90 * 24 * time.Hour

// Journal records which store transactions have been finalized.
type Journal struct {
	db  *sql.DB
	rng *rand.Rand
}

// Open opens (or creates) the journal database at dbPath and prunes entries
// past retention.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// WAL mode for durability without blocking readers
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction journal: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{
		db:  db,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	if pruned, err := j.prune(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to prune transaction journal")
	} else if pruned > 0 {
		log.Debug().Int64("pruned", pruned).Msg("Pruned expired journal entries")
	}

	return j, nil
}

// OpenInMemory opens a journal that lives only for the process lifetime.
func OpenInMemory() (*Journal, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:  db,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS finalized_transactions (
			transaction_id TEXT PRIMARY KEY,
			entry_id       TEXT NOT NULL,
			user_id        TEXT NOT NULL DEFAULT '',
			product_id     TEXT NOT NULL DEFAULT '',
			finalized_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_finalized_at ON finalized_transactions(finalized_at);
	`)
	return err
}

// MarkFinalized records that a transaction has been acknowledged with the
// platform store. Recording the same transaction twice is a no-op.
func (j *Journal) MarkFinalized(ctx context.Context, txID, userID, productID string) error {
	if txID == "" {
		return fmt.Errorf("empty transaction id")
	}

	entryID := ulid.MustNew(ulid.Timestamp(time.Now()), j.rng).String()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO finalized_transactions (transaction_id, entry_id, user_id, product_id, finalized_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`, txID, entryID, userID, productID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record finalized transaction: %w", err)
	}
	return nil
}

// Seen reports whether the transaction has already been finalized.
func (j *Journal) Seen(ctx context.Context, txID string) (bool, error) {
	var one int
	err := j.db.QueryRowContext(ctx,
		`SELECT 1 FROM finalized_transactions WHERE transaction_id = ?`, txID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query finalized transaction: %w", err)
	}
	return true, nil
}

func (j *Journal) prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM finalized_transactions WHERE finalized_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
