package topology

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ErrAccountNotFound is returned when an account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Store handles all database operations for the topology of accounts,
// zones, queues and workers.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new topology Store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// GetAccount retrieves an account by name.
func (s *Store) GetAccount(ctx context.Context, name string) (*Account, error) {
	var account Account
	query := `SELECT id, name, created FROM accounts WHERE name = $1`

	err := s.db.GetContext(ctx, &account, query, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// GetOrCreateAccount retrieves an account by name, creating it if
// needed.
func (s *Store) GetOrCreateAccount(ctx context.Context, name string) (*Account, error) {
	var account Account
	query := `
		INSERT INTO accounts (name, created)
		VALUES ($1, NOW())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created
	`

	err := s.db.GetContext(ctx, &account, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create account: %w", err)
	}

	return &account, nil
}

// GetOrCreateZone retrieves a zone within an account, creating it if
// needed.
func (s *Store) GetOrCreateZone(ctx context.Context, accountID int64, name string) (*Zone, error) {
	var zone Zone
	query := `
		INSERT INTO zones (account_id, name, created)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, account_id, name, created
	`

	err := s.db.GetContext(ctx, &zone, query, accountID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create zone: %w", err)
	}

	return &zone, nil
}

// GetOrCreateQueue retrieves a queue by name within an account,
// creating the zone the name implies and the queue itself as needed.
// The account must already exist: a queue declared against an unknown
// account is an error, not an invitation to create one.
func (s *Store) GetOrCreateQueue(ctx context.Context, account, name string) (*Queue, error) {
	parsed, err := ParseQueueName(name)
	if err != nil {
		return nil, err
	}

	acc, err := s.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	zone, err := s.GetOrCreateZone(ctx, acc.ID, parsed.Zone)
	if err != nil {
		return nil, err
	}

	var queue Queue
	query := `
		INSERT INTO queues (zone_id, name, priority, untrusted, interrupt, created)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (zone_id, name) DO UPDATE SET priority = EXCLUDED.priority
		RETURNING id, zone_id, name, priority, untrusted, interrupt, created
	`

	err = s.db.GetContext(ctx, &queue, query,
		zone.ID, name, parsed.Priority, parsed.Untrusted, parsed.Interrupt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create queue: %w", err)
	}

	return &queue, nil
}

// activeWorkerSQL matches workers that have not gone offline and whose
// last heartbeat is within the flatline window.
const activeWorkerSQL = `
	workers.finished IS NULL
	AND workers.updated > NOW() - (workers.freq * 5) * interval '1 second'
`

// BestQueue returns the highest priority non-interrupt queue of the
// account that currently has at least one active worker, or nil when
// there is none.
func (s *Store) BestQueue(ctx context.Context, account string) (*Queue, error) {
	var queue Queue
	query := `
		SELECT DISTINCT queues.id, queues.zone_id, queues.name,
		       queues.priority, queues.untrusted, queues.interrupt, queues.created
		FROM queues
		JOIN zones ON zones.id = queues.zone_id
		JOIN accounts ON accounts.id = zones.account_id
		JOIN worker_queues ON worker_queues.queue_id = queues.id
		JOIN workers ON workers.id = worker_queues.worker_id
		WHERE accounts.name = $1
		  AND NOT queues.interrupt
		  AND ` + activeWorkerSQL + `
		ORDER BY queues.priority DESC, queues.created
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &queue, query, account)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select queue for account %q: %w", account, err)
	}

	return &queue, nil
}

// GetOrCreateWorker retrieves the open worker row for the signature, or
// creates one. The partial unique index on signature for unfinished
// workers makes this safe against concurrent events for the same
// worker: at most one open row per signature can exist.
func (s *Store) GetOrCreateWorker(ctx context.Context, worker *Worker) (*Worker, error) {
	query := `
		INSERT INTO workers (hostname, utcoffset, pid, freq, software, os, details, signature, started, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (signature) WHERE finished IS NULL
		DO UPDATE SET updated = NOW(), details = EXCLUDED.details
		RETURNING id, hostname, utcoffset, pid, freq, software, os, details, signature, started, updated, finished
	`

	var result Worker
	err := s.db.GetContext(ctx, &result, query,
		worker.Hostname,
		worker.UTCOffset,
		worker.PID,
		worker.Freq,
		worker.Software,
		worker.OS,
		worker.Details,
		worker.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create worker: %w", err)
	}

	return &result, nil
}

// SetWorkerQueues records which queues a worker listens to.
func (s *Store) SetWorkerQueues(ctx context.Context, workerID int64, queueIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM worker_queues WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("failed to clear worker queues: %w", err)
	}

	for _, queueID := range queueIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO worker_queues (worker_id, queue_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			workerID, queueID); err != nil {
			return fmt.Errorf("failed to set worker queue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit worker queues: %w", err)
	}

	return nil
}

// RecordHeartbeat stores a heartbeat and bumps the worker's updated
// time, which keeps it inside the flatline window.
func (s *Store) RecordHeartbeat(ctx context.Context, heartbeat *Heartbeat) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE workers SET updated = NOW() WHERE id = $1 AND finished IS NULL`,
		heartbeat.WorkerID); err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, time, clock, active, processed, load)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		heartbeat.WorkerID,
		heartbeat.Time,
		heartbeat.Clock,
		heartbeat.Active,
		heartbeat.Processed,
		heartbeat.Load,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return nil
}

// FinishWorker closes the open worker row for a signature. Safe to call
// when no such row exists (e.g. an offline event after a flatline).
func (s *Store) FinishWorker(ctx context.Context, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET finished = NOW() WHERE signature = $1 AND finished IS NULL`,
		signature)
	if err != nil {
		return fmt.Errorf("failed to finish worker: %w", err)
	}
	return nil
}

// FinishFlatlined closes worker rows whose heartbeats have stopped,
// dating the finish to the last heartbeat rather than now. Returns the
// number of workers closed.
func (s *Store) FinishFlatlined(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET finished = updated
		WHERE finished IS NULL
		  AND updated < NOW() - (freq * $1) * interval '1 second'
	`, FlatlineHeartbeats)
	if err != nil {
		return 0, fmt.Errorf("failed to finish flatlined workers: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}

// QueueStatus is a queue together with its current active worker count,
// as collected for monitoring.
type QueueStatus struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Account       string `db:"account"`
	ActiveWorkers int    `db:"active_workers"`
}

// ListQueueStatuses returns every queue with the number of active
// workers listening to it.
func (s *Store) ListQueueStatuses(ctx context.Context) ([]QueueStatus, error) {
	query := `
		SELECT queues.id, queues.name, accounts.name AS account,
		       COUNT(workers.id) FILTER (WHERE ` + activeWorkerSQL + `) AS active_workers
		FROM queues
		JOIN zones ON zones.id = queues.zone_id
		JOIN accounts ON accounts.id = zones.account_id
		LEFT JOIN worker_queues ON worker_queues.queue_id = queues.id
		LEFT JOIN workers ON workers.id = worker_queues.worker_id
		GROUP BY queues.id, queues.name, accounts.name
		ORDER BY accounts.name, queues.name
	`

	var statuses []QueueStatus
	err := s.db.SelectContext(ctx, &statuses, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue statuses: %w", err)
	}

	return statuses, nil
}

// CountActiveWorkers returns the number of workers currently inside the
// flatline window.
func (s *Store) CountActiveWorkers(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM workers WHERE `+activeWorkerSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workers: %w", err)
	}
	return count, nil
}
