package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/kamlabs/kamcore/pkg/messaging"
)

// Store persists the settlement audit trail: batch transitions, proposal
// lifecycle and claim payouts. It is write-mostly; the live read path never
// touches it.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres connection for the archive.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing handle, mainly for tests.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the archive tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_events (
			id BIGSERIAL PRIMARY KEY,
			vault TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			state TEXT NOT NULL,
			total_deposited NUMERIC,
			requested_shares NUMERIC,
			receiver TEXT,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposal_events (
			id BIGSERIAL PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			vault TEXT NOT NULL,
			asset TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			phase TEXT NOT NULL,
			total_assets NUMERIC,
			netted NUMERIC,
			yield NUMERIC,
			profit BOOLEAN,
			share_price NUMERIC,
			custodied_assets NUMERIC,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS claim_events (
			id BIGSERIAL PRIMARY KEY,
			request_id UUID NOT NULL,
			vault TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			beneficiary TEXT NOT NULL,
			shares NUMERIC,
			assets NUMERIC,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_events_vault ON batch_events (vault, batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposal_events_vault ON proposal_events (vault, batch_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init archive schema: %w", err)
		}
	}
	return nil
}

// RecordBatchEvent inserts one batch lifecycle row.
func (s *Store) RecordBatchEvent(ctx context.Context, evt messaging.BatchEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_events (vault, batch_id, state, total_deposited, requested_shares, receiver, recorded_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::numeric, NULLIF($5, '')::numeric, NULLIF($6, ''), $7)`,
		evt.Vault, evt.BatchID, evt.State, evt.TotalDeposited,
		evt.RequestedShares, evt.Receiver, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record batch event: %w", err)
	}
	return nil
}

// RecordProposalEvent inserts one proposal lifecycle row. Phase is the event
// subject suffix: "proposed", "cancelled" or "executed".
func (s *Store) RecordProposalEvent(ctx context.Context, phase string, evt messaging.ProposalEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposal_events (proposal_id, vault, asset, batch_id, phase, total_assets, netted, yield, profit, share_price, custodied_assets, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::numeric, NULLIF($7, '')::numeric, NULLIF($8, '')::numeric, $9, NULLIF($10, '')::numeric, NULLIF($11, '')::numeric, $12)`,
		evt.ProposalID, evt.Vault, evt.Asset, evt.BatchID, phase,
		evt.TotalAssets, evt.Netted, evt.Yield, evt.Profit,
		evt.SharePrice, evt.CustodiedAssets, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record proposal event: %w", err)
	}
	return nil
}

// RecordClaimEvent inserts one claim payout row.
func (s *Store) RecordClaimEvent(ctx context.Context, evt messaging.ClaimEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_events (request_id, vault, batch_id, beneficiary, shares, assets, recorded_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, '')::numeric, NULLIF($6, '')::numeric, $7)`,
		evt.RequestID, evt.Vault, evt.BatchID, evt.User,
		evt.Shares, evt.Assets, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record claim event: %w", err)
	}
	return nil
}

// BatchHistoryRow is one archived batch transition.
type BatchHistoryRow struct {
	Vault      string    `json:"vault"`
	BatchID    uint64    `json:"batch_id"`
	State      string    `json:"state"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BatchHistory returns archived transitions for a vault, newest first.
func (s *Store) BatchHistory(ctx context.Context, vault string, limit int) ([]BatchHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault, batch_id, state, recorded_at
		 FROM batch_events WHERE vault = $1 ORDER BY recorded_at DESC LIMIT $2`,
		vault, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch history: %w", err)
	}
	defer rows.Close()

	var history []BatchHistoryRow
	for rows.Next() {
		var row BatchHistoryRow
		if err := rows.Scan(&row.Vault, &row.BatchID, &row.State, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch history: %w", err)
		}
		history = append(history, row)
	}
	return history, rows.Err()
}

// SettlementRow is one archived settlement execution.
type SettlementRow struct {
	ProposalID string    `json:"proposal_id"`
	Vault      string    `json:"vault"`
	BatchID    uint64    `json:"batch_id"`
	SharePrice string    `json:"share_price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Settlements returns executed settlements for a vault, newest first.
func (s *Store) Settlements(ctx context.Context, vault string, limit int) ([]SettlementRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT proposal_id, vault, batch_id, COALESCE(share_price::text, ''), recorded_at
		 FROM proposal_events WHERE vault = $1 AND phase = 'executed'
		 ORDER BY recorded_at DESC LIMIT $2`,
		vault, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []SettlementRow
	for rows.Next() {
		var row SettlementRow
		if err := rows.Scan(&row.ProposalID, &row.Vault, &row.BatchID, &row.SharePrice, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, row)
	}
	return settlements, rows.Err()
}

// Subscribe wires the archive to the event stream so every published event
// lands in Postgres. Inserts run on the NATS callback goroutine; failures
// are reported through onError and never block the publisher.
func (s *Store) Subscribe(msg *messaging.Client, onError func(error)) error {
	if onError == nil {
		onError = func(error) {}
	}

	batchSubjects := []string{
		messaging.EventTypeBatchOpened,
		messaging.EventTypeBatchClosed,
		messaging.EventTypeBatchSettled,
	}
	for _, subject := range batchSubjects {
		if err := msg.Subscribe(subject, func(m *nats.Msg) {
			var evt messaging.BatchEvent
			if err := json.Unmarshal(m.Data, &evt); err != nil {
				onError(err)
				return
			}
			if err := s.RecordBatchEvent(context.Background(), evt); err != nil {
				onError(err)
			}
		}); err != nil {
			return err
		}
	}

	proposalPhases := map[string]string{
		messaging.EventTypeProposalCreated:   "proposed",
		messaging.EventTypeProposalCancelled: "cancelled",
		messaging.EventTypeProposalExecuted:  "executed",
	}
	for subject, phase := range proposalPhases {
		phase := phase
		if err := msg.Subscribe(subject, func(m *nats.Msg) {
			var evt messaging.ProposalEvent
			if err := json.Unmarshal(m.Data, &evt); err != nil {
				onError(err)
				return
			}
			if err := s.RecordProposalEvent(context.Background(), phase, evt); err != nil {
				onError(err)
			}
		}); err != nil {
			return err
		}
	}

	return msg.Subscribe(messaging.EventTypeRequestClaimed, func(m *nats.Msg) {
		var evt messaging.ClaimEvent
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			onError(err)
			return
		}
		if err := s.RecordClaimEvent(context.Background(), evt); err != nil {
			onError(err)
		}
	})
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
