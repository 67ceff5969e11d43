package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

// Store persists every marketplace event to Postgres so activity on an item
// or account stays queryable after the fact. It is a pure consumer of the
// event stream; the marketplace never reads from it.
type Store struct {
	db *sql.DB
}

// Record is one persisted marketplace event.
type Record struct {
	EventID    uuid.UUID
	Type       string
	Collection string
	TokenID    uint64
	Seller     string
	Buyer      string
	Account    string
	Price      string
	Amount     string
	OccurredAt time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the activity table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS market_activity (
			event_id    UUID PRIMARY KEY,
			type        TEXT NOT NULL,
			collection  TEXT NOT NULL DEFAULT '',
			token_id    BIGINT NOT NULL DEFAULT 0,
			seller      TEXT NOT NULL DEFAULT '',
			buyer       TEXT NOT NULL DEFAULT '',
			account     TEXT NOT NULL DEFAULT '',
			price       TEXT NOT NULL DEFAULT '',
			amount      TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create market_activity: %w", err)
	}
	return nil
}

// Publish stores the event. Implements messaging.Sink.
func (s *Store) Publish(ctx context.Context, event messaging.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_activity (event_id, type, collection, token_id, seller, buyer, account, price, amount, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Type, event.Collection, event.TokenID,
		event.Seller, event.Buyer, event.Account,
		event.Price, event.Amount, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// ByItem returns activity for one item, newest first.
func (s *Store) ByItem(ctx context.Context, collection string, tokenID uint64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, type, collection, token_id, seller, buyer, account, price, amount, occurred_at
		 FROM market_activity
		 WHERE collection = $1 AND token_id = $2
		 ORDER BY occurred_at DESC LIMIT $3`,
		collection, tokenID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query item activity: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByAccount returns activity where the account appears as seller, buyer or
// withdrawer, newest first.
func (s *Store) ByAccount(ctx context.Context, account string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, type, collection, token_id, seller, buyer, account, price, amount, occurred_at
		 FROM market_activity
		 WHERE seller = $1 OR buyer = $1 OR account = $1
		 ORDER BY occurred_at DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query account activity: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(&r.EventID, &r.Type, &r.Collection, &r.TokenID,
			&r.Seller, &r.Buyer, &r.Account, &r.Price, &r.Amount, &r.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
