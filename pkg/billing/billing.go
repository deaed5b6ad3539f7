package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/types"
)

// DefaultUptimeRateCents is the hourly platform fee charged per active
// store when no rate is configured
const DefaultUptimeRateCents = 10

// Ledger appends credit transactions to the master database. The log is
// append-only; balances are derived by summing, never stored.
type Ledger struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// NewLedger creates a ledger over the master database
func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db, logger: log.WithComponent("billing")}
}

// Record appends one transaction
func (l *Ledger) Record(ctx context.Context, tx *types.CreditTransaction) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (store_id, amount_cents, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tx.StoreID, tx.AmountCents, tx.Kind, tx.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record credit transaction: %w", err)
	}
	return nil
}

// Balance sums a store's transactions
func (l *Ledger) Balance(ctx context.Context, storeID string) (int64, error) {
	var balance int64
	err := l.db.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM credit_transactions WHERE store_id = $1`,
		storeID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum credit transactions: %w", err)
	}
	return balance, nil
}

// History returns a store's most recent transactions
func (l *Ledger) History(ctx context.Context, storeID string, limit int) ([]*types.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*types.CreditTransaction
	err := l.db.SelectContext(ctx, &out, `
		SELECT * FROM credit_transactions
		WHERE store_id = $1 ORDER BY created_at DESC LIMIT $2`,
		storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return out, nil
}

// StoreLister is the slice of the master registry the billing job needs
type StoreLister interface {
	ListActiveStores(ctx context.Context) ([]*types.Store, error)
}

// UptimeHandler returns the handler backing the uptime_billing system
// cron entry: one debit per active store per run
func UptimeHandler(ledger *Ledger, stores StoreLister, rateCents int64) jobs.Handler {
	if rateCents <= 0 {
		rateCents = DefaultUptimeRateCents
	}
	return func(ctx context.Context, job *types.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
		active, err := stores.ListActiveStores(ctx)
		if err != nil {
			return nil, err
		}

		charged := 0
		for i, store := range active {
			err := ledger.Record(ctx, &types.CreditTransaction{
				StoreID:     store.ID,
				AmountCents: -rateCents,
				Kind:        "uptime",
				Description: "hourly platform uptime",
			})
			if err != nil {
				return nil, err
			}
			charged++
			if len(active) > 0 {
				report(float64(i+1)/float64(len(active)), "")
			}
		}
		return json.Marshal(map[string]int{"charged": charged})
	}
}
