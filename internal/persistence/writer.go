package persistence

import (
	"WardProtocol/internal/event"
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const lifecycleColumnCount = 10

// AuditWriter appends lifecycle events to ward.lifecycle_events with
// multi-row INSERTs. Writes are idempotent on the event id.
type AuditWriter struct {
	db *sqlx.DB
}

func NewAuditWriter(db *sqlx.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// WriteLifecycleBatch writes events in a single statement.
func (w *AuditWriter) WriteLifecycleBatch(ctx context.Context, events []event.Lifecycle) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO ward.lifecycle_events
		(id, type, claim_id, policy_id, pool_id, vault_id, tx_hash, amount, detail, ts)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*lifecycleColumnCount)

	for i, e := range events {
		base := i * lifecycleColumnCount
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.ID, e.TypeName, e.ClaimID, e.PolicyID, e.PoolID,
			e.VaultID, e.TxHash, e.Amount, e.Detail, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write %d lifecycle events: %w", len(events), err)
	}
	return nil
}
