package persistence_test

import (
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/state"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*persistence.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return persistence.NewStore(sqlx.NewDb(mockDB, "postgres"), time.Second), mock
}

func TestStore_SavePoolVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ward.pools SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SavePool(context.Background(), state.Pool{ID: "pool-1", Version: 4}, 3)
	assert.ErrorIs(t, err, persistence.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SavePoolInsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ward.pools")).
		WithArgs("pool-1", "rPool", "XRP", int64(1000), int64(1000), int64(0), int64(0), int64(0), int64(0), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := state.Pool{ID: "pool-1", Account: "rPool", Asset: "XRP", TotalCapital: 1000, AvailableCapital: 1000, Version: 1, UpdatedAt: time.Now()}
	require.NoError(t, store.SavePool(context.Background(), p, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertPolicyDuplicateCertificate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ward.policies")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.InsertPolicy(context.Background(), state.Policy{ID: uuid.New(), CertificateID: "CERT-1"})
	assert.ErrorIs(t, err, persistence.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertClaimDuplicatePair(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ward.claims")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.InsertClaim(context.Background(), state.Claim{ID: uuid.New(), PolicyID: uuid.New(), DefaultTxHash: "ABC"})
	assert.ErrorIs(t, err, persistence.ErrDuplicate)
}

func TestStore_SeenTx(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("SELECT 1 FROM ward.default_events WHERE tx_hash = $1")

	mock.ExpectQuery(query).WithArgs("SEEN").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(query).WithArgs("FRESH").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	seen, err := store.SeenTx(context.Background(), "SEEN")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.SeenTx(context.Background(), "FRESH")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetPolicyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ward.policies WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetPolicy(context.Background(), uuid.New())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_ClaimsByStatusDecodesRows(t *testing.T) {
	store, mock := newMockStore(t)

	id, policyID := uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	finish := created.Add(48 * time.Hour)

	columns := []string{
		"id", "policy_id", "pool_id", "vault_id", "loan_id", "default_tx_hash", "default_amount",
		"default_covered", "vault_loss", "coverage_amount", "payout", "status", "rejection_reason",
		"rejection_kind", "dispute_reason", "approvals", "escrow_sequence", "escrow_tx_hash",
		"settlement_tx_hash", "finish_after", "cancel_after", "finalize_attempts", "next_attempt_at",
		"last_error", "created_at", "validated_at", "escrowed_at", "settled_at", "updated_at",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		id.String(), policyID.String(), "pool-1", "vault-1", "loan-1", "TXDEF", int64(55000),
		int64(10000), int64(45000), int64(50000), int64(45000), "escrowed", "",
		"", "", "{signer-a,signer-b}", int64(77), "TXESC",
		"", finish, finish.Add(72*time.Hour), 2, nil,
		"timeout", created, created, created, nil, created,
	)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ($1, $2)")).
		WithArgs("escrowed", "disputed").
		WillReturnRows(rows)

	claims, err := store.ClaimsByStatus(context.Background(), state.ClaimStatusEscrowed, state.ClaimStatusDisputed)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	c := claims[0]
	assert.Equal(t, id, c.ID)
	assert.Equal(t, state.ClaimStatusEscrowed, c.Status)
	assert.Equal(t, int64(45000), c.Payout)
	assert.Equal(t, []string{"signer-a", "signer-b"}, c.Approvals)
	assert.Equal(t, finish, c.FinishAfter)
	assert.True(t, c.SettledAt.IsZero())
	assert.True(t, c.NextAttemptAt.IsZero())
	assert.Equal(t, 2, c.FinalizeAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountDefaultsSince(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Now().Add(-365 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM ward.default_events")).
		WithArgs("broker-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountDefaultsSince(context.Background(), "broker-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_UnevaluatedDefaults(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	cols := []string{"tx_hash", "loan_id", "broker_id", "vault_id", "tx_type", "ledger_sequence",
		"default_amount", "minimum_cover", "default_covered", "vault_loss", "observed_vault_loss",
		"inconsistent", "detected_at"}
	mock.ExpectQuery(`SELECT .* FROM ward.default_events\s+WHERE evaluated_at IS NULL AND detected_at < \$1`).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("DEF-1", "loan-1", "broker-1", "vault-1", "LoanManage", 100, 55_000, 20_000, 10_000, 45_000, 45_000, false, cutoff.Add(-time.Hour)))

	got, err := store.UnevaluatedDefaults(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "DEF-1", got[0].TxHash)
	assert.EqualValues(t, 45_000, got[0].VaultLoss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkDefaultEvaluatedKeepsFirstStamp(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET evaluated_at = COALESCE(evaluated_at, $2)")).
		WithArgs("DEF-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ward.default_events")).
		WithArgs("DEF-missing", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkDefaultEvaluated(context.Background(), "DEF-1", at))
	assert.ErrorIs(t, store.MarkDefaultEvaluated(context.Background(), "DEF-missing", at), persistence.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadCursorDefaultsToZero(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ledger_sequence FROM ward.monitor_cursors")).
		WithArgs("ws").
		WillReturnRows(sqlmock.NewRows([]string{"ledger_sequence"}))

	seq, err := store.LoadCursor(context.Background(), "ws")
	require.NoError(t, err)
	assert.Zero(t, seq)
}
