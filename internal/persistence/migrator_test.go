package persistence_test

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/persistence"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := writeMigrations(t, map[string]string{
		"000001_pools.up.sql":    "CREATE TABLE pools_a ();",
		"000002_claims.up.sql":   "CREATE TABLE claims_b ();",
		"000002_claims.down.sql": "DROP TABLE claims_b;",
	})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE claims_b")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.schema_migrations")).
		WithArgs("000002", "000002_claims.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, dir, zerolog.New(io.Discard))
	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := writeMigrations(t, map[string]string{"000001_pools.up.sql": "CREATE TABLE broken"})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE broken")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	m := persistence.NewMigrator(db, dir, zerolog.New(io.Discard))
	ran, err := m.Up(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := writeMigrations(t, map[string]string{
		"000002_claims.up.sql":   "CREATE TABLE claims_b ();",
		"000002_claims.down.sql": "DROP TABLE claims_b;",
	})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, filename FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_claims.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE claims_b")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM public.schema_migrations")).
		WithArgs("000002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, dir, zerolog.New(io.Discard))
	require.NoError(t, m.Down(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWriter_SingleStatementPerBatch(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	writer := persistence.NewAuditWriter(sqlx.NewDb(mockDB, "postgres"))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := event.NewLifecycle(event.EventTypeDefaultDetected, at)
	first.VaultID = "vault-1"
	second := event.NewLifecycle(event.EventTypeClaimCancelled, at)
	second.ClaimID = "claim-1"

	mock.ExpectExec(`INSERT INTO ward.lifecycle_events .* \(\$11, \$12, .* ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, writer.WriteLifecycleBatch(context.Background(), []event.Lifecycle{first, second}))
	require.NoError(t, writer.WriteLifecycleBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
