package billing

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
)

// testRepository migrates a throwaway schema on TEST_DATABASE_URL, or skips.
func testRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	schema := "billing_test_" + uuid.NewString()[:8]
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.ApplyMigrations(ctx, pool, nil))
	return NewRepository(pool, "billing.events", nil), pool
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo, pool := testRepository(t)
	ctx := context.Background()

	b := NewMasterBill("APT-100", "PREMIUM_INSURANCE/POL-1")
	b.Add(NewLeaf("Consultation", decimal.RequireFromString("150.00"), CategoryConsultation))
	b.Add(NewLeaf("X-ray", decimal.RequireFromString("80.25"), CategoryDiagnostic))
	require.NoError(t, repo.Save(ctx, b))
	require.NotEmpty(t, b.ID())
	assert.Empty(t, b.Changes())

	loaded, err := repo.Load(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Version())
	assert.True(t, loaded.Cost().Equal(decimal.RequireFromString("230.25")))
	assert.Equal(t, "APT-100", loaded.AppointmentID())

	var status, total string
	var version int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, total::text, version FROM bills WHERE id = $1`, b.ID()).Scan(&status, &total, &version))
	assert.Equal(t, string(StatusPending), status)
	assert.True(t, decimal.RequireFromString(total).Equal(decimal.RequireFromString("230.25")))
	assert.Equal(t, 3, version)

	var queued int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND kafka_topic = 'billing.events'`, b.ID()).Scan(&queued))
	assert.Equal(t, 3, queued)

	_, err = repo.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrBillNotFound)
}

func TestRepositoryVersionConflict(t *testing.T) {
	repo, pool := testRepository(t)
	ctx := context.Background()

	b := NewMasterBill("APT-200", "")
	b.Add(NewLeaf("Consultation", decimal.NewFromInt(100), CategoryConsultation))
	require.NoError(t, repo.Save(ctx, b))

	first, err := repo.Load(ctx, b.ID())
	require.NoError(t, err)
	second, err := repo.Load(ctx, b.ID())
	require.NoError(t, err)

	require.NoError(t, first.Cancel("duplicate visit"))
	require.NoError(t, repo.Save(ctx, first))

	second.Add(NewLeaf("Dressing", decimal.NewFromInt(20), CategoryTreatment))
	err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// the losing transaction left nothing behind
	var status string
	var version, queued int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, version FROM bills WHERE id = $1`, b.ID()).Scan(&status, &version))
	assert.Equal(t, string(StatusCancelled), status)
	assert.Equal(t, 3, version)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, b.ID()).Scan(&queued))
	assert.Equal(t, 3, queued)

	report, err := repo.Revenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ByStatus[StatusCancelled])
	assert.True(t, report.PaidTotal.IsZero())
}
