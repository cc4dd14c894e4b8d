package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to TEST_DATABASE_URL and migrates a throwaway schema.
// Tests using it are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	schema := "outbox_test_" + uuid.NewString()[:8]
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

	require.NoError(t, ApplyMigrations(ctx, pool, nil))
	return pool
}

type sent struct{ topic, key string }

type recordingPublisher struct {
	mu      sync.Mutex
	out     []sent
	failFor string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failFor {
		return errors.New("broker unavailable")
	}
	p.out = append(p.out, sent{topic, key})
	return nil
}

func writeEntries(t *testing.T, pool *pgxpool.Pool, entries ...*OutboxEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, WriteEntry(ctx, tx, e))
	}
	require.NoError(t, tx.Commit(ctx))
}

func entry(topic, key string) *OutboxEntry {
	return &OutboxEntry{
		AggregateID:   key,
		AggregateType: "Bill",
		EventType:     "BillCreated",
		Payload:       []byte(fmt.Sprintf(`{"bill":%q}`, key)),
		KafkaTopic:    topic,
		KafkaKey:      key,
	}
}

func TestRelayOncePublishesAndRetries(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	writeEntries(t, pool,
		entry("billing.events", "b-1"),
		entry("audit.events", "b-2"),
		entry("billing.events", "b-3"),
	)

	pub := &recordingPublisher{failFor: "audit.events"}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 1
	cfg.DeadLetterTopic = "billing.dlq"
	o := NewOutbox(pool, pub, cfg, nil, nil)

	n, err := o.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []sent{{"billing.events", "b-1"}, {"billing.events", "b-3"}}, pub.out)

	var retries int
	var lastErr string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT retry_count, last_error FROM outbox WHERE kafka_key = 'b-2'`).Scan(&retries, &lastErr))
	assert.Equal(t, 1, retries)
	assert.Contains(t, lastErr, "broker unavailable")

	stats, err := o.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)

	// exhausted entries are no longer relayed
	n, err = o.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	moved, err := o.MoveToDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	assert.Equal(t, sent{"billing.dlq", "b-2"}, pub.out[len(pub.out)-1])

	removed, err := o.CleanupProcessed(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestRelayOnceSkipsWhileLocked(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	writeEntries(t, pool, entry("billing.events", "b-9"))

	cfg := DefaultOutboxConfig()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	_, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", cfg.LockID)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	o := NewOutbox(pool, pub, cfg, nil, nil)
	n, err := o.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.out)

	_, err = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", cfg.LockID)
	require.NoError(t, err)
	n, err = o.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
