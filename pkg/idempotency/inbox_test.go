package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("bill not found")

func newInbox(t *testing.T) (*Inbox, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errNotFound) }
	return NewInbox(store, cfg, nil), store
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("bill-1", "INSURANCE", "STANDARD_INSURANCE", "POL-1", "req-1")
	b := GenerateKey("bill-1", " insurance", "standard_insurance ", "pol-1", "REQ-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, GenerateKey("bill-1", "INSURANCE", "STANDARD_INSURANCE", "POL-1", "req-2"))
	// part boundaries matter
	assert.NotEqual(t, GenerateKey("ab", "c"), GenerateKey("a", "bc"))
}

func TestProcessRunsOnce(t *testing.T) {
	inbox, _ := newInbox(t)
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"approved":true}`), nil
	}

	first, err := inbox.Process(ctx, "k", "claims", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, "k", "claims", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"approved":true}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestTransientFailureIsRetried(t *testing.T) {
	inbox, store := newInbox(t)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("db down")
	})
	require.Error(t, err)
	e, _ := store.Get(ctx, "k")
	assert.Equal(t, StatusRecoverable, e.Status)

	res, err := inbox.Process(ctx, "k", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestTerminalFailureSticks(t *testing.T) {
	inbox, store := newInbox(t)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "a", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errNotFound
	})
	assert.ErrorIs(t, err, errNotFound)

	_, err = inbox.Process(ctx, "b", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("malformed request"))
	})
	require.Error(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Failed)

	_, err = inbox.Process(ctx, "a", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestInProgressAndStaleRecovery(t *testing.T) {
	inbox, store := newInbox(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	inbox.now = store.now

	require.NoError(t, store.Start(ctx, "k", "claims", nil, now.Add(time.Hour)))
	_, err := inbox.Process(ctx, "k", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	now = now.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k", "claims", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestRecoverStaleEntries(t *testing.T) {
	inbox, store := newInbox(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Start(ctx, "k", "claims", nil, now.Add(time.Hour)))
	now = now.Add(6 * time.Minute)

	n, err := inbox.RecoverStaleEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
