package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func rec(topic string, partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset, LeaderEpoch: 3}
}

func TestSplitSettledHoldsBackFailedPartition(t *testing.T) {
	records := []*kgo.Record{
		rec(TopicClaimsRequests, 0, 10),
		rec(TopicClaimsRequests, 1, 20),
		rec(TopicClaimsRequests, 0, 11),
		rec(TopicClaimsRequests, 1, 21),
		rec(TopicClaimsRequests, 0, 12),
	}
	settled := []bool{true, true, false, true, true}

	commit, rewind := splitSettled(records, settled)

	require.Len(t, commit, 3)
	assert.Equal(t, int64(10), commit[0].Offset)
	assert.Equal(t, int64(20), commit[1].Offset)
	assert.Equal(t, int64(21), commit[2].Offset)
	assert.Equal(t, map[string]map[int32]kgo.EpochOffset{
		TopicClaimsRequests: {0: {Epoch: 3, Offset: 11}},
	}, rewind)
}

func TestSplitSettledAllDone(t *testing.T) {
	records := []*kgo.Record{rec(TopicClaimsRequests, 0, 1), rec(TopicClaimsRequests, 0, 2)}

	commit, rewind := splitSettled(records, []bool{true, true})
	assert.Len(t, commit, 2)
	assert.Empty(t, rewind)
}

func TestFinishReportsDeadLetterFailure(t *testing.T) {
	var dlErr error
	var got []*ConsumedMessage
	c := &Consumer{
		logger: zap.NewNop(),
		deadLetter: func(_ context.Context, msg *ConsumedMessage, _ error) error {
			got = append(got, msg)
			return dlErr
		},
	}
	r := rec(TopicClaimsRequests, 0, 7)
	ctx := context.Background()

	assert.True(t, c.finish(ctx, r, nil))
	assert.Empty(t, got)

	assert.True(t, c.finish(ctx, r, errors.New("bad claim")))
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Offset)

	dlErr = errors.New("broker down")
	assert.False(t, c.finish(ctx, r, errors.New("bad claim")))

	assert.Equal(t, int64(1), c.deadLettered)
	assert.Equal(t, int64(2), c.errorCount)
	assert.Equal(t, int64(1), c.messagesRead)
}
