package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

func op(n int) protocol.Frame {
	return protocol.Ping{Header: protocol.Header{ID: fmt.Sprintf("op-%d", n)}}
}

func opIDs(ops []QueuedOperation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.Frame.Head().ID
	}
	return out
}

func TestQueueOnlyWhileOffline(t *testing.T) {
	m := NewDegradationManager(10, nil, logger.Discard())

	assert.False(t, m.QueueOperation(op(1)))
	assert.Equal(t, 0, m.Len())

	m.EnableOfflineMode()
	m.EnableOfflineMode()
	assert.True(t, m.IsOffline())
	assert.True(t, m.QueueOperation(op(1)))
	assert.Equal(t, 1, m.Len())
}

func TestOverflowEvictsOldestAndReplaysOnce(t *testing.T) {
	clk := clock.NewFake(t0)
	m := NewDegradationManager(100, clk, logger.Discard())
	m.EnableOfflineMode()

	for i := 1; i <= 101; i++ {
		require.True(t, m.QueueOperation(op(i)))
		clk.Advance(time.Millisecond)
	}
	assert.Equal(t, 100, m.Len())
	assert.Equal(t, uint64(1), m.Evicted())

	pending := m.Pending()
	assert.Equal(t, "op-2", pending[0].Frame.Head().ID)
	assert.Equal(t, "op-101", pending[99].Frame.Head().ID)
	assert.Equal(t, t0.Add(time.Millisecond), pending[0].QueuedAt)

	var replays [][]string
	replay := func(_ context.Context, ops []QueuedOperation) error {
		replays = append(replays, opIDs(ops))
		return nil
	}
	require.NoError(t, m.DisableOfflineMode(context.Background(), replay))
	require.NoError(t, m.DisableOfflineMode(context.Background(), replay))

	require.Len(t, replays, 1)
	want := make([]string, 0, 100)
	for i := 2; i <= 101; i++ {
		want = append(want, fmt.Sprintf("op-%d", i))
	}
	assert.Equal(t, want, replays[0])
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.IsOffline())
}

func TestReplayErrorIsReturnedAndNotRetried(t *testing.T) {
	m := NewDegradationManager(0, nil, logger.Discard())
	m.EnableOfflineMode()
	m.QueueOperation(op(1))
	m.QueueOperation(op(2))

	calls := 0
	err := m.DisableOfflineMode(context.Background(), func(context.Context, []QueuedOperation) error {
		calls++
		return errors.New("socket gone")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.Len())

	m.EnableOfflineMode()
	require.NoError(t, m.DisableOfflineMode(context.Background(), func(context.Context, []QueuedOperation) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls, "empty queue must not invoke replay")
}

func TestOperationsQueuedDuringReplaySurvive(t *testing.T) {
	m := NewDegradationManager(10, nil, logger.Discard())
	m.EnableOfflineMode()
	m.QueueOperation(op(1))

	err := m.DisableOfflineMode(context.Background(), func(context.Context, []QueuedOperation) error {
		m.EnableOfflineMode()
		m.QueueOperation(op(2))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2"}, opIDs(m.Pending()))
}

func TestResetDropsWithoutReplay(t *testing.T) {
	m := NewDegradationManager(10, nil, logger.Discard())
	m.EnableOfflineMode()
	m.QueueOperation(op(1))

	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.IsOffline())
	assert.Equal(t, DefaultOfflineQueueSize, NewDegradationManager(-1, nil, nil).capacity)
}
