package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

func TestConnectivityTracker_FallbackTransitions(t *testing.T) {
	ct := NewConnectivityTracker(time.Minute, nil)

	var switches []ModeSwitch
	ct.OnSwitch(func(sw ModeSwitch) { switches = append(switches, sw) })

	assert.False(t, ct.InFallback(marketplace.N11), "unknown marketplaces start online")

	ct.RecordFailure(marketplace.N11, errors.New("timeout"))
	ct.RecordFailure(marketplace.N11, errors.New("timeout"))

	s := ct.Status(marketplace.N11)
	assert.True(t, ct.InFallback(marketplace.N11))
	assert.False(t, s.IsOnline)
	assert.Equal(t, 2, s.FailureCount)
	assert.Equal(t, 1, s.FallbackRetries)
	assert.Equal(t, "timeout", s.LastError)
	require.Len(t, switches, 1)
	assert.Equal(t, ModeFallback, switches[0].To)

	ct.RecordSuccess(marketplace.N11, 20*time.Millisecond)
	s = ct.Status(marketplace.N11)
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Zero(t, s.FailureCount)
	assert.Zero(t, s.FallbackRetries)
	assert.Equal(t, 20*time.Millisecond, s.AvgLatency)
	require.Len(t, switches, 2)
	assert.Equal(t, ModeNormal, switches[1].To)
}

func TestConnectivityTracker_HistoryIsCapped(t *testing.T) {
	ct := NewConnectivityTracker(time.Minute, nil)
	for i := 0; i < 120; i++ {
		ct.RecordFailure(marketplace.Ebay, nil)
		ct.RecordSuccess(marketplace.Ebay, 0)
	}
	assert.Len(t, ct.History(), 100)
}

func TestConnectivityTracker_Check(t *testing.T) {
	ct := NewConnectivityTracker(time.Minute, nil)
	a := newFakeAdapter(marketplace.Ozon)

	a.health = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := ct.Check(context.Background(), a, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ct.InFallback(marketplace.Ozon))

	a.health = nil
	require.NoError(t, ct.Check(context.Background(), a, time.Second))
	assert.False(t, ct.InFallback(marketplace.Ozon))

	all := ct.All()
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].SuccessCount)
}
