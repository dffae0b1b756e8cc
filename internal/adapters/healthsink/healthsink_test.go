package healthsink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	writes int
	fail   bool
}

func (b *fakeBus) Write(addr uint8, data uint16) error {
	b.writes++
	if b.fail {
		return assertErr
	}
	return nil
}

var assertErr = &testError{"simulated watchdog write failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func Test_sink_petsPeriodicallyAndCachesHealthy(t *testing.T) {
	bus := &fakeBus{}
	s := New(bus, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	require.Greater(t, bus.writes, 1)
	assert.True(t, s.Snapshot().WatchdogHealthy)
}

func Test_sink_marksUnhealthyOnWriteFailure(t *testing.T) {
	bus := &fakeBus{fail: true}
	s := New(bus, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.False(t, s.Snapshot().WatchdogHealthy)
}
