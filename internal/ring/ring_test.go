package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/detectorlab/xraydet/internal/counters"
)

func Test_acquireFill_neverBlocks_andInvariantHolds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := &counters.Counters{}
		r := New(16, c)

		ops := rapid.IntRange(1, 50).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			kind := rapid.IntRange(0, 2).Draw(t, "kind")
			switch kind {
			case 0:
				id, _, err := r.AcquireFill()
				require.NoError(t, err)
				r.CommitReady(id)
			case 1:
				ctx := context.Background()
				_, _ = r.AcquireSend(ctx, 0)
			case 2:
				id, _, err := r.AcquireFill()
				require.NoError(t, err)
				r.CommitReady(id)
				sid, sendErr := r.AcquireSend(context.Background(), 0)
				if sendErr == nil {
					r.ReleaseSend(sid)
				}
			}

			counts := r.StateCounts()
			total := counts[Free] + counts[Filling] + counts[Ready] + counts[Sending]
			assert.Equal(t, NumSlots, total)
			assert.LessOrEqual(t, counts[Filling], 1)
		}
	})
}

func Test_acquireSend_admissionOrder(t *testing.T) {
	r := New(16, nil)

	var ids []SlotID
	for i := 0; i < 3; i++ {
		id, _, err := r.AcquireFill()
		require.NoError(t, err)
		r.CommitReady(id)
		ids = append(ids, id)
	}

	for _, want := range ids {
		got, err := r.AcquireSend(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		r.ReleaseSend(got)
	}
}

// Test_oldestDrop_S6 exercises the overflow scenario in spec.md §8 S6: a
// producer fills and commits continuously while the consumer never drains,
// so frames_dropped = frames_received - 4 (no frames sent yet, four newest
// remain in the ring).
func Test_oldestDrop_S6(t *testing.T) {
	c := &counters.Counters{}
	r := New(16, c)

	const produced = 20
	for i := 0; i < produced; i++ {
		id, _, err := r.AcquireFill()
		require.NoError(t, err)
		r.CommitReady(id)
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(produced-NumSlots), snap.FramesDropped)
	counts := r.StateCounts()
	assert.Equal(t, NumSlots, counts[Ready])
}

func Test_acquireSend_timesOutWhenEmpty(t *testing.T) {
	r := New(16, nil)

	start := time.Now()
	_, err := r.AcquireSend(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func Test_acquireSend_wakesOnCommit(t *testing.T) {
	r := New(16, nil)

	done := make(chan SlotID, 1)
	go func() {
		id, err := r.AcquireSend(context.Background(), time.Second)
		if err == nil {
			done <- id
		}
	}()

	time.Sleep(10 * time.Millisecond)
	id, _, err := r.AcquireFill()
	require.NoError(t, err)
	r.CommitReady(id)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("AcquireSend did not wake on CommitReady")
	}
}
