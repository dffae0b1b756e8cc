// Package ring implements the Frame Ring (spec.md §4.2): a fixed four-slot
// producer/consumer buffer pool with oldest-drop overflow and a
// never-blocking producer path. The wake-on-commit signaling follows the
// teacher's dlq.go pattern of a channel that is closed to broadcast and
// replaced for the next round, rather than a sync.Cond.
package ring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/counters"
)

// NumSlots is the fixed slot count mandated by spec.md §3.
const NumSlots = 4

// State is a slot's lifecycle tag.
type State int

const (
	Free State = iota
	Filling
	Ready
	Sending
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// SlotID identifies one of the NumSlots buffers.
type SlotID int

// ErrFullOverflow is returned only in the degenerate case where eviction
// itself could not find a candidate: no slot is FREE, FILLING or READY,
// i.e. every slot is currently held in SENDING by consumers.
var ErrFullOverflow = errors.New("ring: acquire_fill found no free or evictable slot")

// ErrEmpty is returned by AcquireSend when no slot became READY before the
// caller-specified timeout elapsed.
var ErrEmpty = errors.New("ring: acquire_send timed out with no ready slot")

type slot struct {
	state      State
	buf        []byte
	fillOrder  uint64 // set on AcquireFill; orders FILLING/READY for eviction
	readyOrder uint64 // set on CommitReady; orders READY for AcquireSend
}

// Ring is the four-slot frame buffer pool. The zero value is not usable;
// construct with New.
type Ring struct {
	mu       sync.Mutex
	slots    [NumSlots]slot
	nextFill uint64
	nextDone uint64
	readyCh  chan struct{}
	counters *counters.Counters
}

// New allocates a Ring with NumSlots buffers, each sized slotBytes, backed
// by Counters for frames_dropped/frames_sent. Pre-allocating the buffers
// once here, rather than per frame, matches spec.md §9's guidance to avoid
// per-frame allocation in the hot path.
func New(slotBytes int, c *counters.Counters) *Ring {
	r := &Ring{
		readyCh:  make(chan struct{}),
		counters: c,
	}
	for i := range r.slots {
		r.slots[i].buf = make([]byte, slotBytes)
	}
	return r
}

// Buffer returns the stable backing buffer for id. The caller must hold the
// slot (i.e. must currently own it via a prior AcquireFill/AcquireSend call)
// to use it safely; ownership is the caller's responsibility, not enforced
// by the ring.
func (r *Ring) Buffer(id SlotID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[id].buf
}

// AcquireFill returns a FREE slot transitioned to FILLING. If none is free,
// it evicts the oldest FILLING-or-READY slot (oldest by original admission
// order), discards its contents, counts a drop, and hands that slot back
// instead, with evicted=true so the caller can mark the next frame it
// builds with flags.error_frame (spec.md §4.5 STREAMING substate).
// AcquireFill never blocks.
func (r *Ring) AcquireFill() (id SlotID, evicted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].state == Free {
			r.slots[i].state = Filling
			r.slots[i].fillOrder = r.nextFill
			r.nextFill++
			return SlotID(i), false, nil
		}
	}

	victim := -1
	var oldest uint64
	for i := range r.slots {
		if r.slots[i].state != Filling && r.slots[i].state != Ready {
			continue
		}
		if victim == -1 || r.slots[i].fillOrder < oldest {
			victim = i
			oldest = r.slots[i].fillOrder
		}
	}
	if victim == -1 {
		return 0, false, ErrFullOverflow
	}

	r.slots[victim].state = Filling
	r.slots[victim].fillOrder = r.nextFill
	r.nextFill++
	if r.counters != nil {
		r.counters.IncFramesDropped()
	}
	return SlotID(victim), true, nil
}

// CommitReady transitions id from FILLING to READY and wakes any AcquireSend
// callers blocked waiting for a ready slot.
func (r *Ring) CommitReady(id SlotID) {
	r.mu.Lock()
	r.slots[id].state = Ready
	r.slots[id].readyOrder = r.nextDone
	r.nextDone++
	old := r.readyCh
	r.readyCh = make(chan struct{})
	r.mu.Unlock()
	close(old)
}

// AcquireSend returns the oldest READY slot (by the order CommitReady was
// called), transitioned to SENDING, blocking up to timeout if none is
// immediately ready. A timeout of zero or less means "do not wait".
func (r *Ring) AcquireSend(ctx context.Context, timeout time.Duration) (SlotID, error) {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.Lock()
		id, ok := r.oldestReadyLocked()
		if ok {
			r.slots[id].state = Sending
			r.mu.Unlock()
			return id, nil
		}
		waitCh := r.readyCh
		r.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrEmpty
		}

		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			return 0, ErrEmpty
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
}

func (r *Ring) oldestReadyLocked() (SlotID, bool) {
	best := -1
	var bestOrder uint64
	for i := range r.slots {
		if r.slots[i].state != Ready {
			continue
		}
		if best == -1 || r.slots[i].readyOrder < bestOrder {
			best = i
			bestOrder = r.slots[i].readyOrder
		}
	}
	if best == -1 {
		return 0, false
	}
	return SlotID(best), true
}

// ReleaseSend transitions id from SENDING back to FREE and counts a sent
// frame.
func (r *Ring) ReleaseSend(id SlotID) {
	r.mu.Lock()
	r.slots[id].state = Free
	r.mu.Unlock()
	if r.counters != nil {
		r.counters.IncFramesSent()
	}
}

// StateCounts reports how many slots are in each state, for diagnostics and
// for the invariant check in spec.md §8 that FREE+FILLING+READY+SENDING==4.
func (r *Ring) StateCounts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[State]int{Free: 0, Filling: 0, Ready: 0, Sending: 0}
	for i := range r.slots {
		out[r.slots[i].state]++
	}
	return out
}
