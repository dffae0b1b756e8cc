// Package reassembler implements the Reassembler (spec.md §4.3): a
// multi-slot packet reorder buffer keyed by frame sequence that produces
// completed Frames despite loss, duplication, and reordering.
package reassembler

import (
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/wire"
)

// Options configures a Reassembler from the corresponding §3 configuration
// keys (max_reassembly_slots, reassembly_timeout_ms) plus the Open Question
// resolution for partial-frame emission (SPEC_FULL.md §4.3).
type Options struct {
	MaxSlots             int
	MaxPayload           int
	Timeout              time.Duration
	EmitPartialOnTimeout bool
}

type slotState struct {
	header        wire.FrameHeader // template: first-seen geometry for this frame_seq
	bitmap        []bool
	buf           []byte
	receivedCount int
	createdAt     time.Time
}

// Reassembler owns its slot table exclusively; per spec.md §5 no other task
// accesses it, so an internal mutex is sufficient rather than required for
// cross-task safety, and mainly guards against a timer goroutine calling
// ExpireNow concurrently with the decode task's Process calls.
type Reassembler struct {
	mu       sync.Mutex
	opts     Options
	slots    map[uint32]*slotState
	counters *counters.Counters
	now      func() time.Time
	partial  []frame.Frame
}

// New builds a Reassembler. c may be nil in tests that don't care about
// counters.
func New(opts Options, c *counters.Counters) *Reassembler {
	return &Reassembler{
		opts:     opts,
		slots:    make(map[uint32]*slotState),
		counters: c,
		now:      time.Now,
	}
}

func (r *Reassembler) incCrc() {
	if r.counters != nil {
		r.counters.IncCrcErrors()
	}
}

func (r *Reassembler) incTimeout(reason counters.Reason) {
	if r.counters != nil {
		r.counters.IncReassemblyTimeouts(reason)
	}
}

// Process implements the single Reassembler operation (spec.md §4.3):
// feed one packet, optionally get back a completed Frame.
func (r *Reassembler) Process(pkt wire.Packet) (frame.Frame, bool) {
	if len(pkt.Payload) > r.opts.MaxPayload || pkt.Header.PacketIndex >= pkt.Header.TotalPackets {
		r.incCrc()
		return frame.Frame{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked()

	seq := pkt.Header.FrameSeq
	st, ok := r.slots[seq]
	if !ok {
		if len(r.slots) >= r.opts.MaxSlots {
			r.evictOldestLocked(counters.ReasonPressure)
		}
		st = &slotState{
			header:    pkt.Header,
			bitmap:    make([]bool, pkt.Header.TotalPackets),
			buf:       make([]byte, int(pkt.Header.TotalPackets)*r.opts.MaxPayload),
			createdAt: r.now(),
		}
		r.slots[seq] = st
	}

	if st.header.Width != pkt.Header.Width ||
		st.header.Height != pkt.Header.Height ||
		st.header.BitDepth != pkt.Header.BitDepth ||
		st.header.TotalPackets != pkt.Header.TotalPackets {
		// Geometry collision for an in-flight frame_seq: keep first-seen
		// geometry, discard the mismatched packet (spec.md §4.3 edge case).
		r.incCrc()
		return frame.Frame{}, false
	}

	if st.bitmap[pkt.Header.PacketIndex] {
		return frame.Frame{}, false // duplicate: idempotent silent drop
	}

	offset := int(pkt.Header.PacketIndex) * r.opts.MaxPayload
	copy(st.buf[offset:], pkt.Payload)
	st.bitmap[pkt.Header.PacketIndex] = true
	st.receivedCount++

	if st.receivedCount != int(st.header.TotalPackets) {
		return frame.Frame{}, false
	}

	delete(r.slots, seq)
	byteLen := frame.ByteLen(st.header.Width, st.header.Height)
	f := frame.Frame{
		Sequence:    seq,
		TimestampUs: st.header.TimestampUs,
		Width:       st.header.Width,
		Height:      st.header.Height,
		BitDepth:    st.header.BitDepth,
		Pixels:      append([]byte(nil), st.buf[:byteLen]...),
	}
	return f, true
}

// expireLocked evicts every slot whose age exceeds the configured timeout.
// Called at the top of every Process, per spec.md §4.3 step 6's "on each
// call or a timer" option; callers that also want wall-clock-driven
// eviction between packets can call ExpireNow from a ticker.
func (r *Reassembler) expireLocked() {
	now := r.now()
	for seq, st := range r.slots {
		if now.Sub(st.createdAt) > r.opts.Timeout {
			r.evictLocked(seq, st, counters.ReasonTimeout)
		}
	}
}

func (r *Reassembler) evictOldestLocked(reason counters.Reason) {
	var oldestSeq uint32
	var oldest *slotState
	for seq, st := range r.slots {
		if oldest == nil || st.createdAt.Before(oldest.createdAt) {
			seq, st := seq, st
			oldestSeq, oldest = seq, st
		}
	}
	if oldest != nil {
		r.evictLocked(oldestSeq, oldest, reason)
	}
}

func (r *Reassembler) evictLocked(seq uint32, st *slotState, reason counters.Reason) {
	delete(r.slots, seq)
	r.incTimeout(reason)

	if r.opts.EmitPartialOnTimeout && reason == counters.ReasonTimeout {
		byteLen := frame.ByteLen(st.header.Width, st.header.Height)
		if byteLen > len(st.buf) {
			byteLen = len(st.buf)
		}
		r.partial = append(r.partial, frame.Frame{
			Sequence:    seq,
			TimestampUs: st.header.TimestampUs,
			Width:       st.header.Width,
			Height:      st.header.Height,
			BitDepth:    st.header.BitDepth,
			Pixels:      append([]byte(nil), st.buf[:byteLen]...),
			ErrorFrame:  true,
		})
	}
}

// ExpireNow runs the timeout sweep immediately, for a dedicated timer task
// (spec.md §4.3 step 6, "or a timer").
func (r *Reassembler) ExpireNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
}

// DrainPartial returns and clears any partial frames accumulated from
// timeout evictions while EmitPartialOnTimeout is set. Returns nil when
// the flag is unset or nothing has been evicted since the last drain.
func (r *Reassembler) DrainPartial() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.partial) == 0 {
		return nil
	}
	out := r.partial
	r.partial = nil
	return out
}

// ActiveSlots reports the current number of live slots, for tests and
// diagnostics.
func (r *Reassembler) ActiveSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// SetClock overrides the time source, for deterministic tests of timeout
// eviction.
func (r *Reassembler) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
