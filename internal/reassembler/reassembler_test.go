package reassembler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/wire"
)

const maxPayload = 64

// buildPackets fragments a synthetic frame of the given geometry into
// packets of at most maxPayload bytes, mirroring internal/transport's
// send_frame fragmentation so reassembler tests don't depend on that
// package.
func buildPackets(seq uint32, width, height uint16, pixel func(i int) uint16) []wire.Packet {
	total := int(width) * int(height) * 2
	n := (total + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}

	data := make([]byte, total)
	for i := 0; i < int(width)*int(height); i++ {
		v := pixel(i)
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}

	pkts := make([]wire.Packet, 0, n)
	for idx := 0; idx < n; idx++ {
		start := idx * maxPayload
		end := start + maxPayload
		if end > total {
			end = total
		}
		pkts = append(pkts, wire.Packet{
			Header: wire.FrameHeader{
				FrameSeq:     seq,
				TimestampUs:  1000,
				Width:        width,
				Height:       height,
				BitDepth:     16,
				PacketIndex:  uint16(idx),
				TotalPackets: uint16(n),
				LastPacket:   idx == n-1,
			},
			Payload: append([]byte(nil), data[start:end]...),
		})
	}
	return pkts
}

func countPattern(i int) uint16 { return uint16(i % 65536) }

// Test_permutationInvariance is the universal property from spec.md §8:
// feeding any permutation of a frame's packets yields a byte-identical
// frame.
func Test_permutationInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		width := uint16(rapid.IntRange(1, 6).Draw(t, "width"))
		height := uint16(rapid.IntRange(1, 6).Draw(t, "height"))
		pkts := buildPackets(1, width, height, countPattern)

		perm := rapid.Permutation(pkts).Draw(t, "perm")

		r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, &counters.Counters{})
		var got []byte
		for _, p := range perm {
			if f, ok := r.Process(p); ok {
				got = f.Pixels
			}
		}
		require.NotNil(t, got)

		want := make([]byte, 0, len(got))
		for _, p := range pkts {
			want = append(want, p.Payload...)
		}
		assert.Equal(t, want, got)
	})
}

func Test_duplicateIdempotent(t *testing.T) {
	pkts := buildPackets(1, 4, 4, countPattern)
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, &counters.Counters{})

	var last int
	for i, p := range pkts {
		_, ok := r.Process(p)
		if ok {
			last = i
		}
	}

	// Re-feed every packet a second time; none should re-emit a frame.
	for i, p := range pkts {
		if i == last {
			continue
		}
		_, ok := r.Process(p)
		assert.False(t, ok)
	}
	_, ok := r.Process(pkts[last])
	assert.False(t, ok)
}

func Test_incompleteNeverEmits(t *testing.T) {
	pkts := buildPackets(1, 8, 8, countPattern)
	require.Greater(t, len(pkts), 1)

	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, &counters.Counters{})
	for _, p := range pkts[:len(pkts)-1] {
		_, ok := r.Process(p)
		assert.False(t, ok)
	}
}

// Test_S1_singleFrameInOrder mirrors spec.md §8 scenario S1.
func Test_S1_singleFrameInOrder(t *testing.T) {
	pkts := buildPackets(1, 32, 32, countPattern)
	c := &counters.Counters{}
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, c)

	var emitted bool
	for _, p := range pkts {
		if _, ok := r.Process(p); ok {
			emitted = true
		}
	}
	assert.True(t, emitted)
	assert.Equal(t, uint64(0), c.Snapshot().CrcErrors)
}

// Test_S2_reverseOrder mirrors spec.md §8 scenario S2.
func Test_S2_reverseOrder(t *testing.T) {
	pkts := buildPackets(1, 32, 32, countPattern)
	reversed := make([]wire.Packet, len(pkts))
	for i, p := range pkts {
		reversed[len(pkts)-1-i] = p
	}

	c := &counters.Counters{}
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, c)

	var got []byte
	for _, p := range reversed {
		if f, ok := r.Process(p); ok {
			got = f.Pixels
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, uint64(0), c.Snapshot().CrcErrors)
}

// Test_S3_missingPacketTimesOut mirrors spec.md §8 scenario S3.
func Test_S3_missingPacketTimesOut(t *testing.T) {
	pkts := buildPackets(1, 64, 64, countPattern)
	require.Greater(t, len(pkts), 2)
	dropIdx := len(pkts) / 2

	c := &counters.Counters{}
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: 50 * time.Millisecond}, c)

	fakeNow := time.Now()
	r.SetClock(func() time.Time { return fakeNow })

	for i, p := range pkts {
		if i == dropIdx {
			continue
		}
		_, ok := r.Process(p)
		assert.False(t, ok)
	}

	assert.Equal(t, uint64(0), c.Snapshot().ReassemblyTimeouts)

	fakeNow = fakeNow.Add(2000 * time.Millisecond)
	r.ExpireNow()

	assert.Equal(t, uint64(1), c.Snapshot().ReassemblyTimeouts)
	assert.Equal(t, 0, r.ActiveSlots())
}

func Test_slotPressureEviction(t *testing.T) {
	c := &counters.Counters{}
	r := New(Options{MaxSlots: 2, MaxPayload: maxPayload, Timeout: time.Hour}, c)

	// Start three distinct frames, never completing any of them: the
	// third admission must evict the oldest (frame_seq 1).
	r.Process(buildPackets(1, 8, 8, countPattern)[0])
	r.Process(buildPackets(2, 8, 8, countPattern)[0])
	assert.Equal(t, 2, r.ActiveSlots())

	r.Process(buildPackets(3, 8, 8, countPattern)[0])
	assert.Equal(t, 2, r.ActiveSlots())
	assert.Equal(t, uint64(1), c.Snapshot().ReassemblyTimeouts)
}

func Test_geometryMismatchRejected(t *testing.T) {
	c := &counters.Counters{}
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: time.Hour}, c)

	pkts := buildPackets(1, 8, 8, countPattern)
	r.Process(pkts[0])

	mismatched := pkts[1]
	mismatched.Header.Width = 16
	_, ok := r.Process(mismatched)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Snapshot().CrcErrors)
}

func Test_emitPartialOnTimeout(t *testing.T) {
	c := &counters.Counters{}
	r := New(Options{MaxSlots: 4, MaxPayload: maxPayload, Timeout: 10 * time.Millisecond, EmitPartialOnTimeout: true}, c)

	fakeNow := time.Now()
	r.SetClock(func() time.Time { return fakeNow })

	pkts := buildPackets(1, 8, 8, countPattern)
	r.Process(pkts[0])

	fakeNow = fakeNow.Add(time.Second)
	r.ExpireNow()

	partial := r.DrainPartial()
	require.Len(t, partial, 1)
	assert.True(t, partial[0].ErrorFrame)
	assert.Equal(t, uint32(1), partial[0].Sequence)

	// Draining clears the buffer.
	assert.Nil(t, r.DrainPartial())
}

func Test_totalPacketsOne(t *testing.T) {
	// Force a tiny frame into a single packet by using a huge max payload.
	r := New(Options{MaxSlots: 4, MaxPayload: 1 << 20, Timeout: time.Hour}, &counters.Counters{})

	total := 4 * 4 * 2
	data := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(data)

	pkt := wire.Packet{
		Header: wire.FrameHeader{
			FrameSeq:     5,
			Width:        4,
			Height:       4,
			BitDepth:     16,
			PacketIndex:  0,
			TotalPackets: 1,
			LastPacket:   true,
		},
		Payload: data,
	}
	f, ok := r.Process(pkt)
	require.True(t, ok)
	assert.Equal(t, data, f.Pixels)
}
