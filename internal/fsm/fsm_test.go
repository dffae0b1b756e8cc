package fsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/ring"
)

// fakeBus is an in-memory RegisterBus; it can be told to fail verification
// a fixed number of times for a given register before succeeding, modeling
// the S7 scenario in spec.md §8.
type fakeBus struct {
	mu            sync.Mutex
	regs          map[uint8]uint16
	failWritesFor map[uint8]int
	armedAfter    int
	reads         int
	forceStatus   *uint16
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[uint8]uint16{}, failWritesFor: map[uint8]int{}}
}

func (b *fakeBus) Write(addr uint8, data uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == RegControl && data == ctrlStartScan {
		b.armedAfter = 1
	}
	if addr == RegControl && data == ctrlClearError {
		if v, ok := b.regs[RegStatus]; ok {
			b.regs[RegStatus] = v &^ statusError
		}
	}
	if n, ok := b.failWritesFor[addr]; ok && n > 0 {
		b.failWritesFor[addr] = n - 1
		return nil // write "succeeds" but leaves stale value so readback mismatches
	}
	b.regs[addr] = data
	return nil
}

func (b *fakeBus) Read(addr uint8) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == RegStatus {
		if b.forceStatus != nil {
			return *b.forceStatus, nil
		}
		if b.armedAfter > 0 {
			return statusBusy, nil
		}
		return 0, nil
	}
	return b.regs[addr], nil
}

type fakeSource struct {
	frames chan []byte
}

func (s *fakeSource) NextFrameBuffer(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.frames:
		return b, nil
	default:
		return nil, errs.New(errs.KindDeviceFault, "no frame ready")
	}
}
func (s *fakeSource) Release(buf []byte) {}

type fakeSender struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *fakeSender) SendFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	errors []errs.Kind
}

func (n *fakeNotifier) NotifyError(kind errs.Kind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, kind)
}

func newTestFSM(bus *fakeBus, source *fakeSource, sender *fakeSender, notifier *fakeNotifier) *FSM {
	c := &counters.Counters{}
	r := ring.New(4*4*2, c)
	return New(bus, source, r, sender, c, notifier, nil, Geometry{Width: 4, Height: 4, BitDepth: 16, FPS: 30}, Options{
		PollInterval:          time.Millisecond,
		ArmTimeout:            50 * time.Millisecond,
		RegisterVerifyRetries: 3,
		ErrorRecoveryRetries:  3,
	})
}

// Test_S7_registerVerifyRecovers mirrors spec.md §8 scenario S7: mismatch
// on the first 2 attempts, success on the 3rd; FSM must reach ARM/COMPLETE
// without ever entering ERROR.
func Test_S7_registerVerifyRecovers(t *testing.T) {
	bus := newFakeBus()
	bus.failWritesFor[RegWidth] = 2 // first two writes are "lost", third sticks
	source := &fakeSource{frames: make(chan []byte, 1)}
	source.frames <- make([]byte, 4*4*2)
	sender := &fakeSender{}
	notifier := &fakeNotifier{}

	f := newTestFSM(bus, source, sender, notifier)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, f.Start(ctx, ModeSingle))

	require.Eventually(t, func() bool {
		return len(sender.frames) == 1
	}, time.Second, time.Millisecond)

	assert.Empty(t, notifier.errors)
	assert.Eventually(t, func() bool { return f.State() == StateIdle }, time.Second, time.Millisecond)
}

func Test_armTimeout_entersErrorThenRecoversToIdle(t *testing.T) {
	bus := newFakeBus()
	status := uint16(0) // never reports busy
	bus.forceStatus = &status
	source := &fakeSource{frames: make(chan []byte, 1)}
	sender := &fakeSender{}
	notifier := &fakeNotifier{}

	f := newTestFSM(bus, source, sender, notifier)
	f.opts.ArmTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, f.Start(ctx, ModeSingle))

	require.Eventually(t, func() bool {
		return len(notifier.errors) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, errs.KindArmTimeout, notifier.errors[0])
	assert.Eventually(t, func() bool { return f.State() == StateIdle }, time.Second, time.Millisecond)
}

func Test_stop_transitionsToIdle(t *testing.T) {
	bus := newFakeBus()
	source := &fakeSource{frames: make(chan []byte)}
	sender := &fakeSender{}
	notifier := &fakeNotifier{}

	f := newTestFSM(bus, source, sender, notifier)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, f.Start(ctx, ModeContinuous))

	require.Eventually(t, func() bool { return f.State() == StateScanning }, time.Second, time.Millisecond)

	f.Stop()
	assert.Eventually(t, func() bool { return f.State() == StateIdle }, time.Second, time.Millisecond)
}

func Test_busyRejectsConcurrentStart(t *testing.T) {
	bus := newFakeBus()
	source := &fakeSource{frames: make(chan []byte)}
	sender := &fakeSender{}
	notifier := &fakeNotifier{}

	f := newTestFSM(bus, source, sender, notifier)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, f.Start(ctx, ModeContinuous))
	require.Eventually(t, func() bool { return f.State() == StateScanning }, time.Second, time.Millisecond)

	err := f.Start(ctx, ModeSingle)
	require.Error(t, err)

	f.Stop()
}
