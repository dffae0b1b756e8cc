// Package framesource provides fsm.FrameSource implementations. Sim
// generates synthetic test-pattern buffers for bench and dry-run use, the
// same role registerbus.Sim plays for the register bus: something
// deterministic to drive the FSM with when no real capture hardware is
// attached.
package framesource

import (
	"context"
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/errs"
)

// Sim produces deterministic ramp-pattern frame buffers sized for one
// width*height*2-byte capture, at most once per period.
type Sim struct {
	mu       sync.Mutex
	width    int
	height   int
	period   time.Duration
	lastEmit time.Time
	counter  uint32
}

// NewSim builds a Sim for width x height 16-bit frames, emitting at most
// one buffer per period.
func NewSim(width, height int, period time.Duration) *Sim {
	return &Sim{width: width, height: height, period: period}
}

// NextFrameBuffer implements fsm.FrameSource: it returns a fresh buffer no
// more often than period, and errs.KindDeviceFault (treated by the FSM as
// "no frame ready yet") otherwise.
func (s *Sim) NextFrameBuffer(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastEmit) < s.period {
		return nil, errs.New(errs.KindDeviceFault, "no frame ready")
	}
	s.lastEmit = time.Now()
	s.counter++

	buf := make([]byte, s.width*s.height*2)
	for i := range buf {
		buf[i] = byte(uint32(i) + s.counter)
	}
	return buf, nil
}

// Release is a no-op: Sim buffers are not pooled.
func (s *Sim) Release(buf []byte) {}
