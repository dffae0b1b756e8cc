// Package fsm implements the Scan FSM (spec.md §4.5): coordinating
// register configuration, arming, streaming, error recovery, and
// cancellation across the Frame Ring, Transport, and Control Plane. The
// explicit switch-driven state loop follows the style of the teacher's
// dlq.go receive-queue dispatcher, which drives its own state machine off
// a single serialized event loop rather than scattering transitions across
// callbacks.
package fsm

import (
	"context"
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/logging"
	"github.com/detectorlab/xraydet/internal/ring"
)

// State is one of the states in spec.md §4.5's transition table.
type State int

const (
	StateIdle State = iota
	StateConfigure
	StateArm
	StateScanning
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigure:
		return "configure"
	case StateArm:
		return "arm"
	case StateScanning:
		return "scanning"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode is the scan mode named by START_SCAN (spec.md §4.6).
type Mode int

const (
	ModeSingle Mode = iota
	ModeContinuous
	ModeCalibration
)

// RegisterBus is the collaborator interface for device register access
// (spec.md §6), assumed bounded-latency (<=10ms round trip).
type RegisterBus interface {
	Write(addr uint8, data uint16) error
	Read(addr uint8) (uint16, error)
}

// FrameSource is the zero-copy capture collaborator (spec.md §6).
type FrameSource interface {
	NextFrameBuffer(ctx context.Context) ([]byte, error)
	Release(buf []byte)
}

// FrameSender pushes a completed frame out over the Transport component.
type FrameSender interface {
	SendFrame(f frame.Frame) error
}

// Notifier is how the FSM reports fatal errors to the Control Plane
// (spec.md §7), without importing the control package directly.
type Notifier interface {
	NotifyError(kind errs.Kind, message string)
}

// Geometry is the cold configuration subset the FSM writes during
// CONFIGURE (spec.md §3: width, height, bit_depth, fps).
type Geometry struct {
	Width, Height, BitDepth uint16
	FPS                     int
}

// Register addresses the FSM writes/reads during CONFIGURE and ARM. A real
// deployment maps these onto the YAML→RTL/C-header generated layout
// (out of scope per spec.md §1); here they are placeholders the FSM treats
// opaquely.
const (
	RegWidth   uint8 = 0x00
	RegHeight  uint8 = 0x01
	RegDepth   uint8 = 0x02
	RegFPS     uint8 = 0x03
	RegControl uint8 = 0x10 // bit0: start_scan, bit1: clear_error
	RegStatus  uint8 = 0x11 // bit0: busy, bit1: error
)

const (
	ctrlStartScan  uint16 = 1 << 0
	ctrlClearError uint16 = 1 << 1
	statusBusy     uint16 = 1 << 0
	statusError    uint16 = 1 << 1
)

// Options holds the timeouts named in spec.md §5.
type Options struct {
	PollInterval           time.Duration
	ArmTimeout             time.Duration
	RegisterVerifyRetries  int
	ErrorRecoveryRetries   int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Microsecond
	}
	if o.ArmTimeout <= 0 {
		o.ArmTimeout = 10 * time.Millisecond
	}
	if o.RegisterVerifyRetries <= 0 {
		o.RegisterVerifyRetries = 3
	}
	if o.ErrorRecoveryRetries <= 0 {
		o.ErrorRecoveryRetries = 3
	}
	return o
}

type startRequest struct {
	mode   Mode
	result chan error
}

// FSM runs the scan sequencing state machine as a single serialized loop
// (T-fsm in spec.md §5).
type FSM struct {
	bus      RegisterBus
	source   FrameSource
	ringBuf  *ring.Ring
	sender   FrameSender
	counters *counters.Counters
	notifier Notifier
	log      *logging.Logger
	opts     Options

	startCh chan startRequest
	stopCh  chan struct{}

	mu    sync.Mutex
	state State
	geom  Geometry
}

// New builds an FSM. geom is the cold geometry applied during CONFIGURE.
func New(bus RegisterBus, source FrameSource, r *ring.Ring, sender FrameSender, c *counters.Counters, notifier Notifier, log *logging.Logger, geom Geometry, opts Options) *FSM {
	return &FSM{
		bus:      bus,
		source:   source,
		ringBuf:  r,
		sender:   sender,
		counters: c,
		notifier: notifier,
		log:      log,
		opts:     opts.withDefaults(),
		startCh:  make(chan startRequest),
		stopCh:   make(chan struct{}, 1),
		geom:     geom,
		state:    StateIdle,
	}
}

// State returns the current FSM state, safe to call from T-control
// (GET_STATUS must never block on a device round-trip, spec.md §4.6).
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// SetGeometry updates the cold geometry applied on the next CONFIGURE.
// Callers (Control Plane SET_CONFIG) must ensure the FSM is IDLE first,
// per spec.md §3's cold-parameter classification.
func (f *FSM) SetGeometry(g Geometry) {
	f.mu.Lock()
	f.geom = g
	f.mu.Unlock()
}

// Start requests a transition out of IDLE into CONFIGURE. It returns an
// error immediately if the FSM is not IDLE (mirrors the BUSY status in
// spec.md §4.6); otherwise it returns once the request has been accepted
// by the run loop, without waiting for the scan to finish.
func (f *FSM) Start(ctx context.Context, mode Mode) error {
	if f.State() != StateIdle {
		return errs.New(errs.KindConfigInvalid, "fsm busy")
	}
	req := startRequest{mode: mode, result: make(chan error, 1)}
	select {
	case f.startCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests a transition to IDLE from any state (spec.md §4.5
// Cancellation). The request is observed once CONFIGURE finishes and at
// each SCANNING poll boundary; a frame already handed to the FrameSender is
// transmitted in full before the FSM returns to IDLE.
func (f *FSM) Stop() {
	select {
	case f.stopCh <- struct{}{}:
	default:
	}
}

func (f *FSM) stopRequested() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

// Run is the main T-fsm loop. It blocks until ctx is cancelled.
func (f *FSM) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-f.startCh:
			if f.State() != StateIdle {
				req.result <- errs.New(errs.KindConfigInvalid, "fsm busy")
				continue
			}
			req.result <- nil
			f.runScanCycle(ctx, req.mode)
		}
	}
}

func (f *FSM) runScanCycle(ctx context.Context, mode Mode) {
	f.setState(StateConfigure)
	if !f.configure(ctx) {
		f.enterError(ctx, errs.KindRegisterVerifyError, "register verify failed")
		return
	}
	if f.stopRequested() {
		f.setState(StateIdle)
		return
	}

	for {
		f.setState(StateArm)
		if !f.arm(ctx) {
			f.enterError(ctx, errs.KindArmTimeout, "arm timed out waiting for busy")
			return
		}

		f.setState(StateScanning)
		result := f.scan(ctx, mode)

		switch result {
		case scanError:
			f.enterError(ctx, errs.KindDeviceFault, "device fault during scan")
			return
		case scanStopped:
			f.setState(StateIdle)
			return
		case scanComplete:
			f.setState(StateComplete)
			if mode != ModeContinuous {
				f.setState(StateIdle)
				return
			}
			// continuous mode: loop back to ARM.
			continue
		}
	}
}

// configure writes geometry registers and reads back to verify, retrying
// each register up to RegisterVerifyRetries times (spec.md §4.5).
func (f *FSM) configure(ctx context.Context) bool {
	f.mu.Lock()
	g := f.geom
	f.mu.Unlock()

	regs := []struct {
		addr uint8
		val  uint16
	}{
		{RegWidth, g.Width},
		{RegHeight, g.Height},
		{RegDepth, g.BitDepth},
		{RegFPS, uint16(g.FPS)},
	}

	for _, reg := range regs {
		verified := false
		for attempt := 0; attempt <= f.opts.RegisterVerifyRetries; attempt++ {
			if ctx.Err() != nil {
				return false
			}
			if err := f.bus.Write(reg.addr, reg.val); err != nil {
				continue
			}
			got, err := f.bus.Read(reg.addr)
			if err == nil && got == reg.val {
				verified = true
				break
			}
		}
		if !verified {
			return false
		}
	}
	return true
}

// arm issues start_scan and awaits the busy acknowledgement within
// ArmTimeout (spec.md §4.5).
func (f *FSM) arm(ctx context.Context) bool {
	if err := f.bus.Write(RegControl, ctrlStartScan); err != nil {
		return false
	}

	deadline := time.Now().Add(f.opts.ArmTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		status, err := f.bus.Read(RegStatus)
		if err == nil && status&statusBusy != 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

type scanResult int

const (
	scanComplete scanResult = iota
	scanStopped
	scanError
)

// scan polls status, acquires incoming frames via the ring, and forwards
// them via Transport, implementing the SCANNING/STREAMING states of
// spec.md §4.5.
func (f *FSM) scan(ctx context.Context, mode Mode) scanResult {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return scanStopped
		case <-ticker.C:
		}

		if f.stopRequested() {
			return scanStopped
		}

		status, err := f.bus.Read(RegStatus)
		if err != nil {
			return scanError
		}
		if status&statusError != 0 {
			return scanError
		}

		buf, err := f.source.NextFrameBuffer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return scanStopped
			}
			continue // no frame ready this poll
		}

		slotID, evicted, err := f.ringBuf.AcquireFill()
		if err != nil {
			f.source.Release(buf)
			continue
		}
		n := copy(f.ringBuf.Buffer(slotID), buf)
		f.source.Release(buf)
		f.ringBuf.CommitReady(slotID)

		sendID, sendErr := f.ringBuf.AcquireSend(ctx, f.opts.PollInterval)
		if sendErr != nil {
			continue
		}
		fr := frame.Frame{
			Width:      f.geom.Width,
			Height:     f.geom.Height,
			BitDepth:   f.geom.BitDepth,
			Pixels:     append([]byte(nil), f.ringBuf.Buffer(sendID)[:n]...),
			ErrorFrame: evicted,
		}
		if f.counters != nil {
			f.counters.IncFramesReceived()
		}
		if f.sender != nil {
			if err := f.sender.SendFrame(fr); err != nil && f.log != nil {
				f.log.Warn("send_frame failed", "error_kind", errs.KindTransportError.String())
			}
		}
		f.ringBuf.ReleaseSend(sendID)

		if mode == ModeSingle {
			return scanComplete
		}
	}
}

// enterError runs the ERROR state recovery loop: log, clear error via the
// control substrate, retry up to ErrorRecoveryRetries times. Only
// DeviceFault is something a status-register clear can plausibly resolve;
// RegisterVerifyError and ArmTimeout reflect a configuration/timing
// problem the device's error bit never recorded in the first place, so
// they go straight to "exhausted" rather than polling a bit that will
// never flip. This split isn't spelled out in spec.md §4.5, which names a
// single generic recovery loop for all ERROR entries; see DESIGN.md.
func (f *FSM) enterError(ctx context.Context, kind errs.Kind, message string) {
	f.setState(StateError)
	if f.log != nil {
		f.log.Error(message, "error_kind", kind.String())
	}

	if kind == errs.KindDeviceFault {
		for attempt := 0; attempt < f.opts.ErrorRecoveryRetries; attempt++ {
			if ctx.Err() != nil {
				break
			}
			if err := f.bus.Write(RegControl, ctrlClearError); err == nil {
				status, readErr := f.bus.Read(RegStatus)
				if readErr == nil && status&statusError == 0 {
					f.setState(StateIdle)
					return
				}
			}
		}
	}

	if f.notifier != nil {
		f.notifier.NotifyError(kind, message)
	}
	f.setState(StateIdle)
}
