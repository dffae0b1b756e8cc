// Package healthsink runs the periodic watchdog pet and caches the outcome
// as health flags readable through Snapshot without touching the register
// bus. The Control Plane's GET_STATUS response does not include these
// flags. The ticker-driven periodic loop
// follows the teacher's igate.go connect_thread heartbeat cadence, swapping
// "send a heartbeat to the IGate server" for "pet the hardware watchdog
// register".
package healthsink

import (
	"context"
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/logging"
)

// WatchdogRegister is the subset of fsm.RegisterBus the sink needs to pet
// the watchdog; satisfied directly by any fsm.RegisterBus.
type WatchdogRegister interface {
	Write(addr uint8, data uint16) error
}

const (
	regWatchdog  uint8  = 0x20
	petPattern   uint16 = 0xA5A5
)

// Flags is the cached health snapshot returned by Snapshot.
type Flags struct {
	WatchdogHealthy bool
	LastPetAt       time.Time
}

// Sink pets the watchdog register on a fixed interval and caches whether
// the last pet succeeded.
type Sink struct {
	bus      WatchdogRegister
	interval time.Duration
	log      *logging.Logger

	mu    sync.Mutex
	flags Flags
}

// New builds a Sink that pets bus every interval.
func New(bus WatchdogRegister, interval time.Duration, log *logging.Logger) *Sink {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sink{bus: bus, interval: interval, log: log}
}

// Run pets the watchdog until ctx is cancelled. Intended to run in its own
// goroutine alongside the FSM's Run loop.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pet()
		}
	}
}

func (s *Sink) pet() {
	err := s.bus.Write(regWatchdog, petPattern)
	s.mu.Lock()
	s.flags.WatchdogHealthy = err == nil
	s.flags.LastPetAt = time.Now()
	s.mu.Unlock()
	if err != nil && s.log != nil {
		s.log.Warn("watchdog pet failed", "error", err.Error())
	}
}

// Snapshot returns the most recently cached Flags.
func (s *Sink) Snapshot() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}
