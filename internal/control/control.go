// Package control implements the Control Plane (spec.md §4.6): an
// authenticated, replay-protected UDP command channel that drives the Scan
// FSM and serves cached status. The per-source sequence bookkeeping mirrors
// the teacher's dlq_register_callsign pattern of a small per-client table
// guarding a shared resource, generalized here from a callsign key to a
// UDP source address key.
package control

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/fsm"
	"github.com/detectorlab/xraydet/internal/logging"
	"github.com/detectorlab/xraydet/internal/wire"
)

// Status is the outcome byte carried in every response payload.
type Status byte

const (
	StatusOK Status = iota
	StatusError
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	default:
		return "error"
	}
}

// ConfigStore applies SET_CONFIG keys, distinguishing hot (applied
// immediately) from cold (require IDLE) per spec.md §3.
type ConfigStore interface {
	// IsCold reports whether key is cold (requires the FSM to be IDLE; the
	// caller checks this before calling Apply for a cold key while scanning).
	// Apply validates and applies key=value. It returns errs.KindConfigInvalid
	// for an unknown key or malformed value.
	IsCold(key string) bool
	Apply(key, value string) error
}

// lastSeen tracks replay protection per spec.md §4.6 step 2: a source's
// next accepted command sequence must be strictly greater than the last
// one accepted from that same source.
type lastSeen struct {
	mu   sync.Mutex
	seqs map[string]uint32
}

func newLastSeen() *lastSeen {
	return &lastSeen{seqs: map[string]uint32{}}
}

// admit reports whether seq from source extends the source's sequence, and
// if so records it. Sources are never seen before their first command, so
// seq=0 is accepted from an unknown source (matches S5 in spec.md §8, which
// starts numbering at 1 and treats the first command as always fresh).
func (l *lastSeen) admit(source string, seq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.seqs[source]
	if ok && seq <= last {
		return false
	}
	l.seqs[source] = seq
	return true
}

// FSMHandle is the narrow surface of *fsm.FSM the Plane needs: enough to
// start/stop scans, read cached state, and push a new cold geometry. It is
// satisfied by *fsm.FSM directly.
type FSMHandle interface {
	Start(ctx context.Context, mode fsm.Mode) error
	Stop()
	State() fsm.State
}

// Plane is the Control Plane: it decodes and authenticates inbound
// CommandFrames, enforces replay protection, and dispatches to the FSM.
type Plane struct {
	key      []byte
	seqs     *lastSeen
	fsmRef   FSMHandle
	counters *counters.Counters
	cfg      ConfigStore
	log      *logging.Logger

	mu        sync.Mutex
	lastError *errorRecord
	onSource  func(net.Addr)
}

// SetSourceHook registers fn to be called with the UDP source address of
// every authenticated, non-replayed command. cmd/xray-soc uses this to
// learn where to point the data channel's sender, since the control and
// data channels share a source host but have no other handshake linking
// them (spec.md §3 names the two channels as independent UDP endpoints).
func (p *Plane) SetSourceHook(fn func(net.Addr)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSource = fn
}

type errorRecord struct {
	kind errs.Kind
	msg  string
	at   time.Time
}

// New builds a Plane bound to fsmRef and cfg, authenticating with key.
func New(key []byte, fsmRef FSMHandle, cfg ConfigStore, c *counters.Counters, log *logging.Logger) *Plane {
	return &Plane{
		key:      key,
		seqs:     newLastSeen(),
		fsmRef:   fsmRef,
		counters: c,
		cfg:      cfg,
		log:      log,
	}
}

// SetFSM binds the FSM this Plane dispatches to. It exists so main can
// break the construction cycle between *fsm.FSM (which needs a Notifier at
// construction) and *Plane (which needs an FSMHandle): build the Plane
// first with a nil FSMHandle, construct the FSM with that Plane as its
// Notifier, then call SetFSM.
func (p *Plane) SetFSM(h FSMHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fsmRef = h
}

// NotifyError implements fsm.Notifier: the FSM calls this on an
// unrecoverable ERROR-state transition, and the Plane caches it for the
// next GET_STATUS (spec.md §4.6, last_error field).
func (p *Plane) NotifyError(kind errs.Kind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastError = &errorRecord{kind: kind, msg: message, at: stamp()}
}

// stamp exists so NotifyError's timestamp source is a single call site;
// real wall-clock time is fine here since nothing in this package needs to
// be deterministic under replay the way reassembler's clock does.
func stamp() time.Time { return time.Now() }

// Handle decodes, authenticates, and dispatches one datagram from source,
// returning the bytes to send back, or nil if the datagram must be
// silently dropped (spec.md §4.6 step 1: BadMagic/Truncated/BadHmac, and a
// replay violation, are all discarded with no response).
func (p *Plane) Handle(ctx context.Context, raw []byte, source net.Addr) []byte {
	cmd, err := wire.DecodeCommand(raw, p.key)
	if err != nil {
		p.counters.IncAuthFailures()
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.KindBadHmac && p.log != nil {
			p.log.Warn("command hmac mismatch", "source", source.String())
		}
		return nil
	}

	key := source.String()
	if !p.seqs.admit(key, cmd.Sequence) {
		p.counters.IncAuthFailures()
		if p.log != nil {
			p.log.Warn("command replay rejected", "source", key, "sequence", cmd.Sequence)
		}
		return nil
	}

	if p.onSource != nil {
		p.onSource(source)
	}

	switch cmd.CommandID {
	case wire.CmdStartScan:
		return p.handleStart(ctx, cmd)
	case wire.CmdStopScan:
		return p.handleStop(cmd)
	case wire.CmdGetStatus:
		return p.handleGetStatus(cmd)
	case wire.CmdSetConfig:
		return p.handleSetConfig(cmd)
	case wire.CmdReset:
		return p.handleReset(cmd)
	default:
		return p.respond(cmd, StatusError, nil)
	}
}

func (p *Plane) respond(cmd wire.CommandFrame, status Status, extra []byte) []byte {
	payload := append([]byte{byte(status)}, extra...)
	return wire.EncodeResponse(cmd.Sequence, cmd.CommandID, payload, p.key)
}

// handleStart decodes a one-byte mode selector and starts the FSM. Per
// spec.md §4.6 step 3, BUSY is returned rather than blocking if the FSM is
// not IDLE; the payload format for calibration-mode parameters was an open
// question in spec.md, resolved here (see DESIGN.md) by reserving a
// second payload byte for a calibration tier, currently unused by the FSM.
func (p *Plane) handleStart(ctx context.Context, cmd wire.CommandFrame) []byte {
	if len(cmd.Payload) < 1 {
		return p.respond(cmd, StatusError, nil)
	}
	mode := fsm.Mode(cmd.Payload[0])
	if p.fsmRef.State() != fsm.StateIdle {
		return p.respond(cmd, StatusBusy, nil)
	}
	if err := p.fsmRef.Start(ctx, mode); err != nil {
		return p.respond(cmd, StatusBusy, nil)
	}
	return p.respond(cmd, StatusOK, nil)
}

func (p *Plane) handleStop(cmd wire.CommandFrame) []byte {
	p.fsmRef.Stop()
	return p.respond(cmd, StatusOK, nil)
}

// handleGetStatus must complete without touching the device (spec.md §4.6:
// <=50ms, cached values only). FSM.State (a read under the FSM's short
// state mutex) and Counters.Snapshot (atomic loads) are both in-memory
// reads, so this path never waits on a device round-trip.
func (p *Plane) handleGetStatus(cmd wire.CommandFrame) []byte {
	state := p.fsmRef.State()
	snap := p.counters.Snapshot()

	p.mu.Lock()
	last := p.lastError
	p.mu.Unlock()

	payload := make([]byte, 1+6*8+2)
	payload[0] = byte(state)
	binary.LittleEndian.PutUint64(payload[1:9], snap.FramesReceived)
	binary.LittleEndian.PutUint64(payload[9:17], snap.FramesSent)
	binary.LittleEndian.PutUint64(payload[17:25], snap.FramesDropped)
	binary.LittleEndian.PutUint64(payload[25:33], snap.AuthFailures)
	binary.LittleEndian.PutUint64(payload[33:41], snap.CrcErrors)
	binary.LittleEndian.PutUint64(payload[41:49], snap.ReassemblyTimeouts)
	if last != nil {
		binary.LittleEndian.PutUint16(payload[49:51], uint16(last.kind))
	}

	return p.respond(cmd, StatusOK, payload)
}

// handleSetConfig parses an ASCII "key=value" payload. Cold keys are
// rejected with BUSY unless the FSM is IDLE, per spec.md §3's hot/cold
// classification. Each accepted cold key is applied on its own: the
// ConfigStore's cold-key callback (wired by cmd/xray-soc) pushes the updated
// geometry into the FSM right away. A single SET_CONFIG call carries one
// key, matching the one-key-per-command framing used elsewhere in spec.md
// §4.6 — a format spec.md leaves unspecified, resolved here and recorded in
// DESIGN.md.
func (p *Plane) handleSetConfig(cmd wire.CommandFrame) []byte {
	key, value, ok := splitKV(cmd.Payload)
	if !ok {
		return p.respond(cmd, StatusError, nil)
	}
	if p.cfg.IsCold(key) && p.fsmRef.State() != fsm.StateIdle {
		return p.respond(cmd, StatusBusy, nil)
	}
	if err := p.cfg.Apply(key, value); err != nil {
		return p.respond(cmd, StatusError, nil)
	}
	return p.respond(cmd, StatusOK, nil)
}

// handleReset implements spec.md §4.6/§7's RESET: request the FSM to
// transition to IDLE and reinitialize, rather than rejecting with BUSY
// while a scan is in progress — RESET is the operator's way out of a
// stuck or scanning detector, not a command that only works once the FSM
// has already gotten there on its own.
func (p *Plane) handleReset(cmd wire.CommandFrame) []byte {
	if p.fsmRef.State() != fsm.StateIdle {
		p.fsmRef.Stop()
	}
	p.mu.Lock()
	p.lastError = nil
	p.mu.Unlock()
	return p.respond(cmd, StatusOK, nil)
}

func splitKV(payload []byte) (key, value string, ok bool) {
	for i, b := range payload {
		if b == '=' {
			return string(payload[:i]), string(payload[i+1:]), true
		}
	}
	return "", "", false
}
