// Package client is the Host SDK (spec.md §4 "Host side"): it owns the
// control-channel round trip and the data-channel receive pipeline a
// consuming application uses to drive one detector. Session bookkeeping
// (sequence counter, pending-response matching) follows the same
// single-struct-holds-the-socket-and-some-counters shape as the teacher's
// kissutil.go TCP client, generalized from a KISS TNC connection to the
// UDP control/data pair named in spec.md §3.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/rawformat"
	"github.com/detectorlab/xraydet/internal/reassembler"
	"github.com/detectorlab/xraydet/internal/transport"
	"github.com/detectorlab/xraydet/internal/wire"
)

// Status mirrors control.Status without importing internal/control, so
// control's type does not appear in this package's public API.
type Status byte

const (
	StatusOK Status = iota
	StatusError
	StatusBusy
)

// StatusReport is the decoded GET_STATUS response (spec.md §4.6).
type StatusReport struct {
	State              byte
	FramesReceived     uint64
	FramesSent         uint64
	FramesDropped      uint64
	AuthFailures       uint64
	CrcErrors          uint64
	ReassemblyTimeouts uint64
	LastErrorKind      errs.Kind
}

// Mode selects the scan mode for StartScan (mirrors fsm.Mode's three
// values without importing internal/fsm).
type Mode byte

const (
	ModeSingle Mode = iota
	ModeContinuous
	ModeCalibration
)

// Options configures a Client.
type Options struct {
	HMACKey         []byte
	ReassemblyOpts  reassembler.Options
	ResponseTimeout time.Duration
}

// Client is a connected session to one detector: a control-channel UDP
// socket plus a data-channel receive pipeline.
type Client struct {
	controlConn *net.UDPConn
	controlAddr *net.UDPAddr
	dataConn    *net.UDPConn

	key     []byte
	seq     atomic.Uint32
	timeout time.Duration

	counters *counters.Counters
	recv     *transport.Receiver
	reasm    *reassembler.Reassembler

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// Connect dials controlAddr and dataAddr and starts the data-channel
// receive pipeline. The returned Client must be closed with Disconnect.
func Connect(ctx context.Context, controlAddr, dataAddr string, opts Options) (*Client, error) {
	cAddr, err := net.ResolveUDPAddr("udp4", controlAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve control addr: %w", err)
	}
	controlConn, err := net.DialUDP("udp4", nil, cAddr)
	if err != nil {
		return nil, fmt.Errorf("client: dial control: %w", err)
	}

	dConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		controlConn.Close()
		return nil, fmt.Errorf("client: listen data: %w", err)
	}
	if dataAddr != "" {
		remote, err := net.ResolveUDPAddr("udp4", dataAddr)
		if err == nil {
			dConn.Close()
			dConn, err = net.DialUDP("udp4", nil, remote)
			if err != nil {
				controlConn.Close()
				return nil, fmt.Errorf("client: dial data: %w", err)
			}
		}
	}

	c := &counters.Counters{}
	recv := transport.NewReceiver(dConn, c, nil)
	reasm := reassembler.New(opts.ReassemblyOpts, c)

	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = recv.RunIntake(runCtx) }()
	go func() { _ = recv.RunDecode(runCtx) }()

	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	return &Client{
		controlConn: controlConn,
		controlAddr: cAddr,
		dataConn:    dConn,
		key:         opts.HMACKey,
		timeout:     timeout,
		counters:    c,
		recv:        recv,
		reasm:       reasm,
		cancel:      cancel,
	}, nil
}

// Disconnect tears down both sockets and stops the receive pipeline.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	_ = c.controlConn.Close()
	_ = c.dataConn.Close()
	return nil
}

func (c *Client) nextSeq() uint32 {
	return c.seq.Add(1)
}

// roundTrip sends a command and waits up to c.timeout for a matching
// response, skipping any stray/unrelated datagrams read before it.
func (c *Client) roundTrip(id wire.CommandID, payload []byte) (wire.CommandFrame, error) {
	seq := c.nextSeq()
	cmd := wire.EncodeCommand(seq, id, payload, c.key)

	if err := c.controlConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return wire.CommandFrame{}, err
	}
	if _, err := c.controlConn.Write(cmd); err != nil {
		return wire.CommandFrame{}, fmt.Errorf("client: send command: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, err := c.controlConn.Read(buf)
		if err != nil {
			return wire.CommandFrame{}, fmt.Errorf("client: read response: %w", err)
		}
		resp, err := wire.DecodeCommand(buf[:n], c.key)
		if err != nil {
			continue
		}
		if resp.Sequence != seq {
			continue
		}
		return resp, nil
	}
}

// StartScan sends START_SCAN and reports the decoded status byte.
func (c *Client) StartScan(mode Mode) (Status, error) {
	resp, err := c.roundTrip(wire.CmdStartScan, []byte{byte(mode)})
	if err != nil {
		return StatusError, err
	}
	return statusFromPayload(resp.Payload), nil
}

// StopScan sends STOP_SCAN.
func (c *Client) StopScan() (Status, error) {
	resp, err := c.roundTrip(wire.CmdStopScan, nil)
	if err != nil {
		return StatusError, err
	}
	return statusFromPayload(resp.Payload), nil
}

// GetStatus sends GET_STATUS and decodes the cached counters/state.
func (c *Client) GetStatus() (StatusReport, error) {
	resp, err := c.roundTrip(wire.CmdGetStatus, nil)
	if err != nil {
		return StatusReport{}, err
	}
	return decodeStatusReport(resp.Payload)
}

// SetConfig sends SET_CONFIG with an ASCII "key=value" payload.
func (c *Client) SetConfig(key, value string) (Status, error) {
	payload := []byte(key + "=" + value)
	resp, err := c.roundTrip(wire.CmdSetConfig, payload)
	if err != nil {
		return StatusError, err
	}
	return statusFromPayload(resp.Payload), nil
}

// Reset sends RESET.
func (c *Client) Reset() (Status, error) {
	resp, err := c.roundTrip(wire.CmdReset, nil)
	if err != nil {
		return StatusError, err
	}
	return statusFromPayload(resp.Payload), nil
}

// Frames is a lazy pull-based sequence of reassembled frames: each call to
// Next blocks until a complete frame has been reassembled from the data
// channel, or ctx is cancelled.
type Frames struct {
	client *Client
	ctx    context.Context
}

// Frames returns a lazy pull-based iterator over reassembled frames,
// matching the "frames()" operation named in spec.md §4 Host side.
func (c *Client) Frames(ctx context.Context) *Frames {
	return &Frames{client: c, ctx: ctx}
}

// Next blocks for the next complete frame. It returns false when ctx is
// cancelled; Disconnect on its own does not end a blocked Next.
func (fr *Frames) Next() (Frame, bool) {
	for {
		select {
		case <-fr.ctx.Done():
			return Frame{}, false
		case pkt, ok := <-fr.client.recv.Packets():
			if !ok {
				return Frame{}, false
			}
			f, complete := fr.client.reasm.Process(pkt)
			if complete {
				return Frame(f), true
			}
		}
	}
}

// Frame is the Host-facing reassembled image, re-exported from
// internal/frame so pkg/client's public API doesn't leak an internal type.
type Frame struct {
	Sequence    uint32
	TimestampUs uint64
	Width       uint16
	Height      uint16
	BitDepth    uint16
	Pixels      []byte
	ErrorFrame  bool
}

// SaveFrame persists f to dir using internal/rawformat, honoring
// spec.md §4's save_frame operation.
func (c *Client) SaveFrame(f Frame, dir string) (string, error) {
	return rawformat.SaveFrame(frame.Frame(f), rawformat.SaveOptions{Dir: dir})
}

func statusFromPayload(payload []byte) Status {
	if len(payload) == 0 {
		return StatusError
	}
	return Status(payload[0])
}

// decodeStatusReport parses a GET_STATUS response payload, which is laid
// out as [response_status_byte][fsm_state_byte][6 uint64 counters][2
// last_error_kind bytes] by control.Plane.handleGetStatus.
func decodeStatusReport(payload []byte) (StatusReport, error) {
	if len(payload) < 52 {
		return StatusReport{}, fmt.Errorf("client: short status payload")
	}
	return StatusReport{
		State:              payload[1],
		FramesReceived:     leU64(payload[2:10]),
		FramesSent:         leU64(payload[10:18]),
		FramesDropped:      leU64(payload[18:26]),
		AuthFailures:       leU64(payload[26:34]),
		CrcErrors:          leU64(payload[34:42]),
		ReassemblyTimeouts: leU64(payload[42:50]),
		LastErrorKind:      errs.Kind(uint16(payload[50]) | uint16(payload[51])<<8),
	}, nil
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
