// Package transport implements the Transport component (spec.md §4.4):
// datagram ingress into a bounded queue with oldest-drop overflow, a
// decode stage that filters by magic/CRC before handing packets to the
// Reassembler, and a fragmenting send path. Socket tuning borrows from the
// wider example corpus rather than the teacher (which never leaves AX.25
// audio): golang.org/x/sys/unix sizes the receive buffer and
// golang.org/x/net/ipv4 requests per-packet control data so jumbo-frame
// MTU expectations (spec.md §6) are explicit rather than left to OS
// defaults.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/logging"
	"github.com/detectorlab/xraydet/internal/wire"
)

// RawQueueCapacity is the bounded intake queue size for raw datagrams
// (spec.md §4.4), decoupling network scheduling jitter from decode latency.
const RawQueueCapacity = 4096

// maxDatagram is generous headroom over HeaderSize+MaxPayload for a single
// read; UDP datagrams larger than this are simply truncated by ReadFrom,
// which is acceptable since such a datagram could never be a valid packet.
const maxDatagram = wire.HeaderSize + wire.MaxPayload + 64

// TuneSocket enlarges the kernel receive buffer for the data socket and
// requests packet-info control messages, so a future listener can confirm
// inbound interface MTU against the jumbo-frame expectation in spec.md §6.
// Failures are non-fatal: a smaller buffer only affects how much bursty
// loss the kernel can absorb before our own RawQueueCapacity engages.
func TuneSocket(conn *net.UDPConn, rcvBufBytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if sockErr != nil {
		return sockErr
	}

	pc := ipv4.NewPacketConn(conn)
	// Best-effort; not all platforms support packet info on UDP sockets.
	_ = pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)

	return nil
}

// Receiver runs the two-stage ingress pipeline: RunIntake drains the socket
// into a bounded raw queue (oldest-drop on overflow), RunDecode drains that
// queue, validates via internal/wire, and forwards good packets.
type Receiver struct {
	conn     net.PacketConn
	raw      chan []byte
	out      chan wire.Packet
	counters *counters.Counters
	log      *logging.Logger
}

// NewReceiver wraps conn (already bound to the data endpoint).
func NewReceiver(conn net.PacketConn, c *counters.Counters, log *logging.Logger) *Receiver {
	return &Receiver{
		conn:     conn,
		raw:      make(chan []byte, RawQueueCapacity),
		out:      make(chan wire.Packet, RawQueueCapacity),
		counters: c,
		log:      log,
	}
}

// Packets returns the channel of packets that passed magic/CRC validation.
func (r *Receiver) Packets() <-chan wire.Packet { return r.out }

// RunIntake is T-recv (spec.md §5): read datagrams until ctx is cancelled,
// pushing each into the bounded raw queue. On overflow the oldest queued
// datagram is discarded, never the newest arrival, mirroring the Frame
// Ring's oldest-drop discipline.
func (r *Receiver) RunIntake(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close() // unblocks the in-flight ReadFrom
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case r.raw <- pkt:
		default:
			select {
			case <-r.raw:
			default:
			}
			select {
			case r.raw <- pkt:
			default:
			}
		}
	}
}

// RunDecode is T-decode (spec.md §5): drain the raw queue, decode via
// internal/wire, discard and count anything failing magic/CRC, and forward
// the rest.
func (r *Receiver) RunDecode(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.raw:
			if !ok {
				return nil
			}
			hdr, err := wire.DecodeFrameHeader(raw)
			if err != nil {
				if r.counters != nil {
					r.counters.IncCrcErrors()
				}
				if r.log != nil {
					r.log.Warn("dropped packet failing header validation", "error_kind", err.Error())
				}
				continue
			}

			payload := append([]byte(nil), raw[wire.HeaderSize:]...)
			pkt := wire.Packet{Header: hdr, Payload: payload}

			select {
			case r.out <- pkt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ErrBackpressure is a non-fatal warning: the frame period budget was
// exceeded but transmission continued regardless (spec.md §4.4).
var ErrBackpressure = errors.New("transport: frame send exceeded its period budget")

// SendOptions configures the send path's retry and backpressure budget.
type SendOptions struct {
	RetriesPerPacket int
	FrameBudget      time.Duration
}

// SendFrame fragments f into MaxPayload-sized packets, encodes each via
// internal/wire, and transmits them in strictly increasing packet_index
// (spec.md §5). A packet that fails every retry is dropped, incrementing
// frames_dropped once for the whole frame; transmission of the remaining
// packets continues. Per-packet send failures are not returned as errors;
// the only error SendFrame returns is ErrBackpressure, after all packets
// have been attempted, when opts.FrameBudget was exceeded. The budget never
// stops transmission early.
func SendFrame(conn net.PacketConn, dest net.Addr, f frame.Frame, opts SendOptions, c *counters.Counters) error {
	total := len(f.Pixels)
	n := (total + wire.MaxPayload - 1) / wire.MaxPayload
	if n == 0 {
		n = 1
	}

	start := time.Now()
	dropped := false

	for idx := 0; idx < n; idx++ {
		lo := idx * wire.MaxPayload
		hi := lo + wire.MaxPayload
		if hi > total {
			hi = total
		}

		hdr := wire.FrameHeader{
			FrameSeq:     f.Sequence,
			TimestampUs:  f.TimestampUs,
			Width:        f.Width,
			Height:       f.Height,
			BitDepth:     f.BitDepth,
			PacketIndex:  uint16(idx),
			TotalPackets: uint16(n),
			LastPacket:   idx == n-1,
			ErrorFrame:   f.ErrorFrame,
		}
		encodedHeader := wire.EncodeFrameHeader(hdr)

		datagram := make([]byte, 0, wire.HeaderSize+(hi-lo))
		datagram = append(datagram, encodedHeader[:]...)
		datagram = append(datagram, f.Pixels[lo:hi]...)

		if !sendWithRetry(conn, dest, datagram, opts.RetriesPerPacket) {
			dropped = true
		}
	}

	if dropped && c != nil {
		c.IncFramesDropped()
	}

	if opts.FrameBudget > 0 && time.Since(start) > opts.FrameBudget {
		return ErrBackpressure
	}
	return nil
}

func sendWithRetry(conn net.PacketConn, dest net.Addr, datagram []byte, retries int) bool {
	for attempt := 0; attempt <= retries; attempt++ {
		if _, err := conn.WriteTo(datagram, dest); err == nil {
			return true
		}
	}
	return false
}
