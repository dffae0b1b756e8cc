package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/frame"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func Test_sendFrame_receiverReassembles(t *testing.T) {
	sendConn := listenLoopback(t)
	recvConn := listenLoopback(t)

	c := &counters.Counters{}
	recv := NewReceiver(recvConn, c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = recv.RunIntake(ctx) }()
	go func() { _ = recv.RunDecode(ctx) }()

	width, height := uint16(16), uint16(16)
	pixels := make([]byte, int(width)*int(height)*2)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	f := frame.Frame{Sequence: 7, TimestampUs: 123, Width: width, Height: height, BitDepth: 16, Pixels: pixels}

	err := SendFrame(sendConn, recvConn.LocalAddr(), f, SendOptions{RetriesPerPacket: 2}, c)
	require.NoError(t, err)

	select {
	case pkt := <-recv.Packets():
		assert.Equal(t, uint32(7), pkt.Header.FrameSeq)
		assert.Equal(t, width, pkt.Header.Width)
		assert.True(t, pkt.Header.LastPacket)
	case <-time.After(time.Second):
		t.Fatal("did not receive a decoded packet")
	}
}

func Test_sendFrame_multiPacketOrdering(t *testing.T) {
	sendConn := listenLoopback(t)
	recvConn := listenLoopback(t)

	c := &counters.Counters{}
	recv := NewReceiver(recvConn, c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = recv.RunIntake(ctx) }()
	go func() { _ = recv.RunDecode(ctx) }()

	width, height := uint16(128), uint16(128) // 32768 bytes => 4 packets of 8192-byte payload budget
	pixels := make([]byte, int(width)*int(height)*2)
	f := frame.Frame{Sequence: 1, Width: width, Height: height, BitDepth: 16, Pixels: pixels}

	require.NoError(t, SendFrame(sendConn, recvConn.LocalAddr(), f, SendOptions{}, c))

	var indexes []uint16
	for i := 0; i < 4; i++ {
		select {
		case pkt := <-recv.Packets():
			indexes = append(indexes, pkt.Header.PacketIndex)
			assert.Equal(t, uint16(4), pkt.Header.TotalPackets)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for packet")
		}
	}
	assert.Equal(t, []uint16{0, 1, 2, 3}, indexes)
}
