package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectorlab/xraydet/internal/control"
	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/fsm"
)

var testKey = []byte("integration-test-key-0123456789")

type stubFSM struct {
	state   fsm.State
	started []fsm.Mode
}

func (s *stubFSM) Start(ctx context.Context, mode fsm.Mode) error {
	s.started = append(s.started, mode)
	return nil
}
func (s *stubFSM) Stop()            {}
func (s *stubFSM) State() fsm.State { return s.state }

type stubCfg struct{}

func (stubCfg) IsCold(key string) bool          { return false }
func (stubCfg) Apply(key, value string) error   { return nil }

// runStubServer answers control-plane datagrams on a loopback socket until
// ctx is cancelled, mirroring cmd/xray-soc's control loop at a small scale.
func runStubServer(t *testing.T, ctx context.Context, fsmStub *stubFSM) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	plane := control.New(testKey, fsmStub, stubCfg{}, &counters.Counters{}, nil)

	go func() {
		buf := make([]byte, 2048)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			resp := plane.Handle(ctx, buf[:n], addr)
			if resp != nil {
				_, _ = conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn
}

func Test_client_startScanRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fsmStub := &stubFSM{state: fsm.StateIdle}
	serverConn := runStubServer(t, ctx, fsmStub)

	c, err := Connect(ctx, serverConn.LocalAddr().String(), "", Options{HMACKey: testKey})
	require.NoError(t, err)
	defer c.Disconnect()

	status, err := c.StartScan(ModeSingle)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, []fsm.Mode{fsm.ModeSingle}, fsmStub.started)
}

func Test_client_getStatusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fsmStub := &stubFSM{state: fsm.StateScanning}
	serverConn := runStubServer(t, ctx, fsmStub)

	c, err := Connect(ctx, serverConn.LocalAddr().String(), "", Options{HMACKey: testKey})
	require.NoError(t, err)
	defer c.Disconnect()

	report, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(fsm.StateScanning), report.State)
}
