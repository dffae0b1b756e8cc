// Command xray-soc is the detector-side process: it owns the register bus,
// runs the Scan FSM, frames completed captures onto the data channel, and
// serves the authenticated control channel. Flag parsing and startup
// sequencing follow the shape of the teacher's direwolf/main.go — parse
// flags, load config, wire subsystems, wait for signal — generalized from
// pflag.IntP/StringP option-by-option declarations to this binary's smaller
// flag set.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/detectorlab/xraydet/internal/adapters/framesource"
	"github.com/detectorlab/xraydet/internal/adapters/healthsink"
	"github.com/detectorlab/xraydet/internal/adapters/registerbus"
	"github.com/detectorlab/xraydet/internal/config"
	"github.com/detectorlab/xraydet/internal/control"
	"github.com/detectorlab/xraydet/internal/counters"
	"github.com/detectorlab/xraydet/internal/discovery"
	"github.com/detectorlab/xraydet/internal/frame"
	"github.com/detectorlab/xraydet/internal/fsm"
	"github.com/detectorlab/xraydet/internal/logging"
	"github.com/detectorlab/xraydet/internal/ring"
	"github.com/detectorlab/xraydet/internal/transport"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBindError      = 2
	exitDeviceError    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := pflag.StringP("config", "c", os.Getenv("DETECTOR_CONFIG"), "YAML configuration file path.")
	dryRun := pflag.BoolP("dry-run", "n", false, "Use an in-memory simulated register bus instead of real GPIO.")
	gpioChip := pflag.String("gpio-chip", "gpiochip0", "gpiocdev chip name for the register bus.")
	noDiscovery := pflag.Bool("no-discovery", false, "Disable DNS-SD advertisement of the control service.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	pflag.Parse()

	if *help {
		pflag.Usage()
		return exitOK
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "xray-soc: config:", err)
			return exitConfigError
		}
		cfg = loaded
	}
	cfg = cfg.FromEnv()

	key := []byte(os.Getenv("DETECTOR_HMAC_KEY"))
	if len(key) == 0 {
		fmt.Fprintln(os.Stderr, "xray-soc: DETECTOR_HMAC_KEY must be set")
		return exitConfigError
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	var bus fsm.RegisterBus
	if *dryRun {
		bus = registerbus.NewSim()
	} else {
		gpioBus, err := registerbus.Open(registerbus.Pinout{
			Chip:    *gpioChip,
			Clock:   0,
			DataOut: 1,
			DataIn:  2,
			Latch:   3,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "xray-soc: register bus:", err)
			return exitDeviceError
		}
		defer gpioBus.Close()
		bus = gpioBus
	}

	dataConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DataPort})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xray-soc: bind data port:", err)
		return exitBindError
	}
	defer dataConn.Close()
	if err := transport.TuneSocket(dataConn, 4*1024*1024); err != nil {
		log.Warn("socket tuning failed", "error", err.Error())
	}

	controlConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.ControlPort})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xray-soc: bind control port:", err)
		return exitBindError
	}
	defer controlConn.Close()

	c := &counters.Counters{}
	r := ring.New(int(cfg.Width)*int(cfg.Height)*2, c)

	sender := &udpSender{conn: dataConn, opts: transport.SendOptions{RetriesPerPacket: 2}, counters: c}

	var f *fsm.FSM
	store := config.NewStore(cfg, func(next config.Config) { f.SetGeometry(next.Geometry()) })

	plane := control.New(key, nil, store, c, log.For("control"))
	plane.SetSourceHook(func(source net.Addr) { sender.setDest(source, cfg.DataPort) })

	source := framesource.NewSim(int(cfg.Width), int(cfg.Height), time.Second/time.Duration(cfg.FPS))
	f = fsm.New(bus, source, r, sender, c, plane, log.For("fsm"), cfg.Geometry(), fsm.Options{})
	plane.SetFSM(f)

	health := healthsink.New(bus, 500*time.Millisecond, log.For("health"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if !*noDiscovery {
		if _, err := discovery.NewAnnouncer(ctx, "xray-soc", cfg.ControlPort, log.For("discovery")); err != nil {
			log.Warn("dns-sd announce failed", "error", err.Error())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { f.Run(gctx); return nil })
	g.Go(func() error { health.Run(gctx); return nil })
	g.Go(func() error { return runControlLoop(gctx, controlConn, plane) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("subsystem exited with error", "error", err.Error())
		return exitDeviceError
	}
	return exitOK
}

// udpSender adapts transport.SendFrame to fsm.FrameSender. dest starts nil
// and is learned from the control channel's source address the first time
// a host issues any command (see the plane.SetSourceHook call in run) — the data and
// control channels are otherwise unlinked per spec.md §3.
type udpSender struct {
	conn     *net.UDPConn
	opts     transport.SendOptions
	counters *counters.Counters

	mu   sync.Mutex
	dest *net.UDPAddr
}

// setDest records the host's data-channel address: source's IP paired with
// the configured data port, since the control channel's ephemeral source
// port has nothing to do with the data channel's listener.
func (s *udpSender) setDest(source net.Addr, dataPort int) {
	host, ok := source.(*net.UDPAddr)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = &net.UDPAddr{IP: host.IP, Port: dataPort}
}

func (s *udpSender) SendFrame(f frame.Frame) error {
	s.mu.Lock()
	dest := s.dest
	s.mu.Unlock()
	if dest == nil {
		return nil // no host has connected yet; drop silently like an unplugged cable
	}
	return transport.SendFrame(s.conn, dest, f, s.opts, s.counters)
}

func runControlLoop(ctx context.Context, conn *net.UDPConn, plane *control.Plane) error {
	buf := make([]byte, 2048)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		resp := plane.Handle(ctx, buf[:n], addr)
		if resp != nil {
			_, _ = conn.WriteToUDP(resp, addr)
		}
	}
}
