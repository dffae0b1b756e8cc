// Command xrayctl is the operator-facing CLI for one detector (spec.md §4
// "Host side" operations, exposed as subcommands rather than a library
// call). Each subcommand owns its own pflag.FlagSet, the same
// one-FlagSet-per-concern shape the teacher uses for its handful of
// standalone utilities (kissutil.go, aprsgGlobe.go), generalized here from
// a single flat flag set to one per verb since xrayctl has several
// distinct operations instead of one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/detectorlab/xraydet/internal/discovery"
	"github.com/detectorlab/xraydet/pkg/client"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

const (
	exitOK    = 0
	exitUsage = 1
	exitFail  = 2
)

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	verb, rest := args[0], args[1:]
	switch verb {
	case "discover":
		return cmdDiscover(rest)
	case "start":
		return cmdStart(rest)
	case "stop":
		return cmdStop(rest)
	case "status":
		return cmdStatus(rest)
	case "set-config":
		return cmdSetConfig(rest)
	case "reset":
		return cmdReset(rest)
	case "capture":
		return cmdCapture(rest)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "xrayctl: unknown command %q\n", verb)
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "xrayctl - operator CLI for an x-ray detector")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage: xrayctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  discover     browse the network for advertised detectors")
	fmt.Fprintln(os.Stderr, "  start        start a scan")
	fmt.Fprintln(os.Stderr, "  stop         stop the active scan")
	fmt.Fprintln(os.Stderr, "  status       print cached status and counters")
	fmt.Fprintln(os.Stderr, "  set-config   set one configuration key")
	fmt.Fprintln(os.Stderr, "  reset        clear a latched error and return to IDLE")
	fmt.Fprintln(os.Stderr, "  capture      connect and save a number of frames to disk")
}

// hmacKey reads DETECTOR_HMAC_KEY, the same shared secret xray-soc requires
// at startup; every subcommand that talks to a detector needs it.
func hmacKey() ([]byte, error) {
	key := os.Getenv("DETECTOR_HMAC_KEY")
	if key == "" {
		return nil, fmt.Errorf("DETECTOR_HMAC_KEY must be set")
	}
	return []byte(key), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func cmdDiscover(args []string) int {
	fs := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse before reporting results.")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	found := 0
	err := discovery.Browse(ctx, func(f discovery.Found) {
		found++
		fmt.Printf("%s\t%s:%s\n", f.Name, f.Host, discovery.PortString(f.Port))
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "xrayctl: discover:", err)
		return exitFail
	}
	if found == 0 {
		fmt.Fprintln(os.Stderr, "xrayctl: no detectors found")
	}
	return exitOK
}

func connectFlags(fs *pflag.FlagSet) (*string, *string) {
	control := fs.String("control", "127.0.0.1:8001", "Detector control address (host:port).")
	data := fs.String("data", "", "Detector data address (host:port); only needed for capture.")
	return control, data
}

func cmdStart(args []string) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	control, _ := connectFlags(fs)
	mode := fs.String("mode", "single", "Scan mode: single, continuous, or calibration.")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	key, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	m, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, "", client.Options{HMACKey: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	status, err := c.StartScan(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: start:", err)
		return exitFail
	}
	fmt.Println(statusName(status))
	return exitOK
}

func cmdStop(args []string) int {
	fs := pflag.NewFlagSet("stop", pflag.ContinueOnError)
	control, _ := connectFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	key, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, "", client.Options{HMACKey: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	status, err := c.StopScan()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: stop:", err)
		return exitFail
	}
	fmt.Println(statusName(status))
	return exitOK
}

func cmdStatus(args []string) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	control, _ := connectFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	key, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, "", client.Options{HMACKey: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	report, err := c.GetStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: status:", err)
		return exitFail
	}

	fmt.Printf("state              %d\n", report.State)
	fmt.Printf("frames_received    %d\n", report.FramesReceived)
	fmt.Printf("frames_sent        %d\n", report.FramesSent)
	fmt.Printf("frames_dropped     %d\n", report.FramesDropped)
	fmt.Printf("auth_failures      %d\n", report.AuthFailures)
	fmt.Printf("crc_errors         %d\n", report.CrcErrors)
	fmt.Printf("reassembly_timeouts %d\n", report.ReassemblyTimeouts)
	fmt.Printf("last_error_kind    %s\n", report.LastErrorKind)
	return exitOK
}

func cmdSetConfig(args []string) int {
	fs := pflag.NewFlagSet("set-config", pflag.ContinueOnError)
	control, _ := connectFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "xrayctl: set-config requires exactly one key=value argument")
		return exitUsage
	}
	key, value, ok := cutKV(fs.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "xrayctl: set-config argument must be key=value")
		return exitUsage
	}

	hkey, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, "", client.Options{HMACKey: hkey})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	status, err := c.SetConfig(key, value)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: set-config:", err)
		return exitFail
	}
	fmt.Println(statusName(status))
	return exitOK
}

func cmdReset(args []string) int {
	fs := pflag.NewFlagSet("reset", pflag.ContinueOnError)
	control, _ := connectFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	key, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, "", client.Options{HMACKey: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	status, err := c.Reset()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: reset:", err)
		return exitFail
	}
	fmt.Println(statusName(status))
	return exitOK
}

func cmdCapture(args []string) int {
	fs := pflag.NewFlagSet("capture", pflag.ContinueOnError)
	control, data := connectFlags(fs)
	outDir := fs.StringP("out", "o", ".", "Directory to save captured frames into.")
	count := fs.IntP("count", "n", 1, "Number of frames to capture before exiting.")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *data == "" {
		fmt.Fprintln(os.Stderr, "xrayctl: capture requires --data")
		return exitUsage
	}

	key, err := hmacKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl:", err)
		return exitFail
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, *control, *data, client.Options{HMACKey: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrayctl: connect:", err)
		return exitFail
	}
	defer c.Disconnect()

	frames := c.Frames(ctx)
	for i := 0; i < *count; i++ {
		f, ok := frames.Next()
		if !ok {
			fmt.Fprintln(os.Stderr, "xrayctl: capture: stopped early")
			return exitFail
		}
		path, err := c.SaveFrame(f, *outDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "xrayctl: save frame:", err)
			return exitFail
		}
		fmt.Println(path)
	}
	return exitOK
}

func parseMode(s string) (client.Mode, error) {
	switch s {
	case "single":
		return client.ModeSingle, nil
	case "continuous":
		return client.ModeContinuous, nil
	case "calibration":
		return client.ModeCalibration, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func statusName(s client.Status) string {
	switch s {
	case client.StatusOK:
		return "ok"
	case client.StatusBusy:
		return "busy"
	default:
		return "error"
	}
}

func cutKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
