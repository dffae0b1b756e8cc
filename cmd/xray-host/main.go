// Command xray-host is the long-running host-side daemon: it connects to
// one detector, drains reassembled frames from pkg/client, and saves each
// to disk, reconnecting on failure. The reconnect-and-keep-draining shape
// follows the teacher's igate.go client loop, generalized here from an
// APRS-IS TCP session to the detector's UDP control/data pair.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/detectorlab/xraydet/internal/logging"
	"github.com/detectorlab/xraydet/pkg/client"
)

const (
	exitOK          = 0
	exitConfigError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	control := pflag.String("control", "127.0.0.1:8001", "Detector control address (host:port).")
	data := pflag.String("data", "127.0.0.1:8000", "Detector data address (host:port).")
	outDir := pflag.StringP("out", "o", ".", "Directory to save received frames into.")
	logLevel := pflag.String("log-level", "info", "Log level: debug, info, warn, error, critical.")
	retryDelay := pflag.Duration("retry-delay", 2*time.Second, "Delay before reconnecting after a session ends.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	pflag.Parse()

	if *help {
		pflag.Usage()
		return exitOK
	}

	key := []byte(os.Getenv("DETECTOR_HMAC_KEY"))
	if len(key) == 0 {
		fmt.Fprintln(os.Stderr, "xray-host: DETECTOR_HMAC_KEY must be set")
		return exitConfigError
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "xray-host: output directory:", err)
		return exitConfigError
	}

	log := logging.New(logging.ParseLevel(*logLevel)).For("host")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	for ctx.Err() == nil {
		if err := runSession(ctx, *control, *data, key, *outDir, log); err != nil {
			log.Warn("session ended", "error", err.Error())
		}
		select {
		case <-ctx.Done():
		case <-time.After(*retryDelay):
		}
	}
	return exitOK
}

// runSession connects, drains frames until ctx is cancelled, and saves
// each frame under outDir. It returns early only if Connect fails.
func runSession(ctx context.Context, controlAddr, dataAddr string, key []byte, outDir string, log *logging.Logger) error {
	c, err := client.Connect(ctx, controlAddr, dataAddr, client.Options{HMACKey: key})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Disconnect()

	log.Info("connected", "control", controlAddr, "data", dataAddr)

	frames := c.Frames(ctx)
	for {
		f, ok := frames.Next()
		if !ok {
			return nil
		}
		path, err := c.SaveFrame(f, outDir)
		if err != nil {
			log.Error("save frame failed", "error", err.Error(), "sequence", f.Sequence)
			continue
		}
		log.Info("frame saved", "path", path, "sequence", f.Sequence, "error_frame", f.ErrorFrame)
	}
}
