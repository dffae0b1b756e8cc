// Package discovery announces and browses the control-plane service over
// mDNS/DNS-SD, grounded directly on the teacher's dns_sd.go: the same
// github.com/brutella/dnssd responder, generalized from announcing a KISS
// TCP port to announcing the detector's UDP control port.
package discovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brutella/dnssd"

	"github.com/detectorlab/xraydet/internal/logging"
)

// ServiceType is the DNS-SD service type the SoC advertises and xrayctl
// browses for.
const ServiceType = "_xray-ctl._udp"

// Announcer advertises the control port on the local network. The zero
// value is not usable; build with NewAnnouncer.
type Announcer struct {
	log *logging.Logger
	rp  dnssd.Responder
}

// NewAnnouncer starts a DNS-SD responder advertising name on controlPort.
// Like the teacher's dns_sd_announce, failures here are logged and leave
// the detector running without discovery rather than aborting startup;
// control is still reachable if the operator already knows the address.
func NewAnnouncer(ctx context.Context, name string, controlPort int, log *logging.Logger) (*Announcer, error) {
	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: controlPort,
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: new service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: new responder: %w", err)
	}

	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("discovery: add service: %w", err)
	}

	a := &Announcer{log: log, rp: rp}

	go func() {
		if err := rp.Respond(ctx); err != nil && log != nil {
			log.Warn("dns-sd responder stopped", "error", err.Error())
		}
	}()

	if log != nil {
		log.Info("dns-sd announcing control service", "name", name, "port", controlPort)
	}

	return a, nil
}

// Found is one detector discovered on the network.
type Found struct {
	Name string
	Host string
	Port int
}

// Browse collects detectors advertising ServiceType for the duration of
// ctx, calling onFound as each one resolves. It is the xrayctl-side
// counterpart to Announcer, browsing rather than advertising.
func Browse(ctx context.Context, onFound func(Found)) error {
	addFn := func(e dnssd.BrowseEntry) {
		host := e.Host
		if len(e.IPs) > 0 {
			host = e.IPs[0].String()
		}
		onFound(Found{Name: e.Name, Host: host, Port: e.Port})
	}
	removeFn := func(e dnssd.BrowseEntry) {}

	return dnssd.LookupType(ctx, ServiceType, addFn, removeFn)
}

// PortString renders a port as DNS-SD config wants it logged (decimal,
// no leading zero padding) — a trivial helper kept only because callers in
// cmd/xrayctl format discovered addresses as host:port strings repeatedly.
func PortString(port int) string {
	return strconv.Itoa(port)
}
