// Package discovery advertises the coordinator over mDNS/DNS-SD so anchors
// on the local network can find it without static configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/version"
)

const (
	ServiceType = "_uwbsync._tcp"
	Domain      = "local."
)

// PortFromListen extracts the port of a listen address such as ":8080" or
// "0.0.0.0:8080".
func PortFromListen(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in listen address %q", listen)
	}
	return port, nil
}

// TXTRecords describes the service to browsers.
func TXTRecords() []string {
	return []string{
		"service=" + version.Service,
		"version=" + version.Version,
		"register=/anchorRegistration",
	}
}

// Advertise registers instance on port and keeps it announced until ctx is
// done.
func Advertise(ctx context.Context, instance string, port int, log *slog.Logger) error {
	log = monitoring.OrDefault(log).With("component", "discovery")
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, TXTRecords(), nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}
	log.Info("advertising over mdns", "instance", instance, "service", ServiceType, "port", port)

	<-ctx.Done()
	server.Shutdown()
	log.Info("mdns advertisement stopped")
	return nil
}

// Instance is one coordinator found on the network.
type Instance struct {
	Name  string
	Host  string
	Port  int
	Addrs []net.IP
	Text  []string
}

// Browse lists coordinators answering within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	var found []Instance
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found, nil
			}
			found = append(found, Instance{
				Name:  entry.Instance,
				Host:  entry.HostName,
				Port:  entry.Port,
				Addrs: append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...),
				Text:  entry.Text,
			})
		case <-ctx.Done():
			return found, nil
		}
	}
}
