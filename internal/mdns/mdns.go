// Package mdns announces the build agent on the local network so other
// hosts can find its inspection API.
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_pkgforge._tcp"

// Service announces the agent over mDNS.
type Service struct {
	server *zeroconf.Server
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger}
}

// Register announces the agent service. Interface selection honors the
// PKGFORGE_INTERFACE and PKGFORGE_IP overrides, otherwise auto-detects
// non-loopback interfaces outside container network ranges.
func (s *Service) Register(ctx context.Context, port int) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	ifaces, err := s.selectInterfaces()
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		return fmt.Errorf("no suitable network interfaces found")
	}

	server, err := zeroconf.Register(
		hostname,
		serviceType,
		"local.",
		port,
		[]string{"api=rest"},
		ifaces,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.server = server

	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	s.logger.Info("registered mDNS service",
		"hostname", hostname,
		"service", serviceType,
		"port", port,
		"interfaces", names,
	)
	return nil
}

func (s *Service) selectInterfaces() ([]net.Interface, error) {
	if name := os.Getenv("PKGFORGE_INTERFACE"); name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", name, err)
		}
		s.logger.Info("using manual interface", "interface", name)
		return []net.Interface{*iface}, nil
	}

	if manualIP := os.Getenv("PKGFORGE_IP"); manualIP != "" {
		targetIP := net.ParseIP(manualIP)
		if targetIP == nil {
			return nil, fmt.Errorf("invalid IP address: %s", manualIP)
		}
		all, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("failed to list interfaces: %w", err)
		}
		for _, iface := range all {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(targetIP) {
					s.logger.Info("using interface for IP", "ip", manualIP, "interface", iface.Name)
					return []net.Interface{iface}, nil
				}
			}
		}
		return nil, fmt.Errorf("no interface found with IP %s", manualIP)
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	var ifaces []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipv4 := ipnet.IP.To4(); ipv4 != nil && !isContainerNetwork(ipv4) {
				ifaces = append(ifaces, iface)
				break
			}
		}
	}
	return ifaces, nil
}

// isContainerNetwork reports whether an IP falls in common container bridge
// ranges, which mDNS announcements should avoid.
func isContainerNetwork(ip net.IP) bool {
	for _, cidr := range []string{"172.16.0.0/12", "10.0.0.0/8"} {
		_, network, _ := net.ParseCIDR(cidr)
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Shutdown stops the announcement.
func (s *Service) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("mDNS service shutdown")
	}
}

// Discover finds other build agents on the local network.
func Discover(ctx context.Context, timeout time.Duration) ([]*zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var results []*zeroconf.ServiceEntry
	done := make(chan struct{})
	go func() {
		for entry := range entries {
			results = append(results, entry)
		}
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("failed to browse mDNS: %w", err)
	}
	<-ctx.Done()
	<-done
	return results, nil
}
