// Package discovery advertises the wire server on the local network so
// playback clients can find it without configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/hashicorp/mdns"
)

const serviceType = "_zonecast._tcp"

// Config holds the advertised service parameters.
type Config struct {
	// InstanceName is the human-visible service instance name.
	InstanceName string
	// Port is the wire server's listen port.
	Port int
	// Logger for structured logging.
	Logger *slog.Logger
}

// Advertiser announces the wire server over mDNS until stopped.
type Advertiser struct {
	config Config
	logger *slog.Logger
	server *mdns.Server
}

// NewAdvertiser creates an advertiser. Call Start to begin announcing.
func NewAdvertiser(config Config) *Advertiser {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.InstanceName == "" {
		config.InstanceName = "zonecast"
	}
	return &Advertiser{config: config, logger: config.Logger}
}

// Start publishes the service record.
func (a *Advertiser) Start() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("enumerating local addresses: %w", err)
	}

	service, err := mdns.NewMDNSService(
		a.config.InstanceName,
		serviceType,
		"",
		"",
		a.config.Port,
		ips,
		[]string{"path=/ws"},
	)
	if err != nil {
		return fmt.Errorf("creating mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("starting mdns server: %w", err)
	}
	a.server = server

	a.logger.Info("mdns advertisement started",
		slog.String("instance", a.config.InstanceName),
		slog.String("service", serviceType),
		slog.Int("port", a.config.Port))
	return nil
}

// Stop withdraws the service record.
func (a *Advertiser) Stop() {
	if a.server != nil {
		_ = a.server.Shutdown()
		a.server = nil
	}
}

// localIPs returns the non-loopback IPv4 addresses of up interfaces.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
