package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"gatelink/internal/infra/config"
)

// Config selects the DNS-SD service to browse or register.
type Config struct {
	Service string
	Domain  string
	Timeout time.Duration
}

// ConfigFrom builds a discovery Config from the application config.
func ConfigFrom(cfg config.DiscoveryConfig) Config {
	return Config{Service: cfg.Service, Domain: cfg.Domain, Timeout: cfg.Timeout}
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "_gatelink-gw._tcp"
	}
	if c.Domain == "" {
		c.Domain = "local."
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

// Gateway is one advertised gateway.
type Gateway struct {
	Instance string            `json:"instance"`
	Host     string            `json:"host"`
	Address  string            `json:"address"`
	URL      string            `json:"url"`
	Version  string            `json:"version,omitempty"`
	Protocol int               `json:"protocol,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MDNS finds and advertises gateways on the local network.
type MDNS struct {
	cfg    Config
	logger *slog.Logger
}

// NewMDNS creates an MDNS discoverer.
func NewMDNS(cfg Config, logger *slog.Logger) *MDNS {
	cfg.applyDefaults()
	return &MDNS{cfg: cfg, logger: logger}
}

// Browse lists gateways that answer within the configured timeout.
func (d *MDNS) Browse(ctx context.Context) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	found := make(map[string]Gateway)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			gw, ok := entryToGateway(entry)
			if !ok {
				continue
			}
			mu.Lock()
			found[gw.Instance] = gw
			mu.Unlock()
			d.logger.Debug("mdns discovered gateway", "instance", gw.Instance, "url", gw.URL)
		}
	}()

	if err := resolver.Browse(scanCtx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]Gateway, 0, len(found))
	for _, gw := range found {
		out = append(out, gw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// Advertise registers a gateway under name. It blocks until ctx is cancelled.
func (d *MDNS) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)

	server, err := zeroconf.Register(name, d.cfg.Service, d.cfg.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	defer server.Shutdown()

	d.logger.Info("mdns advertising gateway", "name", name, "port", port, "service", d.cfg.Service)
	<-ctx.Done()
	return nil
}

func entryToGateway(entry *zeroconf.ServiceEntry) (Gateway, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Gateway{}, false
	}

	meta := parseTXTRecords(entry.Text)
	address := net.JoinHostPort(host, strconv.Itoa(entry.Port))
	scheme := "ws"
	if meta["tls"] == "1" || meta["tls"] == "true" {
		scheme = "wss"
	}
	protocol, _ := strconv.Atoi(meta["protocol"])

	return Gateway{
		Instance: entry.Instance,
		Host:     strings.TrimSuffix(entry.HostName, "."),
		Address:  address,
		URL:      scheme + "://" + address + meta["path"],
		Version:  meta["version"],
		Protocol: protocol,
		Metadata: meta,
	}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}
