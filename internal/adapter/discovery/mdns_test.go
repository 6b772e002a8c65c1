package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelink/internal/infra/config"
	"gatelink/internal/infra/logger"
)

func TestEntryToGatewayIPv4(t *testing.T) {
	entry := zeroconf.NewServiceEntry("office-gw", "_gatelink-gw._tcp", "local.")
	entry.HostName = "office.local."
	entry.Port = 18789
	entry.Text = []string{"version=1.4.0", "protocol=3"}
	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}

	gw, ok := entryToGateway(entry)
	require.True(t, ok)
	assert.Equal(t, "office-gw", gw.Instance)
	assert.Equal(t, "office.local", gw.Host)
	assert.Equal(t, "192.168.1.10:18789", gw.Address)
	assert.Equal(t, "ws://192.168.1.10:18789", gw.URL)
	assert.Equal(t, "1.4.0", gw.Version)
	assert.Equal(t, 3, gw.Protocol)
}

func TestEntryToGatewayIPv6TLSPath(t *testing.T) {
	entry := zeroconf.NewServiceEntry("secure", "_gatelink-gw._tcp", "local.")
	entry.Port = 443
	entry.Text = []string{"tls=1", "path=/gw"}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	gw, ok := entryToGateway(entry)
	require.True(t, ok)
	assert.Equal(t, "[fe80::1]:443", gw.Address)
	assert.Equal(t, "wss://[fe80::1]:443/gw", gw.URL)
}

func TestEntryWithoutAddressIsSkipped(t *testing.T) {
	entry := zeroconf.NewServiceEntry("ghost", "_gatelink-gw._tcp", "local.")
	_, ok := entryToGateway(entry)
	assert.False(t, ok)
}

func TestParseTXTRecords(t *testing.T) {
	m := parseTXTRecords([]string{"k1=v1", "k2=a=b", "flag", "empty="})
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "a=b", "empty": ""}, m)
}

func TestConfigDefaults(t *testing.T) {
	d := NewMDNS(ConfigFrom(config.DiscoveryConfig{}), logger.Discard())
	assert.Equal(t, "_gatelink-gw._tcp", d.cfg.Service)
	assert.Equal(t, "local.", d.cfg.Domain)
	assert.Equal(t, 3*time.Second, d.cfg.Timeout)
}
