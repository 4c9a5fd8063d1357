package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "campagnol.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClientParsesAllKeys(t *testing.T) {
	path := writeTempConf(t, `
local_host = 127.0.0.1
local_port = 40000
server_host = rdv.example.org
server_port = 5000
tun_mtu = 1300
interface = tap0
use_local_addr = true
vpn_ip = 10.0.0.2
network = 10.0.0.0/24
certificate = client.crt
key = client.key
ca_certificates = ca.crt
crl_file = ca.crl
cipher_list = ECDHE-RSA-AES256-GCM-SHA384
fifo_size = 200
client_max_rate = 512
connection_max_rate = 128
timeout = 45
keepalive = 15
`)

	c, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "rdv.example.org", c.ServerHost)
	require.Equal(t, uint16(5000), c.ServerPort)
	require.Equal(t, 1300, c.TunMTU)
	require.True(t, c.UseLocalAddr)
	require.Equal(t, "10.0.0.2", c.VPNIP.String())
	require.Equal(t, "10.0.0.0/24", c.Network.String())
	require.Equal(t, 200, c.FifoSize)
	require.Equal(t, 512.0, c.ClientMaxRate)
	require.Equal(t, 128.0, c.ConnectionMaxRate)
	require.Equal(t, int64(45), int64(c.Timeout.Seconds()))
}

func TestLoadClientDefaultsWhenOptionalKeysAbsent(t *testing.T) {
	path := writeTempConf(t, `
server_host = rdv.example.org
vpn_ip = 10.0.0.2
`)
	c, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, defaultTunMTU, c.TunMTU)
	require.Equal(t, 100, c.FifoSize)
	require.False(t, c.UseLocalAddr)
}

func TestLoadClientMissingRequiredKeysErrors(t *testing.T) {
	path := writeTempConf(t, `tun_mtu = 1400`)
	_, err := LoadClient(path)
	require.Error(t, err)
}

func TestLoadClientInvalidVPNIPErrors(t *testing.T) {
	path := writeTempConf(t, `
server_host = rdv.example.org
vpn_ip = not-an-ip
`)
	_, err := LoadClient(path)
	require.Error(t, err)
}

func TestLoadServerDefaultsPort(t *testing.T) {
	path := writeTempConf(t, `max_clients = 64`)
	s, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, uint16(5000), s.Port)
	require.Equal(t, 64, s.MaxClients)
}
