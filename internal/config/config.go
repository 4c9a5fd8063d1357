// Package config loads the INI file consumed by both binaries, parsing the
// keys of spec.md §6 with gopkg.in/ini.v1; the client loader does not read
// max_clients (see Client). The parser itself is an
// external collaborator per spec.md §1 ("the INI-style configuration parser
// ... [is] treated as external"); this package is the thin adapter that
// turns parsed keys into the plain option structs the core reads, the way
// the teacher's p2p.Config is a plain struct of options with no behavior of
// its own.
package config

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/ini.v1"
)

// Client holds the config keys spec.md §6 lists as "consumed by the core"
// for the client binary, plus the keepalive interval original_source keeps
// alongside timeout. It has no max_clients field: LoadClient ignores that
// key, and the client's peer table is built with no responder cap.
type Client struct {
	LocalHost     net.IP
	LocalPort     uint16
	ServerHost    string
	ServerPort    uint16
	TunMTU        int
	Interface     string
	UseLocalAddr  bool
	VPNIP         net.IP
	Network       *net.IPNet
	Certificate   string
	Key           string
	CACertificates string
	CRLFile       string
	CipherList    string
	FifoSize      int
	ClientMaxRate float64 // kB/s, 0 disables the client-wide bucket
	ConnectionMaxRate float64 // kB/s, 0 disables per-peer buckets
	Timeout       time.Duration
	Keepalive     time.Duration

	TunUp   string
	TunDown string
}

// Server holds the RDV server's config keys.
type Server struct {
	Port       uint16
	MaxClients int
}

const defaultTunMTU = 1400

// LoadClient parses path as an INI file shaped like campagnol.conf and
// returns the populated Client config. Keys absent from the file keep Go's
// zero value except where the original defines a non-zero default.
func LoadClient(path string) (*Client, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	sec := f.Section("")

	c := &Client{
		TunMTU:    defaultTunMTU,
		Timeout:   30 * time.Second,
		Keepalive: 10 * time.Second,
		FifoSize:  100,
	}

	if sec.HasKey("local_host") {
		c.LocalHost = net.ParseIP(sec.Key("local_host").String())
	}
	if sec.HasKey("local_port") {
		v, err := sec.Key("local_port").Uint()
		if err != nil {
			return nil, fmt.Errorf("config: local_port: %w", err)
		}
		c.LocalPort = uint16(v)
	}
	c.ServerHost = sec.Key("server_host").String()
	if sec.HasKey("server_port") {
		v, err := sec.Key("server_port").Uint()
		if err != nil {
			return nil, fmt.Errorf("config: server_port: %w", err)
		}
		c.ServerPort = uint16(v)
	}
	if sec.HasKey("tun_mtu") {
		v, err := sec.Key("tun_mtu").Int()
		if err != nil {
			return nil, fmt.Errorf("config: tun_mtu: %w", err)
		}
		c.TunMTU = v
	}
	c.Interface = sec.Key("interface").String()
	c.UseLocalAddr = sec.Key("use_local_addr").MustBool(false)

	if sec.HasKey("vpn_ip") {
		c.VPNIP = net.ParseIP(sec.Key("vpn_ip").String())
		if c.VPNIP == nil {
			return nil, fmt.Errorf("config: vpn_ip: invalid address %q", sec.Key("vpn_ip").String())
		}
	}
	if sec.HasKey("network") {
		_, netw, err := net.ParseCIDR(sec.Key("network").String())
		if err != nil {
			return nil, fmt.Errorf("config: network: %w", err)
		}
		c.Network = netw
	}

	c.Certificate = sec.Key("certificate").String()
	c.Key = sec.Key("key").String()
	c.CACertificates = sec.Key("ca_certificates").String()
	c.CRLFile = sec.Key("crl_file").String()
	c.CipherList = sec.Key("cipher_list").String()

	if sec.HasKey("fifo_size") {
		v, err := sec.Key("fifo_size").Int()
		if err != nil {
			return nil, fmt.Errorf("config: fifo_size: %w", err)
		}
		c.FifoSize = v
	}
	if sec.HasKey("client_max_rate") {
		v, err := sec.Key("client_max_rate").Float64()
		if err != nil {
			return nil, fmt.Errorf("config: client_max_rate: %w", err)
		}
		c.ClientMaxRate = v
	}
	if sec.HasKey("connection_max_rate") {
		v, err := sec.Key("connection_max_rate").Float64()
		if err != nil {
			return nil, fmt.Errorf("config: connection_max_rate: %w", err)
		}
		c.ConnectionMaxRate = v
	}
	if sec.HasKey("timeout") {
		v, err := sec.Key("timeout").Int()
		if err != nil {
			return nil, fmt.Errorf("config: timeout: %w", err)
		}
		c.Timeout = time.Duration(v) * time.Second
	}
	if sec.HasKey("keepalive") {
		v, err := sec.Key("keepalive").Int()
		if err != nil {
			return nil, fmt.Errorf("config: keepalive: %w", err)
		}
		c.Keepalive = time.Duration(v) * time.Second
	}

	c.TunUp = sec.Key("tun_client_script_up").String()
	c.TunDown = sec.Key("tun_client_script_down").String()

	if c.ServerHost == "" {
		return nil, fmt.Errorf("config: server_host is required")
	}
	if c.VPNIP == nil {
		return nil, fmt.Errorf("config: vpn_ip is required")
	}
	return c, nil
}

// LoadServer parses an INI file holding the RDV server's keys (server_port,
// max_clients). The campagnol-rdv binary does not call it: it takes these
// settings from its CLI flags only (spec.md §6 "Server").
func LoadServer(path string) (*Server, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	sec := f.Section("")
	s := &Server{Port: 5000}
	if sec.HasKey("server_port") {
		v, err := sec.Key("server_port").Uint()
		if err != nil {
			return nil, fmt.Errorf("config: server_port: %w", err)
		}
		s.Port = uint16(v)
	}
	if sec.HasKey("max_clients") {
		v, err := sec.Key("max_clients").Int()
		if err != nil {
			return nil, fmt.Errorf("config: max_clients: %w", err)
		}
		s.MaxClients = v
	}
	return s, nil
}
