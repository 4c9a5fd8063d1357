// Package tundevice wraps github.com/songgao/water to provide the
// point-to-point IPv4 tunnel device of spec.md §6: a device the core can
// Read one IP packet from and Write one IP packet to, with up/down command
// templates run around its lifetime. Device setup/teardown semantics
// themselves stay external to the core per spec.md §1 — this package only
// owns the read/write/up/down surface.
package tundevice

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// Params carries the values substituted into the up/down command templates,
// per spec.md §6: %D device name, %V VPN IP, %M MTU, %N subnet string, %n
// netmask IP, %P local UDP port, %I local IP.
type Params struct {
	VPNIP      net.IP
	MTU        int
	Network    *net.IPNet
	LocalPort  uint16
	LocalIP    net.IP
	UpCommand  string
	DownCommand string
}

// Device is an open TUN interface plus the commands needed to bring it up
// and tear it down.
type Device struct {
	iface *water.Interface
	log   *logrus.Entry
	down  string
	name  string
	mtu   int
}

// Open creates the OS TUN interface and runs the configured up command,
// substituting Params into it the way original_source's tun_client invokes
// vpnclient_script with argv-style expansion.
func Open(p Params, log *logrus.Entry) (*Device, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("tundevice: create: %w", err)
	}

	d := &Device{
		iface: iface,
		log:   log.WithField("tun", iface.Name()),
		down:  expand(p.DownCommand, iface.Name(), p),
		name:  iface.Name(),
		mtu:   p.MTU,
	}

	up := expand(p.UpCommand, iface.Name(), p)
	if up != "" {
		if err := runShell(up); err != nil {
			iface.Close()
			return nil, fmt.Errorf("tundevice: up command: %w", err)
		}
	}
	d.log.WithField("mtu", p.MTU).Info("tundevice: up")
	return d, nil
}

// Name returns the OS-assigned interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the configured tun_mtu.
func (d *Device) MTU() int { return d.mtu }

// Read reads one full IP packet into buf.
func (d *Device) Read(buf []byte) (int, error) {
	return d.iface.Read(buf)
}

// Write injects one IP packet.
func (d *Device) Write(buf []byte) (int, error) {
	return d.iface.Write(buf)
}

// Close runs the down command and releases the OS interface.
func (d *Device) Close() error {
	if d.down != "" {
		if err := runShell(d.down); err != nil {
			d.log.WithError(err).Warn("tundevice: down command failed")
		}
	}
	d.log.Info("tundevice: down")
	return d.iface.Close()
}

func expand(tmpl, devName string, p Params) string {
	if tmpl == "" {
		return ""
	}
	r := strings.NewReplacer(
		"%D", devName,
		"%V", ipString(p.VPNIP),
		"%M", strconv.Itoa(p.MTU),
		"%N", networkString(p.Network),
		"%n", netmaskString(p.Network),
		"%P", strconv.Itoa(int(p.LocalPort)),
		"%I", ipString(p.LocalIP),
	)
	return r.Replace(tmpl)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func networkString(n *net.IPNet) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func netmaskString(n *net.IPNet) string {
	if n == nil {
		return ""
	}
	mask := net.IP(n.Mask)
	return mask.String()
}

func runShell(cmd string) error {
	c := exec.Command("/bin/sh", "-c", cmd)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
