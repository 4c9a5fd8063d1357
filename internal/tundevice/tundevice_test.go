package tundevice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandSubstitutesAllPlaceholders(t *testing.T) {
	_, netw, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)

	p := Params{
		VPNIP:     net.ParseIP("10.0.0.2"),
		MTU:       1400,
		Network:   netw,
		LocalPort: 40000,
		LocalIP:   net.ParseIP("203.0.113.7"),
	}

	tmpl := "ifconfig %D %V netmask %n mtu %M; echo %N %P %I"
	got := expand(tmpl, "tap0", p)
	require.Equal(t, "ifconfig tap0 10.0.0.2 netmask 255.255.255.0 mtu 1400; echo 10.0.0.0/24 40000 203.0.113.7", got)
}

func TestExpandEmptyTemplateYieldsEmptyString(t *testing.T) {
	require.Equal(t, "", expand("", "tap0", Params{}))
}

func TestExpandHandlesNilAddresses(t *testing.T) {
	got := expand("%V %N %n %I", "tap0", Params{})
	require.Equal(t, "   ", got)
}
