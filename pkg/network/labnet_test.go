package network

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/maillab/internal/types"
)

func testMACs() map[string]string {
	return map[string]string{
		"sender": "52:54:00:aa:bb:05",
		"valid":  "52:54:00:aa:bb:07",
	}
}

func TestConfigFromTopology(t *testing.T) {
	topo := types.Default()

	config, err := ConfigFromTopology(topo, testMACs())
	require.NoError(t, err)
	require.Equal(t, "maillab", config.Name)
	require.Equal(t, "192.168.33.0/24", config.Subnet.String())
	require.Equal(t, "192.168.33.1", config.Gateway.String())
	require.Len(t, config.Leases, 2)
	require.Equal(t, HostLease{
		MAC:      "52:54:00:aa:bb:05",
		IP:       "192.168.33.5",
		Hostname: "sender",
	}, config.Leases[0])
}

func TestConfigFromTopologyMissingMAC(t *testing.T) {
	topo := types.Default()

	_, err := ConfigFromTopology(topo, map[string]string{"sender": "52:54:00:aa:bb:05"})
	require.ErrorIs(t, err, ErrMissingLeaseMAC)
	require.Contains(t, err.Error(), "valid")
}

func TestConfigFromTopologyBadSubnet(t *testing.T) {
	topo := types.Default()
	topo.Subnet = "not-a-subnet"

	_, err := ConfigFromTopology(topo, testMACs())
	require.ErrorIs(t, err, types.ErrInvalidSubnet)
}

func TestGenerateNetworkXML(t *testing.T) {
	config, err := ConfigFromTopology(types.Default(), testMACs())
	require.NoError(t, err)

	xml, err := GenerateNetworkXML(config)
	require.NoError(t, err)

	var parsed libvirtxml.Network
	require.NoError(t, parsed.Unmarshal(xml))

	require.Equal(t, "maillab", parsed.Name)
	require.NotNil(t, parsed.Forward)
	require.Equal(t, "nat", parsed.Forward.Mode)

	require.Len(t, parsed.IPs, 1)
	ip := parsed.IPs[0]
	require.Equal(t, "192.168.33.1", ip.Address)
	require.Equal(t, "255.255.255.0", ip.Netmask)

	require.NotNil(t, ip.DHCP)
	require.Len(t, ip.DHCP.Ranges, 1)
	require.Equal(t, "192.168.33.2", ip.DHCP.Ranges[0].Start)
	require.Equal(t, "192.168.33.254", ip.DHCP.Ranges[0].End)

	require.Len(t, ip.DHCP.Hosts, 2)
	require.Equal(t, "52:54:00:aa:bb:05", ip.DHCP.Hosts[0].MAC)
	require.Equal(t, "192.168.33.5", ip.DHCP.Hosts[0].IP)
	require.Equal(t, "52:54:00:aa:bb:07", ip.DHCP.Hosts[1].MAC)
	require.Equal(t, "192.168.33.7", ip.DHCP.Hosts[1].IP)
}

func TestGenerateNetworkXMLIPv6Subnet(t *testing.T) {
	config := Config{
		Name:    "maillab",
		Subnet:  netip.MustParsePrefix("fd00::/64"),
		Gateway: netip.MustParseAddr("fd00::1"),
	}

	_, err := GenerateNetworkXML(config)
	require.ErrorIs(t, err, ErrSubnetNotIPv4)
}

func TestGenerateNetworkXMLNameRequired(t *testing.T) {
	config, err := ConfigFromTopology(types.Default(), testMACs())
	require.NoError(t, err)
	config.Name = ""

	_, err = GenerateNetworkXML(config)
	require.ErrorIs(t, err, ErrNetworkNameRequired)
}

func TestManagerValidation(t *testing.T) {
	mgr := NewManager(nil)
	ctx := context.Background()

	require.ErrorIs(t, mgr.Create(ctx, Config{Name: "maillab"}), ErrConnNil)
	require.ErrorIs(t, mgr.Create(ctx, Config{}), ErrConnNil)

	_, err := mgr.Get(ctx, "")
	require.ErrorIs(t, err, ErrNetworkNameRequired)
	_, err = mgr.Get(ctx, "maillab")
	require.ErrorIs(t, err, ErrConnNil)

	require.ErrorIs(t, mgr.Delete(ctx, ""), ErrNetworkNameRequired)
	require.ErrorIs(t, mgr.Delete(ctx, "maillab"), ErrConnNil)
}
