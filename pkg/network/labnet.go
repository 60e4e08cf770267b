/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package network manages the private libvirt NAT network the lab guests
// attach to. Each guest gets a DHCP host reservation so its address matches
// the topology, which is what the /etc/hosts records assume.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/maillab/internal/types"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrMissingLeaseMAC     = errors.New("no MAC address assigned for machine")
	ErrSubnetTooSmall      = errors.New("subnet has no usable address range")
	ErrSubnetNotIPv4       = errors.New("subnet must be IPv4")
)

// HostLease is one static DHCP reservation: the guest with MAC always
// receives IP.
type HostLease struct {
	MAC      string
	IP       string
	Hostname string
}

// Config describes the lab network.
type Config struct {
	Name    string
	Subnet  netip.Prefix
	Gateway netip.Addr
	Leases  []HostLease
}

// ConfigFromTopology builds the network config for a topology. macs maps
// machine name to the MAC address its domain will use.
func ConfigFromTopology(topo types.Topology, macs map[string]string) (Config, error) {
	subnet, err := netip.ParsePrefix(topo.Subnet)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %q: %w", types.ErrInvalidSubnet, topo.Subnet, err)
	}

	gatewayStr, err := topo.Gateway()
	if err != nil {
		return Config{}, err
	}
	gateway, err := netip.ParseAddr(gatewayStr)
	if err != nil {
		return Config{}, fmt.Errorf("%w: gateway %q: %w", types.ErrInvalidSubnet, gatewayStr, err)
	}

	leases := make([]HostLease, 0, len(topo.Machines))
	for _, machine := range topo.Machines {
		mac, ok := macs[machine.Name]
		if !ok {
			return Config{}, fmt.Errorf("%w: %s", ErrMissingLeaseMAC, machine.Name)
		}
		leases = append(leases, HostLease{
			MAC:      mac,
			IP:       machine.IP,
			Hostname: machine.Name,
		})
	}

	return Config{
		Name:    topo.Name,
		Subnet:  subnet,
		Gateway: gateway,
		Leases:  leases,
	}, nil
}

// Manager manages the lab network on a libvirt host.
type Manager struct {
	conn *libvirt.Connect
}

// NewManager creates a Manager using the given libvirt connection.
func NewManager(conn *libvirt.Connect) *Manager {
	return &Manager{conn: conn}
}

// Info describes an existing lab network.
type Info struct {
	Name       string
	BridgeName string
	IsActive   bool
}

// Create defines and starts the lab network. Idempotent: an existing network
// is started when inactive and otherwise left alone.
func (m *Manager) Create(ctx context.Context, config Config) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if config.Name == "" {
		return ErrNetworkNameRequired
	}

	info, err := m.Get(ctx, config.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if info != nil {
		return m.ensureActive(config.Name)
	}

	networkXML, err := GenerateNetworkXML(config)
	if err != nil {
		return err
	}

	network, err := m.conn.NetworkDefineXML(networkXML)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}

	// Autostart is convenient but not required for a throwaway lab.
	_ = network.SetAutostart(true)

	return nil
}

func (m *Manager) ensureActive(name string) error {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("failed to lookup network: %v", err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %v", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("%w: %v", ErrStartNetwork, err)
		}
	}
	return nil
}

// Get returns information about the lab network, or ErrNetworkNotFound.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	defer func() { _ = network.Free() }()

	isActive, err := network.IsActive()
	if err != nil {
		return nil, fmt.Errorf("failed to check network state: %v", err)
	}

	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get network XML: %v", err)
	}

	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("failed to parse network XML: %v", err)
	}

	bridgeName := ""
	if networkXML.Bridge != nil {
		bridgeName = networkXML.Bridge.Name
	}

	return &Info{
		Name:       name,
		BridgeName: bridgeName,
		IsActive:   isActive,
	}, nil
}

// Delete stops and removes the lab network. Idempotent: returns nil when the
// network does not exist.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	if m.conn == nil {
		return ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil
		}
		return fmt.Errorf("failed to lookup network: %v", err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %v", err)
	}
	if active {
		if err := network.Destroy(); err != nil {
			return fmt.Errorf("%w: %v", ErrDestroyNetwork, err)
		}
	}

	if err := network.Undefine(); err != nil {
		return fmt.Errorf("%w: %v", ErrUndefineNetwork, err)
	}

	return nil
}

// GenerateNetworkXML renders the libvirt XML for a NAT network serving the
// topology subnet, with one static DHCP host entry per lease.
func GenerateNetworkXML(config Config) (string, error) {
	if config.Name == "" {
		return "", ErrNetworkNameRequired
	}

	rangeStart, rangeEnd, err := dhcpRange(config.Subnet, config.Gateway)
	if err != nil {
		return "", err
	}

	hosts := make([]libvirtxml.NetworkDHCPHost, 0, len(config.Leases))
	for _, lease := range config.Leases {
		hosts = append(hosts, libvirtxml.NetworkDHCPHost{
			MAC:  lease.MAC,
			Name: lease.Hostname,
			IP:   lease.IP,
		})
	}

	network := &libvirtxml.Network{
		Name: config.Name,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		// Empty bridge name lets libvirt pick one.
		Bridge: &libvirtxml.NetworkBridge{
			Name: "",
			STP:  "on",
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: config.Gateway.String(),
				Netmask: netmask(config.Subnet),
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: rangeStart.String(), End: rangeEnd.String()},
					},
					Hosts: hosts,
				},
			},
		},
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return xml, nil
}

// netmask renders the subnet's prefix length in dotted-quad form.
func netmask(subnet netip.Prefix) string {
	mask := net.CIDRMask(subnet.Bits(), 32)
	return net.IP(mask).String()
}

// dhcpRange spans the usable addresses after the gateway, stopping before
// the broadcast address.
func dhcpRange(subnet netip.Prefix, gateway netip.Addr) (netip.Addr, netip.Addr, error) {
	// Topology validation rejects IPv6, but guard the As4 conversion for
	// callers constructing a Config by hand.
	if !subnet.Addr().Is4() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s", ErrSubnetNotIPv4, subnet)
	}

	start := gateway.Next()

	networkAddr := subnet.Masked().Addr().As4()
	mask := net.CIDRMask(subnet.Bits(), 32)
	broadcast := networkAddr
	for i := range broadcast {
		broadcast[i] |= ^mask[i]
	}
	end := netip.AddrFrom4(broadcast).Prev()

	if !subnet.Contains(start) || start.Compare(end) > 0 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s", ErrSubnetTooSmall, subnet)
	}
	return start, end, nil
}
