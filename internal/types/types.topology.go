// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"sigs.k8s.io/yaml"
)

var (
	ErrNoMachines          = errors.New("topology declares no machines")
	ErrDuplicateMachine    = errors.New("duplicate machine name")
	ErrDuplicateIPAddress  = errors.New("duplicate machine IP address")
	ErrDuplicateHostname   = errors.New("duplicate machine hostname")
	ErrInvalidIPAddress    = errors.New("invalid machine IP address")
	ErrSubnetNotIPv4       = errors.New("topology subnet must be IPv4")
	ErrAddressNotIPv4      = errors.New("machine IP address must be IPv4")
	ErrAddressOutOfSubnet  = errors.New("machine IP address outside topology subnet")
	ErrInvalidSubnet       = errors.New("invalid topology subnet")
	ErrMissingBaseImage    = errors.New("base image path is required")
	ErrReadTopologyFile    = errors.New("failed to read topology file")
	ErrParseTopologyFile   = errors.New("failed to parse topology file")
	ErrMissingHostname     = errors.New("machine hostname is required")
	ErrMissingMachineName  = errors.New("machine name is required")
	ErrSharedFolderHostDir = errors.New("shared folder host directory is required")
)

// ------------------------------------------------- TOPOLOGY ------------------------------------------------------- //

// Topology declares the reproducible shape of the mail test environment: a
// private subnet and the machines attached to it. It carries no behavior
// beyond validation; the orchestrator consumes it as literal values.
type Topology struct {
	// Name is the environment name, used to derive libvirt resource names.
	Name string `json:"name"`
	// BaseImage is the qcow2 image every machine is cloned from.
	BaseImage string `json:"baseImage"`
	// Subnet is the private network in CIDR notation, e.g. "192.168.33.0/24".
	Subnet string `json:"subnet"`
	// Machines are the declared guests.
	Machines []Machine `json:"machines"`
}

// Machine declares one guest: its network identity, hypervisor resource
// hint, host-to-guest directory mappings and whether the mail bootstrap
// runs on it.
type Machine struct {
	// Name is the machine name, used as the libvirt domain name suffix.
	Name string `json:"name"`
	// IP is the static private IPv4 address reserved for the machine.
	IP string `json:"ip"`
	// Hostname is the primary (fully qualified) hostname.
	Hostname string `json:"hostname"`
	// Alias is the short host-table alias. Defaults to Name when empty.
	Alias string `json:"alias,omitempty"`
	// MemoryMB is the hypervisor memory hint in MiB.
	MemoryMB uint `json:"memoryMB,omitempty"`
	// SharedFolders are host directories exported into the guest.
	SharedFolders []SharedFolder `json:"sharedFolders,omitempty"`
	// Bootstrap enables the mail bootstrap on this machine.
	Bootstrap bool `json:"bootstrap"`
}

// SharedFolder maps a host directory to a guest mount point.
type SharedFolder struct {
	// HostDir is the directory on the hypervisor host.
	HostDir string `json:"hostDir"`
	// GuestDir is the mount point inside the guest.
	GuestDir string `json:"guestDir"`
}

// HostRecord is one static host-table entry: an address mapped to a primary
// hostname and a short alias.
type HostRecord struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Alias    string `json:"alias"`
}

const defaultMemoryMB = 512

// Default returns the built-in two-node topology: a sending host and a
// well-configured recipient host on 192.168.33.0/24.
func Default() Topology {
	return Topology{
		Name:      "maillab",
		BaseImage: "",
		Subnet:    "192.168.33.0/24",
		Machines: []Machine{
			{
				Name:     "sender",
				IP:       "192.168.33.5",
				Hostname: "sender.example.com",
				Alias:    "sender",
				MemoryMB: defaultMemoryMB,
				SharedFolders: []SharedFolder{
					{HostDir: ".", GuestDir: "/vagrant"},
					{HostDir: "./shared", GuestDir: "/vagrant/shared"},
				},
				Bootstrap: true,
			},
			{
				Name:     "valid",
				IP:       "192.168.33.7",
				Hostname: "valid-example-recipient.com",
				Alias:    "valid",
				MemoryMB: defaultMemoryMB,
				SharedFolders: []SharedFolder{
					{HostDir: ".", GuestDir: "/vagrant"},
					{HostDir: "./shared", GuestDir: "/vagrant/shared"},
				},
				Bootstrap: true,
			},
		},
	}
}

// LoadTopology reads and validates a topology file (YAML or JSON). When path
// is empty the built-in default topology is returned unvalidated against a
// base image, so the caller may still inject one.
func LoadTopology(path string) (Topology, error) {
	if path == "" {
		return Default(), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("%w: %w", ErrReadTopologyFile, err)
	}

	topology := Default()
	if err := yaml.Unmarshal(b, &topology); err != nil {
		return Topology{}, fmt.Errorf("%w: %w", ErrParseTopologyFile, err)
	}

	return topology, nil
}

// Validate checks the configuration-correctness invariants: distinct names,
// addresses and hostnames, addresses parseable and inside the subnet.
func (t Topology) Validate() error {
	if len(t.Machines) == 0 {
		return ErrNoMachines
	}
	if t.BaseImage == "" {
		return ErrMissingBaseImage
	}

	subnet, err := netip.ParsePrefix(t.Subnet)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSubnet, t.Subnet, err)
	}
	// The libvirt network definition (netmask, DHCP range, broadcast) is
	// IPv4 arithmetic, so an IPv6 subnet must be rejected here.
	if !subnet.Addr().Is4() {
		return fmt.Errorf("%w: %q", ErrSubnetNotIPv4, t.Subnet)
	}

	names := make(map[string]struct{}, len(t.Machines))
	addrs := make(map[string]struct{}, len(t.Machines))
	hostnames := make(map[string]struct{}, len(t.Machines))

	for _, m := range t.Machines {
		if m.Name == "" {
			return ErrMissingMachineName
		}
		if m.Hostname == "" {
			return fmt.Errorf("%w: machine=%s", ErrMissingHostname, m.Name)
		}

		addr, err := netip.ParseAddr(m.IP)
		if err != nil {
			return fmt.Errorf("%w: machine=%s ip=%q: %w", ErrInvalidIPAddress, m.Name, m.IP, err)
		}
		if !addr.Is4() {
			return fmt.Errorf("%w: machine=%s ip=%q", ErrAddressNotIPv4, m.Name, m.IP)
		}
		if !subnet.Contains(addr) {
			return fmt.Errorf("%w: machine=%s ip=%s subnet=%s", ErrAddressOutOfSubnet, m.Name, m.IP, t.Subnet)
		}

		if _, ok := names[m.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMachine, m.Name)
		}
		if _, ok := addrs[m.IP]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateIPAddress, m.IP)
		}
		if _, ok := hostnames[m.Hostname]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateHostname, m.Hostname)
		}
		names[m.Name] = struct{}{}
		addrs[m.IP] = struct{}{}
		hostnames[m.Hostname] = struct{}{}

		for _, sf := range m.SharedFolders {
			if sf.HostDir == "" {
				return fmt.Errorf("%w: machine=%s", ErrSharedFolderHostDir, m.Name)
			}
		}
	}

	return nil
}

// HostRecords returns the static host-table entries derived from the
// declared machines, in declaration order.
func (t Topology) HostRecords() []HostRecord {
	records := make([]HostRecord, 0, len(t.Machines))
	for _, m := range t.Machines {
		records = append(records, HostRecord{
			IP:       m.IP,
			Hostname: m.Hostname,
			Alias:    m.EffectiveAlias(),
		})
	}
	return records
}

// Machine returns the machine with the given name, or false.
func (t Topology) Machine(name string) (Machine, bool) {
	for _, m := range t.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return Machine{}, false
}

// Gateway returns the first usable address of the subnet, used as the
// libvirt network gateway.
func (t Topology) Gateway() (string, error) {
	subnet, err := netip.ParsePrefix(t.Subnet)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidSubnet, t.Subnet, err)
	}
	return subnet.Masked().Addr().Next().String(), nil
}

// EffectiveAlias returns the host-table alias, falling back to the machine
// name.
func (m Machine) EffectiveAlias() string {
	if m.Alias != "" {
		return m.Alias
	}
	return m.Name
}

// EffectiveMemoryMB returns the memory hint, falling back to the default.
func (m Machine) EffectiveMemoryMB() uint {
	if m.MemoryMB > 0 {
		return m.MemoryMB
	}
	return defaultMemoryMB
}
