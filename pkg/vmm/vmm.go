// Package vmm creates and destroys the lab guests as libvirt/KVM domains.
// Guests boot from a qcow2 overlay on top of a shared base image and receive
// their identity through a cloud-init NoCloud ISO.
package vmm

import (
	"errors"
	"fmt"
	"sync"

	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
)

// DefaultLibvirtURI is the system hypervisor socket.
const DefaultLibvirtURI = "qemu:///system"

// VMM manages the lab guests on one libvirt host. Guests are provisioned in
// parallel, so the domain handle cache is guarded by a mutex.
type VMM struct {
	conn *libvirt.Connect

	mu      sync.Mutex
	domains map[string]*libvirt.Domain

	// workDir holds per-guest artifacts: disk overlays and cloud-init ISOs.
	workDir string
}

func (v *VMM) rememberDomain(name string, dom *libvirt.Domain) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.domains[name] = dom
}

func (v *VMM) cachedDomain(name string) (*libvirt.Domain, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	dom, ok := v.domains[name]
	return dom, ok
}

func (v *VMM) forgetDomain(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.domains, name)
}

// Option modifies VMM configuration.
type Option func(*VMM)

// WithWorkDir sets the directory for per-guest disk overlays and ISOs.
// Defaults to the system temp directory.
func WithWorkDir(dir string) Option {
	return func(v *VMM) {
		v.workDir = dir
	}
}

// New connects to libvirt and returns a VMM.
func New(uri string, opts ...Option) (*VMM, error) {
	if uri == "" {
		uri = DefaultLibvirtURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: uri=%s: %w", errConnectLibvirt, uri, err)
	}

	vmm := &VMM{
		conn:    conn,
		domains: make(map[string]*libvirt.Domain),
	}
	for _, opt := range opts {
		opt(vmm)
	}
	return vmm, nil
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}

// Connection exposes the libvirt connection so the network manager can share
// it.
func (v *VMM) Connection() *libvirt.Connect {
	return v.conn
}
