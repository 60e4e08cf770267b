package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/pkg/cloudinit"
)

var (
	errGenerateCloudInitISO = errors.New("failed to generate cloud-init ISO")
	errCreateVMDisk         = errors.New("failed to create VM disk")
	errMarshalDomainXML     = errors.New("failed to marshal domain XML")
	errDefineDomain         = errors.New("failed to define domain")
	errCreateDomain         = errors.New("failed to create domain")
	errGetDomainState       = errors.New("failed to get domain state")
	errDestroyDomain        = errors.New("failed to destroy domain")
	errUndefineDomain       = errors.New("failed to undefine domain")
	errDeleteVMDisk         = errors.New("failed to delete VM disk")
	errCreateCloudInitDir   = errors.New("failed to create cloud-init config directory")
	errWriteUserData        = errors.New("failed to write user-data file")
	errWriteMetaData        = errors.New("failed to write meta-data file")
	errCreateCloudInitISO   = errors.New("failed to create cloud-init ISO with xorriso")
	errMissingMAC           = errors.New("guest MAC address is required")
	errMissingNetwork       = errors.New("guest network name is required")
	errGuestNotFound        = errors.New("guest not found")
	errTimeoutWaitingIP     = errors.New("timed out waiting for guest IP address")
)

const (
	defaultDiskSize = "10G"
	defaultVCPUs    = 1
)

// GuestConfig describes one domain to create.
type GuestConfig struct {
	// Name is the libvirt domain name.
	Name string
	// BaseImage is the qcow2 the overlay disk is backed by.
	BaseImage string
	// DiskSize is the overlay's virtual size, e.g. "10G".
	DiskSize string
	MemoryMB uint
	VCPUs    uint
	// Network is the libvirt network the guest attaches to.
	Network string
	// MAC must match the DHCP reservation on the network.
	MAC      string
	UserData cloudinit.UserData
	// SharedFolders are exported into the guest over virtiofs.
	SharedFolders []types.SharedFolder
}

// NewGuestConfig builds a GuestConfig for one topology machine.
func NewGuestConfig(
	topo types.Topology,
	machine types.Machine,
	networkName, mac string,
	userData cloudinit.UserData,
) GuestConfig {
	return GuestConfig{
		Name:          fmt.Sprintf("%s-%s", topo.Name, machine.Name),
		BaseImage:     topo.BaseImage,
		DiskSize:      defaultDiskSize,
		MemoryMB:      machine.EffectiveMemoryMB(),
		VCPUs:         defaultVCPUs,
		Network:       networkName,
		MAC:           mac,
		UserData:      userData,
		SharedFolders: machine.SharedFolders,
	}
}

// FolderTag is the virtiofs mount tag for the i-th shared folder of a guest.
func FolderTag(i int) string {
	return fmt.Sprintf("shared%d", i)
}

// Guest describes a created domain.
type Guest struct {
	Name     string
	MAC      string
	DiskPath string
	ISOPath  string
}

// CreateGuest creates and starts a domain. The cloud-init ISO is kept next
// to the disk overlay so DestroyGuest can clean both up.
func (v *VMM) CreateGuest(cfg GuestConfig) (*Guest, error) {
	if cfg.MAC == "" {
		return nil, fmt.Errorf("%w: guest=%s", errMissingMAC, cfg.Name)
	}
	if cfg.Network == "" {
		return nil, fmt.Errorf("%w: guest=%s", errMissingNetwork, cfg.Name)
	}
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	workDir := v.workDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	userData, err := cfg.UserData.Render()
	if err != nil {
		return nil, err
	}

	isoPath, err := generateCloudInitISO(cfg.Name, userData, workDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errGenerateCloudInitISO, err)
	}

	diskPath := filepath.Join(workDir, fmt.Sprintf("%s.qcow2", cfg.Name))
	qemuImgCmd := exec.Command(
		"qemu-img",
		"create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", cfg.BaseImage),
		diskPath,
		cfg.DiskSize,
	)
	if output, err := qemuImgCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: output=%q: %w", errCreateVMDisk, output, err)
	}

	domainXML, err := GenerateDomainXML(cfg, diskPath, isoPath)
	if err != nil {
		return nil, err
	}

	dom, err := v.conn.DomainDefineXML(domainXML)
	if err != nil {
		return nil, fmt.Errorf("%w: guest=%s: %w", errDefineDomain, cfg.Name, err)
	}

	if err := dom.Create(); err != nil {
		_ = dom.Undefine()
		dom.Free()
		return nil, fmt.Errorf("%w: guest=%s: %w", errCreateDomain, cfg.Name, err)
	}

	v.rememberDomain(cfg.Name, dom)

	slog.Info(
		"created guest",
		"guest", cfg.Name,
		"mac", cfg.MAC,
		"hostname", cfg.UserData.Hostname,
	)

	return &Guest{
		Name:     cfg.Name,
		MAC:      cfg.MAC,
		DiskPath: diskPath,
		ISOPath:  isoPath,
	}, nil
}

// DomainExists reports whether a domain is known to libvirt.
func (v *VMM) DomainExists(name string) (bool, error) {
	if dom, ok := v.cachedDomain(name); ok && dom != nil {
		if _, _, err := dom.GetState(); err == nil {
			return true, nil
		}
		return false, nil
	}

	if v.conn == nil {
		return false, errLibvirtNotInitialized
	}

	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		return false, nil
	}
	v.rememberDomain(name, dom)
	return true, nil
}

// lookupDomain returns the domain handle, or nil when it does not exist.
func (v *VMM) lookupDomain(name string) (*libvirt.Domain, error) {
	if dom, ok := v.cachedDomain(name); ok && dom != nil {
		return dom, nil
	}
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}
	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		return nil, nil
	}
	v.rememberDomain(name, dom)
	return dom, nil
}

// DestroyGuest stops and undefines a domain and removes its disk overlay and
// cloud-init ISO. Idempotent: a missing domain only triggers file cleanup.
func (v *VMM) DestroyGuest(name string) error {
	workDir := v.workDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	diskPath := filepath.Join(workDir, fmt.Sprintf("%s.qcow2", name))
	isoPath := filepath.Join(workDir, fmt.Sprintf("%s-cloud-init.iso", name))

	dom, err := v.lookupDomain(name)
	if err != nil {
		return err
	}
	if dom == nil {
		slog.Info("guest not found in libvirt, skipping destroy", "guest", name)
		_ = os.Remove(diskPath)
		_ = os.Remove(isoPath)
		return nil
	}

	state, _, err := dom.GetState()
	if err != nil {
		return fmt.Errorf("%w: guest=%s: %w", errGetDomainState, name, err)
	}
	if state == libvirt.DOMAIN_RUNNING {
		if err := dom.Destroy(); err != nil {
			return fmt.Errorf("%w: guest=%s: %w", errDestroyDomain, name, err)
		}
	}

	if err := dom.Undefine(); err != nil {
		return fmt.Errorf("%w: guest=%s: %w", errUndefineDomain, name, err)
	}

	if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: path=%s: %w", errDeleteVMDisk, diskPath, err)
	}
	if err := os.Remove(isoPath); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to delete cloud-init ISO", "path", isoPath, "error", err.Error())
	}

	dom.Free()
	v.forgetDomain(name)
	return nil
}

// WaitForIP polls the network lease table until the guest reports an IPv4
// address. With a DHCP reservation this should match the declared address;
// it mainly confirms the guest got far enough to configure networking.
func (v *VMM) WaitForIP(name string, timeout time.Duration) (string, error) {
	dom, err := v.lookupDomain(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", fmt.Errorf("%w: guest=%s", errGuestNotFound, name)
	}

	timeoutChan := time.After(timeout)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-timeoutChan:
			return "", fmt.Errorf("%w: guest=%s", errTimeoutWaitingIP, name)
		case <-tick.C:
			ifaces, err := dom.ListAllInterfaceAddresses(
				libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE,
			)
			if err != nil {
				slog.Debug("error listing interface addresses", "guest", name, "error", err.Error())
				continue
			}
			for _, iface := range ifaces {
				for _, addr := range iface.Addrs {
					if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
						return strings.Split(addr.Addr, "/")[0], nil
					}
				}
			}
		}
	}
}

// GenerateDomainXML renders the libvirt XML for a guest. Split out so the
// domain definition is testable without a hypervisor.
func GenerateDomainXML(cfg GuestConfig, diskPath, isoPath string) (string, error) {
	var filesystems []libvirtxml.DomainFilesystem
	for i, folder := range cfg.SharedFolders {
		filesystems = append(filesystems, libvirtxml.DomainFilesystem{
			AccessMode: "passthrough",
			Driver: &libvirtxml.DomainFilesystemDriver{
				Type:  "virtiofs",
				Queue: 1024,
			},
			Target: &libvirtxml.DomainFilesystemTarget{
				Dir: FolderTag(i),
			},
			Source: &libvirtxml.DomainFilesystemSource{
				Mount: &libvirtxml.DomainFilesystemSourceMount{
					Dir: folder.HostDir,
				},
			},
		})
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc-q35-8.0",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		// virtiofs needs shared memory backing.
		MemoryBacking: &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{
				Type: "memfd",
			},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{
				Mode: "shared",
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: diskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: isoPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "sdb",
						Bus: "sata",
					},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: cfg.MAC,
					},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: cfg.Network,
						},
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr(uint(0)),
					},
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			Filesystems: filesystems,
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: guest=%s: %w", errMarshalDomainXML, cfg.Name, err)
	}
	return xml, nil
}

func generateCloudInitISO(name, userData, workDir string) (string, error) {
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
	isoPath := filepath.Join(workDir, fmt.Sprintf("%s-cloud-init.iso", name))

	configDir := filepath.Join(workDir, fmt.Sprintf("%s-cloud-init-config", name))
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", errCreateCloudInitDir, err)
	}
	defer os.RemoveAll(configDir)

	userFile := filepath.Join(configDir, "user-data")
	if err := os.WriteFile(userFile, []byte(userData), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", errWriteUserData, err)
	}

	metaFile := filepath.Join(configDir, "meta-data")
	if err := os.WriteFile(metaFile, []byte(metaData), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", errWriteMetaData, err)
	}

	xorrisoCmd := exec.Command(
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		configDir,
	)
	if output, err := xorrisoCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: output=%q: %w", errCreateCloudInitISO, output, err)
	}
	return isoPath, nil
}

func ptr[T any](v T) *T {
	return &v
}
