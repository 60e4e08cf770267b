package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/maillab/internal/types"
)

// Environment variables understood by every subcommand.
const (
	envTopology = "MAILLAB_TOPOLOGY"
	envWorkDir  = "MAILLAB_WORKDIR"
	envSSHKey   = "MAILLAB_SSH_KEY"
)

const (
	defaultSSHUser = "admin"
	defaultSSHPort = "22"
)

// Config carries everything a subcommand needs beyond the topology itself.
type Config struct {
	// TopologyPath is the topology file; empty means the built-in default.
	TopologyPath string
	// BaseImage overrides the topology's base image when non-empty.
	BaseImage string
	// WorkDir holds disk overlays and cloud-init ISOs.
	WorkDir string
	// SSHKeyPath is the private key for guest access; its ".pub" sibling is
	// authorized in the guests.
	SSHKeyPath string
	SSHUser    string
	SSHPort    string
	LibvirtURI string
	// MetricsAddr enables the Prometheus listener when non-empty, e.g.
	// ":9090".
	MetricsAddr string
	Verbose     bool
}

// defaultConfig resolves environment variables and home-relative defaults.
func defaultConfig() Config {
	workDir := os.Getenv(envWorkDir)
	if workDir == "" {
		workDir = filepath.Join(os.ExpandEnv("$HOME"), ".maillab")
	}

	sshKey := os.Getenv(envSSHKey)
	if sshKey == "" {
		sshKey = filepath.Join(os.ExpandEnv("$HOME"), ".ssh", "id_ed25519")
	}

	return Config{
		TopologyPath: os.Getenv(envTopology),
		WorkDir:      workDir,
		SSHKeyPath:   sshKey,
		SSHUser:      defaultSSHUser,
		SSHPort:      defaultSSHPort,
		LibvirtURI:   "",
	}
}

// loadTopology reads the topology file and applies the base image override.
func (c Config) loadTopology() (types.Topology, error) {
	topo, err := types.LoadTopology(c.TopologyPath)
	if err != nil {
		return types.Topology{}, err
	}
	if c.BaseImage != "" {
		topo.BaseImage = c.BaseImage
	}
	return topo, nil
}

// authorizedKeys reads the public key that cloud-init authorizes in the
// guests.
func (c Config) authorizedKeys() ([]string, error) {
	pubPath := c.SSHKeyPath + ".pub"
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", pubPath, err)
	}
	return []string{string(b)}, nil
}

// ensureWorkDir creates the working directory if needed.
func (c Config) ensureWorkDir() error {
	return os.MkdirAll(c.WorkDir, 0o755)
}
