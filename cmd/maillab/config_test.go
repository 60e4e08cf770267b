package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigEnv(t *testing.T) {
	t.Setenv(envTopology, "/tmp/topology.yaml")
	t.Setenv(envWorkDir, "/tmp/maillab-work")
	t.Setenv(envSSHKey, "/tmp/key")

	cfg := defaultConfig()
	require.Equal(t, "/tmp/topology.yaml", cfg.TopologyPath)
	require.Equal(t, "/tmp/maillab-work", cfg.WorkDir)
	require.Equal(t, "/tmp/key", cfg.SSHKeyPath)
	require.Equal(t, defaultSSHUser, cfg.SSHUser)
	require.Equal(t, defaultSSHPort, cfg.SSHPort)
}

func TestLoadTopologyBaseImageOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.TopologyPath = ""
	cfg.BaseImage = "/var/lib/maillab/debian-12.qcow2"

	topo, err := cfg.loadTopology()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/maillab/debian-12.qcow2", topo.BaseImage)
	require.Len(t, topo.Machines, 2)
}

func TestAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath+".pub", []byte("ssh-ed25519 AAAA admin@host"), 0o644))

	cfg := defaultConfig()
	cfg.SSHKeyPath = keyPath

	keys, err := cfg.authorizedKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"ssh-ed25519 AAAA admin@host"}, keys)

	cfg.SSHKeyPath = filepath.Join(dir, "missing")
	_, err = cfg.authorizedKeys()
	require.Error(t, err)
}
