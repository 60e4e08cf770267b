package cloudinit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserDataRender(t *testing.T) {
	ud := UserData{
		Hostname: "sender",
		FQDN:     "sender.example.com",
		Users: []User{
			NewUserWithAuthorizedKeys("admin", []string{"ssh-ed25519 AAAA test@maillab"}),
		},
	}

	rendered, err := ud.Render()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(rendered, "#cloud-config\n"))
	require.Contains(t, rendered, "hostname: sender")
	require.Contains(t, rendered, "fqdn: sender.example.com")
	require.Contains(t, rendered, "name: admin")
	require.Contains(t, rendered, "ssh-ed25519 AAAA test@maillab")
	require.Contains(t, rendered, "ALL=(ALL) NOPASSWD:ALL")
	// Packages stay out of user-data: installing them is the bootstrap's job.
	require.NotContains(t, rendered, "packages:")
}

func TestNewUser(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte("ssh-ed25519 BBBB admin@host"), 0o644))

	user, err := NewUser("admin", keyPath)
	require.NoError(t, err)
	require.Equal(t, "admin", user.Name)
	require.Equal(t, []string{"ssh-ed25519 BBBB admin@host"}, user.SSHAuthorizedKeys)

	_, err = NewUser("admin", filepath.Join(dir, "missing.pub"))
	require.Error(t, err)
}
