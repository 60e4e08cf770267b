package execcontext

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		cmd  []string
		want string
	}{
		{
			name: "plain command",
			ctx:  New(nil, nil),
			cmd:  []string{"systemctl", "restart", "dnsmasq"},
			want: `'systemctl' 'restart' 'dnsmasq'`,
		},
		{
			name: "prefix and env",
			ctx:  New(map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, []string{"sudo", "-E"}),
			cmd:  []string{"apt-get", "install", "-y", "vim"},
			want: `DEBIAN_FRONTEND='noninteractive' 'sudo' '-E' 'apt-get' 'install' '-y' 'vim'`,
		},
		{
			name: "shell operators stay unquoted",
			ctx:  New(nil, nil),
			cmd:  []string{"grep", "-qxF", "x", "/etc/hosts", "||", "echo", "x", ">>", "/etc/hosts"},
			want: `'grep' '-qxF' 'x' '/etc/hosts' || 'echo' 'x' >> '/etc/hosts'`,
		},
		{
			name: "parameter expansion stays literal",
			ctx:  New(nil, nil),
			cmd:  []string{"dpkg-query", "-W", "-f", "${Package} ", "postfix"},
			want: `'dpkg-query' '-W' '-f' '${Package} ' 'postfix'`,
		},
		{
			name: "embedded single quote",
			ctx:  New(nil, nil),
			cmd:  []string{"echo", "it's"},
			want: `'echo' 'it'\''s'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}

// Arguments must reach the remote process byte for byte, even when they
// contain text a shell would otherwise expand or split.
func TestFormatCmdThroughShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tests := []struct {
		name string
		arg  string
	}{
		{name: "parameter expansion", arg: "${Package} "},
		{name: "command substitution", arg: "$(id -u)"},
		{name: "backticks", arg: "`id -u`"},
		{name: "single quote", arg: "it's fine"},
		{name: "backslash", arg: `a\nb`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := FormatCmd(New(nil, nil), "printf", "%s", tt.arg)
			out, err := exec.Command("sh", "-c", line).Output()
			require.NoError(t, err)
			require.Equal(t, tt.arg, string(out))
		})
	}
}

func TestNoninteractive(t *testing.T) {
	ctx := Noninteractive()
	require.Equal(t, map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, ctx.Envs())
	require.Equal(t, []string{"sudo", "-E"}, ctx.PrependCmd())
}

func TestContextCopiesState(t *testing.T) {
	envs := map[string]string{"A": "1"}
	prepend := []string{"sudo"}
	ctx := New(envs, prepend)

	ctx.Envs()["A"] = "2"
	ctx.PrependCmd()[0] = "doas"

	require.Equal(t, map[string]string{"A": "1"}, ctx.Envs())
	require.Equal(t, []string{"sudo"}, ctx.PrependCmd())
}
