package resolver

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/maillab/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/stretchr/testify/require"
)

func TestConfigGenerate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    string
		wantErr error
	}{
		{
			name:   "default config is exactly selfmx",
			config: DefaultConfig(),
			want:   "selfmx\n",
		},
		{
			name:   "query logging",
			config: Config{SelfMX: true, LogQueries: true},
			want:   "selfmx\nlog-queries\n",
		},
		{
			name:   "extra directives",
			config: Config{SelfMX: true, Extra: []string{"no-resolv"}},
			want:   "selfmx\nno-resolv\n",
		},
		{
			name:    "empty config",
			config:  Config{},
			wantErr: ErrNoDirectives,
		},
		{
			name:    "directive with quote",
			config:  Config{Extra: []string{"bad'directive"}},
			wantErr: ErrInvalidDirective,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := tt.config.Generate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, string(content))
		})
	}
}

func TestWriteCommand(t *testing.T) {
	cmd, err := DefaultConfig().WriteCommand()
	require.NoError(t, err)
	require.Equal(t, []string{"sh", "-c", `printf '%s\n' 'selfmx' > /etc/dnsmasq.conf`}, cmd)

	_, err = (Config{}).WriteCommand()
	require.ErrorIs(t, err, ErrNoDirectives)
}

func TestConfigure(t *testing.T) {
	fake := runnerfake.New()
	require.NoError(t, Configure(execcontext.Noninteractive(), fake, DefaultConfig()))
	require.True(t, fake.RanCommandContaining("'selfmx' > /etc/dnsmasq.conf"), fake.String())

	failing := runnerfake.New().
		Expect("sh -c printf", runnerfake.Response{Stderr: "permission denied", Err: errors.New("exit 1")})
	err := Configure(execcontext.Noninteractive(), failing, DefaultConfig())
	require.ErrorIs(t, err, ErrWriteConfig)
	require.Contains(t, err.Error(), "permission denied")
}

func TestRestart(t *testing.T) {
	fake := runnerfake.New()
	require.NoError(t, Restart(execcontext.Noninteractive(), fake))
	require.True(t, fake.RanCommandContaining("systemctl restart dnsmasq"), fake.String())

	failing := runnerfake.New().
		Expect("systemctl restart", runnerfake.Response{Err: errors.New("exit 1")})
	require.ErrorIs(t, Restart(execcontext.Noninteractive(), failing), ErrRestartService)
}

func TestIsActive(t *testing.T) {
	active := runnerfake.New().
		Expect("systemctl is-active dnsmasq", runnerfake.Response{Stdout: "active\n"})
	require.True(t, IsActive(execcontext.New(nil, nil), active))

	inactive := runnerfake.New().
		Expect("systemctl is-active dnsmasq", runnerfake.Response{Stdout: "inactive\n", Err: errors.New("exit 3")})
	require.False(t, IsActive(execcontext.New(nil, nil), inactive))
}
