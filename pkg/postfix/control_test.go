package postfix

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/maillab/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/stretchr/testify/require"
)

func TestControlReloadOrStart(t *testing.T) {
	t.Run("reloads when running", func(t *testing.T) {
		fake := runnerfake.New()
		ctl := NewControl(execcontext.Noninteractive(), fake)

		require.NoError(t, ctl.ReloadOrStart())
		require.True(t, fake.RanCommandContaining("postfix reload"), fake.String())
	})

	t.Run("starts when down", func(t *testing.T) {
		fake := runnerfake.New().
			Expect("postfix status", runnerfake.Response{Err: errors.New("exit 3")})
		ctl := NewControl(execcontext.Noninteractive(), fake)

		require.NoError(t, ctl.ReloadOrStart())
		require.True(t, fake.RanCommandContaining("postfix start"), fake.String())
	})
}

func TestControlCheck(t *testing.T) {
	fake := runnerfake.New().
		Expect("postfix check", runnerfake.Response{Stderr: "fatal: bad config", Err: errors.New("exit 1")})
	ctl := NewControl(execcontext.Noninteractive(), fake)

	err := ctl.Check()
	require.ErrorIs(t, err, ErrConfigCheck)
	require.Contains(t, err.Error(), "bad config")
}

func TestMailVersion(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    []int
		wantErr error
	}{
		{
			name:   "release version",
			stdout: "mail_version = 3.8.6\n",
			want:   []int{3, 8, 6},
		},
		{
			name:   "snapshot suffix ignored",
			stdout: "mail_version = 3.9-20240101\n",
			want:   []int{3, 9},
		},
		{
			name:    "garbage",
			stdout:  "mail_version = not-a-version\n",
			wantErr: ErrParseVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnerfake.New().
				Expect("postconf -d mail_version", runnerfake.Response{Stdout: tt.stdout})
			pc := NewPostconf(execcontext.Noninteractive(), fake)

			got, err := MailVersion(pc)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEnsureSupportedVersion(t *testing.T) {
	supported := runnerfake.New().
		Expect("postconf -d mail_version", runnerfake.Response{Stdout: "mail_version = 2.6\n"})
	require.NoError(t, EnsureSupportedVersion(NewPostconf(execcontext.Noninteractive(), supported)))

	ancient := runnerfake.New().
		Expect("postconf -d mail_version", runnerfake.Response{Stdout: "mail_version = 2.5.13\n"})
	err := EnsureSupportedVersion(NewPostconf(execcontext.Noninteractive(), ancient))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}
