package postfix

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/maillab/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		param   string
		want    string
		wantErr error
	}{
		{
			name:   "simple value",
			output: "mydomain = example.com\n",
			param:  "mydomain",
			want:   "example.com",
		},
		{
			name:   "multi word value",
			output: "smtpd_tls_protocols = !SSLv2, !SSLv3\n",
			param:  "smtpd_tls_protocols",
			want:   "!SSLv2, !SSLv3",
		},
		{
			name:    "unset parameter",
			output:  "relayhost =\n",
			param:   "relayhost",
			wantErr: ErrUnsetParameter,
		},
		{
			name:    "wrong parameter echoed",
			output:  "mydomain = example.com\n",
			param:   "myhostname",
			wantErr: ErrParsePostconf,
		},
		{
			name:    "multiple lines",
			output:  "mydomain = example.com\nmyhostname = sender\n",
			param:   "mydomain",
			wantErr: ErrParsePostconf,
		},
		{
			name:    "empty output",
			output:  "",
			param:   "mydomain",
			wantErr: ErrParsePostconf,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOutput(tt.output, tt.param)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPostconfGet(t *testing.T) {
	fake := runnerfake.New().
		Expect("postconf mydomain", runnerfake.Response{Stdout: "mydomain = example.com\n"})
	pc := NewPostconf(execcontext.Noninteractive(), fake)

	value, err := pc.Get("mydomain")
	require.NoError(t, err)
	require.Equal(t, "example.com", value)

	// A queued change shadows the live value.
	require.NoError(t, pc.Set("mydomain", "other.example.com"))
	value, err = pc.Get("mydomain")
	require.NoError(t, err)
	require.Equal(t, "other.example.com", value)
}

func TestPostconfSetDropsNoopChanges(t *testing.T) {
	fake := runnerfake.New().
		Expect("postconf mydomain", runnerfake.Response{Stdout: "mydomain = example.com\n"})
	pc := NewPostconf(execcontext.Noninteractive(), fake)

	require.NoError(t, pc.Set("mydomain", "other.example.com"))
	require.Len(t, pc.Pending(), 1)

	// Reverting to the live value clears the queued change.
	require.NoError(t, pc.Set("mydomain", "example.com"))
	require.Empty(t, pc.Pending())
}

func TestPostconfFlush(t *testing.T) {
	fake := runnerfake.New().
		Expect("postconf smtpd_tls_loglevel", runnerfake.Response{Stdout: "smtpd_tls_loglevel = 0\n"}).
		Expect("postconf smtpd_tls_received_header", runnerfake.Response{Stdout: "smtpd_tls_received_header = no\n"})
	pc := NewPostconf(execcontext.Noninteractive(), fake)

	require.NoError(t, pc.Set("smtpd_tls_received_header", "yes"))
	require.NoError(t, pc.Set("smtpd_tls_loglevel", "1"))
	require.NoError(t, pc.Flush())

	// One batched invocation, parameters in deterministic order.
	require.True(t, fake.RanCommandContaining(
		"postconf -e smtpd_tls_loglevel=1 smtpd_tls_received_header=yes",
	), fake.String())
	require.Empty(t, pc.Pending())

	// Flushing an empty queue runs nothing.
	before := len(fake.Commands)
	require.NoError(t, pc.Flush())
	require.Len(t, fake.Commands, before)
}

func TestPostconfFlushError(t *testing.T) {
	fake := runnerfake.New().
		Expect("postconf mydomain", runnerfake.Response{Stdout: "mydomain = example.com\n"}).
		Expect("postconf -e", runnerfake.Response{Stderr: "read-only file system", Err: errors.New("exit 1")})
	pc := NewPostconf(execcontext.Noninteractive(), fake)

	require.NoError(t, pc.Set("mydomain", "other.example.com"))
	err := pc.Flush()
	require.ErrorIs(t, err, ErrFlushConfig)
	require.Contains(t, err.Error(), "read-only file system")

	// Changes stay queued after a failed flush.
	require.Len(t, pc.Pending(), 1)
}
