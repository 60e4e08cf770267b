package hosts

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/stretchr/testify/require"
)

var (
	senderRecord = types.HostRecord{IP: "192.168.33.5", Hostname: "sender.example.com", Alias: "sender"}
	validRecord  = types.HostRecord{IP: "192.168.33.7", Hostname: "valid-example-recipient.com", Alias: "valid"}
)

func TestLine(t *testing.T) {
	require.Equal(t, "192.168.33.5 sender.example.com sender", Line(senderRecord))
	require.Equal(t, "192.168.33.7 valid-example-recipient.com valid", Line(validRecord))
}

func TestEnsureCommand(t *testing.T) {
	cmd := EnsureCommand(senderRecord)
	require.Equal(t, []string{
		"sh", "-c",
		"grep -qxF '192.168.33.5 sender.example.com sender' /etc/hosts" +
			" || echo '192.168.33.5 sender.example.com sender' >> /etc/hosts",
	}, cmd)
}

func TestEnsure(t *testing.T) {
	t.Run("runs one guarded append per record", func(t *testing.T) {
		fake := runnerfake.New()
		ctx := execcontext.Noninteractive()

		err := Ensure(ctx, fake, []types.HostRecord{senderRecord, validRecord})
		require.NoError(t, err)
		require.Len(t, fake.Commands, 2)
		require.True(t, fake.RanCommandContaining("sender.example.com"), fake.String())
		require.True(t, fake.RanCommandContaining("valid-example-recipient.com"), fake.String())
		require.True(t, fake.RanCommandContaining("sudo -E sh -c"), fake.String())
	})

	t.Run("aborts on first failure", func(t *testing.T) {
		fake := runnerfake.New().
			Expect("sh -c grep", runnerfake.Response{Stderr: "read-only fs", Err: errors.New("exit 1")})

		err := Ensure(execcontext.Noninteractive(), fake, []types.HostRecord{senderRecord, validRecord})
		require.ErrorIs(t, err, ErrEnsureRecord)
		require.Len(t, fake.Commands, 1)
	})
}

func TestCountMatching(t *testing.T) {
	table := `127.0.0.1 localhost
192.168.33.5 sender.example.com sender
192.168.33.7 valid-example-recipient.com valid
192.168.33.5 sender.example.com sender
`
	require.Equal(t, 2, CountMatching(table, senderRecord))
	require.Equal(t, 1, CountMatching(table, validRecord))
	require.Equal(t, 0, CountMatching(table, types.HostRecord{IP: "10.0.0.1", Hostname: "x", Alias: "x"}))
}

func TestRead(t *testing.T) {
	fake := runnerfake.New().
		Expect("cat /etc/hosts", runnerfake.Response{Stdout: "127.0.0.1 localhost\n"})

	content, err := Read(execcontext.New(nil, nil), fake)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1 localhost\n", content)
}
