package bootstrap

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

func TestRun(t *testing.T) {
	fake := runnerfake.New()
	records := types.Default().HostRecords()

	err := Run(execcontext.Noninteractive(), fake, records, logr.Discard())
	require.NoError(t, err)

	// The full sequence, in order.
	require.True(t, fake.RanCommandContaining(
		"apt-get install -y -o Dpkg::Options::=--force-confold postfix dnsmasq mutt vim",
	), fake.String())
	require.True(t, fake.RanCommandContaining(
		"192.168.33.5 sender.example.com sender",
	), fake.String())
	require.True(t, fake.RanCommandContaining(
		"192.168.33.7 valid-example-recipient.com valid",
	), fake.String())
	require.True(t, fake.RanCommandContaining(
		"'selfmx' > /etc/dnsmasq.conf",
	), fake.String())
	require.True(t, fake.RanCommandContaining("systemctl restart dnsmasq"), fake.String())
	require.True(t, fake.RanCommandContaining("postfix reload"), fake.String())

	// Every remote command runs non-interactively under sudo.
	for _, cmd := range fake.Commands {
		require.Contains(t, cmd, "DEBIAN_FRONTEND=noninteractive")
		require.Contains(t, cmd, "sudo -E")
	}
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	fake := runnerfake.New().
		Expect("apt-get install", runnerfake.Response{
			Stderr: "E: Unable to locate package mutt",
			Err:    errors.New("exit 100"),
		})
	records := types.Default().HostRecords()

	err := Run(execcontext.Noninteractive(), fake, records, logr.Discard())
	require.ErrorIs(t, err, ErrStepFailed)
	require.ErrorIs(t, err, ErrInstallPackages)
	require.Contains(t, err.Error(), "step=install-packages")
	require.Contains(t, err.Error(), "Unable to locate package")

	// Nothing past the failed step ran.
	require.Len(t, fake.Commands, 1)
}

func TestRunStopsMidSequence(t *testing.T) {
	fake := runnerfake.New().
		Expect("systemctl restart dnsmasq", runnerfake.Response{Err: errors.New("exit 1")})
	records := types.Default().HostRecords()

	err := Run(execcontext.Noninteractive(), fake, records, logr.Discard())
	require.ErrorIs(t, err, ErrStepFailed)
	require.Contains(t, err.Error(), "step=restart-resolver")

	// The MTA reload never happened.
	require.False(t, fake.RanCommandContaining("postfix reload"), fake.String())
	require.False(t, fake.RanCommandContaining("postfix status"), fake.String())
}

func TestInstallPackagesCommand(t *testing.T) {
	fake := runnerfake.New()
	require.NoError(t, InstallPackages(execcontext.Noninteractive(), fake))
	require.Len(t, fake.Commands, 1)
	require.Equal(t,
		"DEBIAN_FRONTEND=noninteractive sudo -E apt-get install -y"+
			" -o Dpkg::Options::=--force-confold postfix dnsmasq mutt vim",
		fake.Commands[0],
	)
}
