// Package bootstrap turns a freshly booted guest into a mail test host. The
// steps run in order over SSH; the first failure aborts the run for that
// guest, with no retry and no rollback. Every step is idempotent, so a
// second run converges instead of duplicating state.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/alexandremahdhaoui/maillab/pkg/hosts"
	"github.com/alexandremahdhaoui/maillab/pkg/postfix"
	"github.com/alexandremahdhaoui/maillab/pkg/resolver"
)

// Packages are installed on every bootstrapped guest: the MTA, the resolver
// and the interactive mail tools used during manual testing.
var Packages = []string{"postfix", "dnsmasq", "mutt", "vim"}

var (
	ErrStepFailed      = errors.New("bootstrap step failed")
	ErrInstallPackages = errors.New("failed to install packages")
)

// Step is one named bootstrap action.
type Step struct {
	Name string
	Run  func(ctx execcontext.Context, runner ssh.Runner) error
}

// Steps returns the ordered bootstrap sequence for a guest that should know
// the given host records.
func Steps(records []types.HostRecord) []Step {
	return []Step{
		{
			Name: "install-packages",
			Run: func(ctx execcontext.Context, runner ssh.Runner) error {
				return InstallPackages(ctx, runner)
			},
		},
		{
			Name: "ensure-host-records",
			Run: func(ctx execcontext.Context, runner ssh.Runner) error {
				return hosts.Ensure(ctx, runner, records)
			},
		},
		{
			Name: "configure-resolver",
			Run: func(ctx execcontext.Context, runner ssh.Runner) error {
				return resolver.Configure(ctx, runner, resolver.DefaultConfig())
			},
		},
		{
			// dnsmasq reads the host table at startup only, so the restart
			// must come after the host records.
			Name: "restart-resolver",
			Run:  resolver.Restart,
		},
		{
			Name: "reload-mta",
			Run: func(ctx execcontext.Context, runner ssh.Runner) error {
				return postfix.NewControl(ctx, runner).ReloadOrStart()
			},
		},
	}
}

// InstallPackages installs the mail stack. --force-confold keeps existing
// configuration files on conflict, so a rerun never clobbers prior state.
func InstallPackages(ctx execcontext.Context, runner ssh.Runner) error {
	cmd := append([]string{
		"apt-get", "install", "-y",
		"-o", "Dpkg::Options::=--force-confold",
	}, Packages...)
	if _, stderr, err := runner.Run(ctx, cmd...); err != nil {
		return fmt.Errorf("%w: stderr=%q: %w", ErrInstallPackages, stderr, err)
	}
	return nil
}

// Run executes the full sequence on one guest.
func Run(
	ctx execcontext.Context,
	runner ssh.Runner,
	records []types.HostRecord,
	log logr.Logger,
) error {
	for _, step := range Steps(records) {
		log.V(1).Info("running bootstrap step", "step", step.Name)
		if err := step.Run(ctx, runner); err != nil {
			return fmt.Errorf("%w: step=%s: %w", ErrStepFailed, step.Name, err)
		}
		log.Info("bootstrap step done", "step", step.Name)
	}
	return nil
}
