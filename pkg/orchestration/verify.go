package orchestration

import (
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/bootstrap"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/alexandremahdhaoui/maillab/pkg/hosts"
	"github.com/alexandremahdhaoui/maillab/pkg/postfix"
	"github.com/alexandremahdhaoui/maillab/pkg/resolver"
)

// Check is one verification result on one machine.
type Check struct {
	Name    string
	OK      bool
	Details string
}

// Report collects the checks for one machine.
type Report struct {
	Machine string
	Checks  []Check
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// VerifyMachine runs the post-bootstrap checks on one guest: packages
// installed, services up, each host record present exactly once, resolver
// config byte-exact.
func VerifyMachine(
	ctx execcontext.Context,
	runner ssh.Runner,
	machine types.Machine,
	records []types.HostRecord,
) Report {
	report := Report{Machine: machine.Name}

	report.Checks = append(report.Checks, checkPackages(ctx, runner))
	report.Checks = append(report.Checks, Check{
		Name: "resolver-active",
		OK:   resolver.IsActive(ctx, runner),
	})
	report.Checks = append(report.Checks, Check{
		Name: "mta-running",
		OK:   postfix.NewControl(ctx, runner).IsRunning(),
	})
	report.Checks = append(report.Checks, checkHostRecords(ctx, runner, records)...)
	report.Checks = append(report.Checks, checkResolverConf(ctx, runner))

	return report
}

// Verify runs VerifyMachine on every bootstrapped machine of the topology.
func (o *Orchestrator) Verify(ctx execcontext.Context) ([]Report, error) {
	reports := make([]Report, 0, len(o.topo.Machines))
	for _, machine := range o.topo.Machines {
		if !machine.Bootstrap {
			continue
		}
		runner, err := o.runners(machine)
		if err != nil {
			return nil, err
		}
		report := VerifyMachine(ctx, runner, machine, o.topo.HostRecords())
		o.record(machine.Name, "verified", fmt.Sprintf("ok=%t", report.OK()))
		reports = append(reports, report)
	}
	return reports, nil
}

func checkPackages(ctx execcontext.Context, runner ssh.Runner) Check {
	cmd := append([]string{"dpkg-query", "-W", "-f", "${Package} "}, bootstrap.Packages...)
	stdout, stderr, err := runner.Run(ctx, cmd...)
	if err != nil {
		return Check{
			Name:    "packages-installed",
			OK:      false,
			Details: fmt.Sprintf("dpkg-query failed: %s", strings.TrimSpace(stderr)),
		}
	}

	installed := make(map[string]struct{})
	for _, pkg := range strings.Fields(stdout) {
		installed[pkg] = struct{}{}
	}
	var missing []string
	for _, pkg := range bootstrap.Packages {
		if _, ok := installed[pkg]; !ok {
			missing = append(missing, pkg)
		}
	}
	if len(missing) > 0 {
		return Check{
			Name:    "packages-installed",
			OK:      false,
			Details: "missing: " + strings.Join(missing, ", "),
		}
	}
	return Check{Name: "packages-installed", OK: true}
}

func checkHostRecords(
	ctx execcontext.Context,
	runner ssh.Runner,
	records []types.HostRecord,
) []Check {
	table, err := hosts.Read(ctx, runner)
	if err != nil {
		return []Check{{
			Name:    "host-records",
			OK:      false,
			Details: err.Error(),
		}}
	}

	checks := make([]Check, 0, len(records))
	for _, r := range records {
		count := hosts.CountMatching(table, r)
		check := Check{
			Name: fmt.Sprintf("host-record[%s]", r.Alias),
			OK:   count == 1,
		}
		if count != 1 {
			check.Details = fmt.Sprintf("expected exactly 1 line %q, found %d", hosts.Line(r), count)
		}
		checks = append(checks, check)
	}
	return checks
}

func checkResolverConf(ctx execcontext.Context, runner ssh.Runner) Check {
	content, err := resolver.ReadConf(ctx, runner)
	if err != nil {
		return Check{Name: "resolver-config", OK: false, Details: err.Error()}
	}

	want, err := resolver.DefaultConfig().Generate()
	if err != nil {
		return Check{Name: "resolver-config", OK: false, Details: err.Error()}
	}
	if content != string(want) {
		return Check{
			Name:    "resolver-config",
			OK:      false,
			Details: fmt.Sprintf("content %q, want %q", content, want),
		}
	}
	return Check{Name: "resolver-config", OK: true}
}
