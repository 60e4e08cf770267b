// Package orchestration drives the full lab lifecycle: lab network, guest
// domains, SSH availability and the per-guest mail bootstrap. Guests are
// provisioned in parallel; any failure tears the whole lab down again.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexandremahdhaoui/maillab/internal/metrics"
	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/bootstrap"
	"github.com/alexandremahdhaoui/maillab/pkg/cloudinit"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/alexandremahdhaoui/maillab/pkg/network"
	"github.com/alexandremahdhaoui/maillab/pkg/vmm"
)

var (
	ErrProvisionFailed = errors.New("machine provisioning failed")
	ErrBootstrapFailed = errors.New("machine bootstrap failed")
	ErrTeardownFailed  = errors.New("lab teardown failed")
)

const defaultSSHTimeout = 5 * time.Minute

// GuestManager is the subset of vmm.VMM the orchestrator needs.
type GuestManager interface {
	CreateGuest(cfg vmm.GuestConfig) (*vmm.Guest, error)
	DestroyGuest(name string) error
	DomainExists(name string) (bool, error)
	WaitForIP(name string, timeout time.Duration) (string, error)
}

// NetworkManager is the subset of network.Manager the orchestrator needs.
type NetworkManager interface {
	Create(ctx context.Context, config network.Config) error
	Delete(ctx context.Context, name string) error
}

// GuestRunner executes commands in one guest once its SSH server is up.
type GuestRunner interface {
	ssh.Runner
	AwaitServer(timeout time.Duration) error
}

// RunnerFactory builds the GuestRunner for a machine.
type RunnerFactory func(machine types.Machine) (GuestRunner, error)

// Event is one recorded lifecycle step, for timelines and debugging.
type Event struct {
	Timestamp time.Time
	Machine   string
	Type      string
	Details   string
}

// Orchestrator owns one lab instance.
type Orchestrator struct {
	topo    types.Topology
	guests  GuestManager
	nets    NetworkManager
	runners RunnerFactory
	log     logr.Logger

	// runID tags this orchestrator's lifecycle events.
	runID      string
	eventsMu   sync.Mutex
	events     []Event
	sshTimeout time.Duration

	// user and authorizedKeys seed the cloud-init admin account.
	user           string
	authorizedKeys []string
}

// Option modifies an Orchestrator.
type Option func(*Orchestrator)

// WithSSHTimeout overrides how long to wait for a guest's SSH server.
func WithSSHTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sshTimeout = d }
}

// New creates an Orchestrator for a validated topology.
func New(
	topo types.Topology,
	guests GuestManager,
	nets NetworkManager,
	runners RunnerFactory,
	user string,
	authorizedKeys []string,
	log logr.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		topo:           topo,
		guests:         guests,
		nets:           nets,
		runners:        runners,
		log:            log,
		runID:          uuid.NewString(),
		sshTimeout:     defaultSSHTimeout,
		user:           user,
		authorizedKeys: authorizedKeys,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunID identifies this orchestrator's lifecycle run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Up brings the whole lab up: network, guests, bootstrap. On any failure the
// already-created resources are destroyed best-effort before returning.
func (o *Orchestrator) Up(ctx context.Context) error {
	if err := o.topo.Validate(); err != nil {
		return err
	}

	macs := make(map[string]string, len(o.topo.Machines))
	for _, machine := range o.topo.Machines {
		mac, err := vmm.GenerateMAC()
		if err != nil {
			return err
		}
		macs[machine.Name] = mac
	}

	netConfig, err := network.ConfigFromTopology(o.topo, macs)
	if err != nil {
		return err
	}
	if err := o.nets.Create(ctx, netConfig); err != nil {
		return err
	}
	o.record("", "network_created", o.topo.Name)

	g, ctx := errgroup.WithContext(ctx)
	for _, machine := range o.topo.Machines {
		g.Go(func() error {
			return o.provision(ctx, machine, macs[machine.Name])
		})
	}

	if err := g.Wait(); err != nil {
		o.record("", "up_failed", err.Error())
		// Cleanup must run even when ctx is already cancelled.
		if derr := o.Down(context.Background()); derr != nil {
			o.log.Error(derr, "cleanup after failed up")
		}
		return err
	}

	o.record("", "up_done", fmt.Sprintf("%d machines ready", len(o.topo.Machines)))
	return nil
}

// provision creates one guest, waits for SSH and runs its bootstrap.
func (o *Orchestrator) provision(ctx context.Context, machine types.Machine, mac string) error {
	start := time.Now()
	log := o.log.WithValues("machine", machine.Name, "runID", o.runID)
	o.record(machine.Name, "provision_start", mac)

	userData := cloudinit.UserData{
		Hostname: machine.Name,
		FQDN:     machine.Hostname,
		Users: []cloudinit.User{
			cloudinit.NewUserWithAuthorizedKeys(o.user, o.authorizedKeys),
		},
	}

	cfg := vmm.NewGuestConfig(o.topo, machine, o.topo.Name, mac, userData)
	guest, err := o.guests.CreateGuest(cfg)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultFailure).Inc()
		o.record(machine.Name, "provision_failed", err.Error())
		return fmt.Errorf("%w: machine=%s: %w", ErrProvisionFailed, machine.Name, err)
	}
	log.Info("guest created", "guest", guest.Name)

	// A DHCP lease confirms the guest booted far enough to configure
	// networking before we start hammering its SSH port.
	leaseIP, err := o.guests.WaitForIP(guest.Name, o.sshTimeout)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultFailure).Inc()
		o.record(machine.Name, "ip_timeout", err.Error())
		return fmt.Errorf("%w: machine=%s: %w", ErrProvisionFailed, machine.Name, err)
	}
	o.record(machine.Name, "ip_acquired", leaseIP)
	if leaseIP != machine.IP {
		log.Info("lease differs from declared address", "lease", leaseIP, "declared", machine.IP)
	}

	runner, err := o.runners(machine)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultFailure).Inc()
		return fmt.Errorf("%w: machine=%s: %w", ErrProvisionFailed, machine.Name, err)
	}

	if err := runner.AwaitServer(o.sshTimeout); err != nil {
		metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultFailure).Inc()
		o.record(machine.Name, "ssh_timeout", err.Error())
		return fmt.Errorf("%w: machine=%s: %w", ErrProvisionFailed, machine.Name, err)
	}
	o.record(machine.Name, "ssh_ready", machine.IP)

	if machine.Bootstrap {
		err := bootstrap.Run(
			execcontext.Noninteractive(),
			runner,
			o.topo.HostRecords(),
			log,
		)
		metrics.BootstrapTotal.WithLabelValues(machine.Name, metrics.Result(err)).Inc()
		if err != nil {
			metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultFailure).Inc()
			o.record(machine.Name, "bootstrap_failed", err.Error())
			return fmt.Errorf("%w: machine=%s: %w", ErrBootstrapFailed, machine.Name, err)
		}
		o.record(machine.Name, "bootstrap_done", "")
	}

	metrics.ProvisionTotal.WithLabelValues(machine.Name, metrics.ResultSuccess).Inc()
	metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	log.Info("machine ready", "elapsed", time.Since(start).String())
	return nil
}

// Down tears the lab down best-effort: every guest, then the network.
// Failures are collected rather than aborting the teardown.
func (o *Orchestrator) Down(ctx context.Context) error {
	var errs []error

	for _, machine := range o.topo.Machines {
		name := fmt.Sprintf("%s-%s", o.topo.Name, machine.Name)
		if err := o.guests.DestroyGuest(name); err != nil {
			errs = append(errs, fmt.Errorf("machine=%s: %w", machine.Name, err))
			o.record(machine.Name, "destroy_failed", err.Error())
			continue
		}
		o.record(machine.Name, "destroyed", "")
	}

	if err := o.nets.Delete(ctx, o.topo.Name); err != nil {
		errs = append(errs, fmt.Errorf("network=%s: %w", o.topo.Name, err))
	} else {
		o.record("", "network_deleted", o.topo.Name)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrTeardownFailed, errors.Join(errs...))
	}
	return nil
}

// MachineStatus is one row of Status output.
type MachineStatus struct {
	Machine string
	Domain  string
	Exists  bool
}

// Status reports which guest domains currently exist.
func (o *Orchestrator) Status(ctx context.Context) ([]MachineStatus, error) {
	statuses := make([]MachineStatus, 0, len(o.topo.Machines))
	for _, machine := range o.topo.Machines {
		name := fmt.Sprintf("%s-%s", o.topo.Name, machine.Name)
		exists, err := o.guests.DomainExists(name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, MachineStatus{
			Machine: machine.Name,
			Domain:  name,
			Exists:  exists,
		})
	}
	return statuses, nil
}

// Events returns a copy of the recorded lifecycle events.
func (o *Orchestrator) Events() []Event {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func (o *Orchestrator) record(machine, eventType, details string) {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	o.events = append(o.events, Event{
		Timestamp: time.Now(),
		Machine:   machine,
		Type:      eventType,
		Details:   details,
	})
}
