// maillab provisions a disposable two-node Postfix test environment on
// libvirt/KVM: a sending host and a well-configured recipient host on a
// private network, each bootstrapped with postfix, dnsmasq, mutt and vim so
// mail delivery between them can be tested by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/maillab/internal/util/logging"
	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
	"github.com/alexandremahdhaoui/maillab/pkg/network"
	"github.com/alexandremahdhaoui/maillab/pkg/orchestration"
	"github.com/alexandremahdhaoui/maillab/pkg/vmm"
)

// Exit codes
const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	fs := flag.NewFlagSet("maillab", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: maillab <command> [options]

Commands:
  up        Create the lab network and guests and run the mail bootstrap
  verify    Check that every bootstrapped guest is correctly configured
  send      Send a one-shot test mail between two machines
  status    Show which guest domains exist
  down      Destroy the guests and the lab network

Common options:
  --topology <path>     Topology file (YAML or JSON)
  --base-image <path>   qcow2 base image, overrides the topology's
  --workdir <path>      Directory for disk overlays and cloud-init ISOs
  --ssh-key <path>      Private key for guest access (.pub sibling authorized)
  --ssh-user <name>     Guest admin user (default: admin)
  --libvirt-uri <uri>   Libvirt connection URI (default: qemu:///system)
  --verbose             Development logging

Environment Variables:
  MAILLAB_TOPOLOGY      Topology file path
  MAILLAB_WORKDIR       Working directory (default: ~/.maillab)
  MAILLAB_SSH_KEY       Private key path (default: ~/.ssh/id_ed25519)

Examples:
  # Bring the default two-node lab up
  maillab up --base-image /var/lib/maillab/debian-12.qcow2

  # Check the bootstrap invariants
  maillab verify

  # Send a test mail from the sender to the recipient host
  maillab send --from sender --to valid

  # Tear everything down
  maillab down
`)
	}

	if len(os.Args) < 2 {
		fs.Usage()
		os.Exit(exitError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "up":
		cmdUp(args)
	case "verify":
		cmdVerify(args)
	case "send":
		cmdSend(args)
	case "status":
		cmdStatus(args)
	case "down":
		cmdDown(args)
	case "-h", "--help", "help":
		fs.Usage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fs.Usage()
		os.Exit(exitError)
	}
}

// registerCommonFlags binds the flags shared by every subcommand.
func registerCommonFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.TopologyPath, "topology", cfg.TopologyPath, "topology file (YAML or JSON)")
	fs.StringVar(&cfg.BaseImage, "base-image", "", "qcow2 base image override")
	fs.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "working directory")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "private key for guest access")
	fs.StringVar(&cfg.SSHUser, "ssh-user", cfg.SSHUser, "guest admin user")
	fs.StringVar(&cfg.SSHPort, "ssh-port", cfg.SSHPort, "guest SSH port")
	fs.StringVar(&cfg.LibvirtURI, "libvirt-uri", cfg.LibvirtURI, "libvirt connection URI")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "development logging")
}

func setupLogging(cfg Config) logr.Logger {
	if cfg.Verbose {
		return logging.SetupDevelopment()
	}
	return logging.SetupDefault()
}

// buildOrchestrator wires the orchestrator and returns a close function for
// the libvirt connection.
func buildOrchestrator(cfg Config, log logr.Logger) (*orchestration.Orchestrator, func(), error) {
	topo, err := cfg.loadTopology()
	if err != nil {
		return nil, nil, err
	}

	keys, err := cfg.authorizedKeys()
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.ensureWorkDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create workdir %s: %w", cfg.WorkDir, err)
	}

	v, err := vmm.New(cfg.LibvirtURI, vmm.WithWorkDir(cfg.WorkDir))
	if err != nil {
		return nil, nil, err
	}

	factory := func(machine types.Machine) (orchestration.GuestRunner, error) {
		return ssh.NewClient(machine.IP, cfg.SSHUser, cfg.SSHKeyPath, cfg.SSHPort)
	}

	o := orchestration.New(
		topo,
		v,
		network.NewManager(v.Connection()),
		factory,
		cfg.SSHUser,
		keys,
		log,
	)
	return o, func() { _ = v.Close() }, nil
}

func cmdUp(args []string) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("maillab up", flag.ExitOnError)
	registerCommonFlags(fs, &cfg)
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus listener address, e.g. :9090")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := setupLogging(cfg)
	gs := gracefulshutdown.New("maillab")

	o, closeConn, err := buildOrchestrator(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer closeConn()

	if cfg.MetricsAddr != "" {
		server := setupMetricsServer(cfg.MetricsAddr)
		gs.WaitGroup().Add(1)
		go func() {
			defer gs.WaitGroup().Done()
			serveMetrics(gs.Context(), server)
		}()
	}
	gs.Ready()

	fmt.Fprintf(os.Stderr, "Bringing the lab up (run %s)...\n", o.RunID())
	if err := o.Up(gs.Context()); err != nil {
		log.Error(err, "up failed")
		gs.Shutdown(exitError)
		return
	}

	fmt.Fprintf(os.Stderr, "Lab is up. Next:\n")
	fmt.Fprintf(os.Stderr, "  maillab verify\n")
	fmt.Fprintf(os.Stderr, "  maillab send --from sender --to valid\n")
	gs.Shutdown(exitSuccess)
}

func cmdVerify(args []string) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("maillab verify", flag.ExitOnError)
	registerCommonFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := setupLogging(cfg)
	o, closeConn, err := buildOrchestrator(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer closeConn()

	reports, err := o.Verify(execcontext.Noninteractive())
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tCHECK\tOK\tDETAILS")
	allOK := true
	for _, report := range reports {
		for _, check := range report.Checks {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", report.Machine, check.Name, check.OK, check.Details)
			if !check.OK {
				allOK = false
			}
		}
	}
	w.Flush()

	if !allOK {
		os.Exit(exitError)
	}
}

func cmdSend(args []string) {
	cfg := defaultConfig()
	var from, to string
	fs := flag.NewFlagSet("maillab send", flag.ExitOnError)
	registerCommonFlags(fs, &cfg)
	fs.StringVar(&from, "from", "sender", "machine to send from")
	fs.StringVar(&to, "to", "valid", "machine whose mailbox receives the mail")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := setupLogging(cfg)
	o, closeConn, err := buildOrchestrator(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer closeConn()

	topo, err := cfg.loadTopology()
	if err != nil {
		fatal(err)
	}
	mail, err := orchestration.DefaultTestMail(topo, from, to, cfg.SSHUser)
	if err != nil {
		fatal(err)
	}

	if err := o.SendTestMail(execcontext.Noninteractive(), from, mail); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Mail sent: %s -> %s\n", mail.From, mail.To)
	fmt.Fprintf(os.Stderr, "Inspect delivery with mutt on the recipient machine.\n")
}

func cmdStatus(args []string) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("maillab status", flag.ExitOnError)
	registerCommonFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := setupLogging(cfg)
	o, closeConn, err := buildOrchestrator(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer closeConn()

	statuses, err := o.Status(context.Background())
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tDOMAIN\tEXISTS")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%t\n", s.Machine, s.Domain, s.Exists)
	}
	w.Flush()
}

func cmdDown(args []string) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("maillab down", flag.ExitOnError)
	registerCommonFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := setupLogging(cfg)
	o, closeConn, err := buildOrchestrator(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer closeConn()

	fmt.Fprintf(os.Stderr, "Tearing the lab down...\n")
	if err := o.Down(context.Background()); err != nil {
		log.Error(err, "teardown finished with errors")
		os.Exit(exitError)
	}
	fmt.Fprintf(os.Stderr, "Lab destroyed.\n")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitError)
}
