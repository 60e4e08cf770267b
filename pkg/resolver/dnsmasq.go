// Package resolver configures the dnsmasq instance running inside each
// guest. Dnsmasq answers name queries for the private network and, with the
// selfmx directive, synthesizes a mail-exchange record pointing every local
// domain at itself, so no real internet DNS records are needed.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

const (
	// ConfPath is the resolver configuration file inside the guest.
	ConfPath = "/etc/dnsmasq.conf"
	// Service is the systemd unit name.
	Service = "dnsmasq"
)

var (
	ErrNoDirectives     = errors.New("resolver config contains no directives")
	ErrInvalidDirective = errors.New("resolver directive must be a single line without quotes")
	ErrWriteConfig      = errors.New("failed to write resolver config")
	ErrRestartService   = errors.New("failed to restart resolver service")
	ErrReadConfig       = errors.New("failed to read resolver config")
)

// Config models the generated dnsmasq configuration.
type Config struct {
	// SelfMX emits the selfmx directive: every local domain is its own
	// mail relay target.
	SelfMX bool
	// LogQueries enables query logging, useful when debugging delivery.
	LogQueries bool
	// Extra holds additional raw directives, one per entry.
	Extra []string
}

// DefaultConfig returns the bootstrap configuration: exactly the selfmx
// directive and nothing else.
func DefaultConfig() Config {
	return Config{SelfMX: true}
}

// Generate renders the configuration file content.
func (c Config) Generate() ([]byte, error) {
	directives := c.directives()
	if len(directives) == 0 {
		return nil, ErrNoDirectives
	}
	for _, d := range directives {
		if d == "" || strings.ContainsAny(d, "'\"\n") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDirective, d)
		}
	}
	return []byte(strings.Join(directives, "\n") + "\n"), nil
}

// WriteCommand builds the remote command that overwrites the resolver
// configuration with the generated content.
func (c Config) WriteCommand() ([]string, error) {
	directives := c.directives()
	if _, err := c.Generate(); err != nil {
		return nil, err
	}

	quoted := make([]string, 0, len(directives))
	for _, d := range directives {
		quoted = append(quoted, fmt.Sprintf("'%s'", d))
	}
	script := fmt.Sprintf("printf '%%s\\n' %s > %s", strings.Join(quoted, " "), ConfPath)
	return []string{"sh", "-c", script}, nil
}

func (c Config) directives() []string {
	var directives []string
	if c.SelfMX {
		directives = append(directives, "selfmx")
	}
	if c.LogQueries {
		directives = append(directives, "log-queries")
	}
	directives = append(directives, c.Extra...)
	return directives
}

// Configure overwrites the guest resolver configuration.
func Configure(ctx execcontext.Context, runner ssh.Runner, c Config) error {
	cmd, err := c.WriteCommand()
	if err != nil {
		return err
	}
	if _, stderr, err := runner.Run(ctx, cmd...); err != nil {
		return fmt.Errorf("%w: stderr=%q: %w", ErrWriteConfig, stderr, err)
	}
	return nil
}

// Restart restarts the resolver service. Required after host-table edits:
// dnsmasq reads the host table at startup only.
func Restart(ctx execcontext.Context, runner ssh.Runner) error {
	if _, stderr, err := runner.Run(ctx, "systemctl", "restart", Service); err != nil {
		return fmt.Errorf("%w: stderr=%q: %w", ErrRestartService, stderr, err)
	}
	return nil
}

// ReadConf returns the current resolver configuration content.
func ReadConf(ctx execcontext.Context, runner ssh.Runner) (string, error) {
	stdout, stderr, err := runner.Run(ctx, "cat", ConfPath)
	if err != nil {
		return "", fmt.Errorf("%w: stderr=%q: %w", ErrReadConfig, stderr, err)
	}
	return stdout, nil
}

// IsActive reports whether the resolver service is running.
func IsActive(ctx execcontext.Context, runner ssh.Runner) bool {
	stdout, _, err := runner.Run(ctx, "systemctl", "is-active", Service)
	return err == nil && strings.TrimSpace(stdout) == "active"
}
