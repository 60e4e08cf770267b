package postfix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

// minVersion is the oldest Postfix release the postconf-based management is
// known to work with.
var minVersion = []int{2, 6}

var (
	ErrControlCommand     = errors.New("postfix control command failed")
	ErrConfigCheck        = errors.New("postfix config check failed")
	ErrParseVersion       = errors.New("cannot parse postfix version")
	ErrUnsupportedVersion = errors.New("unsupported postfix version")
)

// Control drives the postfix(1) service control program inside a guest.
type Control struct {
	execCtx execcontext.Context
	runner  ssh.Runner
}

// NewControl creates a Control bound to one guest.
func NewControl(execCtx execcontext.Context, runner ssh.Runner) *Control {
	return &Control{execCtx: execCtx, runner: runner}
}

// IsRunning reports whether the Postfix master process is up.
func (c *Control) IsRunning() bool {
	_, _, err := c.runner.Run(c.execCtx, "postfix", "status")
	return err == nil
}

// Start starts the Postfix master process.
func (c *Control) Start() error {
	return c.run("start")
}

// Reload makes a running Postfix re-read its configuration.
func (c *Control) Reload() error {
	return c.run("reload")
}

// ReloadOrStart reloads a running Postfix, or starts it when the master
// process is down. Reloading a stopped Postfix would fail outright.
func (c *Control) ReloadOrStart() error {
	if c.IsRunning() {
		return c.Reload()
	}
	return c.Start()
}

// Check runs the Postfix configuration sanity check.
func (c *Control) Check() error {
	if _, stderr, err := c.runner.Run(c.execCtx, "postfix", "check"); err != nil {
		return fmt.Errorf("%w: stderr=%q: %w", ErrConfigCheck, stderr, err)
	}
	return nil
}

func (c *Control) run(subcommand string) error {
	if _, stderr, err := c.runner.Run(c.execCtx, "postfix", subcommand); err != nil {
		return fmt.Errorf("%w: subcommand=%s stderr=%q: %w", ErrControlCommand, subcommand, stderr, err)
	}
	return nil
}

// MailVersion returns the installed Postfix version as integer components,
// e.g. [3 8 6]. Snapshot suffixes such as "-20240101" are ignored.
func MailVersion(pc *Postconf) ([]int, error) {
	raw, err := pc.Default("mail_version")
	if err != nil {
		return nil, err
	}

	raw, _, _ = strings.Cut(raw, "-")
	parts := strings.Split(raw, ".")
	version := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrParseVersion, raw)
		}
		version = append(version, n)
	}
	if len(version) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrParseVersion, raw)
	}
	return version, nil
}

// EnsureSupportedVersion fails when the installed Postfix predates the
// oldest supported release.
func EnsureSupportedVersion(pc *Postconf) error {
	version, err := MailVersion(pc)
	if err != nil {
		return err
	}
	if compareVersions(version, minVersion) < 0 {
		return fmt.Errorf("%w: got %v, need at least %v", ErrUnsupportedVersion, version, minVersion)
	}
	return nil
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
