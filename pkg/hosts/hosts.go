// Package hosts manages static host-table entries inside guest machines.
// Entries are appended through a guarded shell command so that running the
// bootstrap twice never leaves duplicate lines for the same hostname.
package hosts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

// Path is the system host table location.
const Path = "/etc/hosts"

var (
	ErrEnsureRecord = errors.New("failed to ensure host record")
	ErrReadTable    = errors.New("failed to read host table")
)

// Line renders a host record as one host-table line.
func Line(r types.HostRecord) string {
	return fmt.Sprintf("%s %s %s", r.IP, r.Hostname, r.Alias)
}

// EnsureCommand builds the guarded append command for one record. The grep
// guard makes the append idempotent: an exact matching line suppresses the
// write.
func EnsureCommand(r types.HostRecord) []string {
	line := Line(r)
	script := fmt.Sprintf("grep -qxF '%s' %s || echo '%s' >> %s", line, Path, line, Path)
	return []string{"sh", "-c", script}
}

// Ensure appends every record to the guest host table, skipping records
// already present.
func Ensure(ctx execcontext.Context, runner ssh.Runner, records []types.HostRecord) error {
	for _, r := range records {
		if _, stderr, err := runner.Run(ctx, EnsureCommand(r)...); err != nil {
			return fmt.Errorf("%w: record=%q stderr=%q: %w", ErrEnsureRecord, Line(r), stderr, err)
		}
	}
	return nil
}

// Read returns the guest host table content.
func Read(ctx execcontext.Context, runner ssh.Runner) (string, error) {
	stdout, stderr, err := runner.Run(ctx, "cat", Path)
	if err != nil {
		return "", fmt.Errorf("%w: stderr=%q: %w", ErrReadTable, stderr, err)
	}
	return stdout, nil
}

// CountMatching counts host-table lines exactly equal to the record's
// rendered line. Verification expects exactly one per record.
func CountMatching(table string, r types.HostRecord) int {
	want := Line(r)
	count := 0
	for _, line := range strings.Split(table, "\n") {
		if strings.TrimSpace(line) == want {
			count++
		}
	}
	return count
}
