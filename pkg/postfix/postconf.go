// Package postfix wraps the Postfix command line utilities running inside a
// guest: postconf for main.cf parameters and the postfix control program for
// service management. Parameter writes are queued in memory and flushed in a
// single postconf invocation.
package postfix

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/util/ssh"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

var (
	ErrRunPostconf    = errors.New("failed to run postconf")
	ErrParsePostconf  = errors.New("unexpected postconf output")
	ErrFlushConfig    = errors.New("unable to save Postfix config")
	ErrUnsetParameter = errors.New("postfix parameter is unset")
)

// Postconf provides dictionary-style access to a guest's main.cf. Reads go
// through the postconf utility; writes are collected and only applied by
// Flush.
type Postconf struct {
	execCtx execcontext.Context
	runner  ssh.Runner

	// pending holds parameter changes not yet written to main.cf.
	pending map[string]string
}

// NewPostconf creates a Postconf bound to one guest.
func NewPostconf(execCtx execcontext.Context, runner ssh.Runner) *Postconf {
	return &Postconf{
		execCtx: execCtx,
		runner:  runner,
		pending: make(map[string]string),
	}
}

// Get returns the value of a main.cf parameter. A pending change shadows the
// live value.
func (p *Postconf) Get(name string) (string, error) {
	if value, ok := p.pending[name]; ok {
		return value, nil
	}
	return p.query(name)
}

// Default returns the built-in default value of a parameter (postconf -d).
func (p *Postconf) Default(name string) (string, error) {
	return p.query(name, "-d")
}

// Set queues a parameter change. Setting a parameter back to its live value
// drops the queued change instead.
func (p *Postconf) Set(name, value string) error {
	live, err := p.query(name)
	if err != nil && !errors.Is(err, ErrUnsetParameter) {
		return err
	}
	if err == nil && live == value {
		delete(p.pending, name)
		return nil
	}
	p.pending[name] = value
	return nil
}

// Pending returns a copy of the queued changes.
func (p *Postconf) Pending() map[string]string {
	out := make(map[string]string, len(p.pending))
	maps.Copy(out, p.pending)
	return out
}

// Flush writes all queued changes in one postconf -e invocation and clears
// the queue on success.
func (p *Postconf) Flush() error {
	if len(p.pending) == 0 {
		return nil
	}

	args := []string{"postconf", "-e"}
	for _, name := range slices.Sorted(maps.Keys(p.pending)) {
		args = append(args, fmt.Sprintf("%s=%s", name, p.pending[name]))
	}

	if _, stderr, err := p.runner.Run(p.execCtx, args...); err != nil {
		return fmt.Errorf("%w: stderr=%q: %w", ErrFlushConfig, stderr, err)
	}

	p.pending = make(map[string]string)
	return nil
}

// query runs postconf for a single parameter and parses its "name = value"
// output line.
func (p *Postconf) query(name string, flags ...string) (string, error) {
	args := append([]string{"postconf"}, flags...)
	args = append(args, name)

	stdout, stderr, err := p.runner.Run(p.execCtx, args...)
	if err != nil {
		return "", fmt.Errorf("%w: parameter=%s stderr=%q: %w", ErrRunPostconf, name, stderr, err)
	}

	return parseOutput(stdout, name)
}

// parseOutput extracts the value for name from postconf output. At most one
// parameter is expected in the given output.
func parseOutput(output, name string) (string, error) {
	expectedPrefix := name + " ="
	if strings.Count(output, "\n") != 1 || !strings.HasPrefix(output, expectedPrefix) {
		return "", fmt.Errorf("%w: parameter=%s output=%q", ErrParsePostconf, name, output)
	}

	value := strings.TrimSpace(output[len(expectedPrefix):])
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsetParameter, name)
	}
	return value, nil
}
