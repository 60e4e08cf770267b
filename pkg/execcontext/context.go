// Package execcontext carries the environment variables and command prefix
// applied to every command maillab executes, locally or inside a guest.
package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"strings"
)

// Context describes how a command must be wrapped before execution.
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Noninteractive returns the context used for guest bootstrap commands:
// package installation must never prompt, and system files are only
// writable through sudo.
func Noninteractive() Context {
	return New(
		map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		[]string{"sudo", "-E"},
	)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for k, v := range ctx.Envs() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders the context and command as a single shell line suitable
// for a remote session. Each token is quoted except shell operators.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	// Environment assignments come first, before any command prefix.
	for k, v := range ctx.Envs() {
		envStr := fmt.Sprintf("%s=%s", k, shellQuote(v))
		out = fmt.Sprintf("%s%s ", out, envStr)
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
	"|":  {},
	">":  {},
	">>": {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%s ", cmd, shellQuote(s))
}

// shellQuote wraps s in single quotes so the remote shell performs no
// parameter, command or backslash expansion on it. Embedded single quotes
// close the quoting, emit an escaped quote and reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
