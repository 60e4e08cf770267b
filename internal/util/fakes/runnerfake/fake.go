/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runnerfake provides an in-memory ssh.Runner for unit tests. It
// records every command line and replays scripted responses, either by
// command-line prefix or in FIFO order.
package runnerfake

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

// Response is one scripted command result.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// Fake implements ssh.Runner.
type Fake struct {
	// Commands records every executed command line. Environment assignments
	// and the prepend prefix are included, unquoted, for readable asserts.
	Commands []string

	// ByPrefix maps a bare command-line prefix (no env, no prepend) to a
	// scripted response. The first matching prefix wins.
	ByPrefix map[string]Response

	// Queue is consumed in order for commands with no prefix match.
	Queue []Response
}

// New returns an empty Fake that answers every command with success.
func New() *Fake {
	return &Fake{
		ByPrefix: make(map[string]Response),
	}
}

// Expect scripts a response for any bare command line starting with prefix.
func (f *Fake) Expect(prefix string, r Response) *Fake {
	f.ByPrefix[prefix] = r
	return f
}

// Enqueue appends a FIFO response for commands without a prefix match.
func (f *Fake) Enqueue(r Response) *Fake {
	f.Queue = append(f.Queue, r)
	return f
}

// Run implements ssh.Runner.
func (f *Fake) Run(
	ctx execcontext.Context,
	cmd ...string,
) (string, string, error) {
	f.Commands = append(f.Commands, render(ctx, cmd))

	bare := strings.Join(cmd, " ")

	// Deterministic iteration: longest prefixes first.
	prefixes := make([]string, 0, len(f.ByPrefix))
	for p := range f.ByPrefix {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if strings.HasPrefix(bare, prefix) {
			r := f.ByPrefix[prefix]
			return r.Stdout, r.Stderr, r.Err
		}
	}

	if len(f.Queue) > 0 {
		r := f.Queue[0]
		f.Queue = f.Queue[1:]
		return r.Stdout, r.Stderr, r.Err
	}

	return "", "", nil
}

// RanCommandContaining reports whether any recorded command contains s.
func (f *Fake) RanCommandContaining(s string) bool {
	for _, c := range f.Commands {
		if strings.Contains(c, s) {
			return true
		}
	}
	return false
}

// String dumps the recorded commands, one per line, for test failures.
func (f *Fake) String() string {
	return fmt.Sprintf("commands:\n%s", strings.Join(f.Commands, "\n"))
}

func render(ctx execcontext.Context, cmd []string) string {
	parts := make([]string, 0, len(cmd)+2)

	envs := ctx.Envs()
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	parts = append(parts, ctx.PrependCmd()...)
	parts = append(parts, cmd...)
	return strings.Join(parts, " ")
}
