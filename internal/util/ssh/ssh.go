package ssh

import (
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

// Runner defines the interface for executing commands on a guest machine.
type Runner interface {
	Run(ctx execcontext.Context, cmd ...string) (stdout, stderr string, err error)
}
