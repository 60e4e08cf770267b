package orchestration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/maillab/internal/types"
	"github.com/alexandremahdhaoui/maillab/pkg/execcontext"
)

var (
	ErrUnknownMachine  = errors.New("machine not declared in topology")
	ErrInvalidMailPart = errors.New("mail field must be a single line without quotes")
	ErrSendMail        = errors.New("failed to send test mail")
)

// Mail is a one-shot test message handed to the guest's sendmail.
type Mail struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Command builds the remote sendmail pipeline for the message.
func (m Mail) Command() ([]string, error) {
	// Subject and body are interpolated into a printf format string, so no
	// quoting or formatting characters are allowed.
	for _, part := range []string{m.From, m.To, m.Subject} {
		if part == "" || strings.ContainsAny(part, "'\"%\\\n") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMailPart, part)
		}
	}
	if strings.ContainsAny(m.Body, "'\"%\\\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMailPart, m.Body)
	}

	script := fmt.Sprintf(
		"printf 'Subject: %s\\n\\n%s\\n' | sendmail -f '%s' '%s'",
		m.Subject, m.Body, m.From, m.To,
	)
	return []string{"sh", "-c", script}, nil
}

// SendTestMail sends a message from one machine so delivery to the peer can
// be inspected manually (mutt on the recipient, or its mail log).
func (o *Orchestrator) SendTestMail(ctx execcontext.Context, machineName string, mail Mail) error {
	machine, ok := o.topo.Machine(machineName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, machineName)
	}

	cmd, err := mail.Command()
	if err != nil {
		return err
	}

	runner, err := o.runners(machine)
	if err != nil {
		return err
	}

	if _, stderr, err := runner.Run(ctx, cmd...); err != nil {
		return fmt.Errorf("%w: machine=%s stderr=%q: %w", ErrSendMail, machineName, stderr, err)
	}
	o.record(machineName, "mail_sent", mail.To)
	return nil
}

// DefaultTestMail builds a message from one machine to the mailbox of the
// peer machine, addressed by the peer's primary hostname.
func DefaultTestMail(topo types.Topology, fromMachine, toMachine, user string) (Mail, error) {
	from, ok := topo.Machine(fromMachine)
	if !ok {
		return Mail{}, fmt.Errorf("%w: %s", ErrUnknownMachine, fromMachine)
	}
	to, ok := topo.Machine(toMachine)
	if !ok {
		return Mail{}, fmt.Errorf("%w: %s", ErrUnknownMachine, toMachine)
	}

	return Mail{
		From:    fmt.Sprintf("%s@%s", user, from.Hostname),
		To:      fmt.Sprintf("%s@%s", user, to.Hostname),
		Subject: "maillab delivery check",
		Body:    "test message from " + from.Hostname,
	}, nil
}
