package postfix

import (
	"errors"
	"fmt"
)

// protocolExclusions disables the protocol versions no modern client should
// negotiate.
const protocolExclusions = "!SSLv2, !SSLv3"

var ErrMissingCertOrKey = errors.New("tls policy requires both a certificate and a key file")

// TLSPolicy describes the opportunistic-TLS parameters applied to a guest's
// main.cf.
type TLSPolicy struct {
	// CertFile and KeyFile are paths inside the guest.
	CertFile string
	KeyFile  string
}

// Apply queues the policy's main.cf changes on pc. The caller flushes and
// reloads. An existing smtpd_tls_security_level of "encrypt" is stricter
// than the opportunistic "may" and is left alone.
func (t TLSPolicy) Apply(pc *Postconf) error {
	if t.CertFile == "" || t.KeyFile == "" {
		return ErrMissingCertOrKey
	}

	changes := map[string]string{
		"smtpd_tls_cert_file":           t.CertFile,
		"smtpd_tls_key_file":            t.KeyFile,
		"smtpd_tls_mandatory_protocols": protocolExclusions,
		"smtpd_tls_protocols":           protocolExclusions,
		"smtpd_tls_loglevel":            "1",
		"smtpd_tls_received_header":     "yes",
	}
	for name, value := range changes {
		if err := pc.Set(name, value); err != nil {
			return fmt.Errorf("cannot queue %s: %w", name, err)
		}
	}

	level, err := pc.Get("smtpd_tls_security_level")
	if err != nil && !errors.Is(err, ErrUnsetParameter) {
		return err
	}
	if level != "encrypt" {
		if err := pc.Set("smtpd_tls_security_level", "may"); err != nil {
			return fmt.Errorf("cannot queue smtpd_tls_security_level: %w", err)
		}
	}
	return nil
}
