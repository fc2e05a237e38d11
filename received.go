package smtpcore

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mailcore/smtpcore/internal/envelope"
	"github.com/mailcore/smtpcore/internal/tlsconst"
)

// addReceivedHeader prepends a standards-shaped Received header (RFC 5321
// §4.4 / RFC 5322 §3.6.7) to envelope.Content, grounded on the teacher's
// Conn.addReceivedHeader. It is applied to Content only, never to
// OriginalContent, preserving the spec's distinction between the two.
func (d *Dispatcher) addReceivedHeader(env *Envelope) {
	var v string

	if d.session.Authenticated {
		v += fmt.Sprintf("from %s\n", d.session.HostName)
	} else {
		v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(d.session.Peer), d.session.HostName)
	}

	v += fmt.Sprintf("by %s (%s) ", d.hostname, d.proto)

	with := "SMTP"
	if d.session.ExtendedSMTP {
		with = "ESMTP"
	}
	if d.session.TLSActive {
		with += "S"
	}
	if d.session.Authenticated {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if d.session.TLSInfo != nil {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(d.session.TLSInfo.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", d.mode)
	if d.session.TLSInfo != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(d.session.TLSInfo.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include RcptTos, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", env.MailFrom)
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))

	env.Content = envelope.AddHeader(env.Content, "Received", v)
}

// addrLiteral renders addr per RFC 5321 §4.1.3: IPv6 literals get the
// "IPv6:" prefix, IPv4 literals are used as-is.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		if addr == nil {
			return ""
		}
		return addr.String()
	}

	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}
