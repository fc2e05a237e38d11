package smtpcore

import (
	"crypto/tls"
	"net"
)

// Proto distinguishes the two wire dialects the Dispatcher can speak. It is
// set once, at Dispatcher construction, and never changes for the
// connection's lifetime — unlike the other per-connection fields, Go has no
// runtime subclassing to fall back on, so the distinction chasquid expresses
// with separate packages is carried here as a plain value.
type Proto int

const (
	// SMTP is RFC 5321; greeted with HELO/EHLO.
	SMTP Proto = iota
	// LMTP is RFC 2033; greeted with LHLO, and DATA replies once per
	// recipient instead of once per transaction.
	LMTP
)

func (p Proto) String() string {
	if p == LMTP {
		return "LMTP"
	}
	return "SMTP"
}

// SocketMode mirrors the teacher's SocketMode: a bundle of per-listener
// policy rather than a single global flag, so a relay listener and a
// submission listener on the same Server can enforce different AUTH
// requirements.
type SocketMode struct {
	// IsSubmission marks a listener as a mail submission port: MAIL is
	// refused until the session has authenticated, regardless of the
	// Dispatcher-wide AuthRequired setting.
	IsSubmission bool

	// TLS marks a listener as implicit-TLS (SMTPS): the connection is
	// already a tls.Conn by the time Serve is called, as opposed to
	// plaintext-then-STARTTLS.
	TLS bool

	// LMTP marks a listener as speaking RFC 2033 instead of RFC 5321: LHLO
	// instead of HELO/EHLO, and one DATA reply per recipient.
	LMTP bool
}

func (m SocketMode) String() string {
	s := "SMTP"
	if m.LMTP {
		s = "LMTP"
	} else if m.IsSubmission {
		s = "submission"
	}
	if m.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes, named the way the teacher names them.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
	ModeLMTP          = SocketMode{LMTP: true}
)

// state names the positions of the per-connection state machine described
// by the command table (commands.go). The Dispatcher does not store a state
// value; it tracks sequencing with its heloDone flag and the Envelope's
// fields.
type state int

const (
	statePreGreeting state = iota
	stateGreeted
	stateHeloDone
	stateMailStarted
	stateRcptStarted
	stateData
	stateQuitting
)

// TLSInfo carries implementation-defined TLS connection metadata, exposed
// once Session.TLSActive is true. Grounded on the teacher's tlsConnState
// field and its use in addReceivedHeader/tlsconst.
type TLSInfo struct {
	Version     uint16
	CipherSuite uint16
	ServerName  string
	State       tls.ConnectionState
}

// Session holds per-connection state that survives multiple mail
// transactions. One Session exists per accepted connection, created when
// the Dispatcher starts serving it and discarded when the connection
// closes.
type Session struct {
	// ID is a per-connection correlation id for structured logging and
	// tracing, grounded on trace.New(family, title) taking the remote
	// address as title; here it is a plain incrementing counter assigned by
	// the Server, since Go has no global mutable trace registry to piggy
	// back on.
	ID uint64

	// Proto is SMTP or LMTP, fixed for the connection.
	Proto Proto

	// Mode is the SocketMode of the listener that accepted this connection.
	Mode SocketMode

	// Peer is the remote endpoint identifier: "host:port" for TCP, or the
	// socket path for UNIX-domain connections. It is overwritten by the
	// PROXY parser's reported source address, if a PROXY preamble was
	// consumed.
	Peer net.Addr

	// HostName is the domain given via HELO/EHLO/LHLO, empty until then.
	HostName string

	// ExtendedSMTP is true once a successful EHLO/LHLO has been processed.
	ExtendedSMTP bool

	// ProxyData is populated if a PROXY preamble was consumed before the
	// banner was sent.
	ProxyData *ProxyInfo

	// TLSActive is true once STARTTLS (or implicit TLS) has completed. It
	// is monotonic: once true, it never reverts to false for the life of
	// the Session.
	TLSActive bool

	// TLSInfo is populated when TLSActive is true.
	TLSInfo *TLSInfo

	// AuthIdentity is the opaque value returned by a successful AUTH
	// exchange. Its concrete type is up to the Mechanism that produced it;
	// the built-in PLAIN/LOGIN mechanisms produce an *Identity.
	AuthIdentity interface{}

	// Authenticated is true once AuthIdentity has been set by a successful
	// AUTH command.
	Authenticated bool

	// LoginFailedCount counts AUTH attempts that reached the
	// credential-check stage and failed, bounded by Server.AuthMaxAttempts.
	LoginFailedCount int
}

// MailOption is one ESMTP parameter seen on a MAIL or RCPT command, e.g.
// "SIZE=1000" or "SMTPUTF8" (a bare flag has an empty Value).
type MailOption struct {
	Name  string
	Value string
}

// Envelope holds the state of a single mail transaction: reset at the start
// of a connection, at MAIL following a completed or aborted transaction,
// and on RSET.
type Envelope struct {
	// MailFrom is the reverse-path given on MAIL, empty if none yet.
	MailFrom string

	// MailOptions are the ESMTP parameters seen on MAIL, in order.
	MailOptions []MailOption

	// RcptTos are the forward-paths accepted via RCPT, in order; duplicates
	// are preserved, a Handler may dedupe.
	RcptTos []string

	// RcptOptions holds, for each accepted RcptTos entry at the same index,
	// the ESMTP parameters seen on that RCPT.
	RcptOptions [][]MailOption

	// Content is the DATA payload after dot-stuffing reversal and CRLF
	// normalization, with any Received header prepended by the Dispatcher.
	Content []byte

	// OriginalContent is Content before any header was prepended by the
	// Dispatcher: the raw normalized bytes exactly as the client sent them,
	// modulo dot-unstuffing and line-ending normalization.
	OriginalContent []byte
}

func (e *Envelope) reset() {
	*e = Envelope{}
}
