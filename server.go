package smtpcore

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
)

// Server listens on a set of addresses and systemd-provided listeners and
// spawns a Dispatcher per accepted connection, grounded on the teacher's
// smtpsrv.Server.
type Server struct {
	// Hostname is used in the banner, EHLO response, and Received headers.
	Hostname string

	// MaxDataSize bounds the size of a DATA payload, in bytes. Left at zero
	// on a Server built via NewServer, it is set to defaultDataSizeLimit.
	MaxDataSize int64

	// LineLengthLimit bounds the length of a single command line, in
	// octets, not counting the trailing CRLF. NewServer sets it to
	// defaultLineLengthLimit; zero falls back to transport.MaxLineLen
	// (1000).
	LineLengthLimit int

	// IdleTimeout bounds how long the Dispatcher waits for the next command
	// (or DATA line) before disconnecting.
	IdleTimeout time.Duration

	// ProxyProtocolTimeout, if non-zero, makes every accepted connection
	// expect (and bound the wait for) a PROXY protocol preamble before the
	// banner is sent.
	ProxyProtocolTimeout time.Duration

	// AuthRequired rejects any command but AUTH/HELO/EHLO/NOOP/RSET/
	// STARTTLS/QUIT/HELP until the session authenticates.
	AuthRequired bool

	// AuthRequireTLS hides AUTH from the EHLO response, and refuses the
	// AUTH command, until TLS is active.
	AuthRequireTLS bool

	// RequireSTARTTLS restricts every command but EHLO/NOOP/RSET/STARTTLS/
	// QUIT/HELP to a 530 reply until TLS is active.
	RequireSTARTTLS bool

	// SMTPUTF8Enabled advertises and accepts the SMTPUTF8 EHLO extension
	// (RFC 6531). Off by default, matching a plain ASCII-only deployment.
	SMTPUTF8Enabled bool

	// AuthMaxAttempts bounds failed AUTH attempts per connection; 0 means
	// unbounded.
	AuthMaxAttempts int

	// AuthExcludeMechanisms disables specific mechanism names, even if a
	// factory for them is registered.
	AuthExcludeMechanisms map[string]bool

	// ReceivedHeader enables prepending a Received header to each message,
	// per addReceivedHeader.
	ReceivedHeader bool

	// Handler supplies policy; nil is equivalent to &BaseHandler{}.
	Handler Handler

	// Authenticator backs the built-in PLAIN/LOGIN mechanisms.
	Authenticator Authenticator

	// Mechanisms registers additional (or overriding) AUTH mechanism
	// factories, merged under the Handler's own Mechanisms() override.
	Mechanisms map[string]MechanismFactory

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener
	tlsConfig *tls.Config

	nextSessionID uint64
}

// NewServer returns an empty Server ready for AddAddr/AddListeners/AddCerts.
func NewServer() *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},
		tlsConfig: &tls.Config{
			// See https://github.com/golang/go/issues/70232: disabling
			// session tickets avoids a Microsoft-side STARTTLS resumption
			// bug that otherwise hurts deliverability to some providers.
			SessionTicketsDisabled: true,
		},
		IdleTimeout:     5 * time.Minute,
		AuthMaxAttempts: 3,
		MaxDataSize:     defaultDataSizeLimit,
		LineLengthLimit: defaultLineLengthLimit,
	}
}

// AddCerts loads a certificate/key pair and appends it to the TLS config
// shared by every STARTTLS and implicit-TLS listener.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr registers an address for the server to net.Listen on once
// ListenAndServe runs, with the given SocketMode.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListeners registers pre-opened listeners (e.g. from systemd socket
// activation) to be served with the given SocketMode.
func (s *Server) AddListeners(ls []net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], ls...)
}

// AddSystemdListeners pulls any listeners systemd passed down via socket
// activation and registers them under mode, grounded on the teacher's use
// of blitiri.com.ar/go/systemd at the cmd/ layer.
func (s *Server) AddSystemdListeners(mode SocketMode) error {
	ls, err := systemd.Listeners()
	if err != nil {
		return err
	}
	for _, group := range ls {
		s.AddListeners(group, mode)
	}
	return nil
}

// ListenAndServe starts accepting on every registered address and listener.
// Once serving, it does not return; each accepted connection runs its
// Dispatcher in its own goroutine. It returns an error if an address cannot
// be listened on, or errNoListeners if nothing was registered.
func (s *Server) ListenAndServe() error {
	var started bool

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			network := "tcp"
			if addr[0] == '/' {
				network = "unix"
			}
			l, err := net.Listen(network, addr)
			if err != nil {
				return err
			}
			log.Infof("smtpcore: listening on %s (%v)", addr, mode)
			started = true
			go s.serve(l, mode)
		}
	}

	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("smtpcore: listening on %s (%v, via systemd)", l.Addr(), mode)
			started = true
			go s.serve(l, mode)
		}
	}

	if !started {
		return errNoListeners
	}

	select {}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("smtpcore: accept error on %s: %v", l.Addr(), err)
			return
		}
		go s.newDispatcher(conn, mode).Serve()
	}
}

func (s *Server) newDispatcher(conn net.Conn, mode SocketMode) *Dispatcher {
	id := atomic.AddUint64(&s.nextSessionID, 1)

	proto := SMTP
	if mode.LMTP {
		proto = LMTP
	}

	return &Dispatcher{
		hostname:             s.Hostname,
		maxDataSize:          s.MaxDataSize,
		lineLengthLimit:      s.LineLengthLimit,
		idleTimeout:          s.IdleTimeout,
		proxyProtocolTimeout: s.ProxyProtocolTimeout,
		tlsConfig:            s.tlsConfig,
		authRequired:         s.AuthRequired,
		authRequireTLS:       s.AuthRequireTLS,
		authMaxAttempts:      s.AuthMaxAttempts,
		authExclude:          s.AuthExcludeMechanisms,
		requireStartTLS:      s.RequireSTARTTLS,
		smtputf8Enabled:      s.SMTPUTF8Enabled,
		handler:              s.Handler,
		authr:                s.Authenticator,
		mechanisms:           s.Mechanisms,
		receivedHeader:       s.ReceivedHeader,

		conn:  conn,
		proto: proto,
		mode:  mode,
		session: &Session{
			ID:    id,
			Proto: proto,
			Mode:  mode,
		},
	}
}
