package smtpcore

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/mailcore/smtpcore/internal/trace"
)

// Dispatcher is the per-connection command state machine: the core
// described by §4.4, generalized from the teacher's Conn (which hard-codes
// chasquid's relay/SPF/alias policy) to call out to a pluggable Handler at
// every policy decision point.
type Dispatcher struct {
	// Shared configuration, set by the Server that spawned this Dispatcher.
	hostname             string
	maxDataSize          int64
	lineLengthLimit      int
	idleTimeout          time.Duration
	proxyProtocolTimeout time.Duration
	tlsConfig            *tls.Config
	authRequired         bool
	authRequireTLS       bool
	authMaxAttempts      int
	authExclude          map[string]bool
	requireStartTLS      bool
	smtputf8Enabled      bool
	handler              Handler
	authr                Authenticator
	mechanisms           map[string]MechanismFactory
	receivedHeader       bool

	// Per-connection state.
	conn         net.Conn
	proto        Proto
	mode         SocketMode
	reader       *bufio.Reader
	writer       *bufio.Writer
	session      *Session
	envelope     *Envelope
	heloDone     bool
	tlsConnState *tls.ConnectionState
	tr           *trace.Trace
}

func (d *Dispatcher) handlerOrDefault() Handler {
	if d.handler != nil {
		return d.handler
	}
	return BaseHandler{}
}

// Close closes the underlying connection.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

// Serve runs the main protocol loop: completes any pending TLS handshake,
// consumes an optional PROXY preamble, sends the banner, and then reads and
// dispatches commands until QUIT, a transport error, or a connection deadline
// expires. It takes no context and cannot be canceled from outside; closing
// the connection is the only way to stop it early. It always returns once
// the connection is done; it does not run in its own goroutine (the Server
// does that).
func (d *Dispatcher) Serve() {
	defer d.Close()

	d.envelope = &Envelope{}
	d.tr = trace.New("smtpcore.Conn", d.conn.RemoteAddr().String())
	defer d.tr.Finish()

	deadline := time.Now().Add(d.idleTimeout)
	d.conn.SetDeadline(deadline)

	if tc, ok := d.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			return
		}
		cstate := tc.ConnectionState()
		d.tlsConnState = &cstate
		d.session.TLSActive = true
		d.session.TLSInfo = &TLSInfo{
			Version:     cstate.Version,
			CipherSuite: cstate.CipherSuite,
			ServerName:  cstate.ServerName,
			State:       cstate,
		}
		if cstate.ServerName != "" {
			d.hostname = cstate.ServerName
		}
	}

	d.reader = bufio.NewReader(d.conn)
	d.writer = bufio.NewWriter(d.conn)
	d.session.Peer = d.remoteAddr()

	if d.proxyProtocolTimeout > 0 {
		d.conn.SetDeadline(time.Now().Add(d.proxyProtocolTimeout))
		info := consumeProxyHeader(d.reader)
		d.session.ProxyData = info
		if !info.Valid {
			d.tr.Error(fmt.Errorf("%w: %s", ErrProxyHandshake, info.Error))
			return
		}
		if info.SrcAddr != nil {
			d.session.Peer = info.SrcAddr
		}
		if !d.handlerOrDefault().HandlePROXY(d.session, info) {
			return
		}
		d.conn.SetDeadline(deadline)
	}

	if err := d.printfLine("220 %s %s", d.hostname, d.proto); err != nil {
		return
	}

	var errCount int
	for {
		if d.idleTimeout > 0 {
			d.conn.SetDeadline(time.Now().Add(d.idleTimeout))
		}

		verb, params, err := d.readCommand()
		if err != nil {
			d.handleTransportError(err)
			return
		}
		d.tr.Debugf("-> %s %s", verb, params)

		if verb == "GET" || verb == "POST" || verb == "CONNECT" {
			// Cross-protocol attack guard: a browser or other HTTP client
			// landed on this port. Close immediately, no further dialogue.
			d.tr.Errorf("cross-protocol probe: %s", verb)
			_ = d.writeResponse(502, "5.7.0 wrong protocol")
			return
		}

		result, quit := d.dispatch(verb, params)
		if quit {
			return
		}
		if result.Kind != StatusResult || result.Status == "" {
			continue
		}

		code := statusCode(result.Status)
		if code >= 400 {
			errCount++
			if errCount >= 3 {
				d.tr.Error(ErrTooManyErrors)
				_ = d.writeResponse(421, "4.5.0 too many errors, bye")
				return
			}
		}

		if err := d.writeRaw(result.Status); err != nil {
			return
		}
		d.tr.Debugf("<- %s", result.Status)
	}
}

func (d *Dispatcher) remoteAddr() net.Addr {
	if a := d.conn.RemoteAddr(); a != nil {
		return a
	}
	return nil
}

func (d *Dispatcher) handleTransportError(err error) {
	if err == io.EOF {
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		err = ErrIdleTimeout
	}
	d.tr.Error(err)
	h := d.handlerOrDefault()
	res := h.HandleException(d.session, err)
	if res.Status != "" {
		_ = d.writeRaw(res.Status)
	}
}

// writeRaw writes a Result.Status string (which may be multi-line,
// "\n"-joined) as a full SMTP reply.
func (d *Dispatcher) writeRaw(status string) error {
	code, msg := splitStatus(status)
	return d.writeResponse(code, msg)
}

func splitStatus(status string) (int, string) {
	sp := strings.SplitN(status, " ", 2)
	code, err := strconv.Atoi(sp[0])
	if err != nil {
		code = 250
	}
	msg := ""
	if len(sp) == 2 {
		msg = sp[1]
	}
	return code, msg
}

func statusCode(status string) int {
	code, _ := splitStatus(status)
	return code
}

// dispatch looks up verb in the command table, checks sequencing legality,
// and runs its handler. It returns (zero Result, true) for QUIT and for any
// command path that already wrote its own reply and wants the loop to stop.
func (d *Dispatcher) dispatch(verb, params string) (Result, bool) {
	if d.proto == SMTP && verb == "LHLO" {
		return Statusf(500, `Error: command "LHLO" not recognized`), false
	}
	if d.proto == LMTP && (verb == "HELO" || verb == "EHLO") {
		return Statusf(500, `Error: command %q not recognized`, verb), false
	}

	ok, _, known := sequencingOK(verb, d.heloDone, false)
	if !known {
		return Statusf(500, "5.5.1 Unknown command"), false
	}
	if !ok {
		return Statusf(503, "Error: bad sequence of commands"), false
	}

	if d.authRequired && !d.session.Authenticated {
		switch verb {
		case "AUTH", "HELO", "EHLO", "LHLO", "NOOP", "RSET", "STARTTLS", "QUIT", "HELP":
			// allowed
		default:
			return Statusf(530, "5.7.0 Authentication required"), false
		}
	}

	if d.requireStartTLS && !d.session.TLSActive {
		switch verb {
		case "EHLO", "NOOP", "RSET", "STARTTLS", "QUIT", "HELP":
			// allowed
		default:
			return Statusf(530, "5.7.0 Must issue a STARTTLS command first"), false
		}
	}

	switch verb {
	case "HELO":
		return d.cmdHELO(params), false
	case "EHLO", "LHLO":
		return d.cmdEHLO(params), false
	case "MAIL":
		return d.cmdMAIL(params), false
	case "RCPT":
		return d.cmdRCPT(params), false
	case "DATA":
		return d.cmdDATA(params)
	case "RSET":
		return d.cmdRSET(params), false
	case "NOOP":
		return d.cmdNOOP(params), false
	case "HELP":
		return Statusf(214, "2.0.0 Ok"), false
	case "VRFY":
		return d.cmdVRFY(params), false
	case "EXPN":
		return d.cmdEXPN(params), false
	case "STARTTLS":
		return d.cmdSTARTTLS(params)
	case "AUTH":
		return d.cmdAUTH(params)
	case "QUIT":
		h := d.handlerOrDefault()
		res := h.HandleQUIT(d.session, d.envelope)
		if res.Status == "" {
			res = Statusf(221, "2.0.0 Bye")
		}
		_ = d.writeRaw(res.Status)
		return Result{}, true
	}

	return Statusf(500, "5.5.1 Unknown command"), false
}

func (d *Dispatcher) cmdHELO(params string) Result {
	if strings.TrimSpace(params) == "" {
		return Statusf(501, "Syntax: HELO hostname")
	}
	domain := strings.Fields(params)[0]

	h := d.handlerOrDefault()
	res := h.HandleHELO(d.session, d.envelope, domain)
	if res.Status != "" && !strings.HasPrefix(res.Status, "2") {
		return res
	}

	d.envelope.reset()
	d.session.HostName = domain
	d.session.ExtendedSMTP = false
	d.heloDone = true

	if res.Status != "" {
		return res
	}
	return Statusf(250, "%s", d.hostname)
}

func (d *Dispatcher) cmdEHLO(params string) Result {
	if strings.TrimSpace(params) == "" {
		return Statusf(501, "Syntax: EHLO hostname")
	}
	domain := strings.Fields(params)[0]

	planned := d.buildEHLOLines(domain)

	h := d.handlerOrDefault()
	res := h.HandleEHLO(d.session, d.envelope, domain, planned)

	d.envelope.reset()
	d.session.HostName = domain
	d.session.ExtendedSMTP = true
	d.heloDone = true

	lines := planned
	if res.Kind == LinesResult && res.Lines != nil {
		lines = res.Lines
	}
	return Result{Kind: StatusResult, Status: "250 " + strings.Join(lines, "\n")}
}

// buildEHLOLines constructs the advertised capability list, per §4.4's
// "EHLO response" rule: greeting line first, then SIZE/8BITMIME/SMTPUTF8/
// AUTH/STARTTLS/HELP as applicable. AUTH is advertised only when mechanisms
// are selectable right now (consistency invariant with actual AUTH
// behavior): not already authenticated, and not gated out by
// authRequireTLS.
func (d *Dispatcher) buildEHLOLines(domain string) []string {
	lines := []string{d.hostname}
	lines = append(lines, fmt.Sprintf("SIZE %d", d.maxDataSize))
	lines = append(lines, "8BITMIME")
	if d.smtputf8Enabled {
		lines = append(lines, "SMTPUTF8")
	}

	if mechs := d.advertisableMechanisms(); len(mechs) > 0 {
		lines = append(lines, "AUTH "+strings.Join(mechs, " "))
	}

	if d.tlsConfig != nil && !d.session.TLSActive {
		lines = append(lines, "STARTTLS")
	}

	lines = append(lines, "HELP")
	return lines
}

func (d *Dispatcher) advertisableMechanisms() []string {
	if d.session.Authenticated {
		return nil
	}
	if d.authRequireTLS && !d.session.TLSActive {
		return nil
	}
	all := d.allMechanisms()
	var names []string
	for name := range all {
		if d.authExclude[name] {
			continue
		}
		names = append(names, name)
	}
	return names
}

// allMechanisms merges the built-in PLAIN/LOGIN factories, the Dispatcher's
// configured mechanisms, and the active Handler's Mechanisms() override, in
// that priority order (Handler wins).
func (d *Dispatcher) allMechanisms() map[string]MechanismFactory {
	all := builtinMechanisms(d.authr)
	for name, fac := range d.mechanisms {
		all[name] = fac
	}
	for name, fac := range d.handlerOrDefault().Mechanisms() {
		all[name] = fac
	}
	return all
}

func (d *Dispatcher) cmdNOOP(params string) Result {
	h := d.handlerOrDefault()
	res := h.HandleNOOP(d.session, d.envelope, params)
	if res.Status != "" {
		return res
	}
	return Statusf(250, "2.0.0 Ok")
}

func (d *Dispatcher) cmdRSET(params string) Result {
	h := d.handlerOrDefault()
	res := h.HandleRSET(d.session, d.envelope)
	d.envelope.reset()
	if res.Status != "" {
		return res
	}
	return Statusf(250, "2.0.0 Ok")
}

func (d *Dispatcher) cmdVRFY(params string) Result {
	h := d.handlerOrDefault()
	res := h.HandleVRFY(d.session, d.envelope, params)
	if res.Status != "" {
		return res
	}
	return Statusf(252, "2.5.2 Cannot VRFY user, but will accept message")
}

func (d *Dispatcher) cmdEXPN(params string) Result {
	h := d.handlerOrDefault()
	res := h.HandleEXPN(d.session, d.envelope, params)
	if res.Status != "" {
		return res
	}
	return Statusf(252, "2.5.2 Cannot EXPN list")
}

// parseAddrParams splits "FROM:<addr> OPT=val OPT2" (or "TO:<addr> ...")
// into the address and its ESMTP parameter string. It does not look at the
// parameter names; cmdMAIL and cmdRCPT reject unrecognized ones with 555.
func parseAddrParams(params, prefix string) (addr string, rest string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(params), prefix) {
		return "", "", false
	}
	rest = strings.TrimSpace(params[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", false
	}
	addr = fields[0]
	rest = strings.Join(fields[1:], " ")
	return addr, rest, true
}

func parseOptions(rest string) []MailOption {
	var opts []MailOption
	for _, tok := range strings.Fields(rest) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) == 2 {
			opts = append(opts, MailOption{Name: strings.ToUpper(kv[0]), Value: kv[1]})
		} else {
			opts = append(opts, MailOption{Name: strings.ToUpper(kv[0])})
		}
	}
	return opts
}

var knownMailParams = map[string]bool{"SIZE": true, "BODY": true, "SMTPUTF8": true, "AUTH": true}
var knownRcptParams = map[string]bool{"NOTIFY": true, "ORCPT": true}

func (d *Dispatcher) cmdMAIL(params string) Result {
	rawAddr, rest, ok := parseAddrParams(params, "from:")
	if !ok {
		return Statusf(501, "Syntax: MAIL FROM:<address>")
	}
	if d.mode.IsSubmission && !d.session.Authenticated {
		return Statusf(550, "5.7.9 Mail to submission port must be authenticated")
	}

	opts := parseOptions(rest)
	if len(opts) > 0 && !d.session.ExtendedSMTP {
		return Statusf(555, "5.5.4 MAIL FROM parameters not allowed without EHLO")
	}
	for _, o := range opts {
		if !knownMailParams[o.Name] {
			return Statusf(555, "5.5.4 Unsupported option: %s", o.Name)
		}
		if o.Name == "SMTPUTF8" && !d.smtputf8Enabled {
			return Statusf(555, "5.5.4 Unsupported option: %s", o.Name)
		}
		if o.Name == "SIZE" {
			n, err := strconv.ParseInt(o.Value, 10, 64)
			if err == nil && d.maxDataSize > 0 && n > d.maxDataSize {
				return Statusf(552, "5.3.4 Message too big")
			}
		}
	}

	addr := strings.ReplaceAll(rawAddr, " ", "")
	if addr != "<>" {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return Statusf(501, "5.1.7 Sender address malformed")
		}
		addr = e.Address
		if !strings.Contains(addr, "@") {
			return Statusf(501, "5.1.8 Sender address must contain a domain")
		}
		if len(addr) > 256 {
			return Statusf(501, "5.1.7 Sender address too long")
		}
	}

	h := d.handlerOrDefault()
	res := h.HandleMAIL(d.session, d.envelope, addr, opts)
	if res.Status != "" && !strings.HasPrefix(res.Status, "2") {
		return res
	}

	d.envelope.reset()
	d.envelope.MailFrom = addr
	d.envelope.MailOptions = opts

	if res.Status != "" {
		return res
	}
	return Statusf(250, "2.1.5 Ok")
}

func (d *Dispatcher) cmdRCPT(params string) Result {
	rawAddr, rest, ok := parseAddrParams(params, "to:")
	if !ok {
		return Statusf(501, "Syntax: RCPT TO:<address>")
	}
	if d.envelope.MailFrom == "" {
		return Statusf(503, "5.5.1 Sender not yet given")
	}

	opts := parseOptions(rest)
	for _, o := range opts {
		if !knownRcptParams[o.Name] {
			return Statusf(555, "5.5.4 Unsupported option: %s", o.Name)
		}
	}

	if len(d.envelope.RcptTos) > 100 {
		return Statusf(452, "4.5.3 Too many recipients")
	}

	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return Statusf(501, "5.1.3 Malformed destination address")
	}
	addr := e.Address
	if len(addr) > 256 {
		return Statusf(501, "5.1.3 Destination address too long")
	}

	h := d.handlerOrDefault()
	res := h.HandleRCPT(d.session, d.envelope, addr, opts)
	if res.Status != "" && !strings.HasPrefix(res.Status, "2") {
		return res
	}

	d.envelope.RcptTos = append(d.envelope.RcptTos, addr)
	d.envelope.RcptOptions = append(d.envelope.RcptOptions, opts)

	if res.Status != "" {
		return res
	}
	return Statusf(250, "2.1.5 Ok")
}

func (d *Dispatcher) cmdDATA(params string) (Result, bool) {
	if d.session.HostName == "" {
		return Statusf(503, "5.5.1 send HELO first"), false
	}
	if d.envelope.MailFrom == "" {
		return Statusf(503, "Error: need MAIL command"), false
	}
	if len(d.envelope.RcptTos) == 0 {
		return Statusf(503, "Error: need RCPT command"), false
	}

	if err := d.writeResponse(354, "End data with <CR><LF>.<CR><LF>"); err != nil {
		return Result{}, true
	}

	d.conn.SetDeadline(time.Now().Add(d.idleTimeout))
	data, err := d.readUntilDot()
	if err == ErrMessageTooLarge {
		return Statusf(552, "5.3.4 Error: message too big"), false
	}
	if err != nil {
		return Result{}, true
	}

	d.envelope.OriginalContent = append([]byte{}, data...)
	d.envelope.Content = data

	if _, err := mail.ReadMessage(bytes.NewReader(data)); err != nil {
		return Statusf(554, "5.6.0 Error parsing message: %v", err), false
	}

	if d.receivedHeader {
		d.addReceivedHeader(d.envelope)
	}

	h := d.handlerOrDefault()

	if d.proto == LMTP {
		h.HandleDATA(d.session, d.envelope)
		statuses := h.StatusesPerRecipient(d.session, d.envelope)
		if len(statuses) != len(d.envelope.RcptTos) {
			statuses = make([]string, len(d.envelope.RcptTos))
			for i := range statuses {
				statuses[i] = "500 Internal: missing LMTP response"
			}
		}
		for i, rcpt := range d.envelope.RcptTos {
			code, msg := splitStatus(statuses[i])
			if err := d.writeResponse(code, fmt.Sprintf("%s <%s> %s", statusClassOf(code), rcpt, msg)); err != nil {
				return Result{}, true
			}
		}
		d.envelope.reset()
		return Result{}, false
	}

	res := h.HandleDATA(d.session, d.envelope)
	d.envelope.reset()
	if res.Status != "" {
		return res, false
	}
	return Statusf(250, "2.0.0 Message accepted"), false
}

func statusClassOf(code int) string {
	switch code / 100 {
	case 2:
		return "2.1.5"
	case 4:
		return "4.3.0"
	default:
		return "5.1.1"
	}
}

func (d *Dispatcher) cmdSTARTTLS(params string) (Result, bool) {
	if d.session.TLSActive {
		return Statusf(503, "5.5.1 Already running under TLS"), false
	}
	if d.tlsConfig == nil {
		return Statusf(502, "5.5.1 TLS not supported"), false
	}
	if strings.TrimSpace(params) != "" {
		return Statusf(501, "Syntax: STARTTLS"), false
	}

	h := d.handlerOrDefault()
	if !h.HandleSTARTTLS(d.session, d.envelope) {
		return Statusf(454, "4.7.0 TLS not available"), false
	}

	if err := d.writeResponse(220, "2.0.0 Ready to start TLS"); err != nil {
		return Result{}, true
	}

	// RFC 3207 §6: the client must not send anything before the
	// ClientHello. Rebuilding reader/writer below, instead of reusing
	// d.reader, discards whatever plaintext it had already buffered rather
	// than feeding it to the TLS layer as ciphertext.
	if n := d.reader.Buffered(); n > 0 {
		d.tr.Errorf("discarding %d bytes sent before the TLS handshake", n)
	}
	srv := tls.Server(d.conn, d.tlsConfig)
	if err := srv.Handshake(); err != nil {
		return Result{}, true
	}

	d.conn = srv
	d.reader = bufio.NewReader(d.conn)
	d.writer = bufio.NewWriter(d.conn)

	cstate := srv.ConnectionState()
	d.tlsConnState = &cstate
	d.session.TLSActive = true
	d.session.TLSInfo = &TLSInfo{
		Version:     cstate.Version,
		CipherSuite: cstate.CipherSuite,
		ServerName:  cstate.ServerName,
		State:       cstate,
	}
	if cstate.ServerName != "" {
		d.hostname = cstate.ServerName
	}

	// Reset Session and Envelope, keeping Peer/ProxyData/TLS fields, per
	// §4.1's STARTTLS upgrade rule.
	d.envelope.reset()
	d.session.HostName = ""
	d.session.ExtendedSMTP = false
	d.session.AuthIdentity = nil
	d.session.Authenticated = false
	d.session.LoginFailedCount = 0
	d.heloDone = false

	return Result{}, false
}

func (d *Dispatcher) cmdAUTH(params string) (Result, bool) {
	if d.authRequireTLS && !d.session.TLSActive {
		return Statusf(538, "5.7.11 Encryption required for requested authentication mechanism"), false
	}
	if d.session.Authenticated {
		return Statusf(503, "5.5.1 Already authenticated"), false
	}
	if d.session.LoginFailedCount >= d.authMaxAttempts && d.authMaxAttempts > 0 {
		return Result{}, true
	}

	sp := strings.SplitN(params, " ", 2)
	if sp[0] == "" {
		return Statusf(501, "Syntax: AUTH mechanism"), false
	}
	mechName := strings.ToUpper(sp[0])
	if d.authExclude[mechName] {
		return Statusf(504, "5.5.4 Unrecognized authentication type"), false
	}

	all := d.allMechanisms()
	factory, ok := all[mechName]
	if !ok {
		return Statusf(504, "5.5.4 Unrecognized authentication type"), false
	}
	mech := factory()

	var initial []byte
	if len(sp) == 2 {
		decoded, err := base64Decode(sp[1])
		if err != nil {
			return Statusf(501, "5.5.2 cannot decode response"), false
		}
		initial = decoded
	}

	res := mech.Start(initial)
	for {
		switch res.Outcome {
		case AuthMore:
			if err := d.writeAuthChallenge(res.Challenge); err != nil {
				return Result{}, true
			}
			response, aborted, err := d.readAuthLine()
			if err != nil {
				if errors.Is(err, errMalformedBase64) {
					return Statusf(501, "5.5.2 cannot decode response"), false
				}
				return Result{}, true
			}
			if aborted {
				return Statusf(501, "5.0.0 Authentication aborted"), false
			}
			res = mech.Next(response)
			continue
		case AuthSuccess:
			d.session.AuthIdentity = res.Identity
			d.session.Authenticated = true
			return Statusf(235, "2.7.0 Authentication successful"), false
		case AuthInvalid:
			d.session.LoginFailedCount++
			if d.authMaxAttempts > 0 && d.session.LoginFailedCount >= d.authMaxAttempts {
				_ = d.writeResponse(421, "4.7.0 too many authentication failures")
				return Result{}, true
			}
			return Statusf(535, "5.7.8 Authentication credentials invalid"), false
		default: // AuthUnhandled
			return Statusf(454, "4.7.0 Temporary authentication failure"), false
		}
	}
}
