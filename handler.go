package smtpcore

import "fmt"

// Result is the polymorphic value a hook may return, per §9 "Hooks
// returning polymorphic values". Most hooks return a Status; HandleEHLO may
// return Lines to replace the planned capability list. AUTH mechanisms do
// not use Result; they report through AuthResult. The Dispatcher
// pattern-matches on Kind and never re-wraps a Result once built.
type Result struct {
	Kind ResultKind

	// Status is used when Kind == StatusResult: a full reply, first line
	// "NNN text", further lines "text" (the Dispatcher adds the "NNN-"/"NNN "
	// prefixes).
	Status string

	// Lines is used when Kind == LinesResult: a replacement list of EHLO
	// capability lines, first entry still the greeting text.
	Lines []string
}

// ResultKind discriminates the Result variants.
type ResultKind int

const (
	StatusResult ResultKind = iota
	LinesResult
)

// Statusf builds a StatusResult from a code and message, "NNN message".
func Statusf(code int, format string, args ...interface{}) Result {
	return Result{Kind: StatusResult, Status: fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...))}
}

// Handler is the contract an embedder implements to supply policy:
// acceptance, storage, authentication. Every hook is optional — a nil
// Handler, or a Handler embedding BaseHandler and leaving a hook
// unimplemented, gets the spec's default canonical status for that command.
type Handler interface {
	// HandleHELO is called after a syntactically valid HELO. A zero Result
	// (Kind==StatusResult, Status=="") means "use the default 250 greeting".
	// Returning a Result with a status not starting with '2' tells the
	// Dispatcher to not record HostName, re-requiring HELO.
	HandleHELO(session *Session, envelope *Envelope, hostname string) Result

	// HandleEHLO is called after a syntactically valid EHLO, with the
	// Dispatcher's planned capability lines (server hostname first, then
	// SIZE/8BITMIME/SMTPUTF8/AUTH/STARTTLS/HELP as applicable). A Handler
	// may return LinesResult to replace them; returning the zero Result
	// keeps the planned lines unchanged.
	HandleEHLO(session *Session, envelope *Envelope, hostname string, planned []string) Result

	// HandleMAIL is called after MAIL's syntax and ESMTP parameters have
	// been validated. On a 2xx Result, the Dispatcher sets
	// envelope.MailFrom = address.
	HandleMAIL(session *Session, envelope *Envelope, address string, options []MailOption) Result

	// HandleRCPT is called after RCPT's syntax has been validated. On a 2xx
	// Result, the Dispatcher appends address to envelope.RcptTos.
	HandleRCPT(session *Session, envelope *Envelope, address string, options []MailOption) Result

	// HandleDATA is called once the full message body has been read into
	// envelope.Content. In LMTP mode the Dispatcher expects one status per
	// accepted recipient; StatusesPerRecipient provides that list.
	HandleDATA(session *Session, envelope *Envelope) Result

	// StatusesPerRecipient is consulted only in LMTP mode, once per DATA
	// command: it must return exactly len(envelope.RcptTos) statuses, one
	// per recipient in acceptance order. A nil return falls back to
	// "500 Internal: missing LMTP response" for every recipient.
	StatusesPerRecipient(session *Session, envelope *Envelope) []string

	HandleRSET(session *Session, envelope *Envelope) Result
	HandleNOOP(session *Session, envelope *Envelope, arg string) Result
	HandleVRFY(session *Session, envelope *Envelope, arg string) Result
	HandleEXPN(session *Session, envelope *Envelope, arg string) Result
	HandleQUIT(session *Session, envelope *Envelope) Result

	// HandleSTARTTLS is a synchronous gate consulted before the TLS
	// handshake begins; returning false aborts the upgrade with a 454.
	HandleSTARTTLS(session *Session, envelope *Envelope) bool

	// HandlePROXY gates on a successfully parsed PROXY preamble before any
	// banner has been written. A falsy return closes the connection
	// without a banner. It is not called when the preamble fails to parse;
	// the connection is closed without a banner in that case.
	HandlePROXY(session *Session, info *ProxyInfo) bool

	// HandleException is consulted, synchronously, whenever a transport or
	// internal error interrupts the dispatch loop. The default behavior
	// (BaseHandler, or a nil Handler) is "421 Recv error: <error>".
	HandleException(session *Session, err error) Result

	// Mechanisms returns additional (or overriding) AUTH mechanism
	// factories, keyed by mechanism name, merged over the built-in PLAIN
	// and LOGIN factories.
	Mechanisms() map[string]MechanismFactory
}

// BaseHandler is an embeddable no-op Handler: every hook returns the zero
// Result (or, for the synchronous gates, true), so an embedder can embed
// BaseHandler and override only the hooks it cares about. This pattern has
// no precedent in the teacher (chasquid hard-wires its policy directly into
// Conn), but is the standard Go idiom for optional interface methods, since
// Go interfaces carry no default implementations.
type BaseHandler struct{}

func (BaseHandler) HandleHELO(*Session, *Envelope, string) Result           { return Result{} }
func (BaseHandler) HandleEHLO(*Session, *Envelope, string, []string) Result { return Result{} }
func (BaseHandler) HandleMAIL(*Session, *Envelope, string, []MailOption) Result {
	return Result{}
}
func (BaseHandler) HandleRCPT(*Session, *Envelope, string, []MailOption) Result {
	return Result{}
}
func (BaseHandler) HandleDATA(*Session, *Envelope) Result                     { return Result{} }
func (BaseHandler) StatusesPerRecipient(*Session, *Envelope) []string         { return nil }
func (BaseHandler) HandleRSET(*Session, *Envelope) Result                     { return Result{} }
func (BaseHandler) HandleNOOP(*Session, *Envelope, string) Result             { return Result{} }
func (BaseHandler) HandleVRFY(*Session, *Envelope, string) Result             { return Result{} }
func (BaseHandler) HandleEXPN(*Session, *Envelope, string) Result             { return Result{} }
func (BaseHandler) HandleQUIT(*Session, *Envelope) Result                     { return Result{} }
func (BaseHandler) HandleSTARTTLS(*Session, *Envelope) bool                   { return true }
func (BaseHandler) HandlePROXY(*Session, *ProxyInfo) bool                     { return true }
func (BaseHandler) HandleException(_ *Session, err error) Result {
	return Statusf(421, "Recv error: %v", err)
}
func (BaseHandler) Mechanisms() map[string]MechanismFactory { return nil }
