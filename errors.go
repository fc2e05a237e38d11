package smtpcore

import "errors"

// Sentinel errors returned by the transport and dispatcher, mirroring the
// taxonomy in the core's error handling design: protocol syntax, sequencing,
// resource limits, authentication, and transport failures are each reported
// distinctly so an embedder's Handler.HandleException can tell them apart.
var (
	// ErrLineTooLong is returned when a command line exceeds the configured
	// line length limit.
	ErrLineTooLong = errors.New("smtpcore: line too long")

	// ErrMessageTooLarge is returned when a DATA payload exceeds
	// Server.MaxDataSize.
	ErrMessageTooLarge = errors.New("smtpcore: message too large")

	// ErrInvalidLineEnding is returned when the DATA block contains a lone
	// "\r" or "\n" not part of a "\r\n" pair.
	ErrInvalidLineEnding = errors.New("smtpcore: invalid line ending")

	// ErrAuthAborted names the case of a client sending a lone "*" to
	// cancel an in-progress AUTH exchange. The Dispatcher answers that case
	// with a 501 reply; no function in this package returns this value.
	ErrAuthAborted = errors.New("smtpcore: authentication aborted")

	// ErrTooManyErrors is recorded in the trace when a connection is closed
	// after its third reply with a 4xx or 5xx code (the count is never reset
	// for the life of the connection).
	ErrTooManyErrors = errors.New("smtpcore: too many errors, closing")

	// ErrIdleTimeout is recorded when a connection is closed for exceeding
	// its idle command deadline.
	ErrIdleTimeout = errors.New("smtpcore: timeout waiting for data from client")

	// ErrProxyHandshake is recorded in the trace, wrapping the parser's
	// message, when a PROXY protocol preamble could not be parsed; the
	// connection is then closed.
	ErrProxyHandshake = errors.New("smtpcore: invalid PROXY protocol preamble")

	// errNoListeners is returned by Server.ListenAndServe when neither
	// AddAddr nor AddListeners registered anything to serve.
	errNoListeners = errors.New("smtpcore: no addresses or listeners configured")
)
