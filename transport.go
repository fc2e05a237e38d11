package smtpcore

import (
	"errors"
	"fmt"

	"github.com/mailcore/smtpcore/internal/transport"
)

// defaultLineLengthLimit is the default command line limit of 1001 octets
// including the trailing CRLF. transport.ReadLine measures the text without
// its line ending, so the value passed to it is 1001 - 2.
const defaultLineLengthLimit = 999

// defaultDataSizeLimit is the spec's default data_size_limit, in bytes.
const defaultDataSizeLimit = 33554432

// errMalformedBase64 marks a readAuthLine failure that's a protocol error
// (bad base64 from the client), not a transport/I/O failure. cmdAUTH uses
// errors.Is to tell the two apart: the former gets a 501 reply that ends the
// AUTH exchange while the session continues; the latter closes the
// connection.
var errMalformedBase64 = errors.New("smtpcore: malformed base64 response")

func (d *Dispatcher) readCommand() (verb, params string, err error) {
	verb, params, err = transport.ReadCommand(d.reader, d.lineLengthLimit)
	if err == transport.ErrLineTooLong {
		return verb, params, ErrLineTooLong
	}
	return verb, params, err
}

func (d *Dispatcher) writeResponse(code int, msg string) error {
	defer d.writer.Flush()
	return transport.WriteResponse(d.writer, code, msg)
}

func (d *Dispatcher) printfLine(format string, args ...interface{}) error {
	return transport.WriteLine(d.writer, format, args...)
}

// readUntilDot reads a DATA block bounded at maxDataSize, reporting
// ErrMessageTooLarge while staying protocol-synced (the reader keeps
// consuming until the terminator either way).
func (d *Dispatcher) readUntilDot() ([]byte, error) {
	buf, err := transport.ReadUntilDot(d.reader, d.maxDataSize)
	if err == transport.ErrMessageTooLarge {
		return buf, ErrMessageTooLarge
	}
	if err == transport.ErrInvalidLineEnding {
		return buf, ErrInvalidLineEnding
	}
	return buf, err
}

// writeAuthChallenge writes a single raw CRLF-terminated line, used for AUTH's
// intermediate "334 <challenge>" prompts which are not ordinary replies.
func (d *Dispatcher) writeAuthChallenge(challenge []byte) error {
	if len(challenge) == 0 {
		return d.printfLine("334")
	}
	return d.printfLine("334 %s", base64Encode(challenge))
}

// readAuthLine reads one raw client line during an AUTH exchange and
// base64-decodes it, per RFC 4954 §4. A lone "*" cancels the exchange.
func (d *Dispatcher) readAuthLine() (decoded []byte, aborted bool, err error) {
	line, err := transport.ReadLine(d.reader, d.lineLengthLimit)
	if err != nil {
		return nil, false, err
	}
	if line == "*" {
		return nil, true, nil
	}
	decoded, err = base64Decode(line)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errMalformedBase64, err)
	}
	return decoded, false, nil
}
