// Package smtpcore implements the protocol core of an embeddable SMTP/LMTP
// server: a per-connection command dispatcher enforcing RFC 5321 (SMTP) and
// RFC 2033 (LMTP) sequencing, the SIZE/8BITMIME/SMTPUTF8/STARTTLS/AUTH
// extensions, and the HAProxy PROXY protocol v1/v2 preamble. Policy
// (acceptance, storage, authentication backends) is supplied by an embedder
// implementing the Handler interface; this package owns only the wire
// protocol and state machine.
package smtpcore
