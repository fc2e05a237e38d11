// Package tlsconst contains TLS constants for human consumption, used when
// recording connection metadata in logs, traces and Received headers.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	tls.VersionSSL30: "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	name, ok := versionName[v]
	if !ok {
		return fmt.Sprintf("TLS-%#04x", v)
	}
	return name
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using the
// standard library's IANA-derived table. Unknown suites come back as a
// "0xNNNN" placeholder, courtesy of crypto/tls.
func CipherSuiteName(s uint16) string {
	return tls.CipherSuiteName(s)
}
