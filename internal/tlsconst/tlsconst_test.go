package tlsconst

import (
	"crypto/tls"
	"strings"
	"testing"
)

func TestVersionName(t *testing.T) {
	cases := []struct {
		ver      uint16
		expected string
	}{
		{tls.VersionTLS11, "TLS-1.1"},
		{tls.VersionTLS13, "TLS-1.3"},
		{0x1234, "TLS-0x1234"},
	}
	for _, c := range cases {
		got := VersionName(c.ver)
		if got != c.expected {
			t.Errorf("VersionName(%x) = %q, expected %q",
				c.ver, got, c.expected)
		}
	}
}

func TestCipherSuiteName(t *testing.T) {
	got := CipherSuiteName(tls.TLS_AES_128_GCM_SHA256)
	if got != "TLS_AES_128_GCM_SHA256" {
		t.Errorf("CipherSuiteName(AES_128_GCM) = %q", got)
	}

	got = CipherSuiteName(0x1234)
	if !strings.Contains(got, "1234") {
		t.Errorf("CipherSuiteName(unknown) = %q, expected it to mention 0x1234", got)
	}
}
