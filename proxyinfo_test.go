package smtpcore

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConsumeProxyHeaderV1(t *testing.T) {
	raw := "PROXY TCP4 192.0.2.1 198.51.100.1 56324 443\r\nHELO x\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	info := consumeProxyHeader(r)
	if !info.Valid {
		t.Fatalf("expected valid v1 header, got error: %s", info.Error)
	}
	if info.Version != 1 {
		t.Errorf("Version = %d, want 1", info.Version)
	}
	tcp, ok := info.SrcAddr.(*net.TCPAddr)
	if !ok || tcp.IP.String() != "192.0.2.1" {
		t.Errorf("SrcAddr = %+v, want 192.0.2.1", info.SrcAddr)
	}

	rest, _ := r.ReadString('\n')
	if rest != "HELO x\r\n" {
		t.Errorf("remaining stream = %q, want HELO x", rest)
	}
}

func TestConsumeProxyHeaderV1Invalid(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("NOT A PROXY HEADER\r\n"))
	info := consumeProxyHeader(r)
	if info.Valid {
		t.Fatalf("expected invalid header to be rejected")
	}
}

func TestFamilyOf(t *testing.T) {
	if got := familyOf(&net.TCPAddr{IP: net.ParseIP("1.2.3.4")}); got != ProxyINET {
		t.Errorf("familyOf(v4) = %v, want ProxyINET", got)
	}
	if got := familyOf(&net.TCPAddr{IP: net.ParseIP("::1")}); got != ProxyINET6 {
		t.Errorf("familyOf(v6) = %v, want ProxyINET6", got)
	}
	if got := familyOf(&net.UnixAddr{Name: "/tmp/x"}); got != ProxyUNIX {
		t.Errorf("familyOf(unix) = %v, want ProxyUNIX", got)
	}
}

func TestConsumeProxyHeaderV1Full(t *testing.T) {
	raw := "PROXY TCP4 192.0.2.1 198.51.100.1 56324 443\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	got := consumeProxyHeader(r)
	want := &ProxyInfo{
		Version:  1,
		Command:  "PROXY",
		Family:   ProxyINET,
		Protocol: ProxyProtoStream,
		SrcAddr:  &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 56324},
		DstAddr:  &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 443},
		Valid:    true,
	}

	tcpAddrEq := cmp.Comparer(func(a, b *net.TCPAddr) bool {
		if a == nil || b == nil {
			return a == b
		}
		return a.IP.Equal(b.IP) && a.Port == b.Port
	})
	if diff := cmp.Diff(want, got, tcpAddrEq); diff != "" {
		t.Errorf("consumeProxyHeader mismatch (-want +got):\n%s", diff)
	}
}

func TestRenameTLV(t *testing.T) {
	raw := map[byte][]byte{0x01: []byte("alpn-value"), 0x99: []byte("unknown")}
	named := renameTLV(raw)

	if string(named[TLVALPN]) != "alpn-value" {
		t.Errorf("TLVALPN = %q, want alpn-value", named[TLVALPN])
	}
	if string(named["x99"]) != "unknown" {
		t.Errorf("unrecognized TLV type not keyed as x99: %+v", named)
	}
}
