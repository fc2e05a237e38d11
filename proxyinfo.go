package smtpcore

import (
	"bufio"
	"net"

	"github.com/mailcore/smtpcore/internal/haproxy"
)

// ProxyFamily enumerates the address families a PROXY header can describe.
type ProxyFamily int

const (
	ProxyUnspec ProxyFamily = iota
	ProxyINET
	ProxyINET6
	ProxyUNIX
)

// ProxyProtocol enumerates the transport protocols a v2 PROXY header can
// describe; v1 headers are always STREAM.
type ProxyProtocol int

const (
	ProxyProtoUnknown ProxyProtocol = iota
	ProxyProtoStream
	ProxyProtoDgram
)

// TLV symbolic names, used as ProxyInfo.TLV keys. Unknown type bytes are
// keyed as "xNN" (NN the hex type byte), per the PROXY v2 convention for
// unrecognized extensions.
const (
	TLVALPN       = "ALPN"
	TLVAuthority  = "AUTHORITY"
	TLVCRC32C     = "CRC32C"
	TLVNoop       = "NOOP"
	TLVUniqueID   = "UNIQUE_ID"
	TLVSSL        = "SSL"
	TLVSSLVersion = "SSL_VERSION"
	TLVSSLCN      = "SSL_CN"
	TLVSSLCipher  = "SSL_CIPHER"
	TLVSSLSigAlg  = "SSL_SIG_ALG"
	TLVSSLKeyAlg  = "SSL_KEY_ALG"
	TLVNetNS      = "NETNS"
)

var tlvNames = map[byte]string{
	haproxy.TLVALPN:      TLVALPN,
	haproxy.TLVAuthority: TLVAuthority,
	haproxy.TLVCRC32C:    TLVCRC32C,
	haproxy.TLVNoop:      TLVNoop,
	haproxy.TLVUniqueID:  TLVUniqueID,
	haproxy.TLVSSL:       TLVSSL,
	haproxy.TLVNetNS:     TLVNetNS,
	0x21:                 TLVSSLVersion,
	0x22:                 TLVSSLCN,
	0x23:                 TLVSSLCipher,
	0x24:                 TLVSSLSigAlg,
	0x25:                 TLVSSLKeyAlg,
}

// ProxyInfo is the structured result of parsing a HAProxy PROXY protocol
// preamble, per §4.2: version 1 or 2, the original client's address, and
// (v2 only) a TLV side-channel.
type ProxyInfo struct {
	Version  int
	Command  string // "PROXY" or "LOCAL" (v2 health checks carry no usable addresses)
	Family   ProxyFamily
	Protocol ProxyProtocol

	SrcAddr net.Addr
	DstAddr net.Addr

	// TLV holds every type-length-value record from a v2 header, keyed by
	// the symbolic names above, or "xNN" for unrecognized types.
	TLV map[string][]byte

	// Valid is false if parsing failed; Error then explains why. A PROXY
	// preamble must either parse cleanly or the connection is closed
	// immediately (§4.2): the Dispatcher stores the invalid ProxyInfo in
	// Session.ProxyData and closes without consulting HandlePROXY.
	Valid bool
	Error string
}

func familyOf(addr net.Addr) ProxyFamily {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a.IP.To4() != nil {
			return ProxyINET
		}
		return ProxyINET6
	case *net.UnixAddr:
		return ProxyUNIX
	default:
		return ProxyUnspec
	}
}

// consumeProxyHeader detects and parses a PROXY v1 or v2 preamble from r,
// per the spec's detection rule: the first 5 bytes are "PROXY" (v1, ASCII)
// or the first 12 bytes match the v2 binary signature.
func consumeProxyHeader(r *bufio.Reader) *ProxyInfo {
	isV2, err := haproxy.PeekV2Signature(r)
	if err != nil {
		return &ProxyInfo{Valid: false, Error: err.Error()}
	}

	if isV2 {
		res, err := haproxy.HandshakeV2(r)
		if err != nil {
			return &ProxyInfo{Version: 2, Valid: false, Error: err.Error()}
		}

		info := &ProxyInfo{Version: 2, Valid: true}
		if res.Local {
			info.Command = "LOCAL"
			info.TLV = renameTLV(res.TLV)
			return info
		}
		info.Command = "PROXY"
		info.SrcAddr = res.Src
		info.DstAddr = res.Dst
		info.Family = familyOf(res.Src)
		info.Protocol = ProxyProtoStream
		info.TLV = renameTLV(res.TLV)
		return info
	}

	src, dst, err := haproxy.Handshake(r)
	if err != nil {
		return &ProxyInfo{Version: 1, Valid: false, Error: err.Error()}
	}

	return &ProxyInfo{
		Version:  1,
		Command:  "PROXY",
		Family:   familyOf(src),
		Protocol: ProxyProtoStream,
		SrcAddr:  src,
		DstAddr:  dst,
		Valid:    true,
	}
}

func renameTLV(raw map[byte][]byte) map[string][]byte {
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		name, ok := tlvNames[k]
		if !ok {
			name = hexTLVName(k)
		}
		out[name] = v
	}
	return out
}

func hexTLVName(b byte) string {
	const hexDigits = "0123456789ABCDEF"
	return "x" + string(hexDigits[b>>4]) + string(hexDigits[b&0xF])
}
