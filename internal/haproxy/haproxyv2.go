package haproxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// ProxyV2Prefix is the 12-byte binary signature that opens every PROXY
// protocol v2 header, as specified in
// https://www.haproxy.org/download/2.0/doc/proxy-protocol.txt.
var ProxyV2Prefix = []byte{
	0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
}

const (
	v2VerCmdLocal = 0x20 // version 2, command LOCAL (health check, addresses unusable).
	v2VerCmdProxy = 0x21 // version 2, command PROXY (addresses describe the real peers).

	famUnspec = 0x0
	famInet   = 0x1
	famInet6  = 0x2
	famUnix   = 0x3

	protoUnspec = 0x0
	protoStream = 0x1
	protoDgram  = 0x2
)

// TLV type bytes, named per the v2 spec. SSLSub* are sub-TLVs nested inside
// a TLVSSL value.
const (
	TLVALPN      = 0x01
	TLVAuthority = 0x02
	TLVCRC32C    = 0x03
	TLVNoop      = 0x04
	TLVUniqueID  = 0x05
	TLVSSL       = 0x20
	TLVNetNS     = 0x30

	tlvSSLVersion = 0x21
	tlvSSLCN      = 0x22
	tlvSSLCipher  = 0x23
	tlvSSLSigAlg  = 0x24
	tlvSSLKeyAlg  = 0x25
)

var (
	errShortHeader  = errors.New("haproxy: v2 header shorter than declared length")
	errBadVersion   = errors.New("haproxy: unsupported v2 version/command byte")
	errBadFamily    = errors.New("haproxy: unsupported v2 address family/protocol byte")
	errTruncatedTLV = errors.New("haproxy: truncated TLV in v2 header")
)

// V2Result carries the outcome of a version 2 handshake in primitive form,
// so that callers outside this package can assemble their own address and
// metadata types without this package importing them (which would risk an
// import cycle with any caller that itself wants to hand a parser a richer
// result type).
type V2Result struct {
	// Local is true for the LOCAL command: the proxy is health-checking
	// itself and src/dst do not describe a real client.
	Local bool

	Src, Dst net.Addr

	// TLV holds every type-length-value record found after the address
	// block, keyed by its type byte. SSL sub-TLVs are flattened into the
	// same map with their own type bytes; the presence of TLVSSL signals
	// that a TLS client certificate was presented upstream.
	TLV map[byte][]byte
}

// PeekV2Signature reports whether the next 12 bytes available from r match
// the PROXY protocol v2 binary signature, without consuming them. Callers
// use this to decide between HandshakeV2 and the v1 Handshake before
// committing to either.
func PeekV2Signature(r *bufio.Reader) (bool, error) {
	peek, err := r.Peek(len(ProxyV2Prefix))
	if err != nil {
		if err == io.EOF || err == bufio.ErrBufferFull {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(peek, ProxyV2Prefix), nil
}

// HandshakeV2 reads and parses a PROXY protocol v2 header from r. It
// assumes the signature has already been matched (e.g. via
// PeekV2Signature) but does not itself require it to have been consumed;
// it reads and checks the 12 signature bytes as part of the header.
func HandshakeV2(r *bufio.Reader) (*V2Result, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[:12], ProxyV2Prefix) {
		return nil, errInvalidProtoID
	}

	verCmd := hdr[12]
	if verCmd != v2VerCmdLocal && verCmd != v2VerCmdProxy {
		return nil, errBadVersion
	}
	famProto := hdr[13]
	length := binary.BigEndian.Uint16(hdr[14:16])

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errShortHeader
	}

	res := &V2Result{Local: verCmd == v2VerCmdLocal}
	if res.Local {
		res.TLV, _ = parseTLVs(rest)
		return res, nil
	}

	family := famProto >> 4
	proto := famProto & 0x0F
	if proto != protoStream && proto != protoDgram && proto != protoUnspec {
		return nil, errBadFamily
	}

	var addrLen int
	switch family {
	case famUnspec:
		addrLen = 0
	case famInet:
		addrLen = 12
	case famInet6:
		addrLen = 36
	case famUnix:
		addrLen = 216
	default:
		return nil, errBadFamily
	}
	if len(rest) < addrLen {
		return nil, errShortHeader
	}

	switch family {
	case famInet:
		res.Src = &net.TCPAddr{
			IP:   net.IP(rest[0:4]),
			Port: int(binary.BigEndian.Uint16(rest[8:10])),
		}
		res.Dst = &net.TCPAddr{
			IP:   net.IP(rest[4:8]),
			Port: int(binary.BigEndian.Uint16(rest[10:12])),
		}
	case famInet6:
		res.Src = &net.TCPAddr{
			IP:   net.IP(rest[0:16]),
			Port: int(binary.BigEndian.Uint16(rest[32:34])),
		}
		res.Dst = &net.TCPAddr{
			IP:   net.IP(rest[16:32]),
			Port: int(binary.BigEndian.Uint16(rest[34:36])),
		}
	case famUnix:
		res.Src = &net.UnixAddr{Name: trimNul(rest[0:108]), Net: "unix"}
		res.Dst = &net.UnixAddr{Name: trimNul(rest[108:216]), Net: "unix"}
	}

	tlv, err := parseTLVs(rest[addrLen:])
	if err != nil {
		return nil, err
	}
	res.TLV = tlv
	return res, nil
}

// parseTLVs walks a sequence of type(1)+length(2 BE)+value(length) records,
// flattening the SSL TLV's own sub-TLVs into the result under their own
// type bytes so callers don't need to know about SSL nesting.
func parseTLVs(b []byte) (map[byte][]byte, error) {
	out := make(map[byte][]byte)
	for len(b) > 0 {
		if len(b) < 3 {
			return out, errTruncatedTLV
		}
		typ := b[0]
		l := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+l {
			return out, errTruncatedTLV
		}
		val := b[3 : 3+l]
		out[typ] = val

		if typ == TLVSSL && l >= 5 {
			sub, err := parseTLVs(val[5:])
			if err == nil {
				for k, v := range sub {
					out[k] = v
				}
			}
		}

		b = b[3+l:]
	}
	return out, nil
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
