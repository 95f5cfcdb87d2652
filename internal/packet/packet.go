// Package packet classifies raw IP packets read from the tunnel interface and
// extracts transport ports and payloads.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IP protocol numbers the tunnel cares about.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

const udpHeaderLen = 8

// DNSPort is the well-known DNS port.
const DNSPort = 53

var ErrNotIP = errors.New("not an ip packet")

// Info describes a classified packet. Ports and Payload are only set for UDP
// and TCP; for TCP Payload is the segment after the IP header.
type Info struct {
	Version  int
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Payload  []byte
}

// IsDNSQuery reports whether the packet is a UDP datagram to port 53.
func (i Info) IsDNSQuery() bool {
	return i.Protocol == ProtoUDP && i.DstPort == DNSPort
}

// Classify parses the IP header of b and, for UDP, the UDP header. The
// returned payload aliases b.
func Classify(b []byte) (Info, error) {
	if len(b) < 1 {
		return Info{}, fmt.Errorf("%w: empty packet", ErrNotIP)
	}
	var (
		info Info
		rest []byte
	)
	switch b[0] >> 4 {
	case 4:
		if len(b) < ipv4.HeaderLen {
			return Info{}, fmt.Errorf("invalid IPv4 header: too small (%d bytes)", len(b))
		}
		ihl := int(b[0]&0x0f) * 4
		if ihl < ipv4.HeaderLen || len(b) < ihl {
			return Info{}, fmt.Errorf("invalid IPv4 header: IHL=%d len=%d", ihl, len(b))
		}
		total := int(binary.BigEndian.Uint16(b[2:4]))
		if total < ihl || total > len(b) {
			total = len(b)
		}
		info.Version = 4
		info.Protocol = b[9]
		info.Src = netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
		info.Dst = netip.AddrFrom4([4]byte{b[16], b[17], b[18], b[19]})
		rest = b[ihl:total]
	case 6:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return Info{}, fmt.Errorf("invalid IPv6 header: %w", err)
		}
		info.Version = 6
		info.Protocol = uint8(h.NextHeader)
		info.Src, _ = netip.AddrFromSlice(h.Src)
		info.Dst, _ = netip.AddrFromSlice(h.Dst)
		end := ipv6.HeaderLen + h.PayloadLen
		if end > len(b) {
			end = len(b)
		}
		rest = b[ipv6.HeaderLen:end]
	default:
		return Info{}, fmt.Errorf("%w: version %d", ErrNotIP, b[0]>>4)
	}

	switch info.Protocol {
	case ProtoUDP:
		if len(rest) < udpHeaderLen {
			return Info{}, fmt.Errorf("invalid UDP header: %d bytes", len(rest))
		}
		info.SrcPort = binary.BigEndian.Uint16(rest[0:2])
		info.DstPort = binary.BigEndian.Uint16(rest[2:4])
		length := int(binary.BigEndian.Uint16(rest[4:6]))
		if length < udpHeaderLen || length > len(rest) {
			length = len(rest)
		}
		info.Payload = rest[udpHeaderLen:length]
	case ProtoTCP:
		if len(rest) >= 4 {
			info.SrcPort = binary.BigEndian.Uint16(rest[0:2])
			info.DstPort = binary.BigEndian.Uint16(rest[2:4])
		}
		info.Payload = rest
	default:
		info.Payload = rest
	}
	return info, nil
}
