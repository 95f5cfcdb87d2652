// Package dnswire decodes the header and question section of raw DNS
// messages carried in UDP payloads.
package dnswire

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"github.com/koltyakov/edgetun/internal/domain"
)

// HeaderLen is the fixed size of a DNS message header.
const HeaderLen = 12

// RecordType is a question's QTYPE. Values other than A, AAAA and PTR are
// kept verbatim but reported as unrecognized.
type RecordType uint16

const (
	TypeA    RecordType = 1
	TypePTR  RecordType = 12
	TypeAAAA RecordType = 28
)

func (t RecordType) Recognized() bool {
	switch t {
	case TypeA, TypeAAAA, TypePTR:
		return true
	}
	return false
}

func (t RecordType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeAAAA:
		return "AAAA"
	case TypePTR:
		return "PTR"
	}
	return "unrecognized"
}

// RecordClass is a question's QCLASS.
type RecordClass uint16

const ClassIN RecordClass = 1

func (c RecordClass) Recognized() bool { return c == ClassIN }

func (c RecordClass) String() string {
	if c == ClassIN {
		return "IN"
	}
	return "unrecognized"
}

// OpCode is the 4-bit operation code from the header flags.
type OpCode uint8

const (
	OpQuery OpCode = iota
	OpInverseQuery
	OpStatus
	OpNotify
	OpUpdate
)

func (o OpCode) Recognized() bool { return o <= OpUpdate }

func (o OpCode) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpInverseQuery:
		return "nQuery"
	case OpStatus:
		return "status"
	case OpNotify:
		return "notify"
	case OpUpdate:
		return "update"
	}
	return "unrecognized"
}

// RCode is the 4-bit response code from the header flags.
type RCode uint8

var rcodeNames = [...]string{
	"noError", "formatError", "serverFailure", "nameError", "notImplemented",
	"refused", "yxDomain", "yxRRSet", "nxRRSet", "notAuth", "notZone",
}

func (r RCode) Recognized() bool { return int(r) < len(rcodeNames) }

func (r RCode) String() string {
	if r.Recognized() {
		return rcodeNames[r]
	}
	return "unrecognized"
}

// Question is one entry of the question section. Name is the labels joined
// with "." exactly as transmitted.
type Question struct {
	Name  string
	Type  RecordType
	Class RecordClass
}

// Packet is a decoded DNS header plus its questions.
type Packet struct {
	ID              uint16
	Flags           uint16
	QuestionCount   uint16
	AnswerCount     uint16
	AuthorityCount  uint16
	AdditionalCount uint16
	Questions       []Question
}

// Parse decodes payload. It fails with [domain.ErrInvalidDNSPacket] when the
// payload is shorter than a header or yields no question. Decoding stops
// quietly at the first question that runs past the end of the buffer.
func Parse(payload []byte) (*Packet, error) {
	if len(payload) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrInvalidDNSPacket, len(payload))
	}
	s := cryptobyte.String(payload)
	var p Packet
	if !s.ReadUint16(&p.ID) ||
		!s.ReadUint16(&p.Flags) ||
		!s.ReadUint16(&p.QuestionCount) ||
		!s.ReadUint16(&p.AnswerCount) ||
		!s.ReadUint16(&p.AuthorityCount) ||
		!s.ReadUint16(&p.AdditionalCount) {
		return nil, fmt.Errorf("%w: short header", domain.ErrInvalidDNSPacket)
	}

	for i := 0; i < int(p.QuestionCount); i++ {
		q, ok := readQuestion(&s)
		if !ok {
			break
		}
		p.Questions = append(p.Questions, q)
	}
	if len(p.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions (count %d)", domain.ErrInvalidDNSPacket, p.QuestionCount)
	}
	return &p, nil
}

func readQuestion(s *cryptobyte.String) (Question, bool) {
	var (
		q      Question
		labels []string
	)
	for {
		var n uint8
		if !s.ReadUint8(&n) {
			return q, false
		}
		if n == 0 {
			break
		}
		// Compression pointers and extended label types do not appear in
		// queries we intercept.
		if n&0xc0 != 0 {
			return q, false
		}
		var label []byte
		if !s.ReadBytes(&label, int(n)) {
			return q, false
		}
		labels = append(labels, string(label))
	}
	var qtype, qclass uint16
	if !s.ReadUint16(&qtype) || !s.ReadUint16(&qclass) {
		return q, false
	}
	q.Name = strings.Join(labels, ".")
	q.Type = RecordType(qtype)
	q.Class = RecordClass(qclass)
	return q, true
}

// Response reports the QR flag.
func (p *Packet) Response() bool { return p.Flags&0x8000 != 0 }

func (p *Packet) OpCode() OpCode { return OpCode((p.Flags >> 11) & 0x0f) }

func (p *Packet) Authoritative() bool { return p.Flags&0x0400 != 0 }

func (p *Packet) Truncated() bool { return p.Flags&0x0200 != 0 }

func (p *Packet) RecursionDesired() bool { return p.Flags&0x0100 != 0 }

func (p *Packet) RecursionAvailable() bool { return p.Flags&0x0080 != 0 }

func (p *Packet) RCode() RCode { return RCode(p.Flags & 0x000f) }

// String renders a multi-line summary for debug logs.
func (p *Packet) String() string {
	var b strings.Builder
	kind := "query"
	if p.Response() {
		kind = "response"
	}
	fmt.Fprintf(&b, "Domain Name Service (%s)\n", kind)
	fmt.Fprintf(&b, "   id: 0x%04x\n", p.ID)
	fmt.Fprintf(&b, "   qr: %d opcode: %s aa: %d tc: %d rd: %d ra: %d rcode: %s\n",
		bit(p.Response()), p.OpCode(), bit(p.Authoritative()), bit(p.Truncated()),
		bit(p.RecursionDesired()), bit(p.RecursionAvailable()), p.RCode())
	fmt.Fprintf(&b, "   counts: qd=%d an=%d ns=%d ar=%d\n",
		p.QuestionCount, p.AnswerCount, p.AuthorityCount, p.AdditionalCount)
	b.WriteString("   questions:\n")
	for _, q := range p.Questions {
		fmt.Fprintf(&b, "   > %s type: %s, class: %s\n", q.Name, q.Type, q.Class)
	}
	return b.String()
}

func bit(v bool) int {
	if v {
		return 1
	}
	return 0
}
