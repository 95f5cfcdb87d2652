package dnswire

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/koltyakov/edgetun/internal/domain"
)

func header(id, flags, qd, an, ns, ar uint16) []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:], id)
	binary.BigEndian.PutUint16(b[2:], flags)
	binary.BigEndian.PutUint16(b[4:], qd)
	binary.BigEndian.PutUint16(b[6:], an)
	binary.BigEndian.PutUint16(b[8:], ns)
	binary.BigEndian.PutUint16(b[10:], ar)
	return b
}

func question(name string, qtype, qclass uint16) []byte {
	var b []byte
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			b = append(b, byte(len(label)))
			b = append(b, label...)
		}
	}
	b = append(b, 0)
	b = binary.BigEndian.AppendUint16(b, qtype)
	b = binary.BigEndian.AppendUint16(b, qclass)
	return b
}

func TestParseSingleQuestion(t *testing.T) {
	t.Parallel()

	payload := append(header(0xbeef, 0x0100, 1, 0, 0, 0), question("example.com", 1, 1)...)
	p, err := Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 0xbeef {
		t.Fatalf("got id %#x", p.ID)
	}
	if len(p.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(p.Questions))
	}
	q := p.Questions[0]
	if q.Name != "example.com" || q.Type != TypeA || q.Class != ClassIN {
		t.Fatalf("unexpected question %+v", q)
	}
	if p.Response() || !p.RecursionDesired() || p.OpCode() != OpQuery || p.RCode().String() != "noError" {
		t.Fatalf("unexpected flags %#04x", p.Flags)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	// QR=1 opcode=2 AA=1 TC=1 RD=1 RA=1 rcode=3
	flags := uint16(0x8000 | 2<<11 | 0x0400 | 0x0200 | 0x0100 | 0x0080 | 3)
	payload := append(header(1, flags, 1, 2, 3, 4), question("a.b", 28, 1)...)
	p, err := Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Response() || p.OpCode() != OpStatus || !p.Authoritative() || !p.Truncated() ||
		!p.RecursionDesired() || !p.RecursionAvailable() || p.RCode() != 3 {
		t.Fatalf("flag decode mismatch for %#04x", p.Flags)
	}
	if p.AnswerCount != 2 || p.AuthorityCount != 3 || p.AdditionalCount != 4 {
		t.Fatalf("count decode mismatch: %+v", p)
	}
	if p.RCode().String() != "nameError" {
		t.Fatalf("got rcode %s", p.RCode())
	}
	if p.Questions[0].Type != TypeAAAA {
		t.Fatalf("got type %s", p.Questions[0].Type)
	}
}

func TestParseTruncatedQuestionsStopEarly(t *testing.T) {
	t.Parallel()

	payload := append(header(7, 0, 2, 0, 0, 0), question("example.com", 12, 1)...)
	p, err := Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(p.Questions))
	}
	if p.Questions[0].Type != TypePTR {
		t.Fatalf("got type %s", p.Questions[0].Type)
	}

	partial := append(header(7, 0, 2, 0, 0, 0), question("one.test", 1, 1)...)
	partial = append(partial, question("two.test", 1, 1)[:5]...)
	p, err = Parse(partial)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Questions) != 1 || p.Questions[0].Name != "one.test" {
		t.Fatalf("unexpected questions %+v", p.Questions)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":          nil,
		"short":          make([]byte, 11),
		"zero_questions": header(1, 0, 0, 0, 0, 0),
		"count_no_data":  header(1, 0, 3, 0, 0, 0),
		"label_overrun":  append(header(1, 0, 1, 0, 0, 0), 10, 'a', 'b'),
		"missing_class":  append(header(1, 0, 1, 0, 0, 0), question("x.y", 1, 1)[:6]...),
		"compression":    append(header(1, 0, 1, 0, 0, 0), 0xc0, 0x0c, 0, 1, 0, 1),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse(payload)
			if !errors.Is(err, domain.ErrInvalidDNSPacket) {
				t.Fatalf("expected ErrInvalidDNSPacket, got %v", err)
			}
			if p != nil {
				t.Fatal("expected no packet on error")
			}
		})
	}
}

func TestUnrecognizedTypeAndClass(t *testing.T) {
	t.Parallel()

	payload := append(header(2, 0, 1, 0, 0, 0), question("mx.example", 15, 3)...)
	p, err := Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	q := p.Questions[0]
	if q.Type.Recognized() || q.Type.String() != "unrecognized" || q.Type != 15 {
		t.Fatalf("unexpected type %d/%s", q.Type, q.Type)
	}
	if q.Class.Recognized() || q.Class.String() != "unrecognized" {
		t.Fatalf("unexpected class %s", q.Class)
	}
}

func TestOpCodeAndRCodeNames(t *testing.T) {
	t.Parallel()

	if OpCode(9).Recognized() || OpCode(9).String() != "unrecognized" {
		t.Fatal("expected opcode 9 to be unrecognized")
	}
	if OpNotify.String() != "notify" || OpInverseQuery.String() != "nQuery" {
		t.Fatal("unexpected opcode names")
	}
	if RCode(10).String() != "notZone" || RCode(11).Recognized() {
		t.Fatal("unexpected rcode names")
	}
}

func TestPacketString(t *testing.T) {
	t.Parallel()

	payload := append(header(0x1234, 0x0100, 1, 0, 0, 0), question("example.com", 1, 1)...)
	p, err := Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	s := p.String()
	for _, want := range []string{"(query)", "0x1234", "> example.com type: A, class: IN"} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %q in %q", want, s)
		}
	}
}

func FuzzParse(f *testing.F) {
	f.Add(append(header(1, 0x0100, 1, 0, 0, 0), question("example.com", 1, 1)...))
	f.Add(header(1, 0, 2, 0, 0, 0))
	f.Add([]byte{0, 1, 2})
	f.Fuzz(func(t *testing.T, payload []byte) {
		p, err := Parse(payload)
		if err != nil {
			if p != nil {
				t.Fatal("packet returned alongside error")
			}
			return
		}
		if len(p.Questions) == 0 || len(p.Questions) > int(p.QuestionCount) {
			t.Fatalf("question count %d out of range (qdcount %d)", len(p.Questions), p.QuestionCount)
		}
	})
}
