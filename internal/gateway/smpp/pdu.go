// Package smpp is a small SMPP 3.4 transceiver client: enough of the protocol
// to bind, submit short messages, keep the link alive and receive delivery
// receipts and mobile-originated messages.
package smpp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	GenericNack         uint32 = 0x80000000
	BindTransceiver     uint32 = 0x00000009
	BindTransceiverResp uint32 = 0x80000009
	SubmitSM            uint32 = 0x00000004
	SubmitSMResp        uint32 = 0x80000004
	DeliverSM           uint32 = 0x00000005
	DeliverSMResp       uint32 = 0x80000005
	Unbind              uint32 = 0x00000006
	UnbindResp          uint32 = 0x80000006
	EnquireLink         uint32 = 0x00000015
	EnquireLinkResp     uint32 = 0x80000015
)

const (
	headerLen     = 16
	maxPDULen     = 64 << 10
	maxShortMsg   = 254
	esmReceipt    = 0x04
	codingDefault = 0x00
	codingUCS2    = 0x08

	tlvReceiptedMessageID = 0x001E
	tlvMessagePayload     = 0x0424
	tlvMessageState       = 0x0427
)

var ErrMalformed = errors.New("smpp: malformed pdu")

// StatusError is a non-zero command_status in a response PDU.
type StatusError struct {
	CommandID uint32
	Status    uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("smpp: command 0x%08x failed with status 0x%08x", e.CommandID, e.Status)
}

type PDU struct {
	CommandID uint32
	Status    uint32
	Sequence  uint32
	Body      []byte
}

func (p *PDU) IsResponse() bool { return p.CommandID&GenericNack != 0 }

func (p *PDU) Bytes() []byte {
	out := make([]byte, headerLen+len(p.Body))
	binary.BigEndian.PutUint32(out[0:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[4:], p.CommandID)
	binary.BigEndian.PutUint32(out[8:], p.Status)
	binary.BigEndian.PutUint32(out[12:], p.Sequence)
	copy(out[headerLen:], p.Body)
	return out
}

func ReadPDU(r io.Reader) (*PDU, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:])
	if n < headerLen || n > maxPDULen {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, n)
	}
	p := &PDU{
		CommandID: binary.BigEndian.Uint32(hdr[4:]),
		Status:    binary.BigEndian.Uint32(hdr[8:]),
		Sequence:  binary.BigEndian.Uint32(hdr[12:]),
		Body:      make([]byte, n-headerLen),
	}
	if _, err := io.ReadFull(r, p.Body); err != nil {
		return nil, err
	}
	return p, nil
}

type writer struct{ bytes.Buffer }

func (w *writer) cstr(s string) {
	w.WriteString(s)
	w.WriteByte(0)
}

func (w *writer) u8(b byte) { w.WriteByte(b) }

func (w *writer) tlv(tag uint16, value []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:], tag)
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(value)))
	w.Write(hdr[:])
	w.Write(value)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) cstr() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		r.err = ErrMalformed
		return ""
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = ErrMalformed
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrMalformed
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) tlvs() map[uint16][]byte {
	out := map[uint16][]byte{}
	for r.err == nil && len(r.buf) >= 4 {
		tag := binary.BigEndian.Uint16(r.buf[0:])
		n := int(binary.BigEndian.Uint16(r.buf[2:]))
		r.buf = r.buf[4:]
		out[tag] = r.bytes(n)
	}
	return out
}

func bindBody(systemID, password, systemType string) []byte {
	var w writer
	w.cstr(systemID)
	w.cstr(password)
	w.cstr(systemType)
	w.u8(0x34) // interface_version
	w.u8(0)
	w.u8(0)
	w.cstr("")
	return w.Bytes()
}

// encodeText picks the default alphabet for 7-bit text and UCS2 otherwise.
func encodeText(text string) (byte, []byte) {
	ascii := true
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return codingDefault, []byte(text)
	}
	units := utf16.Encode([]rune(text))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.BigEndian.PutUint16(out[2*i:], u)
	}
	return codingUCS2, out
}

func decodeText(coding byte, raw []byte) string {
	if coding != codingUCS2 || len(raw)%2 != 0 {
		return string(raw)
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units))
}

func addressTON(addr string) (ton, npi byte) {
	if addr == "" {
		return 0, 0
	}
	for _, r := range strings.TrimPrefix(addr, "+") {
		if r < '0' || r > '9' {
			return 0x05, 0x00 // alphanumeric sender
		}
	}
	return 0x01, 0x01 // international, E.164
}

func submitBody(source, dest, text string) []byte {
	coding, payload := encodeText(text)
	srcTON, srcNPI := addressTON(source)

	var w writer
	w.cstr("") // service_type
	w.u8(srcTON)
	w.u8(srcNPI)
	w.cstr(strings.TrimPrefix(source, "+"))
	w.u8(0x01)
	w.u8(0x01)
	w.cstr(strings.TrimPrefix(dest, "+"))
	w.u8(0) // esm_class
	w.u8(0) // protocol_id
	w.u8(0) // priority_flag
	w.cstr("")
	w.cstr("")
	w.u8(0x01) // registered_delivery: receipt on final state
	w.u8(0)
	w.u8(coding)
	w.u8(0)
	if len(payload) <= maxShortMsg {
		w.u8(byte(len(payload)))
		w.Write(payload)
	} else {
		w.u8(0)
		w.tlv(tlvMessagePayload, payload)
	}
	return w.Bytes()
}

func parseSubmitResp(body []byte) (string, error) {
	r := reader{buf: body}
	id := r.cstr()
	if r.err != nil {
		return "", r.err
	}
	return id, nil
}

// Deliver is a decoded deliver_sm: either a delivery receipt or a
// mobile-originated message.
type Deliver struct {
	Source     string
	Dest       string
	ESMClass   byte
	DataCoding byte
	Text       string
	TLVs       map[uint16][]byte
}

func (d *Deliver) IsReceipt() bool { return d.ESMClass&esmReceipt != 0 }

func ParseDeliver(body []byte) (*Deliver, error) {
	r := reader{buf: body}
	d := &Deliver{}
	r.cstr() // service_type
	r.u8()
	r.u8()
	d.Source = r.cstr()
	r.u8()
	r.u8()
	d.Dest = r.cstr()
	d.ESMClass = r.u8()
	r.u8()
	r.u8()
	r.cstr()
	r.cstr()
	r.u8()
	r.u8()
	d.DataCoding = r.u8()
	r.u8()
	n := int(r.u8())
	raw := r.bytes(n)
	d.TLVs = r.tlvs()
	if r.err != nil {
		return nil, r.err
	}
	if n == 0 {
		if p, ok := d.TLVs[tlvMessagePayload]; ok {
			raw = p
		}
	}
	d.Text = decodeText(d.DataCoding, raw)
	return d, nil
}

// Receipt is the delivery report carried in a deliver_sm.
type Receipt struct {
	MessageID string
	Stat      string
	Err       string
	DoneAt    time.Time
}

var messageStates = map[byte]string{
	1: "ENROUTE", 2: "DELIVRD", 3: "EXPIRED", 4: "DELETED",
	5: "UNDELIV", 6: "ACCEPTD", 7: "UNKNOWN", 8: "REJECTD",
}

// Receipt decodes the receipt fields. The receipted_message_id and
// message_state options win over the free-text body when both are present.
func (d *Deliver) Receipt() (*Receipt, error) {
	if !d.IsReceipt() {
		return nil, errors.New("smpp: deliver_sm is not a delivery receipt")
	}
	rc := &Receipt{}
	fields := receiptFields(d.Text)
	rc.MessageID = fields["id"]
	rc.Stat = fields["stat"]
	rc.Err = fields["err"]
	if done, ok := fields["done date"]; ok {
		if t, err := time.Parse("0601021504", done); err == nil {
			rc.DoneAt = t
		} else if t, err := time.Parse("060102150405", done); err == nil {
			rc.DoneAt = t
		}
	}
	if v, ok := d.TLVs[tlvReceiptedMessageID]; ok {
		rc.MessageID = strings.TrimRight(string(v), "\x00")
	}
	if v, ok := d.TLVs[tlvMessageState]; ok && len(v) == 1 {
		if s, known := messageStates[v[0]]; known {
			rc.Stat = s
		}
	}
	if rc.MessageID == "" || rc.Stat == "" {
		return nil, fmt.Errorf("%w: receipt without id or stat", ErrMalformed)
	}
	return rc, nil
}

// receiptFields splits "id:123 sub:001 dlvrd:001 submit date:2401011200 ..."
// into lower-cased keys. Keys may contain a space.
func receiptFields(text string) map[string]string {
	out := map[string]string{}
	lower := strings.ToLower(text)
	keys := []string{"id", "sub", "dlvrd", "submit date", "done date", "stat", "err", "text"}
	for _, k := range keys {
		i := indexKey(lower, k+":")
		if i < 0 {
			continue
		}
		rest := text[i+len(k)+1:]
		if k == "text" {
			out[k] = rest
			continue
		}
		if j := strings.IndexByte(rest, ' '); j >= 0 {
			rest = rest[:j]
		}
		out[k] = rest
	}
	return out
}

// indexKey finds key at a word boundary so that "id:" does not match inside "sid:".
func indexKey(s, key string) int {
	from := 0
	for {
		i := strings.Index(s[from:], key)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || s[i-1] == ' ' {
			return i
		}
		from = i + 1
	}
}
