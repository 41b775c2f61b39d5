package smpp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeSMSC accepts one bind, answers submit_sm with sequential ids and, after
// the first submit, pushes a delivery receipt for it.
type fakeSMSC struct {
	ln        net.Listener
	systemID  string
	password  string
	submitted chan string
}

func newFakeSMSC(t *testing.T) *fakeSMSC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMSC{ln: ln, systemID: "edu", password: "pw", submitted: make(chan string, 4)}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMSC) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	var seq uint32 = 1000
	for {
		p, err := ReadPDU(conn)
		if err != nil {
			return
		}
		switch p.CommandID {
		case BindTransceiver:
			r := reader{buf: p.Body}
			sys, pw := r.cstr(), r.cstr()
			status := uint32(0)
			if sys != f.systemID || pw != f.password {
				status = 0x0000000E // ESME_RINVPASWD
			}
			var w writer
			w.cstr("SMSC")
			conn.Write((&PDU{CommandID: BindTransceiverResp, Status: status, Sequence: p.Sequence, Body: w.Bytes()}).Bytes())
		case SubmitSM:
			r := reader{buf: p.Body}
			r.cstr()
			r.u8()
			r.u8()
			r.cstr()
			r.u8()
			r.u8()
			dest := r.cstr()
			f.submitted <- dest

			var w writer
			w.cstr("msg-1")
			conn.Write((&PDU{CommandID: SubmitSMResp, Sequence: p.Sequence, Body: w.Bytes()}).Bytes())

			seq++
			conn.Write((&PDU{CommandID: DeliverSM, Sequence: seq, Body: receiptBody("msg-1", "DELIVRD")}).Bytes())
		case EnquireLink:
			conn.Write((&PDU{CommandID: EnquireLinkResp, Sequence: p.Sequence}).Bytes())
		case Unbind:
			conn.Write((&PDU{CommandID: UnbindResp, Sequence: p.Sequence}).Bytes())
			return
		}
	}
}

func receiptBody(id, stat string) []byte {
	text := "id:" + id + " sub:001 dlvrd:001 submit date:2402011000 done date:2402011001 stat:" + stat + " err:000 text:hello"
	var w writer
	w.cstr("")
	w.u8(1)
	w.u8(1)
	w.cstr("15551234567")
	w.u8(0)
	w.u8(0)
	w.cstr("EDU")
	w.u8(esmReceipt)
	w.u8(0)
	w.u8(0)
	w.cstr("")
	w.cstr("")
	w.u8(0)
	w.u8(0)
	w.u8(0)
	w.u8(0)
	w.u8(byte(len(text)))
	w.WriteString(text)
	return w.Bytes()
}

func TestSessionSubmitAndReceipt(t *testing.T) {
	smsc := newFakeSMSC(t)
	receipts := make(chan *Receipt, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Dial(ctx, Config{Addr: smsc.ln.Addr().String(), SystemID: "edu", Password: "pw"}, func(d *Deliver) {
		rc, err := d.Receipt()
		if err != nil {
			t.Errorf("receipt: %v", err)
			return
		}
		receipts <- rc
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	id, err := sess.Submit(ctx, "EDU", "+15551234567", "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("expected msg-1, got %q", id)
	}
	if dest := <-smsc.submitted; dest != "15551234567" {
		t.Errorf("expected destination without plus, got %q", dest)
	}

	select {
	case rc := <-receipts:
		if rc.MessageID != "msg-1" || rc.Stat != "DELIVRD" || rc.Err != "000" {
			t.Errorf("unexpected receipt %+v", rc)
		}
		if rc.DoneAt.Year() != 2024 || rc.DoneAt.Minute() != 1 {
			t.Errorf("unexpected done date %v", rc.DoneAt)
		}
	case <-ctx.Done():
		t.Fatal("no receipt delivered")
	}

	if err := sess.EnquireLink(ctx); err != nil {
		t.Errorf("enquire_link: %v", err)
	}
}

func TestSessionBindRejected(t *testing.T) {
	smsc := newFakeSMSC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{Addr: smsc.ln.Addr().String(), SystemID: "edu", Password: "wrong"}, nil)
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Status != 0x0000000E {
		t.Errorf("unexpected status 0x%08x", se.Status)
	}
}

func TestSubmitBodyLongAndUnicode(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	body := submitBody("EDU", "+1555", string(long))
	tag := binary.BigEndian.Uint16(body[len(body)-4-300:])
	if tag != tlvMessagePayload {
		t.Errorf("expected message_payload tlv, got 0x%04x", tag)
	}

	coding, raw := encodeText("héllo")
	if coding != codingUCS2 {
		t.Errorf("expected UCS2 coding, got %d", coding)
	}
	if got := decodeText(coding, raw); got != "héllo" {
		t.Errorf("round trip lost text: %q", got)
	}
}

func TestReceiptPrefersTLVs(t *testing.T) {
	d := &Deliver{
		ESMClass: esmReceipt,
		Text:     "id:abc stat:ENROUTE err:000",
		TLVs: map[uint16][]byte{
			tlvReceiptedMessageID: []byte("ABC123\x00"),
			tlvMessageState:      {5},
		},
	}
	rc, err := d.Receipt()
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if rc.MessageID != "ABC123" || rc.Stat != "UNDELIV" {
		t.Errorf("unexpected receipt %+v", rc)
	}

	if _, err := (&Deliver{Text: "hi"}).Receipt(); err == nil {
		t.Error("expected error for a non-receipt deliver_sm")
	}
}
