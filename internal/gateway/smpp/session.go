// internal/gateway/smpp/session.go
package smpp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("smpp: session closed")

type Config struct {
	Addr        string
	SystemID    string
	Password    string
	SystemType  string
	EnquireLink time.Duration
	Dialer      *net.Dialer
}

// Session is one bound transceiver connection. Requests may be issued from
// any goroutine; responses are matched by sequence number.
type Session struct {
	cfg       Config
	conn      net.Conn
	onDeliver func(*Deliver)

	seq     atomic.Uint32
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan *PDU
	err     error
	done    chan struct{}
}

// Dial connects and binds as a transceiver. onDeliver receives every
// deliver_sm after it has been acknowledged; it runs on its own goroutine.
func Dial(ctx context.Context, cfg Config, onDeliver func(*Deliver)) (*Session, error) {
	d := cfg.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: 10 * time.Second}
	}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		conn:      conn,
		onDeliver: onDeliver,
		pending:   make(map[uint32]chan *PDU),
		done:      make(chan struct{}),
	}
	go s.readLoop()

	if _, err := s.request(ctx, BindTransceiver, bindBody(cfg.SystemID, cfg.Password, cfg.SystemType)); err != nil {
		s.shutdown(err)
		return nil, err
	}
	if cfg.EnquireLink > 0 {
		go s.keepAlive(cfg.EnquireLink)
	}
	return s, nil
}

// Done is closed once the connection is gone.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Submit sends one submit_sm and returns the SMSC message id.
func (s *Session) Submit(ctx context.Context, source, dest, text string) (string, error) {
	resp, err := s.request(ctx, SubmitSM, submitBody(source, dest, text))
	if err != nil {
		return "", err
	}
	return parseSubmitResp(resp.Body)
}

func (s *Session) EnquireLink(ctx context.Context) error {
	_, err := s.request(ctx, EnquireLink, nil)
	return err
}

// Close unbinds politely and drops the connection.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.request(ctx, Unbind, nil)
	s.shutdown(ErrClosed)
	return nil
}

func (s *Session) request(ctx context.Context, cmd uint32, body []byte) (*PDU, error) {
	seq := s.seq.Add(1)
	ch := make(chan *PDU, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, &PDU{CommandID: cmd, Sequence: seq, Body: body}); err != nil {
		s.shutdown(err)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Status != 0 {
			return resp, &StatusError{CommandID: resp.CommandID, Status: resp.Status}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.Err()
	}
}

func (s *Session) write(ctx context.Context, p *PDU) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.Write(p.Bytes())
	return err
}

func (s *Session) reply(p *PDU, cmd uint32, body []byte) {
	_ = s.write(context.Background(), &PDU{CommandID: cmd, Sequence: p.Sequence, Body: body})
}

func (s *Session) readLoop() {
	for {
		p, err := ReadPDU(s.conn)
		if err != nil {
			s.shutdown(err)
			return
		}
		if p.IsResponse() {
			s.mu.Lock()
			ch, ok := s.pending[p.Sequence]
			s.mu.Unlock()
			if ok {
				ch <- p
			}
			continue
		}
		switch p.CommandID {
		case EnquireLink:
			s.reply(p, EnquireLinkResp, nil)
		case DeliverSM:
			s.reply(p, DeliverSMResp, []byte{0})
			if d, err := ParseDeliver(p.Body); err == nil && s.onDeliver != nil {
				go s.onDeliver(d)
			}
		case Unbind:
			s.reply(p, UnbindResp, nil)
			s.shutdown(ErrClosed)
			return
		default:
			_ = s.write(context.Background(), &PDU{CommandID: GenericNack, Status: 0x00000003, Sequence: p.Sequence})
		}
	}
}

func (s *Session) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := s.EnquireLink(ctx)
			cancel()
			if err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close()
}
