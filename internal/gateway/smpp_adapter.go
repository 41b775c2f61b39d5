// internal/gateway/smpp_adapter.go
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway/smpp"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

// Receipt is a delivery report pushed by a session-based gateway.
type Receipt struct {
	GatewayID  int
	Vendor     string
	ExternalID string
	Status     string
	ErrorCode  string
	At         time.Time
}

// InboundSMS is a mobile-originated message received over a session.
type InboundSMS struct {
	GatewayID  int
	ExternalID string
	From       string
	Text       string
	At         time.Time
}

// SessionEvents receives traffic that session gateways get outside of any
// request. Implementations must be safe for concurrent use.
type SessionEvents interface {
	OnReceipt(ctx context.Context, r Receipt)
	OnInboundSMS(ctx context.Context, m InboundSMS)
}

// SMPPAdapter holds one transceiver session per gateway and re-binds lazily
// when the link drops.
type SMPPAdapter struct {
	gatewayID int
	creds     SMPPCredentials
	events    SessionEvents
	log       logrus.FieldLogger

	mu   sync.Mutex
	sess *smpp.Session
}

func NewSMPPAdapter(cfg *model.GatewayConfig, events SessionEvents, log logrus.FieldLogger) (*SMPPAdapter, error) {
	var creds SMPPCredentials
	if err := decodeCredentials(cfg, &creds); err != nil {
		return nil, err
	}
	if creds.EnquireLinkSeconds == 0 {
		creds.EnquireLinkSeconds = 30
	}
	return &SMPPAdapter{
		gatewayID: cfg.ID,
		creds:     creds,
		events:    events,
		log:       log.WithFields(logrus.Fields{"gateway_id": cfg.ID, "vendor": VendorSMPP}),
	}, nil
}

func (a *SMPPAdapter) Vendor() string { return VendorSMPP }

func (a *SMPPAdapter) session(ctx context.Context) (*smpp.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		select {
		case <-a.sess.Done():
			a.log.WithError(a.sess.Err()).Warn("smpp session dropped, rebinding")
			a.sess = nil
		default:
			return a.sess, nil
		}
	}
	sess, err := smpp.Dial(ctx, smpp.Config{
		Addr:        a.creds.Addr,
		SystemID:    a.creds.SystemID,
		Password:    a.creds.Password,
		SystemType:  a.creds.SystemType,
		EnquireLink: time.Duration(a.creds.EnquireLinkSeconds) * time.Second,
	}, a.deliver)
	if err != nil {
		return nil, err
	}
	a.log.Info("smpp session bound")
	a.sess = sess
	return sess, nil
}

func (a *SMPPAdapter) deliver(d *smpp.Deliver) {
	if a.events == nil {
		return
	}
	ctx := context.Background()
	if !d.IsReceipt() {
		a.events.OnInboundSMS(ctx, InboundSMS{
			GatewayID:  a.gatewayID,
			ExternalID: "smpp-" + uuid.NewString(),
			From:       d.Source,
			Text:       d.Text,
			At:         time.Now().UTC(),
		})
		return
	}
	rc, err := d.Receipt()
	if err != nil {
		a.log.WithError(err).Warn("dropping unreadable delivery receipt")
		return
	}
	at := rc.DoneAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	a.events.OnReceipt(ctx, Receipt{
		GatewayID:  a.gatewayID,
		Vendor:     VendorSMPP,
		ExternalID: rc.MessageID,
		Status:     rc.Stat,
		ErrorCode:  rc.Err,
		At:         at,
	})
}

func (a *SMPPAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, appErrors.NewTransportError(VendorSMPP, "bind", 0, err)
	}
	id, err := sess.Submit(ctx, a.creds.SourceAddr, recipient, body)
	if err != nil {
		return nil, appErrors.NewTransportError(VendorSMPP, "submit_sm", 0, err)
	}
	if id == "" {
		return nil, appErrors.NewTransportError(VendorSMPP, "submit_sm", 0, errors.New("empty message id"))
	}
	return &SendResult{MessageID: id, Status: model.StatusSent}, nil
}

// GetStatus is not offered: receipts arrive over the bound session.
func (a *SMPPAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	return nil, ErrStatusUnsupported
}

func (a *SMPPAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, ErrBalanceUnsupported
}

func (a *SMPPAdapter) TestConnection(ctx context.Context) error {
	sess, err := a.session(ctx)
	if err != nil {
		return appErrors.NewTransportError(VendorSMPP, "bind", 0, err)
	}
	if err := sess.EnquireLink(ctx); err != nil {
		return appErrors.NewTransportError(VendorSMPP, "enquire_link", 0, err)
	}
	return nil
}

func (a *SMPPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}
