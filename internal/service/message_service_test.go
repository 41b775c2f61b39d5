package service_test

import (
	"context"
	"errors"
	"testing"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

func TestQueueValidation(t *testing.T) {
	f := newFixture(nil, smsGateway(1), &model.GatewayConfig{ID: 2, ChannelType: model.ChannelViber, Vendor: gateway.VendorViber, IsActive: true})

	tests := []struct {
		name      string
		channel   model.ChannelType
		recipient string
		body      string
		opts      service.QueueOptions
		field     string
	}{
		{"unknown channel", "fax", "+254712123456", "hi", service.QueueOptions{}, "channel"},
		{"empty recipient", model.ChannelSMS, "  ", "hi", service.QueueOptions{}, "recipient"},
		{"bad phone", model.ChannelSMS, "12", "hi", service.QueueOptions{}, "recipient"},
		{"empty body", model.ChannelSMS, "+254712123456", "   ", service.QueueOptions{}, "body"},
		{"negative retries", model.ChannelSMS, "+254712123456", "hi", service.QueueOptions{MaxRetries: -1}, "max_retries"},
		{"unknown gateway", model.ChannelSMS, "+254712123456", "hi", service.QueueOptions{GatewayID: intPtr(9)}, "gateway_id"},
		{"gateway channel mismatch", model.ChannelSMS, "+254712123456", "hi", service.QueueOptions{GatewayID: intPtr(2)}, "gateway_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messagesS.Queue(context.Background(), nil, tt.channel, tt.recipient, tt.body, tt.opts)
			var ve *appErrors.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestQueueNormalizesAndRenders(t *testing.T) {
	f := newFixture(nil, smsGateway(1))
	entity := "student"

	id, err := f.messagesS.Queue(context.Background(), intPtr(3), model.ChannelSMS, "0712 123 456",
		"Dear {guardian}, {student} was absent on {date}.", service.QueueOptions{
			EntityType: &entity,
			EntityID:   intPtr(41),
			Metadata:   model.JSONMap{"guardian": "Mr. Otieno", "student": "Akinyi"},
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := f.messages.Snapshot(id)
	if m.Recipient != "+254712123456" {
		t.Errorf("expected E.164 recipient, got %s", m.Recipient)
	}
	if m.Body != "Dear Mr. Otieno, Akinyi was absent on {date}." {
		t.Errorf("unexpected body: %s", m.Body)
	}
	if m.Status != model.StatusPending || m.MaxRetries != service.DefaultMaxRetries {
		t.Errorf("expected pending with default retries, got %s/%d", m.Status, m.MaxRetries)
	}
	if m.EntityID == nil || *m.EntityID != 41 || m.CreatedBy == nil || *m.CreatedBy != 3 {
		t.Errorf("expected entity and actor recorded, got %+v", m)
	}
}

func TestQueueViberKeepsOpaqueID(t *testing.T) {
	f := newFixture(nil)
	id, err := f.messagesS.Queue(context.Background(), nil, model.ChannelViber, "01234567890A==", "hi", service.QueueOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := f.messages.Snapshot(id); m.Recipient != "01234567890A==" {
		t.Errorf("viber id must not be rewritten, got %s", m.Recipient)
	}
}

func TestSendBulkCollectsFailures(t *testing.T) {
	f := newFixture(nil, smsGateway(1))

	res := f.messagesS.SendBulk(context.Background(), nil, model.ChannelSMS,
		[]string{"+254712123456", "not-a-number", "+254712123457", "+254712123456"}, "Closing early today", service.QueueOptions{})

	if res.Queued != 2 || res.Failed != 1 || len(res.IDs) != 2 {
		t.Errorf("unexpected bulk result: %+v", res)
	}
	if _, ok := res.Errors["not-a-number"]; !ok {
		t.Errorf("expected error recorded for bad recipient: %v", res.Errors)
	}
}

func TestMessageServiceSendWithFailover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(map[int]gateway.Adapter{
		1: &stubAdapter{vendor: "first", fail: errProvider},
		2: &stubAdapter{vendor: "second"},
	}, smsGateway(1, func(g *model.GatewayConfig) { g.IsDefault = true }), smsGateway(2))

	out, err := f.messagesS.SendWithFailover(ctx, intPtr(5), model.ChannelSMS, "+254712123456", "Bus delayed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.GatewayID != 2 || out.Attempts != 2 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	m := f.messages.Snapshot(out.QueueID)
	if m.Status != model.StatusSent || m.GatewayMessageID == nil || *m.GatewayMessageID != out.MessageID {
		t.Errorf("expected row marked sent, got %+v", m)
	}
}

func TestMessageServiceSendWithFailoverRecordsFailure(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{1: &stubAdapter{vendor: "only", fail: errProvider}}, smsGateway(1))

	out, err := f.messagesS.SendWithFailover(context.Background(), nil, model.ChannelSMS, "+254712123456", "Bus delayed")
	if err == nil {
		t.Fatal("expected error")
	}
	if out == nil || out.Success || out.Error == "" || out.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if m := f.messages.Snapshot(out.QueueID); m.Status != model.StatusFailed {
		t.Errorf("expected failed row, got %s", m.Status)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(nil)
	f.enqueue(3)

	stats, err := f.messagesS.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats["total"] != 3 || stats["pending"] != 3 || stats["sent"] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := service.RenderTemplate("Hi {first_name}, see you in {location}", map[string]string{
		"first_name": "Wanjiru",
		"location":   "Nakuru",
	})
	if got != "Hi Wanjiru, see you in Nakuru" {
		t.Errorf("unexpected render: %s", got)
	}
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		channel model.ChannelType
		in      string
		region  string
		want    string
		wantErr bool
	}{
		{model.ChannelSMS, "+1 201-555-0123", "KE", "+12015550123", false},
		{model.ChannelWhatsApp, "0712123456", "KE", "+254712123456", false},
		{model.ChannelSMS, "+15551234567", "US", "+15551234567", false},
		{model.ChannelSMS, "+15551234567", "KE", "+15551234567", false},
		{model.ChannelSMS, "+1555", "US", "", true},
		{model.ChannelSMS, "abc", "KE", "", true},
		{model.ChannelViber, "bot-user-1", "", "bot-user-1", false},
	}
	for _, tt := range tests {
		got, err := service.NormalizeRecipient(tt.channel, tt.in, tt.region)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error state: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
