package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/controller"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/repository/repotest"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

type testServer struct {
	router   http.Handler
	messages *repotest.MessageRepo
	gateways *repotest.GatewayRepo
}

func newTestServer(gws ...*model.GatewayConfig) *testServer {
	log := logger.Discard()
	gateways := repotest.NewGatewayRepo(gws...)
	messages := repotest.NewMessageRepo()
	factory := gateway.NewFactory(gateways, nil, nil, log)
	stats := service.NewStatsAccumulator(gateways, log)
	selector := service.NewFailoverSelector(gateways, factory, stats, 0, log)

	ctrl := &controller.MessageController{
		MessageService: &service.MessageService{
			Messages: messages,
			Gateways: gateways,
			Contacts: repotest.NewContactRepo(),
			Selector: selector,
			Region:   "KE",
			Log:      log,
		},
		GatewayService: &service.GatewayService{Gateways: gateways, Factory: factory, Log: log},
		Processor: &service.QueueProcessor{
			Messages: messages,
			Factory:  factory,
			Selector: selector,
			Stats:    stats,
			Log:      log,
		},
		Log: log,
	}
	r := chi.NewRouter()
	ctrl.Routes(r)
	return &testServer{router: r, messages: messages, gateways: gateways}
}

func loopback(id int) *model.GatewayConfig {
	return &model.GatewayConfig{
		ID:             id,
		Name:           "loopback",
		ChannelType:    model.ChannelSMS,
		Vendor:         gateway.VendorLoopback,
		IsActive:       true,
		IsDefault:      true,
		CostPerMessage: decimal.NewFromInt(1),
	}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestQueueMessageHandler(t *testing.T) {
	s := newTestServer(loopback(1))

	w := s.do("POST", "/messages", `{"channel":"sms","recipient":"0712123456","body":"Hi {name}","metadata":{"name":"Juma"}}`,
		map[string]string{"X-Actor-ID": "12"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := s.messages.Snapshot(resp.ID)
	if m.Body != "Hi Juma" || m.Recipient != "+254712123456" {
		t.Errorf("unexpected row: %+v", m)
	}
	if m.CreatedBy == nil || *m.CreatedBy != 12 {
		t.Errorf("expected actor from header, got %v", m.CreatedBy)
	}
}

func TestQueueMessageRejections(t *testing.T) {
	s := newTestServer(loopback(1))

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing body", `{"channel":"sms","recipient":"0712123456"}`, nil, http.StatusBadRequest},
		{"unknown channel", `{"channel":"fax","recipient":"0712123456","body":"x"}`, nil, http.StatusBadRequest},
		{"bad phone", `{"channel":"sms","recipient":"123","body":"x"}`, nil, http.StatusBadRequest},
		{"bad actor", `{"channel":"sms","recipient":"0712123456","body":"x"}`, map[string]string{"X-Actor-ID": "abc"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", "/messages", tt.body, tt.headers)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestQueueThenProcessThroughAPI(t *testing.T) {
	s := newTestServer(loopback(1))

	w := s.do("POST", "/messages/bulk", `{"channel":"sms","recipients":["0712123456","0712123457","nope"],"body":"Closing at noon"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk: expected 200, got %d", w.Code)
	}
	var bulk service.BulkResult
	_ = json.NewDecoder(w.Body).Decode(&bulk)
	if bulk.Queued != 2 || bulk.Failed != 1 {
		t.Fatalf("unexpected bulk result: %+v", bulk)
	}

	w = s.do("POST", "/queue/process", `{"limit":10}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d", w.Code)
	}
	var res service.ProcessResult
	_ = json.NewDecoder(w.Body).Decode(&res)
	if res.Sent != 2 {
		t.Errorf("expected 2 sent, got %+v", res)
	}

	w = s.do("GET", "/messages/stats", "", nil)
	var stats map[string]int
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats["sent"] != 2 || stats["total"] != 2 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestSendNowHandler(t *testing.T) {
	s := newTestServer(loopback(1))

	w := s.do("POST", "/messages/send", `{"channel":"sms","recipient":"+254712123456","body":"Exam moved"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out service.SendOutcome
	_ = json.NewDecoder(w.Body).Decode(&out)
	if !out.Success || out.GatewayID != 1 || !strings.HasPrefix(out.MessageID, "loop-") {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestSendNowWithoutGateway(t *testing.T) {
	s := newTestServer()

	w := s.do("POST", "/messages/send", `{"channel":"sms","recipient":"+254712123456","body":"Exam moved"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetMessageHandler(t *testing.T) {
	s := newTestServer(loopback(1))

	if w := s.do("GET", "/messages/99", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := s.do("GET", "/messages/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGatewayEndpoints(t *testing.T) {
	s := newTestServer(loopback(1))

	w := s.do("POST", "/gateways/1/test", "", map[string]string{"X-Actor-ID": "3"})
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"success":true`)) {
		t.Errorf("unexpected test response %d: %s", w.Code, w.Body.String())
	}

	w = s.do("GET", "/gateways/1/balance", "", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"supported":false`)) {
		t.Errorf("unexpected balance response %d: %s", w.Code, w.Body.String())
	}

	if w := s.do("GET", "/gateways/7/balance", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown gateway, got %d", w.Code)
	}
}
