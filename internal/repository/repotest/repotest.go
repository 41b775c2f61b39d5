// Package repotest holds in-memory repositories with the same atomicity as
// the SQL ones, for tests of the layers above storage.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

var (
	_ repository.GatewayConfigRepositoryInterface  = (*GatewayRepo)(nil)
	_ repository.QueuedMessageRepositoryInterface  = (*MessageRepo)(nil)
	_ repository.ContactRepositoryInterface        = (*ContactRepo)(nil)
	_ repository.SessionRepositoryInterface        = (*SessionRepo)(nil)
	_ repository.InboundMessageRepositoryInterface = (*InboundRepo)(nil)
)

type GatewayRepo struct {
	mu      sync.Mutex
	rows    map[int]*model.GatewayConfig
	resetOn map[int]string
}

func NewGatewayRepo(gateways ...*model.GatewayConfig) *GatewayRepo {
	r := &GatewayRepo{rows: map[int]*model.GatewayConfig{}, resetOn: map[int]string{}}
	for _, g := range gateways {
		cp := *g
		r.rows[g.ID] = &cp
	}
	return r
}

// Snapshot returns a copy of the stored row for assertions.
func (r *GatewayRepo) Snapshot(id int) model.GatewayConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.rows[id]; ok {
		return *g
	}
	return model.GatewayConfig{}
}

func (r *GatewayRepo) Put(g *model.GatewayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *g
	r.rows[g.ID] = &cp
}

func (r *GatewayRepo) GetByID(ctx context.Context, id int) (*model.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.rows[id]
	if !ok {
		return nil, appErrors.NewNotFound("gateway", id)
	}
	cp := *g
	return &cp, nil
}

func (r *GatewayRepo) ListActive(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error) {
	all, _ := r.List(ctx)
	out := all[:0]
	for _, g := range all {
		if g.IsActive && g.ChannelType == channel {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *GatewayRepo) List(ctx context.Context) ([]*model.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.GatewayConfig, 0, len(r.rows))
	for _, g := range r.rows {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *GatewayRepo) ReserveQuota(ctx context.Context, id int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.rows[id]
	if !ok || !g.IsActive || !g.HasCapacity() {
		return false, nil
	}
	g.DailySent++
	return true, nil
}

func (r *GatewayRepo) ReleaseQuota(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.rows[id]; ok && g.DailySent > 0 {
		g.DailySent--
	}
	return nil
}

func (r *GatewayRepo) IncrementSent(ctx context.Context, id int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.rows[id]; ok {
		g.TotalSent++
		t := at
		g.LastUsedAt = &t
	}
	return nil
}

func (r *GatewayRepo) IncrementFailed(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.rows[id]; ok {
		g.TotalFailed++
	}
	return nil
}

func (r *GatewayRepo) ResetDailyCounters(ctx context.Context, day time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := day.UTC().Format("2006-01-02")
	var n int64
	for id, g := range r.rows {
		if r.resetOn[id] >= d {
			continue
		}
		g.DailySent = 0
		r.resetOn[id] = d
		n++
	}
	return n, nil
}

type MessageRepo struct {
	mu     sync.Mutex
	rows   map[int]*model.QueuedMessage
	nextID int

	// ClaimErr, when set, is returned by ClaimDue.
	ClaimErr error
}

func NewMessageRepo() *MessageRepo {
	return &MessageRepo{rows: map[int]*model.QueuedMessage{}}
}

func copyMessage(m *model.QueuedMessage) *model.QueuedMessage {
	cp := *m
	return &cp
}

// Snapshot returns a copy of the stored row for assertions.
func (r *MessageRepo) Snapshot(id int) model.QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[id]; ok {
		return *m
	}
	return model.QueuedMessage{}
}

func (r *MessageRepo) Create(ctx context.Context, m *model.QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m.ID = r.nextID
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	if m.Metadata == nil {
		m.Metadata = model.JSONMap{}
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		// Keep insertion order observable even within one clock tick.
		m.CreatedAt = now.Add(time.Duration(r.nextID) * time.Microsecond)
	}
	m.UpdatedAt = now
	r.rows[m.ID] = copyMessage(m)
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int) (*model.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, appErrors.NewNotFound("message", id)
	}
	return copyMessage(m), nil
}

func (r *MessageRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error) {
	if r.ClaimErr != nil {
		return nil, r.ClaimErr
	}
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.QueuedMessage
	for _, m := range r.rows {
		if m.Due(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.QueuedMessage, 0, len(due))
	for _, m := range due {
		m.Status = model.StatusProcessing
		m.UpdatedAt = now
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (r *MessageRepo) processing(id int) (*model.QueuedMessage, bool) {
	m, ok := r.rows[id]
	return m, ok && m.Status == model.StatusProcessing
}

func (r *MessageRepo) Release(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.processing(id); ok {
		m.Status = model.StatusPending
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MessageRepo) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.rows {
		if m.Status != model.StatusProcessing || !m.UpdatedAt.Before(olderThan) {
			continue
		}
		m.RetryCount++
		if m.RetryCount >= m.MaxRetries {
			m.Status = model.StatusFailed
		} else {
			m.Status = model.StatusPending
		}
		msg := "processing abandoned by worker"
		m.ErrorMessage = &msg
		m.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func (r *MessageRepo) MarkSent(ctx context.Context, id, gatewayID int, externalID string, cost decimal.NullDecimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.processing(id)
	if !ok {
		return nil
	}
	gid, ext, t := gatewayID, externalID, at
	m.Status = model.StatusSent
	m.GatewayID = &gid
	m.GatewayMessageID = &ext
	m.Cost = cost
	m.SentAt = &t
	m.ErrorMessage = nil
	m.UpdatedAt = at
	return nil
}

func (r *MessageRepo) MarkAttemptFailed(ctx context.Context, id int, errMsg string) (model.MessageStatus, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.processing(id)
	if !ok {
		return "", 0, appErrors.NewNotFound("processing message", id)
	}
	m.RetryCount++
	if m.RetryCount >= m.MaxRetries {
		m.Status = model.StatusFailed
	} else {
		m.Status = model.StatusPending
	}
	msg := errMsg
	m.ErrorMessage = &msg
	m.UpdatedAt = time.Now().UTC()
	return m.Status, m.RetryCount, nil
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id int, gatewayID *int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || (m.Status != model.StatusPending && m.Status != model.StatusProcessing) {
		return nil
	}
	msg := errMsg
	m.Status = model.StatusFailed
	m.ErrorMessage = &msg
	if gatewayID != nil {
		gid := *gatewayID
		m.GatewayID = &gid
	}
	return nil
}

func (r *MessageRepo) FindByGatewayMessageID(ctx context.Context, externalID string) (*model.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.GatewayMessageID != nil && *m.GatewayMessageID == externalID {
			return copyMessage(m), nil
		}
	}
	return nil, appErrors.NewNotFound("message", externalID)
}

func (r *MessageRepo) ApplyDeliveryStatus(ctx context.Context, externalID string, status model.MessageStatus, errMsg *string, at time.Time) (*model.QueuedMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.GatewayMessageID == nil || *m.GatewayMessageID != externalID || m.Status != model.StatusSent {
			continue
		}
		m.Status = status
		switch status {
		case model.StatusDelivered:
			t := at
			m.DeliveredAt = &t
		case model.StatusFailed:
			m.ErrorMessage = errMsg
		}
		return copyMessage(m), true, nil
	}
	return nil, false, nil
}

func (r *MessageRepo) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[model.MessageStatus]int{
		model.StatusPending:    0,
		model.StatusProcessing: 0,
		model.StatusSent:       0,
		model.StatusDelivered:  0,
		model.StatusFailed:     0,
	}
	for _, m := range r.rows {
		counts[m.Status]++
	}
	return counts, nil
}

type ContactRepo struct {
	mu     sync.Mutex
	rows   map[int]*model.Contact
	nextID int
}

func NewContactRepo(contacts ...*model.Contact) *ContactRepo {
	r := &ContactRepo{rows: map[int]*model.Contact{}}
	for _, c := range contacts {
		cp := *c
		r.rows[c.ID] = &cp
		if c.ID > r.nextID {
			r.nextID = c.ID
		}
	}
	return r
}

func (r *ContactRepo) find(channel model.ChannelType, identifier string) *model.Contact {
	for _, c := range r.rows {
		if c.Identifier(channel) == identifier {
			return c
		}
	}
	return nil
}

func (r *ContactRepo) FindByIdentifier(ctx context.Context, channel model.ChannelType, identifier string) (*model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.find(channel, identifier)
	if c == nil {
		return nil, appErrors.NewNotFound("contact", identifier)
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepo) FindOrCreate(ctx context.Context, channel model.ChannelType, identifier, name string) (*model.Contact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(channel, identifier); c != nil {
		if c.Name == "" {
			c.Name = name
		}
		cp := *c
		return &cp, false, nil
	}
	r.nextID++
	id := identifier
	c := &model.Contact{ID: r.nextID, Name: name, CreatedAt: time.Now().UTC()}
	switch channel {
	case model.ChannelWhatsApp:
		c.WhatsAppID = &id
	case model.ChannelViber:
		c.ViberID = &id
	default:
		c.Phone = &id
	}
	r.rows[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (r *ContactRepo) SetOptOut(ctx context.Context, contactID int, channel model.ChannelType, optedOut bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[contactID]
	if !ok {
		return appErrors.NewNotFound("contact", contactID)
	}
	switch channel {
	case model.ChannelSMS:
		c.SMSOptOut = optedOut
	case model.ChannelWhatsApp:
		c.WhatsAppOptOut = optedOut
	case model.ChannelViber:
		c.ViberOptOut = optedOut
	}
	return nil
}

type sessionKey struct {
	contactID int
	channel   model.ChannelType
	channelID string
}

type SessionRepo struct {
	mu     sync.Mutex
	rows   map[sessionKey]*model.ConversationSession
	nextID int
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{rows: map[sessionKey]*model.ConversationSession{}}
}

func (r *SessionRepo) Touch(ctx context.Context, contactID int, channel model.ChannelType, channelID string, at time.Time, window time.Duration) (*model.ConversationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{contactID, channel, channelID}
	s, ok := r.rows[key]
	if !ok {
		r.nextID++
		s = &model.ConversationSession{ID: r.nextID, ContactID: contactID, ChannelType: channel, ChannelID: channelID}
		r.rows[key] = s
	}
	if at.After(s.LastMessageAt) {
		s.LastMessageAt = at
	}
	if exp := at.Add(window); exp.After(s.ExpiresAt) {
		s.ExpiresAt = exp
	}
	if s.ExpiresAt.After(time.Now()) {
		s.Status = model.SessionActive
	} else if s.Status == "" {
		s.Status = model.SessionExpired
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepo) Get(ctx context.Context, contactID int, channel model.ChannelType, channelID string) (*model.ConversationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[sessionKey{contactID, channel, channelID}]
	if !ok {
		return nil, appErrors.NewNotFound("session", contactID)
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.rows {
		if s.Status == model.SessionActive && !s.ExpiresAt.After(now) {
			s.Status = model.SessionExpired
			n++
		}
	}
	return n, nil
}

type InboundRepo struct {
	mu     sync.Mutex
	rows   []*model.InboundMessage
	nextID int
}

func NewInboundRepo() *InboundRepo { return &InboundRepo{} }

func (r *InboundRepo) Create(ctx context.Context, m *model.InboundMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.ChannelType == m.ChannelType && existing.ExternalID == m.ExternalID {
			return false, nil
		}
	}
	r.nextID++
	m.ID = r.nextID
	cp := *m
	r.rows = append(r.rows, &cp)
	return true, nil
}

// All returns copies of the stored inbound messages in insertion order.
func (r *InboundRepo) All() []model.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.InboundMessage, len(r.rows))
	for i, m := range r.rows {
		out[i] = *m
	}
	return out
}
