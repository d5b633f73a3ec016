// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/relay/store"
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
//
// A single mutex guards all records so that claims and conditional updates
// behave like the row-level atomic operations of the durable stores.
type Store struct {
	mu sync.Mutex

	messages       map[string]*store.Message
	idempotencyIdx map[string]string // idempotency key -> message id
	providerIdx    map[string]string // provider message id -> message id

	threads   map[string]*store.Thread
	threadIdx map[string]string // inbox + normalized subject -> thread id

	events   map[string]*store.Event
	eventIdx map[string]string // message id + type -> event id

	destinations map[string]*store.Destination

	deliveries  map[string]*store.WebhookDelivery
	deliveryIdx map[string]string // event id + destination id -> delivery id

	tasks   map[string]*store.Task
	taskIdx map[string]string // kind + natural key -> task id

	connected int32
	now       func() time.Time
}

// Option configures the memory store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		messages:       make(map[string]*store.Message),
		idempotencyIdx: make(map[string]string),
		providerIdx:    make(map[string]string),
		threads:        make(map[string]*store.Thread),
		threadIdx:      make(map[string]string),
		events:         make(map[string]*store.Event),
		eventIdx:       make(map[string]string),
		destinations:   make(map[string]*store.Destination),
		deliveries:     make(map[string]*store.WebhookDelivery),
		deliveryIdx:    make(map[string]string),
		tasks:          make(map[string]*store.Task),
		taskIdx:        make(map[string]string),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// =============================================================================
// Messages
// =============================================================================

// CreateMessage creates a message or returns the one with the same idempotency key.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.IdempotencyKey != "" {
		if id, ok := s.idempotencyIdx[msg.IdempotencyKey]; ok {
			return s.messages[id].Clone(), false, nil
		}
	}

	m := msg.Clone()
	if err := m.CheckNew(); err != nil {
		return nil, false, err
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if _, exists := s.messages[m.ID]; exists {
		return nil, false, store.ErrDuplicateEntry
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1
	s.messages[m.ID] = m
	if m.IdempotencyKey != "" {
		s.idempotencyIdx[m.IdempotencyKey] = m.ID
	}
	if m.ProviderMessageID != "" {
		s.providerIdx[m.ProviderMessageID] = m.ID
	}
	return m.Clone(), true, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

// GetMessageByProviderID retrieves a message by its provider message id.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if providerMessageID == "" {
		return nil, store.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.providerIdx[providerMessageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.messages[id].Clone(), nil
}

// FindMessages lists messages matching the filter, oldest first.
func (s *Store) FindMessages(ctx context.Context, f store.MessageFilter) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Message
	for _, m := range s.messages {
		if f.InboxID != "" && m.InboxID != f.InboxID {
			continue
		}
		if f.ThreadID != "" && m.ThreadID != f.ThreadID {
			continue
		}
		if f.Direction != "" && m.Direction != f.Direction {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	sortMessages(out)
	return limit(out, f.Limit), nil
}

func sortMessages(msgs []*store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// UpdateMessage applies a versioned update.
func (s *Store) UpdateMessage(ctx context.Context, id string, expectedVersion int64, update store.MessageUpdate) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if m.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	next, err := update.Apply(m, s.now())
	if err != nil {
		return nil, err
	}
	if next.ProviderMessageID != "" && next.ProviderMessageID != m.ProviderMessageID {
		if other, taken := s.providerIdx[next.ProviderMessageID]; taken && other != id {
			return nil, store.ErrDuplicateEntry
		}
		s.providerIdx[next.ProviderMessageID] = id
	}
	next.Version = m.Version + 1
	s.messages[id] = next
	return next.Clone(), nil
}

// =============================================================================
// Threads
// =============================================================================

// FindOrCreateThread returns the thread for the inbox and normalized subject.
func (s *Store) FindOrCreateThread(ctx context.Context, inboxID, subject string, participants []string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboxID + "\x00" + store.NormalizeSubject(subject)
	now := s.now()
	if id, ok := s.threadIdx[key]; ok {
		t := s.threads[id]
		t.Participants = store.MergeParticipants(t.Participants, participants)
		t.UpdatedAt = now
		return s.threadWithMessages(t), nil
	}
	t := &store.Thread{
		ID:           newID(),
		InboxID:      inboxID,
		Subject:      subject,
		Participants: store.MergeParticipants(nil, participants),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.threads[t.ID] = t
	s.threadIdx[key] = t.ID
	return s.threadWithMessages(t), nil
}

// GetThread returns a thread with its message ids in creation order.
func (s *Store) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.threadWithMessages(t), nil
}

// threadWithMessages copies t and fills its message ids. Caller holds mu.
func (s *Store) threadWithMessages(t *store.Thread) *store.Thread {
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	var msgs []*store.Message
	for _, m := range s.messages {
		if m.ThreadID == t.ID {
			msgs = append(msgs, m)
		}
	}
	sortMessages(msgs)
	c.MessageIDs = make([]string, 0, len(msgs))
	for _, m := range msgs {
		c.MessageIDs = append(c.MessageIDs, m.ID)
	}
	return &c
}

// =============================================================================
// Events
// =============================================================================

// CreateEvent inserts an event or returns the existing one for (message, type).
func (s *Store) CreateEvent(ctx context.Context, ev *store.Event) (*store.Event, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.MessageID + "\x00" + string(ev.Type)
	if id, ok := s.eventIdx[key]; ok {
		return s.events[id].Clone(), false, nil
	}
	e := ev.Clone()
	if e.ID == "" {
		e.ID = newID()
	}
	e.CreatedAt = s.now()
	s.events[e.ID] = e
	s.eventIdx[key] = e.ID
	return e.Clone(), true, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

// ListEvents returns the events of a message in creation order.
func (s *Store) ListEvents(ctx context.Context, messageID string) ([]*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, e := range s.events {
		if e.MessageID == messageID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// =============================================================================
// Destinations
// =============================================================================

// CreateDestination registers a webhook destination.
func (s *Store) CreateDestination(ctx context.Context, d *store.Destination) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	if c.ID == "" {
		c.ID = newID()
	}
	if _, exists := s.destinations[c.ID]; exists {
		return nil, store.ErrDuplicateEntry
	}
	c.CreatedAt = s.now()
	s.destinations[c.ID] = &c
	out := c
	return &out, nil
}

// GetDestination retrieves a destination by ID.
func (s *Store) GetDestination(ctx context.Context, id string) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *d
	return &c, nil
}

// ListDestinations returns the destinations of an inbox.
func (s *Store) ListDestinations(ctx context.Context, inboxID string, activeOnly bool) ([]*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Destination
	for _, d := range s.destinations {
		if d.InboxID != inboxID || (activeOnly && !d.Active) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetDestinationActive enables or disables a destination.
func (s *Store) SetDestinationActive(ctx context.Context, id string, active bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Active = active
	return nil
}

// Compile-time check
var _ store.Store = (*Store)(nil)
