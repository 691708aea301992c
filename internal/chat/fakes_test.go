package chat

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/notification"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/repository"
)

// memoryMessageRepo はidempotency_keyの一意制約とBIGSERIAL採番を再現するインメモリ実装。
type memoryMessageRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.Message
	byKey   map[string]string
	nextSeq int64

	// beforeCreate はCreateの一意性チェック直前に呼ばれる。競合の再現に使う。
	beforeCreate func(msg *model.Message)
	createErr    error
	findErr      error
}

func newMemoryMessageRepo() *memoryMessageRepo {
	return &memoryMessageRepo{byID: map[string]*model.Message{}, byKey: map[string]string{}}
}

func clone(m *model.Message) *model.Message {
	c := *m
	c.Reactions = append([]model.Reaction{}, m.Reactions...)
	return &c
}

func (r *memoryMessageRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	id, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	return clone(r.byID[id]), nil
}

func (r *memoryMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(m), nil
}

func (r *memoryMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	if r.beforeCreate != nil {
		r.beforeCreate(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.byKey[msg.IdempotencyKey]; ok {
		return repository.ErrDuplicateKey
	}
	r.nextSeq++
	msg.SequenceNumber = r.nextSeq
	r.byID[msg.ID] = clone(msg)
	r.byKey[msg.IdempotencyKey] = msg.ID
	return nil
}

func (r *memoryMessageRepo) MarkRead(ctx context.Context, readerID string, ids []string, readAt time.Time) ([]model.ReadReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ReadReceipt
	for _, id := range ids {
		m, ok := r.byID[id]
		if !ok || m.ReceiverID != readerID || m.Read {
			continue
		}
		m.Read = true
		t := readAt
		m.ReadAt = &t
		out = append(out, model.ReadReceipt{MessageID: m.ID, SenderID: m.SenderID, IdempotencyKey: m.IdempotencyKey})
	}
	return out, nil
}

func (r *memoryMessageRepo) UpdateReactions(ctx context.Context, id string, reactions []model.Reaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return errors.New("not found")
	}
	m.Reactions = append([]model.Reaction{}, reactions...)
	return nil
}

func (r *memoryMessageRepo) ListConversation(ctx context.Context, userID, peerID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Message
	for _, m := range r.byID {
		if m.Involves(userID) && m.Involves(peerID) && (beforeSeq == 0 || m.SequenceNumber < beforeSeq) {
			all = append(all, clone(m))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].SequenceNumber < all[j].SequenceNumber
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *memoryMessageRepo) countByKey(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.byID {
		if m.IdempotencyKey == key {
			n++
		}
	}
	return n
}

type mockPolicy struct {
	allowed bool
	err     error
}

func (p *mockPolicy) CanMessage(ctx context.Context, a, b string) (bool, error) {
	return p.allowed, p.err
}

type emitted struct {
	event string
	data  any
}

type mockConn struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func newMockConn(id string) *mockConn { return &mockConn{id: id} }

func (c *mockConn) ID() string { return c.id }
func (c *mockConn) Emit(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event, data})
}

func (c *mockConn) byEvent(event string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type mockLocator struct {
	mu    sync.Mutex
	conns map[string]presence.Conn
}

func newMockLocator() *mockLocator { return &mockLocator{conns: map[string]presence.Conn{}} }

func (l *mockLocator) set(userID string, c presence.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[userID] = c
}

func (l *mockLocator) Lookup(userID string) presence.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[userID]; ok {
		return c
	}
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []notification.NotifyInput
	err   error
}

func (n *mockNotifier) Notify(ctx context.Context, in notification.NotifyInput) (*model.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, in)
	if n.err != nil {
		return nil, n.err
	}
	return &model.Notification{ID: "n", RecipientID: in.RecipientID}, nil
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// stripSanitizer はタグのみの入力を空にする簡易サニタイザ。
type stripSanitizer struct{}

func (stripSanitizer) Sanitize(raw string) string {
	if raw == "<script></script>" {
		return ""
	}
	return raw
}

type mockImageValidator struct{ err error }

func (v mockImageValidator) ValidateImageURL(string) error { return v.err }

// testClock は呼ばれるたびに1ミリ秒進む時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	svc      *Service
	repo     *memoryMessageRepo
	policy   *mockPolicy
	conns    *mockLocator
	notifier *mockNotifier
	images   mockImageValidator
	logs     *bytes.Buffer
}

func newHarness(opts ...func(*harness)) *harness {
	h := &harness{
		repo:     newMemoryMessageRepo(),
		policy:   &mockPolicy{allowed: true},
		conns:    newMockLocator(),
		notifier: &mockNotifier{},
		logs:     &bytes.Buffer{},
	}
	for _, opt := range opts {
		opt(h)
	}
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	h.svc = NewService(h.repo, h.policy, h.conns, h.notifier, stripSanitizer{}, h.images,
		slog.New(slog.NewJSONHandler(h.logs, nil)),
		WithClock(clock.Now),
	)
	return h
}
