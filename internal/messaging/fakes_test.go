package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/auth"
	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/realtime"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/wire"
)

const selfID = 1

var errNotFound = errors.New("not found")

// ---- session ----

type fakeSession struct {
	mu           sync.Mutex
	ident        auth.Identity
	resolveTo    int64
	resolveCalls int
}

func (s *fakeSession) Current() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

func (s *fakeSession) ResolveUserID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	if s.ident.UserID == 0 {
		s.ident.UserID = s.resolveTo
	}
	if s.ident.UserID == 0 {
		return 0, errors.New("unknown user")
	}
	return s.ident.UserID, nil
}

func (s *fakeSession) logout() {
	s.mu.Lock()
	s.ident = auth.Identity{}
	s.mu.Unlock()
}

// ---- socket ----

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	readErr error
	written []realtime.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, realtime.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return realtime.ErrClosed
	default:
	}
	f, err := realtime.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) pushRaw(data string) {
	c.in <- []byte(data)
}

func (c *fakeConn) push(t *testing.T, f realtime.Frame) {
	t.Helper()
	data, err := realtime.Encode(f)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) pushChat(t *testing.T, m wire.ChatMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	c.push(t, realtime.Frame{Type: realtime.TypeChat, Data: data})
}

func (c *fakeConn) frames(typ string) []realtime.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.Frame
	for _, f := range c.written {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ---- backend ----

type fakeBackend struct {
	mu            sync.Mutex
	conversations []wire.Conversation
	byID          map[int64]wire.Conversation
	history       map[int64][]wire.ChatMessage
	historyGate   map[int64]chan struct{}
	sendGate      chan struct{}
	sendErr       error
	nextID        int64
	sent          []wire.SendRequest
	marked        []int64
	deleted       []int64
	profiles      map[int64]wire.Profile
	users         map[int64]wire.User
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byID:        make(map[int64]wire.Conversation),
		history:     make(map[int64][]wire.ChatMessage),
		historyGate: make(map[int64]chan struct{}),
		nextID:      500,
		profiles:    make(map[int64]wire.Profile),
		users:       make(map[int64]wire.User),
	}
}

func (b *fakeBackend) addConversation(id, counterpart int64, nickname string, last time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := wire.Conversation{
		ConversationID:     wire.ID(id),
		UserAID:            selfID,
		UserBID:            wire.ID(counterpart),
		TargetUserID:       wire.ID(counterpart),
		TargetUserNickname: nickname,
		TargetUserAvatar:   fmt.Sprintf("https://cdn.test/%d.png", counterpart),
		LastMessageTime:    wire.Timestamp{Time: last},
	}
	b.conversations = append(b.conversations, c)
	b.byID[id] = c
}

func (b *fakeBackend) ListConversations(context.Context) ([]wire.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) GetConversation(_ context.Context, id int64) (*wire.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byID[id]
	if !ok {
		return nil, errNotFound
	}
	return &c, nil
}

func (b *fakeBackend) CreateConversation(_ context.Context, target int64) (*wire.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if int64(c.TargetUserID) == target {
			return &c, nil
		}
	}
	c := wire.Conversation{ConversationID: wire.ID(100 + target), UserAID: selfID, UserBID: wire.ID(target)}
	b.conversations = append(b.conversations, c)
	b.byID[100+target] = c
	return &c, nil
}

func (b *fakeBackend) DeleteConversation(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, id int64) ([]wire.ChatMessage, error) {
	b.mu.Lock()
	gate := b.historyGate[id]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.ChatMessage(nil), b.history[id]...), nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, req wire.SendRequest) (*wire.ChatMessage, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	id := b.nextID
	b.nextID++
	return &wire.ChatMessage{
		MessageID:      wire.ID(id),
		ConversationID: wire.ID(req.ConversationID),
		SenderID:       wire.ID(req.SenderID),
		ReceiverID:     wire.ID(req.ReceiverID),
		Content:        req.Content,
		MessageType:    req.MessageType,
		CreateTime:     req.CreateTime,
	}, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, id, receiver int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if receiver != selfID {
		return fmt.Errorf("unexpected receiver %d", receiver)
	}
	b.marked = append(b.marked, id)
	return nil
}

func (b *fakeBackend) UserProfile(_ context.Context, id int64) (*wire.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return nil, errNotFound
	}
	return &p, nil
}

func (b *fakeBackend) User(_ context.Context, id int64) (*wire.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[id]
	if !ok {
		return nil, errNotFound
	}
	return &u, nil
}

func (b *fakeBackend) markedCount(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.marked {
		if m == id {
			n++
		}
	}
	return n
}

func (b *fakeBackend) sentRequests() []wire.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.SendRequest(nil), b.sent...)
}

// ---- clock ----

// fakeClock records the callbacks scheduled on a clockwork fake so tests can
// inspect pending delays, and makes Advance return only after the callbacks
// it fired have run.
type fakeClock struct {
	*clockwork.FakeClock

	mu     sync.Mutex
	timers map[*fakeTimer]struct{}
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{FakeClock: clockwork.NewFakeClockAt(start), timers: make(map[*fakeTimer]struct{})}
}

type fakeTimer struct {
	clockwork.Timer
	c    *fakeClock
	at   time.Time
	done chan struct{}
	once sync.Once
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	t := &fakeTimer{c: c, at: c.Now().Add(d), done: make(chan struct{})}
	c.mu.Lock()
	c.timers[t] = struct{}{}
	c.mu.Unlock()
	t.Timer = c.FakeClock.AfterFunc(d, func() {
		f()
		t.finish()
	})
	return t
}

func (t *fakeTimer) Stop() bool {
	stopped := t.Timer.Stop()
	if stopped {
		t.finish()
	}
	return stopped
}

func (t *fakeTimer) finish() {
	t.once.Do(func() {
		t.c.mu.Lock()
		delete(t.c.timers, t)
		t.c.mu.Unlock()
		close(t.done)
	})
}

// Advance moves the clock forward by d and waits for every callback due by then.
func (c *fakeClock) Advance(d time.Duration) {
	target := c.Now().Add(d)
	var due []*fakeTimer
	c.mu.Lock()
	for t := range c.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	c.FakeClock.Advance(d)
	for _, t := range due {
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
		}
	}
}

// Pending returns the delays, relative to now, of callbacks that have neither fired nor been stopped.
func (c *fakeClock) Pending() []time.Duration {
	now := c.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for t := range c.timers {
		out = append(out, t.at.Sub(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- harness ----

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	clock   *fakeClock
	session *fakeSession
	backend *fakeBackend
	dialer  *fakeDialer
	notes   *notify.Recorder
	bus     *bus.Bus
	m       *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newFakeClock(epoch),
		session: &fakeSession{ident: auth.Identity{UserID: selfID, Token: "tok", DisplayName: "Me"}},
		backend: newFakeBackend(),
		dialer:  &fakeDialer{},
		notes:   &notify.Recorder{},
		bus:     bus.New(),
	}
	h.m = New(DefaultConfig("ws://chat.test/ws/chat"), h.session, h.backend, h.dialer,
		WithClock(h.clock),
		WithBus(h.bus),
		WithMachine(status.NewMachine(h.bus)),
		WithNotifier(h.notes),
		WithLogger(zap.NewNop()),
	)
	t.Cleanup(func() {
		h.m.Close()
		h.bus.Close()
	})
	return h
}

// flush waits until everything already posted to the manager has run.
func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.m.call(context.Background(), func() error { return nil }))
}

func (h *harness) connect() *fakeConn {
	h.t.Helper()
	require.NoError(h.t, h.m.Connect(context.Background()))
	require.Equal(h.t, status.Open, h.m.State())
	return h.dialer.last()
}

func (h *harness) fetch() {
	h.t.Helper()
	_, err := h.m.FetchConversations(context.Background())
	require.NoError(h.t, err)
}

func (h *harness) conversation(id int64) Conversation {
	h.t.Helper()
	for _, c := range h.m.Conversations() {
		if c.ID == id {
			return c
		}
	}
	h.t.Fatalf("conversation %d not found", id)
	return Conversation{}
}

func (h *harness) order() []int64 {
	var ids []int64
	for _, c := range h.m.Conversations() {
		ids = append(ids, c.ID)
	}
	return ids
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, time.Millisecond, msg)
}

func inbound(conv, from int64, id int64, content string, at time.Time) wire.ChatMessage {
	return wire.ChatMessage{
		MessageID:      wire.ID(id),
		ConversationID: wire.ID(conv),
		SenderID:       wire.ID(from),
		ReceiverID:     selfID,
		Content:        content,
		MessageType:    wire.MessageText,
		CreateTime:     wire.Timestamp{Time: at},
	}
}
