// Package messaging keeps the client's view of conversations and messages
// consistent across the realtime socket, the REST API and the UI.
//
// All mutable state is owned by a single goroutine. Exported methods hand
// work to it and wait; socket pumps, timers and background lookups post
// their results back to it. Unexported methods named in this package run on
// that goroutine unless noted otherwise.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/auth"
	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/clock"
	"github.com/matheus3301/socialchat/internal/config"
	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/realtime"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/wire"
)

// Bus event kinds published by the manager.
const (
	EventMessage              = "chat.message"
	EventHistory              = "chat.history"
	EventConversation         = "chat.conversation"
	EventConversationsLoaded  = "chat.conversations"
	EventConversationRemoved  = "chat.conversation_removed"
	EventPresence             = "chat.presence"
	EventNetwork              = "conn.network"
	EventReconnectExhausted   = "conn.gave_up"
	EventReconnectScheduled   = "conn.reconnect_scheduled"
	EventRealtimeFrameDropped = "conn.frame_dropped"
)

// Session is the identity the manager acts for.
type Session interface {
	Current() auth.Identity
	ResolveUserID(ctx context.Context) (int64, error)
}

// Backend is the REST surface the manager needs.
type Backend interface {
	ListConversations(ctx context.Context) ([]wire.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (*wire.Conversation, error)
	CreateConversation(ctx context.Context, targetUserID int64) (*wire.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID int64) error
	ListMessages(ctx context.Context, conversationID int64) ([]wire.ChatMessage, error)
	SendMessage(ctx context.Context, req wire.SendRequest) (*wire.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID, receiverID int64) error
	UserProfile(ctx context.Context, userID int64) (*wire.Profile, error)
	User(ctx context.Context, userID int64) (*wire.User, error)
}

// Config tunes the realtime behaviour.
type Config struct {
	SocketURL            string
	HeartbeatInterval    time.Duration
	PresenceInterval     time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	ConnectDebounce      time.Duration
	ResumeDelay          time.Duration
	DialTimeout          time.Duration
	SendBuffer           int
}

// DefaultConfig returns the stock timings against socketURL.
func DefaultConfig(socketURL string) Config {
	return Config{
		SocketURL:            socketURL,
		HeartbeatInterval:    30 * time.Second,
		PresenceInterval:     10 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		ConnectDebounce:      2 * time.Second,
		ResumeDelay:          time.Second,
		DialTimeout:          15 * time.Second,
		SendBuffer:           64,
	}
}

// ConfigFrom derives the manager configuration from the file configuration.
func ConfigFrom(c *config.Config) (Config, error) {
	socketURL, err := c.Server.ResolvedSocketURL()
	if err != nil {
		return Config{}, err
	}
	rt := c.Realtime
	return Config{
		SocketURL:            socketURL,
		HeartbeatInterval:    rt.HeartbeatInterval.Duration,
		PresenceInterval:     rt.PresenceInterval.Duration,
		ReconnectBase:        rt.ReconnectBase.Duration,
		ReconnectCap:         rt.ReconnectCap.Duration,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		ConnectDebounce:      rt.ConnectDebounce.Duration,
		ResumeDelay:          rt.ResumeDelay.Duration,
		DialTimeout:          rt.DialTimeout.Duration,
		SendBuffer:           64,
	}, nil
}

// Backoff returns the delay before reconnect attempt n (1-based): base doubled
// per prior attempt, capped.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMachine shares a connection state machine with other components.
func WithMachine(sm *status.Machine) Option {
	return func(m *Manager) { m.machine = sm }
}

func WithNotifier(n notify.Sink) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the realtime messaging session.
type Manager struct {
	cfg      Config
	session  Session
	backend  Backend
	dialer   realtime.Dialer
	clock    clockwork.Clock
	bus      *bus.Bus
	machine  *status.Machine
	notifier notify.Sink
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	actions   chan func()
	done      chan struct{}
	stopped   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	messageObservers  bus.Listeners[MessageChange]
	presenceObservers bus.Listeners[[]PresenceChange]

	// Loop-owned state.
	online         bool
	link           *link
	generation     uint64
	dialCancel     context.CancelFunc
	lastAttempt    time.Time
	attempts       int
	gaveUp         bool
	lastErr        error
	reconnect      clockwork.Timer
	reconnectSeq   uint64
	heartbeatTimer clock.Timer
	presenceTimer  clock.Timer

	conversations []*Conversation
	currentID     int64
	messages      []*Message
	openSeq       uint64
	enriching     map[int64]bool
}

// New starts a manager. Close must be called to release it.
func New(cfg Config, session Session, backend Backend, dialer realtime.Dialer, opts ...Option) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	m := &Manager{
		cfg:       cfg,
		session:   session,
		backend:   backend,
		dialer:    dialer,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		actions:   make(chan func(), 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		online:    true,
		enriching: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.machine == nil {
		m.machine = status.NewMachine(m.bus)
	}
	m.logger = m.logger.Named("messaging")
	onPanic := func(r any) { m.logger.Error("observer panicked", zap.Any("panic", r)) }
	m.messageObservers.OnPanic = onPanic
	m.presenceObservers.OnPanic = onPanic
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.actions:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn for the loop. It reports false once the manager is closed.
// Safe from any goroutine except the loop itself.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.actions <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !m.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close disconnects and stops the loop. Further calls return ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.call(context.Background(), func() error {
			m.disconnect()
			return nil
		})
		m.cancel()
		close(m.done)
		<-m.stopped
		m.wg.Wait()
	})
}

// SubscribeMessages registers fn for changes to the open conversation's
// messages. fn runs on the manager's goroutine and must not call back into it.
func (m *Manager) SubscribeMessages(fn func(MessageChange)) func() {
	return m.messageObservers.Subscribe(fn)
}

// SubscribePresence registers fn for presence batches. The same rules as
// SubscribeMessages apply.
func (m *Manager) SubscribePresence(fn func([]PresenceChange)) func() {
	return m.presenceObservers.Subscribe(fn)
}

// State returns the realtime connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Machine exposes the connection state machine.
func (m *Manager) Machine() *status.Machine {
	return m.machine
}

// Conversations returns a copy of the conversation list, most recent first.
func (m *Manager) Conversations() []Conversation {
	var out []Conversation
	_ = m.call(context.Background(), func() error {
		out = m.conversationsSnapshot()
		return nil
	})
	return out
}

// Messages returns a copy of the open conversation's messages.
func (m *Manager) Messages() []Message {
	var out []Message
	_ = m.call(context.Background(), func() error {
		out = m.messagesSnapshot()
		return nil
	})
	return out
}

// CurrentConversation returns the open conversation, if any.
func (m *Manager) CurrentConversation() (Conversation, bool) {
	var (
		out Conversation
		ok  bool
	)
	_ = m.call(context.Background(), func() error {
		if c := m.current(); c != nil {
			out, ok = *c, true
		}
		return nil
	})
	return out, ok
}

// Snapshot reports connection and conversation counters.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := m.call(ctx, func() error {
		s = Snapshot{
			State:                 string(m.machine.Current()),
			Online:                m.online,
			ReconnectAttempts:     m.attempts,
			GaveUp:                m.gaveUp,
			CurrentConversationID: m.currentID,
			Conversations:         len(m.conversations),
		}
		for _, c := range m.conversations {
			s.UnreadTotal += c.UnreadCount
		}
		if m.lastErr != nil {
			s.LastError = m.lastErr.Error()
		}
		return nil
	})
	return s, err
}

func (m *Manager) conversationsSnapshot() []Conversation {
	out := make([]Conversation, len(m.conversations))
	for i, c := range m.conversations {
		out[i] = *c
	}
	return out
}

func (m *Manager) messagesSnapshot() []Message {
	out := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = *msg
	}
	return out
}

func (m *Manager) notify(message string, kind notify.Kind) {
	if m.notifier != nil {
		m.notifier.Notify(message, kind)
	}
}

// spawn runs fn on a tracked goroutine; Close waits for it.
func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
