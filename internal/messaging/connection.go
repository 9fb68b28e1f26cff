package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/clock"
	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/realtime"
	"github.com/matheus3301/socialchat/internal/status"
)

// link is one live socket plus its pumps.
type link struct {
	gen  uint64
	conn realtime.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close stops the writer and closes the socket off the loop.
func (l *link) close(spawn func(func())) {
	l.once.Do(func() {
		close(l.done)
		spawn(func() { _ = l.conn.Close() })
	})
}

// Connect opens the realtime channel. It returns once the attempt settles;
// a failed dial is not an error, since reconnection takes over from there.
// Calls are no-ops while a connection is open or being opened, and repeated
// calls within the debounce window are ignored.
func (m *Manager) Connect(ctx context.Context) error {
	ident := m.session.Current()
	if !ident.LoggedIn() || ident.Expired(m.clock.Now()) {
		return ErrNotAuthenticated
	}
	if ident.UserID == 0 {
		if err := m.resolveSender(ctx); err != nil {
			return err
		}
	}

	var settled <-chan struct{}
	err := m.call(ctx, func() error {
		var err error
		settled, err = m.beginConnect(true)
		return err
	})
	if err != nil || settled == nil {
		return err
	}
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Disconnect closes the socket and cancels every timer and pending
// reconnect. Counterparts are marked offline.
func (m *Manager) Disconnect() {
	_ = m.call(context.Background(), func() error {
		m.disconnect()
		return nil
	})
}

// SetNetworkOnline reports a reachability change.
func (m *Manager) SetNetworkOnline(online bool) {
	m.post(func() { m.setOnline(online) })
}

// beginConnect starts a dial. The returned channel closes once the attempt
// settles; a nil channel means nothing was started.
func (m *Manager) beginConnect(debounce bool) (<-chan struct{}, error) {
	if !m.machine.Is(status.Disconnected) {
		return nil, nil
	}
	ident := m.session.Current()
	if !ident.LoggedIn() || ident.UserID == 0 {
		return nil, ErrNotAuthenticated
	}
	now := m.clock.Now()
	if debounce && !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.ConnectDebounce {
		m.logger.Debug("connect debounced", zap.Duration("since_last", now.Sub(m.lastAttempt)))
		return nil, nil
	}
	if !m.online {
		return nil, ErrNetworkUnavailable
	}
	target, err := realtime.BuildURL(m.cfg.SocketURL, ident.Token, ident.UserID)
	if err != nil {
		return nil, err
	}

	m.cancelReconnect()
	if err := m.machine.Transition(status.Connecting); err != nil {
		return nil, err
	}
	m.lastAttempt = now
	m.gaveUp = false
	m.generation++
	gen := m.generation

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}
	m.dialCancel = cancel

	settled := make(chan struct{})
	m.logger.Debug("dialing realtime socket", zap.Uint64("generation", gen), zap.Int("attempt", m.attempts))
	m.spawn(func() {
		defer cancel()
		conn, err := m.dialer.Dial(ctx, target)
		ok := m.post(func() {
			m.onDialed(gen, conn, err)
			close(settled)
		})
		if !ok {
			if conn != nil {
				_ = conn.Close()
			}
			close(settled)
		}
	})
	return settled, nil
}

func (m *Manager) onDialed(gen uint64, conn realtime.Conn, err error) {
	if gen != m.generation {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.logger.Warn("realtime dial failed", zap.Error(err), zap.Int("attempts", m.attempts))
		_ = m.machine.Transition(status.Disconnected)
		m.afterClose(&TransportError{Op: "dial", Err: err})
		return
	}

	l := &link{gen: gen, conn: conn, send: make(chan []byte, m.cfg.SendBuffer), done: make(chan struct{})}
	m.link = l
	if err := m.machine.Transition(status.Open); err != nil {
		m.logger.Error("unexpected state on open", zap.Error(err))
	}
	m.spawn(func() { m.writePump(l) })
	m.spawn(func() { m.readPump(l) })
	m.onOpen()
}

func (m *Manager) onOpen() {
	ident := m.session.Current()
	m.sendFrame(realtime.Auth(ident.Token, ident.UserID))
	m.startTimers()
	m.attempts = 0
	m.lastErr = nil
	m.requestPresence(nil)
	m.logger.Info("realtime connected", zap.Int64("user_id", ident.UserID))
}

func (m *Manager) writePump(l *link) {
	for {
		select {
		case data := <-l.send:
			if err := l.conn.WriteMessage(data); err != nil {
				m.post(func() { m.onLinkClosed(l.gen, err) })
				return
			}
		case <-l.done:
			return
		}
	}
}

func (m *Manager) readPump(l *link) {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			m.post(func() { m.onLinkClosed(l.gen, err) })
			return
		}
		if !m.post(func() { m.handleMessage(l.gen, data) }) {
			return
		}
	}
}

// sendFrame queues f on the open socket. Frames are dropped when no socket
// is open or the write buffer is full.
func (m *Manager) sendFrame(f realtime.Frame) bool {
	if m.link == nil {
		return false
	}
	data, err := realtime.Encode(f)
	if err != nil {
		m.logger.Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return false
	}
	select {
	case m.link.send <- data:
		return true
	default:
		m.logger.Warn("realtime send buffer full, dropping frame", zap.String("type", f.Type))
		m.bus.Emit(EventRealtimeFrameDropped, f.Type)
		return false
	}
}

func (m *Manager) onLinkClosed(gen uint64, err error) {
	if m.link == nil || m.link.gen != gen {
		return
	}
	m.link.close(m.spawn)
	m.link = nil
	m.stopTimers()
	_ = m.machine.Transition(status.Disconnected)
	if realtime.IsNormalClose(err) || errors.Is(err, realtime.ErrClosed) {
		m.logger.Info("realtime socket closed", zap.Error(err))
	} else {
		m.logger.Warn("realtime socket failed", zap.Error(err))
	}
	m.afterClose(&TransportError{Op: "read", Err: err})
}

// afterClose decides whether to reconnect after an unplanned close.
func (m *Manager) afterClose(cause error) {
	m.lastErr = cause
	if !m.session.Current().LoggedIn() {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.gaveUp = true
		m.logger.Error("realtime reconnect attempts exhausted", zap.Int("attempts", m.attempts), zap.Error(cause))
		m.notify(fmt.Sprintf("Lost the realtime connection after %d attempts; messages still send but will not arrive live", m.attempts), notify.Error)
		m.bus.Emit(EventReconnectExhausted, m.attempts)
		return
	}
	m.attempts++
	delay := Backoff(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	m.logger.Info("realtime reconnect scheduled", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.bus.Emit(EventReconnectScheduled, delay)
	m.scheduleReconnect(delay)
}

func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.cancelReconnect()
	seq := m.reconnectSeq
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.fireReconnect(seq) })
	})
}

// cancelReconnect invalidates any scheduled reconnect, including one whose
// timer already fired but has not reached the loop.
func (m *Manager) cancelReconnect() {
	m.reconnectSeq++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) fireReconnect(seq uint64) {
	if seq != m.reconnectSeq {
		return
	}
	m.reconnect = nil
	if !m.session.Current().LoggedIn() {
		m.logger.Debug("skipping reconnect, logged out")
		return
	}
	if _, err := m.beginConnect(false); err != nil {
		m.logger.Debug("reconnect not started", zap.Error(err))
	}
}

func (m *Manager) startTimers() {
	m.stopTimers()
	if m.cfg.HeartbeatInterval > 0 {
		m.heartbeatTimer = clock.Every(m.clock, m.cfg.HeartbeatInterval, func() { m.post(m.heartbeat) })
	}
	if m.cfg.PresenceInterval > 0 {
		m.presenceTimer = clock.Every(m.clock, m.cfg.PresenceInterval, func() { m.post(m.pollPresence) })
	}
}

func (m *Manager) stopTimers() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.presenceTimer != nil {
		m.presenceTimer.Stop()
		m.presenceTimer = nil
	}
}

// heartbeat pings the open socket. Every close path stops the heartbeat
// first, so reconnecting is left to the backoff schedule.
func (m *Manager) heartbeat() {
	if m.heartbeatTimer == nil || !m.machine.Is(status.Open) {
		return
	}
	m.sendFrame(realtime.Ping())
}

func (m *Manager) pollPresence() {
	if m.presenceTimer == nil {
		return
	}
	m.requestPresence(nil)
}

// requestPresence asks for the online state of ids, or of every known
// counterpart when ids is empty.
func (m *Manager) requestPresence(ids []int64) {
	if !m.machine.Is(status.Open) {
		return
	}
	if len(ids) == 0 {
		seen := make(map[int64]bool)
		for _, c := range m.conversations {
			if c.CounterpartID != 0 && !seen[c.CounterpartID] {
				seen[c.CounterpartID] = true
				ids = append(ids, c.CounterpartID)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	m.sendFrame(realtime.GetUserStatus(ids))
}

// RequestPresence asks the server for the online state of ids, or of every
// known counterpart when none are given.
func (m *Manager) RequestPresence(ids ...int64) {
	m.post(func() { m.requestPresence(ids) })
}

func (m *Manager) disconnect() {
	m.stopTimers()
	m.cancelReconnect()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.generation++
	if m.link != nil {
		if m.machine.Is(status.Open) {
			_ = m.machine.Transition(status.Closing)
		}
		m.link.close(m.spawn)
		m.link = nil
	}
	if !m.machine.Is(status.Disconnected) {
		_ = m.machine.Transition(status.Disconnected)
	}
	m.attempts = 0
	m.markAllOffline()
	m.logger.Info("realtime disconnected")
}

func (m *Manager) markAllOffline() {
	var batch []PresenceChange
	seen := make(map[int64]bool)
	for _, c := range m.conversations {
		if c.Presence == PresenceOffline {
			continue
		}
		c.Presence = PresenceOffline
		if c.CounterpartID != 0 && !seen[c.CounterpartID] {
			seen[c.CounterpartID] = true
			batch = append(batch, PresenceChange{UserID: c.CounterpartID, Online: false})
		}
	}
	m.publishPresence(batch)
}

func (m *Manager) publishPresence(batch []PresenceChange) {
	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].UserID < batch[j].UserID })
	m.presenceObservers.Notify(batch)
	m.bus.Emit(EventPresence, batch)
}

func (m *Manager) setOnline(online bool) {
	if m.online == online {
		return
	}
	m.online = online
	m.bus.Emit(EventNetwork, online)
	if !online {
		m.logger.Warn("network unavailable")
		m.stopTimers()
		m.notify("Network unavailable", notify.Warning)
		return
	}
	m.logger.Info("network restored")
	m.attempts = 0
	m.gaveUp = false
	if !m.session.Current().LoggedIn() {
		return
	}
	if m.machine.Is(status.Open) {
		m.startTimers()
		return
	}
	m.scheduleReconnect(m.cfg.ResumeDelay)
}
