package messaging

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// enrich looks up the counterpart's profile in the background when the
// conversation still shows defaults. One lookup per counterpart is in flight
// at a time.
func (m *Manager) enrich(c *Conversation) {
	if !c.needsProfile() || m.enriching[c.CounterpartID] {
		return
	}
	uid := c.CounterpartID
	m.enriching[uid] = true
	m.spawn(func() {
		name, avatar, err := m.lookupProfile(uid)
		m.post(func() { m.applyProfile(uid, name, avatar, err) })
	})
}

// lookupProfile tries the extended profile, then the basic user record.
// Runs off the loop.
func (m *Manager) lookupProfile(uid int64) (name, avatar string, err error) {
	if p, perr := m.backend.UserProfile(m.ctx, uid); perr == nil && p != nil {
		name = firstNonEmpty(p.Nickname, p.Username)
		avatar = p.Avatar
	} else {
		err = perr
	}
	if name == "" || avatar == "" {
		u, uerr := m.backend.User(m.ctx, uid)
		if uerr == nil && u != nil {
			if name == "" {
				name = firstNonEmpty(u.Nickname, u.Username)
			}
			if avatar == "" {
				avatar = u.Avatar
			}
		} else if err == nil {
			err = uerr
		}
	}
	if name == "" && avatar == "" && err == nil {
		err = errors.New("empty profile")
	}
	return name, avatar, err
}

func (m *Manager) applyProfile(uid int64, name, avatar string, err error) {
	delete(m.enriching, uid)
	if name == "" && avatar == "" {
		m.logger.Debug("counterpart profile unavailable", zap.Int64("user_id", uid), zap.Error(err))
		return
	}
	for _, c := range m.conversations {
		if c.CounterpartID != uid {
			continue
		}
		changed := false
		if name != "" && c.CounterpartName != name {
			c.CounterpartName = name
			changed = true
		}
		if avatar != "" && c.CounterpartAvatar != avatar {
			c.CounterpartAvatar = avatar
			changed = true
		}
		if changed {
			m.emitConversation(c)
		}
	}
	for _, msg := range m.messages {
		if msg.SenderID == uid && msg.SenderName == "" {
			msg.SenderName, msg.SenderAvatar = name, avatar
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
