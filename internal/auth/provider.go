// Package auth owns the logged-in identity: the bearer token, the user it
// belongs to, and the login/logout notifications other components react to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/wire"
)

var (
	ErrNotLoggedIn  = errors.New("auth: not logged in")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrEmptyToken   = errors.New("auth: token is empty")
)

// Bus event kinds.
const (
	KindLogin  = "auth.login"
	KindLogout = "auth.logout"
)

// Identity is a snapshot of the logged-in user.
type Identity struct {
	UserID      int64
	Token       string
	Username    string
	DisplayName string
	AvatarRef   string
	ExpiresAt   time.Time
}

// LoggedIn reports whether a token is present.
func (i Identity) LoggedIn() bool { return i.Token != "" }

// Expired reports whether the token carried an expiry that has passed.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// UserLookup resolves the account a token belongs to.
type UserLookup interface {
	CurrentUser(ctx context.Context) (*wire.User, error)
}

// credentials is the on-disk form of an Identity.
type credentials struct {
	Token       string    `toml:"token"`
	UserID      int64     `toml:"user_id"`
	Username    string    `toml:"username"`
	DisplayName string    `toml:"display_name"`
	Avatar      string    `toml:"avatar"`
	ExpiresAt   time.Time `toml:"expires_at,omitempty"`
	SavedAt     time.Time `toml:"saved_at"`
}

// Provider holds the current identity and persists it to a credentials file.
type Provider struct {
	path   string
	users  UserLookup
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.RWMutex
	ident Identity

	loginHooks  bus.Listeners[Identity]
	logoutHooks bus.Listeners[Identity]
}

// NewProvider creates a provider. An empty path keeps credentials in memory only.
func NewProvider(path string, users UserLookup, b *bus.Bus, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{path: path, users: users, bus: b, logger: logger}
	onPanic := func(r any) { logger.Error("auth hook panicked", zap.Any("panic", r)) }
	p.loginHooks.OnPanic = onPanic
	p.logoutHooks.OnPanic = onPanic
	return p
}

// SetUserLookup attaches the lookup used to resolve user ids. It breaks the
// construction cycle between the provider and the REST client.
func (p *Provider) SetUserLookup(users UserLookup) {
	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
}

// Load restores saved credentials. A missing file is not an error.
func (p *Provider) Load() error {
	if p.path == "" {
		return nil
	}
	var c credentials
	if _, err := toml.DecodeFile(p.path, &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("auth: load credentials: %w", err)
	}
	p.mu.Lock()
	p.ident = Identity{
		UserID:      c.UserID,
		Token:       c.Token,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		AvatarRef:   c.Avatar,
		ExpiresAt:   c.ExpiresAt,
	}
	p.mu.Unlock()
	return nil
}

// Current returns the identity snapshot.
func (p *Provider) Current() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ident
}

// Token returns the bearer token, or "" when logged out.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ident.Token
}

// OnLogin registers fn to run after every login. It returns a disposer.
func (p *Provider) OnLogin(fn func(Identity)) func() {
	return p.loginHooks.Subscribe(fn)
}

// OnLogout registers fn to run during logout, before the identity is cleared.
func (p *Provider) OnLogout(fn func(Identity)) func() {
	return p.logoutHooks.Subscribe(fn)
}

// Login installs token as the current identity. The user id comes from the
// token's claims when present, otherwise from the server; a failed lookup
// leaves the id unresolved rather than failing the login.
func (p *Provider) Login(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrEmptyToken
	}
	ident := Identity{Token: token}
	if c, err := ParseClaims(token); err == nil {
		ident.UserID, ident.Username, ident.ExpiresAt = c.UserID, c.Username, c.ExpiresAt
	} else {
		p.logger.Debug("token is not a readable JWT", zap.Error(err))
	}
	if ident.Expired(time.Now()) {
		return Identity{}, ErrTokenExpired
	}

	if prev := p.Current(); prev.LoggedIn() && prev.Token != token {
		p.Logout()
	}

	p.mu.Lock()
	p.ident = ident
	p.mu.Unlock()

	if err := p.refreshUser(ctx); err != nil {
		p.logger.Warn("could not resolve user after login", zap.Error(err))
	}
	if err := p.save(); err != nil {
		p.logger.Error("failed to persist credentials", zap.Error(err))
	}

	current := p.Current()
	p.logger.Info("logged in", zap.Int64("user_id", current.UserID))
	p.bus.Emit(KindLogin, current.UserID)
	p.loginHooks.Notify(current)
	return current, nil
}

// Logout runs the logout hooks synchronously, then clears the identity and
// removes the credentials file. Logging out twice is harmless.
func (p *Provider) Logout() {
	prev := p.Current()
	if !prev.LoggedIn() {
		return
	}
	p.logoutHooks.Notify(prev)

	p.mu.Lock()
	p.ident = Identity{}
	p.mu.Unlock()

	if p.path != "" {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove credentials", zap.Error(err))
		}
	}
	p.logger.Info("logged out", zap.Int64("user_id", prev.UserID))
	p.bus.Emit(KindLogout, prev.UserID)
}

// ResolveUserID returns the current user id, asking the server when the token
// did not carry one.
func (p *Provider) ResolveUserID(ctx context.Context) (int64, error) {
	cur := p.Current()
	if !cur.LoggedIn() {
		return 0, ErrNotLoggedIn
	}
	if cur.UserID != 0 {
		return cur.UserID, nil
	}
	if err := p.refreshUser(ctx); err != nil {
		return 0, err
	}
	if err := p.save(); err != nil {
		p.logger.Warn("failed to persist credentials", zap.Error(err))
	}
	id := p.Current().UserID
	if id == 0 {
		return 0, errors.New("auth: server did not return a user id")
	}
	return id, nil
}

// refreshUser fills profile fields (and the id, when missing) from the server.
func (p *Provider) refreshUser(ctx context.Context) error {
	p.mu.RLock()
	users := p.users
	token := p.ident.Token
	p.mu.RUnlock()
	if users == nil {
		return errors.New("auth: no user lookup configured")
	}
	u, err := users.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("auth: current user: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ident.Token != token {
		return nil
	}
	if p.ident.UserID == 0 {
		p.ident.UserID = u.Key()
	}
	if u.Username != "" {
		p.ident.Username = u.Username
	}
	switch {
	case u.Nickname != "":
		p.ident.DisplayName = u.Nickname
	case u.Username != "":
		p.ident.DisplayName = u.Username
	}
	if u.Avatar != "" {
		p.ident.AvatarRef = u.Avatar
	}
	return nil
}

func (p *Provider) save() error {
	if p.path == "" {
		return nil
	}
	cur := p.Current()
	if !cur.LoggedIn() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(credentials{
		Token:       cur.Token,
		UserID:      cur.UserID,
		Username:    cur.Username,
		DisplayName: cur.DisplayName,
		Avatar:      cur.AvatarRef,
		ExpiresAt:   cur.ExpiresAt,
		SavedAt:     time.Now().UTC(),
	})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
