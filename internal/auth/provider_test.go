package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/wire"
)

type stubUsers struct {
	user  *wire.User
	err   error
	calls int
}

func (s *stubUsers) CurrentUser(context.Context) (*wire.User, error) {
	s.calls++
	return s.user, s.err
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return tok
}

// ---- claims ----

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signToken(t, jwt.MapClaims{"userId": 42, "username": "ana", "exp": exp.Unix()})

	c, err := ParseClaims(tok)
	require.NoError(t, err)
	require.Equal(t, int64(42), c.UserID)
	require.Equal(t, "ana", c.Username)
	require.True(t, c.ExpiresAt.Equal(exp))
}

func TestParseClaimsStringSubject(t *testing.T) {
	c, err := ParseClaims(signToken(t, jwt.MapClaims{"sub": "17"}))
	require.NoError(t, err)
	require.Equal(t, int64(17), c.UserID)
}

func TestParseClaimsOpaqueToken(t *testing.T) {
	_, err := ParseClaims("not-a-jwt")
	require.Error(t, err)
}

// ---- login / logout ----

func TestLoginUsesClaims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	users := &stubUsers{user: &wire.User{UserID: 42, Username: "ana", Nickname: "Ana", Avatar: "a.png"}}
	p := NewProvider(path, users, nil, nil)

	ident, err := p.Login(context.Background(), "Bearer "+signToken(t, jwt.MapClaims{"userId": 42}))
	require.NoError(t, err)
	require.Equal(t, int64(42), ident.UserID)
	require.Equal(t, "Ana", ident.DisplayName)
	require.Equal(t, "a.png", ident.AvatarRef)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	restored := NewProvider(path, nil, nil, nil)
	require.NoError(t, restored.Load())
	require.Equal(t, ident.Token, restored.Current().Token)
	require.Equal(t, int64(42), restored.Current().UserID)
}

func TestLoginOpaqueTokenResolvesFromServer(t *testing.T) {
	users := &stubUsers{user: &wire.User{ID: 9, Username: "bo"}}
	p := NewProvider("", users, nil, nil)

	ident, err := p.Login(context.Background(), "opaque")
	require.NoError(t, err)
	require.Equal(t, int64(9), ident.UserID)
	require.Equal(t, "bo", ident.DisplayName)
}

func TestLoginLookupFailureStillLogsIn(t *testing.T) {
	users := &stubUsers{err: errors.New("offline")}
	p := NewProvider("", users, nil, nil)

	ident, err := p.Login(context.Background(), "opaque")
	require.NoError(t, err)
	require.True(t, ident.LoggedIn())
	require.Zero(t, ident.UserID)

	_, err = p.ResolveUserID(context.Background())
	require.Error(t, err)

	users.err = nil
	users.user = &wire.User{UserID: 5}
	id, err := p.ResolveUserID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
}

func TestLoginRejectsExpiredToken(t *testing.T) {
	p := NewProvider("", &stubUsers{}, nil, nil)
	tok := signToken(t, jwt.MapClaims{"userId": 1, "exp": time.Now().Add(-time.Minute).Unix()})

	_, err := p.Login(context.Background(), tok)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.False(t, p.Current().LoggedIn())
}

func TestLoginRejectsEmptyToken(t *testing.T) {
	p := NewProvider("", &stubUsers{}, nil, nil)
	_, err := p.Login(context.Background(), "  ")
	require.ErrorIs(t, err, ErrEmptyToken)
}

func TestLogoutRunsHooksBeforeClearing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	b := bus.New()
	defer b.Close()
	events, unsub := b.Subscribe("auth.", 4)
	defer unsub()

	p := NewProvider(path, &stubUsers{user: &wire.User{UserID: 3}}, b, nil)
	_, err := p.Login(context.Background(), signToken(t, jwt.MapClaims{"userId": 3}))
	require.NoError(t, err)

	var seen Identity
	var loggedInDuringHook bool
	p.OnLogout(func(id Identity) {
		seen = id
		loggedInDuringHook = p.Current().LoggedIn()
	})

	p.Logout()
	require.Equal(t, int64(3), seen.UserID)
	require.True(t, loggedInDuringHook)
	require.False(t, p.Current().LoggedIn())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Equal(t, KindLogin, (<-events).Kind)
	require.Equal(t, KindLogout, (<-events).Kind)

	p.Logout()
}

func TestResolveUserIDNotLoggedIn(t *testing.T) {
	p := NewProvider("", nil, nil, nil)
	_, err := p.ResolveUserID(context.Background())
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestIdentityExpired(t *testing.T) {
	now := time.Now()
	require.False(t, Identity{}.Expired(now))
	require.True(t, Identity{ExpiresAt: now}.Expired(now))
	require.False(t, Identity{ExpiresAt: now.Add(time.Second)}.Expired(now))
}
