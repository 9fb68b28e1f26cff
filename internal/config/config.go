package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.socialchat/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Server         Server   `toml:"server"`
	Realtime       Realtime `toml:"realtime"`
	Network        Network  `toml:"network"`
}

// Server locates the social backend.
type Server struct {
	BaseURL     string   `toml:"base_url"`
	SocketURL   string   `toml:"socket_url"` // derived from BaseURL when empty
	CallTimeout Duration `toml:"call_timeout"`
}

// Realtime tunes the messaging socket.
type Realtime struct {
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	PresenceInterval     Duration `toml:"presence_interval"`
	ReconnectBase        Duration `toml:"reconnect_base"`
	ReconnectCap         Duration `toml:"reconnect_cap"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ConnectDebounce      Duration `toml:"connect_debounce"`
	ResumeDelay          Duration `toml:"resume_delay"`
	DialTimeout          Duration `toml:"dial_timeout"`
	ReadTimeout          Duration `toml:"read_timeout"`
	WriteTimeout         Duration `toml:"write_timeout"`
}

// Network controls reachability probing.
type Network struct {
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			BaseURL:     "http://localhost:8080",
			CallTimeout: Duration{15 * time.Second},
		},
		Realtime: Realtime{
			HeartbeatInterval:    Duration{30 * time.Second},
			PresenceInterval:     Duration{10 * time.Second},
			ReconnectBase:        Duration{time.Second},
			ReconnectCap:         Duration{30 * time.Second},
			MaxReconnectAttempts: 10,
			ConnectDebounce:      Duration{2 * time.Second},
			ResumeDelay:          Duration{time.Second},
			DialTimeout:          Duration{15 * time.Second},
			ReadTimeout:          Duration{90 * time.Second},
			WriteTimeout:         Duration{10 * time.Second},
		},
		Network: Network{
			ProbeInterval: Duration{5 * time.Second},
			ProbeTimeout:  Duration{3 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the values the daemon cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url %q must be an absolute http(s) URL", c.Server.BaseURL)
	}
	if c.Server.SocketURL != "" {
		s, err := url.Parse(c.Server.SocketURL)
		if err != nil || (s.Scheme != "ws" && s.Scheme != "wss") || s.Host == "" {
			return fmt.Errorf("server.socket_url %q must be an absolute ws(s) URL", c.Server.SocketURL)
		}
	}
	r := c.Realtime
	switch {
	case r.HeartbeatInterval.Duration <= 0:
		return errors.New("realtime.heartbeat_interval must be positive")
	case r.PresenceInterval.Duration <= 0:
		return errors.New("realtime.presence_interval must be positive")
	case r.ReconnectBase.Duration <= 0:
		return errors.New("realtime.reconnect_base must be positive")
	case r.ReconnectCap.Duration < r.ReconnectBase.Duration:
		return errors.New("realtime.reconnect_cap must not be below reconnect_base")
	case r.MaxReconnectAttempts < 0:
		return errors.New("realtime.max_reconnect_attempts must not be negative")
	}
	return nil
}

// ResolvedSocketURL returns the configured socket URL, or derives one from BaseURL
// by swapping the scheme to ws/wss and pointing at /ws/chat.
func (s Server) ResolvedSocketURL() (string, error) {
	if s.SocketURL != "" {
		return s.SocketURL, nil
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat"
	u.RawQuery = ""
	return u.String(), nil
}
