package eventbridge

import (
	"net"
	"strconv"
	"time"

	"github.com/kingrea/turnstile/internal/config"
)

const (
	// DefaultHost keeps the status server on loopback unless configured.
	DefaultHost = "127.0.0.1"
	// DefaultPort is used when status.port is unset or out of range.
	DefaultPort = 8766

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Settings configures the HTTP status server.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig reads the status section of a loaded config. Environment
// overrides are already applied by config.Load.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{}
	if cfg != nil {
		s.Enabled = cfg.StatusEnabled()
		s.Host = cfg.Status.Host
		s.Port = cfg.Status.Port
	}
	s.fill()
	return s
}

func (s *Settings) fill() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
}

// Address is the host:port the server binds.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the server's base URL.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
