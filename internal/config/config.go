package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Environment keys.
const (
	KeyHost       = "TAILSCALE_IP"
	KeyUser       = "CUSTOM_USER"
	KeyPassword   = "PASSWORD"
	KeyPort       = "PORT"
	KeyWidth      = "WINDOW_WIDTH"
	KeyHeight     = "WINDOW_HEIGHT"
	KeyFullscreen = "FULLSCREEN"
	KeyFrameless  = "FRAMELESS"
	KeyTitle      = "WINDOW_TITLE"
	KeyTLSVerify  = "TLS_VERIFY"
	KeyDebug      = "SHELL_DEBUG"
	KeyLogLevel   = "LOG_LEVEL"
)

// RequiredKeys are checked in this order; a missing one aborts startup.
var RequiredKeys = []string{KeyHost, KeyUser, KeyPassword}

// PlaintextPort selects http instead of https.
const PlaintextPort = "3000"

const (
	DefaultWidth    = 1200
	DefaultHeight   = 800
	DefaultTitle    = "Web Shell"
	DefaultLogLevel = "info"
)

// Config is resolved once at startup and passed by value afterwards.
type Config struct {
	Host     string
	Username string
	Password string
	Port     string

	Width      int
	Height     int
	Fullscreen bool
	Frameless  bool
	Title      string

	// InsecureTLS accepts any server certificate. The shell targets a host on
	// a private tailnet, so this is the default; TLS_VERIFY=1 disables it.
	InsecureTLS bool

	// Debug opens the web inspector when the window is created.
	Debug bool

	LogLevel string

	// Source is the env file that was applied, empty if none was found.
	Source string
}

// MissingKeysError lists required keys that resolved to absent or empty.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

// Environ looks up a process environment variable.
type Environ func(key string) (string, bool)

// OSEnviron reads the real process environment.
func OSEnviron() Environ { return os.LookupEnv }

func Default() Config {
	return Config{
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		Title:       DefaultTitle,
		Frameless:   true,
		InsecureTLS: true,
		Debug:       true,
		LogLevel:    DefaultLogLevel,
	}
}

func (c Config) Validate() error {
	var missing []string
	for _, k := range RequiredKeys {
		if strings.TrimSpace(c.value(k)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &MissingKeysError{Keys: missing}
	}

	if c.Port != "" {
		n, err := strconv.Atoi(c.Port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%s must be 1..65535, got %q", KeyPort, c.Port)
		}
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.New("window size must be > 0")
	}
	return nil
}

func (c Config) value(key string) string {
	switch key {
	case KeyHost:
		return c.Host
	case KeyUser:
		return c.Username
	case KeyPassword:
		return c.Password
	}
	return ""
}

// Scheme is http on the plaintext port and https everywhere else.
func (c Config) Scheme() string {
	if c.Port == PlaintextPort {
		return "http"
	}
	return "https"
}

// TargetURL composes the page the window navigates to. It is derived from
// the config on every call and never cached.
func (c Config) TargetURL() *url.URL {
	host := c.Host
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if c.Port != "" {
		host = net.JoinHostPort(host, c.Port)
	} else if strings.Contains(host, ":") {
		// bare IPv6 literal
		host = "[" + host + "]"
	}
	return &url.URL{Scheme: c.Scheme(), Host: host, Path: "/"}
}

// Load resolves the configuration for workDir. Process environment wins:
// a file value is applied only when the key is unset or empty in env.
func Load(workDir string, env Environ) (Config, error) {
	if env == nil {
		env = OSEnviron()
	}

	source, fileVals := loadFile(workDir)

	lookup := func(key string) string {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return fileVals[key]
	}

	cfg := Default()
	cfg.Source = source
	cfg.Host = lookup(KeyHost)
	cfg.Username = lookup(KeyUser)
	cfg.Password = lookup(KeyPassword)
	cfg.Port = lookup(KeyPort)

	if v := lookup(KeyTitle); v != "" {
		cfg.Title = v
	}
	cfg.Width = intOr(KeyWidth, lookup(KeyWidth), DefaultWidth)
	cfg.Height = intOr(KeyHeight, lookup(KeyHeight), DefaultHeight)
	// switches and levels are compared trimmed
	trimmed := func(key string) string { return strings.TrimSpace(lookup(key)) }
	cfg.Fullscreen = trimmed(KeyFullscreen) == "1"
	if v := trimmed(KeyFrameless); v != "" {
		cfg.Frameless = v == "1"
	}
	cfg.InsecureTLS = trimmed(KeyTLSVerify) != "1"
	if v := trimmed(KeyDebug); v != "" {
		cfg.Debug = v == "1"
	}
	if v := trimmed(KeyLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intOr(key, raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Warnw("ignoring invalid number", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}
