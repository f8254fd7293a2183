// Package config loads client settings from a YAML file, the environment
// and command-line flags, in increasing order of precedence.
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

	"gopkg.in/yaml.v3"

	"github.com/AmirhsFar/Chat-Service/internal/ws"
)

const (
	EnvServerURL = "CHATTY_SERVER_URL"
	EnvWSURL     = "CHATTY_WS_URL"
	EnvDBPath    = "CHATTY_DB_PATH"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	// ServerURL is the base URL of the HTTP API.
	ServerURL string `yaml:"server_url"`
	// WSURL is the channel endpoint. Empty derives it from ServerURL.
	WSURL string `yaml:"ws_url"`
	// DBPath is the sqlite file holding the saved credential.
	DBPath string `yaml:"db_path"`

	RefreshInterval Duration `yaml:"refresh_interval"`
	RenewalSkew     Duration `yaml:"renewal_skew"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	PollInterval    Duration `yaml:"poll_interval"`

	// PageOrder is the order the server sends history in: oldest_first or
	// newest_first.
	PageOrder string `yaml:"page_order"`
}

func Default() Config {
	return Config{
		ServerURL:       "http://localhost:8000",
		DBPath:          defaultDBPath(),
		RefreshInterval: Duration(5 * time.Minute),
		RenewalSkew:     Duration(30 * time.Second),
		RequestTimeout:  Duration(15 * time.Second),
		PollInterval:    Duration(10 * time.Second),
		PageOrder:       "newest_first",
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatty", "config.yaml")
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatty.db"
	}
	return filepath.Join(dir, "chatty", "credentials.db")
}

// Load reads path over the defaults and applies environment overrides. An
// empty path reads DefaultPath if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.ServerURL = v
	}
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		c.WSURL = v
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.DBPath = v
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: server_url %q must be an http(s) URL", c.ServerURL)
	}
	if c.WSURL != "" {
		u, err := url.Parse(c.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config: ws_url %q must be a ws(s) URL", c.WSURL)
		}
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	for name, d := range map[string]Duration{
		"refresh_interval": c.RefreshInterval,
		"renewal_skew":     c.RenewalSkew,
		"request_timeout":  c.RequestTimeout,
		"poll_interval":    c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if _, err := ws.ParsePageOrder(c.PageOrder); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ChannelURL returns WSURL, or ServerURL with a ws scheme and the /ws path.
func (c Config) ChannelURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	base := strings.TrimSuffix(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Order returns the parsed PageOrder. It assumes Validate passed.
func (c Config) Order() ws.PageOrder {
	order, _ := ws.ParsePageOrder(c.PageOrder)
	return order
}
