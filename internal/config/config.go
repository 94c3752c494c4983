// Package config loads the agent configuration: a YAML file over defaults,
// then YACALL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const envPrefix = "YACALL_"

type Config struct {
	Listen      string            `yaml:"listen"`
	Log         LogConfig         `yaml:"log"`
	Self        SelfConfig        `yaml:"self"`
	Signaling   SignalingConfig   `yaml:"signaling"`
	Media       MediaConfig       `yaml:"media"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	// Messages overrides the user-facing text per error kind.
	Messages map[string]string `yaml:"messages"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SelfConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	AvatarRef   string `yaml:"avatar_ref"`
}

type SignalingConfig struct {
	AssignCallIDs bool                       `yaml:"assign_call_ids"`
	Transports    map[string]TransportConfig `yaml:"transports"`
}

type TransportKind string

const (
	TransportWS     TransportKind = "ws"
	TransportNATS   TransportKind = "nats"
	TransportMemory TransportKind = "memory"
)

type TransportConfig struct {
	Kind          TransportKind `yaml:"kind"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Credentials   string        `yaml:"credentials"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	PongWait      time.Duration `yaml:"pong_wait"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type MediaConfig struct {
	// Mode is "devices" for camera and microphone, "synthetic" for headless agents.
	Mode         string `yaml:"mode"`
	MaxWidth     int    `yaml:"max_width"`
	MaxHeight    int    `yaml:"max_height"`
	VideoBitRate int    `yaml:"video_bitrate"`
}

type NegotiationConfig struct {
	// Mode is "pion" or "synthetic".
	Mode                string        `yaml:"mode"`
	ICEServers          []ICEServer   `yaml:"ice_servers"`
	Timeout             time.Duration `yaml:"timeout"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	IncludeLoopback     bool          `yaml:"include_loopback"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8089",
		Log:    LogConfig{Level: "info", Format: "console"},
		Signaling: SignalingConfig{
			Transports: map[string]TransportConfig{
				string(domain.ChannelAdmin): {Kind: TransportWS, URL: "ws://127.0.0.1:8080/ws"},
			},
		},
		Media: MediaConfig{Mode: "devices", MaxWidth: 640, MaxHeight: 480, VideoBitRate: 1_500_000},
		Negotiation: NegotiationConfig{
			Mode:                "pion",
			ICEServers:          []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			Timeout:             30 * time.Second,
			DisconnectedTimeout: 30 * time.Second,
			FailedTimeout:       120 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays YACALL_* variables. Per-channel transport settings use
// YACALL_<CHANNEL>_URL, _TOKEN and _KIND.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SELF_ID", &c.Self.ID)
	str("SELF_NAME", &c.Self.DisplayName)
	str("MEDIA_MODE", &c.Media.Mode)
	str("NEGOTIATION_MODE", &c.Negotiation.Mode)
	boolean("ASSIGN_CALL_IDS", &c.Signaling.AssignCallIDs)

	if c.Signaling.Transports == nil {
		c.Signaling.Transports = make(map[string]TransportConfig)
	}
	for _, ch := range []domain.Channel{domain.ChannelAdmin, domain.ChannelShop, domain.ChannelAI} {
		prefix := strings.ToUpper(ch.String()) + "_"
		t, existed := c.Signaling.Transports[ch.String()]
		before := t
		var kind string
		str(prefix+"URL", &t.URL)
		str(prefix+"TOKEN", &t.Token)
		str(prefix+"KIND", &kind)
		if kind != "" {
			t.Kind = TransportKind(kind)
		}
		if t == before {
			continue
		}
		if !existed && t.Kind == "" {
			t.Kind = TransportWS
		}
		c.Signaling.Transports[ch.String()] = t
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Signaling.AssignCallIDs && c.Self.ID == "" {
		errs = append(errs, errors.New("self.id is required when signaling.assign_call_ids is set"))
	}

	if _, ok := c.Signaling.Transports[string(domain.ChannelAdmin)]; !ok {
		errs = append(errs, errors.New("signaling.transports.admin is required"))
	}
	for name, t := range c.Signaling.Transports {
		if domain.ParseChannel(name).String() != name {
			errs = append(errs, fmt.Errorf("signaling.transports.%s: unknown channel", name))
		}
		switch t.Kind {
		case TransportWS, TransportNATS:
			if t.URL == "" {
				errs = append(errs, fmt.Errorf("signaling.transports.%s: url is required", name))
			}
		case TransportMemory:
		default:
			errs = append(errs, fmt.Errorf("signaling.transports.%s: unknown kind %q", name, t.Kind))
		}
	}

	if c.Media.Mode != "devices" && c.Media.Mode != "synthetic" {
		errs = append(errs, fmt.Errorf("media.mode must be devices or synthetic, got %q", c.Media.Mode))
	}
	if c.Negotiation.Mode != "pion" && c.Negotiation.Mode != "synthetic" {
		errs = append(errs, fmt.Errorf("negotiation.mode must be pion or synthetic, got %q", c.Negotiation.Mode))
	}
	// Without local tracks on either side a pion session negotiates no media at all.
	if c.Media.Mode == "synthetic" && c.Negotiation.Mode == "pion" {
		errs = append(errs, errors.New("negotiation.mode pion needs media.mode devices; use synthetic negotiation with synthetic media"))
	}
	for i, s := range c.Negotiation.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("negotiation.ice_servers[%d]: urls is required", i))
		}
	}
	if c.Negotiation.Timeout < 0 {
		errs = append(errs, errors.New("negotiation.timeout must not be negative"))
	}

	for k := range c.Messages {
		if _, ok := domain.DefaultMessages[domain.ErrorKind(k)]; !ok {
			errs = append(errs, fmt.Errorf("messages.%s: unknown error kind", k))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Counterpart() domain.Counterpart {
	return domain.Counterpart{ID: c.Self.ID, DisplayName: c.Self.DisplayName, AvatarRef: c.Self.AvatarRef}
}

// UserMessages returns the configured overrides; unset kinds fall back to the defaults.
func (c *Config) UserMessages() domain.Messages {
	m := make(domain.Messages, len(c.Messages))
	for k, v := range c.Messages {
		m[domain.ErrorKind(k)] = v
	}
	return m
}
