package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dkeye/Mirror/internal/domain"
)

type Config struct {
	Mode string `mapstructure:"mode"`

	Signaling SignalingConfig     `mapstructure:"signaling"`
	Session   SessionConfig       `mapstructure:"session"`
	Stream    domain.StreamParams `mapstructure:"stream"`
	Input     InputConfig         `mapstructure:"input"`
	Render    RenderConfig        `mapstructure:"render"`
}

type SignalingConfig struct {
	Addr    string        `mapstructure:"addr"`
	Port    int           `mapstructure:"port"`
	Token   string        `mapstructure:"token"`
	RoomTTL time.Duration `mapstructure:"room_ttl"`
}

type SessionConfig struct {
	RoomID            string        `mapstructure:"room_id"`
	ClientID          string        `mapstructure:"client_id"`
	StunServers       []string      `mapstructure:"stun_servers"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling    time.Duration `mapstructure:"backoff_ceiling"`
}

type InputConfig struct {
	EnableGamepad bool `mapstructure:"enable_gamepad"`
	// ScancodeOverrides patches the built-in scancode table per deployment
	// instead of trusting guessed mappings.
	ScancodeOverrides map[uint16]uint16 `mapstructure:"scancode_overrides"`
}

type RenderConfig struct {
	MaxFenceWaitMs int64 `mapstructure:"max_fence_wait_ms"`
}

// SignalURL is the ws endpoint peers dial for rendezvous.
func (c *Config) SignalURL() string {
	return fmt.Sprintf("ws://%s:%d/api/ws/signal", c.Signaling.Addr, c.Signaling.Port)
}

// RelayURL is the ws endpoint for the reliable-stream fallback.
func (c *Config) RelayURL(room domain.RoomID, sid domain.ClientID) string {
	return fmt.Sprintf("ws://%s:%d/api/ws/relay/%s?client_id=%s",
		c.Signaling.Addr, c.Signaling.Port, room, sid)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetDefault("mode", "release")
	v.SetDefault("signaling.addr", "127.0.0.1")
	v.SetDefault("signaling.port", 8443)
	v.SetDefault("signaling.room_ttl", "2m")
	v.SetDefault("session.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("session.keepalive_interval", "500ms")
	v.SetDefault("session.connect_timeout", "10s")
	v.SetDefault("session.max_retries", 5)
	v.SetDefault("session.backoff_base", "250ms")
	v.SetDefault("session.backoff_ceiling", "5s")
	v.SetDefault("stream.width", 1920)
	v.SetDefault("stream.height", 1080)
	v.SetDefault("stream.refresh_rate", 60)
	v.SetDefault("stream.codec", "h264")
	v.SetDefault("stream.bitrate_bps", 8_000_000)
	v.SetDefault("stream.gop_length", 0)
	v.SetDefault("stream.rate_control", "cbr")
	v.SetDefault("stream.audio_freq", 48000)
	v.SetDefault("stream.audio_channels", 2)
	v.SetDefault("render.max_fence_wait_ms", 16)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
