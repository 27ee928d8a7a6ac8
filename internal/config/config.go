// Package config loads server settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/browserbase-copilot/internal/broadcast"
	"github.com/shehryarbajwa/browserbase-copilot/internal/engine"
	"github.com/shehryarbajwa/browserbase-copilot/internal/recovery"
	"github.com/shehryarbajwa/browserbase-copilot/internal/stream"
)

type Config struct {
	Addr              string
	ChromeImage       string
	ControlRatePerMin int
	ControlBurst      int
	Engine            engine.Config
	Hub               broadcast.Config
}

func defaults(v *viper.Viper) {
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("CHROME_IMAGE", "browserless/chrome:latest")
	v.SetDefault("MAX_SESSIONS", 10)
	v.SetDefault("SESSION_TIMEOUT", "1h")

	v.SetDefault("CAPTURE_INTERVAL", "200ms")
	v.SetDefault("FRAME_MAX_WIDTH", 1280)
	v.SetDefault("FRAME_MAX_HEIGHT", 720)
	v.SetDefault("FRAME_QUALITY", 60)
	v.SetDefault("FRAME_CACHE_TTL", "5m")
	v.SetDefault("FRAME_CACHE_SIZE", 512)

	v.SetDefault("INDEX_INTERVAL", "5s")
	v.SetDefault("FRAME_PUSH_INTERVAL", "2s")
	v.SetDefault("SEND_BUFFER", 64)

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BASE_DELAY", "2s")
	v.SetDefault("TASK_TIMEOUT", "5m")

	v.SetDefault("CONTROL_RATE_PER_MIN", 120)
	v.SetDefault("CONTROL_BURST", 20)
}

// Load reads .env if present, then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addr:              v.GetString("ADDR"),
		ChromeImage:       v.GetString("CHROME_IMAGE"),
		ControlRatePerMin: v.GetInt("CONTROL_RATE_PER_MIN"),
		ControlBurst:      v.GetInt("CONTROL_BURST"),
		Engine: engine.Config{
			MaxSessions:    v.GetInt64("MAX_SESSIONS"),
			SessionTimeout: v.GetDuration("SESSION_TIMEOUT"),
			Recovery: recovery.Options{
				MaxRetries: v.GetInt("MAX_RETRIES"),
				BaseDelay:  v.GetDuration("BASE_DELAY"),
				Timeout:    v.GetDuration("TASK_TIMEOUT"),
			},
			Stream: stream.Config{
				Interval:  v.GetDuration("CAPTURE_INTERVAL"),
				MaxWidth:  v.GetInt("FRAME_MAX_WIDTH"),
				MaxHeight: v.GetInt("FRAME_MAX_HEIGHT"),
				Quality:   v.GetInt("FRAME_QUALITY"),
				CacheTTL:  v.GetDuration("FRAME_CACHE_TTL"),
				CacheSize: v.GetInt("FRAME_CACHE_SIZE"),
			},
		},
		Hub: broadcast.Config{
			IndexInterval:     v.GetDuration("INDEX_INTERVAL"),
			FramePushInterval: v.GetDuration("FRAME_PUSH_INTERVAL"),
			SendBuffer:        v.GetInt("SEND_BUFFER"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Engine.MaxSessions < 1:
		return fmt.Errorf("MAX_SESSIONS must be at least 1, got %d", c.Engine.MaxSessions)
	case c.Engine.Stream.Quality < 1 || c.Engine.Stream.Quality > 100:
		return fmt.Errorf("FRAME_QUALITY must be between 1 and 100, got %d", c.Engine.Stream.Quality)
	case c.Engine.Stream.MaxWidth < 1 || c.Engine.Stream.MaxHeight < 1:
		return fmt.Errorf("frame bounds must be positive, got %dx%d", c.Engine.Stream.MaxWidth, c.Engine.Stream.MaxHeight)
	case c.Engine.Recovery.MaxRetries < 1:
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Engine.Recovery.MaxRetries)
	case c.ControlRatePerMin < 1 || c.ControlBurst < 1:
		return fmt.Errorf("control rate limits must be positive")
	case c.Engine.Stream.Interval <= 0:
		return fmt.Errorf("CAPTURE_INTERVAL must be positive, got %s", c.Engine.Stream.Interval)
	case c.Engine.Stream.CacheTTL <= 0 || c.Engine.Stream.CacheSize < 1:
		return fmt.Errorf("frame cache ttl and size must be positive")
	case c.Hub.IndexInterval <= 0:
		return fmt.Errorf("INDEX_INTERVAL must be positive, got %s", c.Hub.IndexInterval)
	case c.Hub.FramePushInterval <= 0:
		return fmt.Errorf("FRAME_PUSH_INTERVAL must be positive, got %s", c.Hub.FramePushInterval)
	case c.Hub.SendBuffer < 1:
		return fmt.Errorf("SEND_BUFFER must be at least 1, got %d", c.Hub.SendBuffer)
	case c.Engine.Recovery.BaseDelay <= 0 || c.Engine.Recovery.Timeout <= 0:
		return fmt.Errorf("BASE_DELAY and TASK_TIMEOUT must be positive")
	case c.Engine.SessionTimeout < 0:
		return fmt.Errorf("SESSION_TIMEOUT must not be negative, got %s", c.Engine.SessionTimeout)
	}
	return nil
}

// Summary is a one-line description for the startup log
func (c *Config) Summary() string {
	return fmt.Sprintf("addr=%s sessions=%d capture=%s retries=%d timeout=%s",
		c.Addr, c.Engine.MaxSessions, c.Engine.Stream.Interval, c.Engine.Recovery.MaxRetries, c.Engine.Recovery.Timeout)
}
