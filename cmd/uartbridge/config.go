package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/kabili207/uartbridge-go/device/registry"
	"github.com/kabili207/uartbridge-go/transport/mqtt"
	"github.com/kabili207/uartbridge-go/transport/websocket"
	"github.com/spf13/viper"
)

// Config is the process configuration read from file, environment and flags.
type Config struct {
	Listen       string        `mapstructure:"listen"`
	WSPath       string        `mapstructure:"ws_path"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	Ports        []PortConfig  `mapstructure:"ports"`
	SendQueue    int           `mapstructure:"send_queue"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MQTT         MQTTConfig    `mapstructure:"mqtt"`
	Auth         AuthConfig    `mapstructure:"auth"`
}

// PortConfig maps a client-visible port name to a host serial device.
type PortConfig struct {
	Name    string `mapstructure:"name"`
	Channel int    `mapstructure:"channel"`
	Device  string `mapstructure:"device"`
	RXPin   int    `mapstructure:"rx_pin"`
	TXPin   int    `mapstructure:"tx_pin"`
}

// MQTTConfig enables the MQTT bridge when Broker is set.
type MQTTConfig struct {
	Broker      string        `mapstructure:"broker"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TLS         bool          `mapstructure:"tls"`
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig maps usernames to bcrypt hashes. An empty map disables login.
type AuthConfig struct {
	Users map[string]string `mapstructure:"users"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", websocket.DefaultAddr)
	v.SetDefault("ws_path", websocket.DefaultPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("send_queue", websocket.DefaultSendQueue)
	v.SetDefault("write_timeout", websocket.DefaultWriteTimeout)
	// Every key needs a default so environment overrides reach Unmarshal.
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", mqtt.DefaultTopicPrefix)
	v.SetDefault("mqtt.idle_timeout", 5*time.Minute)
}

// loadConfig decodes and validates the configuration held by v.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.SendQueue <= 0 {
		return errors.New("send_queue must be positive")
	}
	seenName := make(map[string]bool)
	seenChannel := make(map[int]bool)
	for i, p := range c.Ports {
		if p.Name == "" {
			return fmt.Errorf("ports[%d]: name is required", i)
		}
		if len(p.Name) > 255 {
			return fmt.Errorf("ports[%d]: name longer than 255 bytes", i)
		}
		if seenName[p.Name] {
			return fmt.Errorf("ports[%d]: duplicate name %q", i, p.Name)
		}
		if seenChannel[p.Channel] {
			return fmt.Errorf("ports[%d]: duplicate channel %d", i, p.Channel)
		}
		seenName[p.Name] = true
		seenChannel[p.Channel] = true
	}
	if len(c.Ports) > 255 {
		return errors.New("at most 255 ports can be listed")
	}
	return nil
}

// portSpecs returns the registry layout and the channel to device mapping.
// Without configured ports the stock layout is used with no devices.
func (c *Config) portSpecs() ([]registry.Spec, map[int]string) {
	devices := make(map[int]string)
	if len(c.Ports) == 0 {
		return registry.DefaultSpecs, devices
	}
	specs := make([]registry.Spec, 0, len(c.Ports))
	for _, p := range c.Ports {
		specs = append(specs, registry.Spec{
			Name:    p.Name,
			Channel: p.Channel,
			Pins:    port.Pins{RX: p.RXPin, TX: p.TXPin},
		})
		if p.Device != "" {
			devices[p.Channel] = p.Device
		}
	}
	return specs, devices
}

// newLogger builds the process logger from the log_level and log_format
// settings.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log_format %q: want text or json", format)
	}
}
