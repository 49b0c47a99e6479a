// Package config loads peerlink settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/peerlink/internal/protocol"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PEERLINK_"

// Config is shared by servers and clients; each side reads the sections it
// needs.
type Config struct {
	Log         LogConfig `yaml:"log"`
	Compression bool      `yaml:"compression"`
	P2P         P2PConfig `yaml:"p2p"`

	DownloadBufferSize int           `yaml:"download_buffer_size"` // bytes per stream read
	UploadBufferSize   int           `yaml:"upload_buffer_size"`   // websocket write buffer
	MaxBufferSize      int           `yaml:"max_buffer_size"`      // cap on undecoded inbound bytes
	SegmentSize        int           `yaml:"segment_size"`
	SendQueueSize      int           `yaml:"send_queue_size"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"` // negative disables keepalive

	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`

	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

// LogConfig controls logging per instance.
type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Send    bool   `yaml:"send"`    // log every outbound message
	Receive bool   `yaml:"receive"` // log every inbound message
}

// P2PConfig enables direct peer links.
type P2PConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
}

// ServerConfig is read by the listening side.
type ServerConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	WSPath        string `yaml:"ws_path"`
	Backlog       int    `yaml:"backlog"` // max concurrently open connections, 0 = unlimited
	MetricsAddr   string `yaml:"metrics_addr"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// ClientConfig is read by the dialing side.
type ClientConfig struct {
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{
		Log: LogConfig{Enabled: true},
		P2P: P2PConfig{Enabled: true},
	}
	c.SetDefaults()
	return c
}

// LoadConfig reads path on top of the defaults and applies environment
// overrides.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "peerlink.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.P2P.STUNServers) == 0 {
		c.P2P.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}

	if c.DownloadBufferSize == 0 {
		c.DownloadBufferSize = 64 * 1024
	}
	if c.UploadBufferSize == 0 {
		c.UploadBufferSize = 64 * 1024
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 64*1024*1024 + 4
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = 64 * 1024
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 64
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = time.Second
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = ":7420"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.TelemetryPath == "" {
		c.Server.TelemetryPath = "/metrics"
	}

	if c.Client.ConnectionTimeout == 0 {
		c.Client.ConnectionTimeout = 5 * time.Second
	}
	if c.Client.MaxReconnectInterval == 0 {
		c.Client.MaxReconnectInterval = 30 * time.Second
	}
}

// Validate rejects settings no connection can run with.
func (c *Config) Validate() error {
	if c.SegmentSize < 0 {
		return fmt.Errorf("segment_size must be positive, got %d", c.SegmentSize)
	}
	if c.SegmentSize > c.MaxBufferSize {
		return fmt.Errorf("segment_size (%d) exceeds max_buffer_size (%d)", c.SegmentSize, c.MaxBufferSize)
	}
	if c.DownloadBufferSize < 0 || c.UploadBufferSize < 0 || c.SendQueueSize < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if c.Server.Backlog < 0 {
		return fmt.Errorf("server.backlog must not be negative, got %d", c.Server.Backlog)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}
	return nil
}

// ApplyEnvOverrides applies PEERLINK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	envBool("LOG_ENABLED", &c.Log.Enabled)
	envString("LOG_LEVEL", &c.Log.Level)
	envBool("LOG_SEND", &c.Log.Send)
	envBool("LOG_RECEIVE", &c.Log.Receive)
	envBool("COMPRESSION", &c.Compression)

	envBool("P2P_ENABLED", &c.P2P.Enabled)
	envList("STUN_SERVERS", &c.P2P.STUNServers)

	envInt("DOWNLOAD_BUFFER_SIZE", &c.DownloadBufferSize)
	envInt("UPLOAD_BUFFER_SIZE", &c.UploadBufferSize)
	envInt("MAX_BUFFER_SIZE", &c.MaxBufferSize)
	envInt("SEGMENT_SIZE", &c.SegmentSize)
	envInt("SEND_QUEUE_SIZE", &c.SendQueueSize)
	envDuration("KEEPALIVE_INTERVAL", &c.KeepaliveInterval)

	envString("BIND_ADDR", &c.Server.BindAddr)
	envString("WS_PATH", &c.Server.WSPath)
	envInt("BACKLOG", &c.Server.Backlog)
	envString("METRICS_ADDR", &c.Server.MetricsAddr)
	envString("TELEMETRY_PATH", &c.Server.TelemetryPath)

	envDuration("CONNECTION_TIMEOUT", &c.Client.ConnectionTimeout)
	envBool("AUTO_RECONNECT", &c.Client.AutoReconnect)
	envDuration("MAX_RECONNECT_INTERVAL", &c.Client.MaxReconnectInterval)

	envList("WHITELIST", &c.Whitelist)
	envList("BLACKLIST", &c.Blacklist)
}

// GetKeepaliveInterval returns the effective interval; zero means disabled.
func (c *Config) GetKeepaliveInterval() time.Duration {
	if c.KeepaliveInterval < 0 {
		return 0
	}
	return c.KeepaliveInterval
}

func envString(key string, dst *string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string, dst *[]string) {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// Codec builds the wire codec described by c over types.
func (c *Config) Codec(types *protocol.Registry) *protocol.Codec {
	codec := protocol.NewCodec(types, protocol.NewTypeFilter(c.Whitelist, c.Blacklist))
	codec.MaxDecompressedSize = c.MaxBufferSize
	if c.Compression {
		codec.Compressor = protocol.FlateCompressor{}
	}
	return codec
}
