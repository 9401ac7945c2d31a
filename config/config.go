// Package config loads the YAML configuration shared by the datalayer
// binaries.
//
// A minimal config for a phone hosting the Echo service:
//
//	node:
//	  name: phone
//	  nearby: true
//	  capabilities: [echo]
//	listen: 127.0.0.1:7400
//	etcd:
//	  endpoints: [127.0.0.1:2379]
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"datalayer-rpc/codec"
	"datalayer-rpc/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Node Node `yaml:"node"`

	// Codec names the envelope codec: binary, json or msgpack.
	Codec      string `yaml:"codec"`
	PathPrefix string `yaml:"path_prefix"`

	// Listen is the TCP address the node serves on. Empty disables the
	// TCP server.
	Listen string `yaml:"listen"`
	// AdvertiseAddr is the address published to the registry; defaults
	// to Listen.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// Peers maps node ids to addresses for nodes that are not in etcd.
	Peers map[string]string `yaml:"peers"`

	Etcd Etcd `yaml:"etcd"`

	// Balancer picks among capable nodes: nearest, round_robin or weighted.
	Balancer string `yaml:"balancer"`

	SendTimeout    time.Duration `yaml:"send_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Node struct {
	ID           string   `yaml:"id"` // generated when empty
	Name         string   `yaml:"name"`
	Nearby       bool     `yaml:"nearby"`
	Weight       int      `yaml:"weight"`
	Capabilities []string `yaml:"capabilities"`
}

type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	// LeaseTTL is the registration lease in seconds.
	LeaseTTL int64 `yaml:"lease_ttl"`
}

// RateLimit caps inbound dispatches per second. A zero Rate disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Codec:          "binary",
		PathPrefix:     transport.DefaultPathPrefix,
		Balancer:       "nearest",
		SendTimeout:    transport.DefaultSendTimeout,
		HandlerTimeout: 10 * time.Second,
		Heartbeat:      30 * time.Second,
		Etcd:           Etcd{LeaseTTL: 10},
		Log:            Log{Level: "info"},
	}
}

// FromFile parses the named file on top of Default. An empty name returns
// the defaults.
func FromFile(name string) (*Config, error) {
	if name == "" {
		return finish(Default())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses doc on top of Default.
func FromYAML(doc []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(doc, cfg); err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = cfg.Node.ID
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.Listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.PathPrefix) < 2 || c.PathPrefix[0] != '/' || c.PathPrefix[len(c.PathPrefix)-1] == '/' {
		return fmt.Errorf("%w: path_prefix %q must start with / and not end with one", ErrInvalid, c.PathPrefix)
	}
	switch c.Balancer {
	case "nearest", "round_robin", "weighted", "weighted_random":
	default:
		return fmt.Errorf("%w: unknown balancer %q", ErrInvalid, c.Balancer)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("%w: send_timeout must be positive", ErrInvalid)
	}
	if c.HandlerTimeout < 0 || c.Heartbeat < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalid)
	}
	if c.Etcd.LeaseTTL <= 0 && len(c.Etcd.Endpoints) > 0 {
		return fmt.Errorf("%w: etcd.lease_ttl must be positive", ErrInvalid)
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: rate_limit needs a positive burst", ErrInvalid)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			return fmt.Errorf("%w: peer %q has no address", ErrInvalid, id)
		}
	}
	return nil
}

// CodecType returns the configured envelope codec.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("node", c.Node.ID)), nil
}
