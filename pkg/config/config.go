package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config holds the tunables of one MIC-TCP host.
type Config struct {
	MaxSockets     int `yaml:"max_sockets"`
	LossWindowSize int `yaml:"loss_window_size"`

	// BaseTimeout bounds one wait for a data ACK. Handshake waits are
	// HandshakeTimeoutFactor times longer.
	BaseTimeout            time.Duration `yaml:"base_timeout"`
	HandshakeTimeoutFactor int           `yaml:"handshake_timeout_factor"`
	Backoff                string        `yaml:"backoff"`
	MaxTimeout             time.Duration `yaml:"max_timeout"`
	// MaxRetries of 0 retransmits forever.
	MaxRetries int `yaml:"max_retries"`

	// AcceptableLoss is the percentage this host proposes in its SYN.
	AcceptableLoss int `yaml:"acceptable_loss"`
	SimulatedLoss  int `yaml:"simulated_loss"`

	RecvBufferSize int           `yaml:"recv_buffer_size"`
	InboxSize      int           `yaml:"inbox_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	ServerPort int `yaml:"server_port"`
	ClientPort int `yaml:"client_port"`
}

func Default() Config {
	return Config{
		MaxSockets:             1024,
		LossWindowSize:         10,
		BaseTimeout:            100 * time.Millisecond,
		HandshakeTimeoutFactor: 3,
		Backoff:                BackoffConstant,
		MaxTimeout:             2 * time.Second,
		AcceptableLoss:         5,
		RecvBufferSize:         64 * 1024,
		InboxSize:              32,
		PollInterval:           50 * time.Millisecond,
		ServerPort:             1234,
		ClientPort:             1235,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutFactor) * c.BaseTimeout
}

func (c Config) Validate() error {
	switch {
	case c.MaxSockets <= 0:
		return errors.Errorf("max_sockets must be positive, got %d", c.MaxSockets)
	case c.LossWindowSize <= 0:
		return errors.Errorf("loss_window_size must be positive, got %d", c.LossWindowSize)
	case c.BaseTimeout <= 0:
		return errors.Errorf("base_timeout must be positive, got %s", c.BaseTimeout)
	case c.HandshakeTimeoutFactor <= 0:
		return errors.Errorf("handshake_timeout_factor must be positive, got %d", c.HandshakeTimeoutFactor)
	case c.Backoff != BackoffConstant && c.Backoff != BackoffExponential:
		return errors.Errorf("unknown backoff %q", c.Backoff)
	case c.Backoff == BackoffExponential && c.MaxTimeout < c.BaseTimeout:
		return errors.Errorf("max_timeout %s below base_timeout %s", c.MaxTimeout, c.BaseTimeout)
	case c.MaxRetries < 0:
		return errors.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	case c.AcceptableLoss < 0 || c.AcceptableLoss > 100:
		return errors.Errorf("acceptable_loss must be within 0..100, got %d", c.AcceptableLoss)
	case c.SimulatedLoss < 0 || c.SimulatedLoss > 100:
		return errors.Errorf("simulated_loss must be within 0..100, got %d", c.SimulatedLoss)
	case c.RecvBufferSize <= 0 || c.InboxSize <= 0:
		return errors.New("recv_buffer_size and inbox_size must be positive")
	case c.PollInterval <= 0:
		return errors.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
