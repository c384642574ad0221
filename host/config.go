package host

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of a host process.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is the address published to the directory. Defaults to the bound address.
	AdvertiseAddr    string        `yaml:"advertise_addr"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// OnHeartbeatFailure is "exit" or "none".
	OnHeartbeatFailure string   `yaml:"on_heartbeat_failure"`
	LogLevel           string   `yaml:"log_level"`
	TLS                TLSFiles `yaml:"tls"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`

	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	DirectoryTTL  time.Duration `yaml:"directory_ttl"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:         "0.0.0.0:8080",
		OnHeartbeatFailure: "none",
		LogLevel:           "info",
		DirectoryTTL:       10 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.TLS.Enabled() && (c.TLS.CACert == "" || c.TLS.Cert == "" || c.TLS.Key == "") {
		return fmt.Errorf("tls requires ca_cert, cert and key")
	}
	if _, err := c.heartbeatFailureHandler(); err != nil {
		return err
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	return nil
}

// RegistryOptions are the registry options the config sets.
func (c Config) RegistryOptions() []proxy.Option {
	var opts []proxy.Option
	if c.RequestTimeout > 0 {
		opts = append(opts, proxy.WithRequestTimeout(c.RequestTimeout))
	}
	if c.RateLimit > 0 {
		burst := c.RateBurst
		if burst == 0 {
			burst = int(c.RateLimit) + 1
		}
		opts = append(opts, proxy.WithRateLimit(c.RateLimit, burst))
	}
	return opts
}

// Options are the host options the config sets.
func (c Config) Options() ([]Option, error) {
	opts := []Option{WithListenAddr(c.ListenAddr)}
	if c.LogLevel != "" {
		level, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		opts = append(opts, WithLogLevel(level))
	}
	handler, err := c.heartbeatFailureHandler()
	if err != nil {
		return nil, err
	}
	if c.HeartbeatTimeout > 0 && handler != nil {
		opts = append(opts,
			WithHeartbeatTimeout(c.HeartbeatTimeout),
			WithHeartbeatFailureHandler(handler),
		)
	}
	if c.TLS.Enabled() {
		tlsConfig, err := c.TLS.ServerConfig()
		if err != nil {
			return nil, fmt.Errorf("building server TLS config: %w", err)
		}
		opts = append(opts, WithTLS(tlsConfig))
	}
	return opts, nil
}

func (c Config) heartbeatFailureHandler() (func(), error) {
	switch c.OnHeartbeatFailure {
	case "exit":
		return HeartbeatFailureExit, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported on_heartbeat_failure %q", c.OnHeartbeatFailure)
}
