package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the REST gateway settings.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	NodeRPCURL    string              `yaml:"nodeRpcUrl"`
	NodeRPCToken  string              `yaml:"nodeRpcTokenEnv"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	LogRequests   bool   `yaml:"logRequests"`
	Enabled       bool   `yaml:"enabled"`
}

type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	HMACSecretEnv string        `yaml:"hmacSecretEnv"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ScopeClaim    string        `yaml:"scopeClaim"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

// HMACSecret resolves the JWT signing secret from the configured environment
// variable.
func (a AuthConfig) HMACSecret() (string, error) {
	if !a.Enabled {
		return "", nil
	}
	env := strings.TrimSpace(a.HMACSecretEnv)
	if env == "" {
		return "", errors.New("gateway config: auth enabled without hmacSecretEnv")
	}
	secret := strings.TrimSpace(os.Getenv(env))
	if secret == "" {
		return "", fmt.Errorf("gateway config: environment variable %s is empty", env)
	}
	return secret, nil
}

// Load reads and validates the gateway configuration from the given path.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8081",
		NodeRPCURL:    "http://127.0.0.1:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("gateway config: listen address required")
	}
	target, err := url.Parse(strings.TrimSpace(c.NodeRPCURL))
	if err != nil {
		return fmt.Errorf("gateway config: invalid node RPC URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return errors.New("gateway config: node RPC URL must include scheme and host")
	}
	for _, limit := range c.RateLimits {
		if strings.TrimSpace(limit.ID) == "" {
			return errors.New("gateway config: rate limit id required")
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("gateway config: rate limit %s must allow at least one request", limit.ID)
		}
	}
	return nil
}
