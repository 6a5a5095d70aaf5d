package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCacheName is the current cache generation. Bump it to replace the cache.
	DefaultCacheName = "app-cache-v8"
	DefaultDB        = "cache.db"
)

// DefaultAppShell lists the resources needed to open the app offline.
var DefaultAppShell = []string{"./index.html"}

type Config struct {
	CacheName    string   `yaml:"cacheName" env:"OFFLINE_CACHE_NAME"`
	AppShell     []string `yaml:"appShell" env:"OFFLINE_CACHE_APP_SHELL" envSeparator:","`
	Origin       string   `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	SkipWaiting  bool     `yaml:"skipWaiting" env:"OFFLINE_CACHE_SKIP_WAITING"`
	ClaimClients bool     `yaml:"claimClients" env:"OFFLINE_CACHE_CLAIM_CLIENTS"`
	DB           string   `yaml:"db" env:"OFFLINE_CACHE_DB"`
	OtelEndpoint string   `yaml:"otelEndpoint" env:"OFFLINE_CACHE_OTEL_ENDPOINT"`
}

func Default() Config {
	return Config{
		CacheName:    DefaultCacheName,
		AppShell:     append([]string(nil), DefaultAppShell...),
		SkipWaiting:  true,
		ClaimClients: true,
		DB:           DefaultDB,
	}
}

// Load starts from the defaults, applies the YAML file (if filename is set)
// and then the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// Validate checks the settings needed to run the proxy.
func (c Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("cache name is empty")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin is not set")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("origin %q is not an http(s) url", c.Origin)
	}
	seen := make(map[string]struct{}, len(c.AppShell))
	for _, p := range c.AppShell {
		if _, ok := seen[p]; ok {
			return fmt.Errorf("app shell lists %s twice", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// OriginURL returns the parsed origin. Call Validate first.
func (c Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}
