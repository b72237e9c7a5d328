package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token lifetimes fixed by design.
const (
	DefaultAccessTTL = 10 * time.Minute
	DefaultIDTTL     = time.Hour
)

// Config captures the full service configuration loaded from YAML plus
// environment overrides.
type Config struct {
	Server         ServerConfig          `yaml:"server"`
	OidcClients    []ClientConfig        `yaml:"oidc_clients"`
	TrustedIssuers []TrustedIssuerConfig `yaml:"trusted_issuers"`
	Users          []UserConfig          `yaml:"users"`
}

// ServerConfig controls listener, TLS, and identity concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	Audience        string    `yaml:"audience"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ClientConfig describes a registered OIDC client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// TrustedIssuerConfig describes an external identity provider whose tokens
// this service accepts.
type TrustedIssuerConfig struct {
	Issuer     string   `yaml:"issuer"`
	JWKSURL    string   `yaml:"jwks_url"`
	Algorithms []string `yaml:"algorithms"`
	Audiences  []string `yaml:"audiences"`
}

// UserConfig describes an embedded directory user. PasswordHash is a bcrypt
// hash; plaintext passwords never appear in configuration.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Mid          string `yaml:"mid"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			Audience:        "medatarun",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MEDATARUN_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"MEDATARUN_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"MEDATARUN_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"MEDATARUN_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MEDATARUN_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MEDATARUN_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"MEDATARUN_AUDIENCE":          func(v string) { cfg.Server.Audience = v },
		"MEDATARUN_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MEDATARUN_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
	}
	for key, apply := range overrides {
		if v, ok := os.LookupEnv(key); ok {
			apply(v)
		}
	}
}

// Validate checks configuration invariants before startup.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must be an absolute http(s) URL")
	}
	if c.Server.Audience == "" {
		return fmt.Errorf("server.audience is required")
	}
	for i, client := range c.OidcClients {
		if client.ClientID == "" {
			return fmt.Errorf("oidc_clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("oidc_clients[%d]: at least one redirect_uri is required", i)
		}
	}
	for i, trust := range c.TrustedIssuers {
		if trust.Issuer == "" {
			return fmt.Errorf("trusted_issuers[%d]: issuer is required", i)
		}
		if len(trust.Algorithms) == 0 {
			return fmt.Errorf("trusted_issuers[%d]: at least one algorithm is required", i)
		}
		if len(trust.Audiences) == 0 {
			return fmt.Errorf("trusted_issuers[%d]: at least one audience is required", i)
		}
	}
	for i, user := range c.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password_hash is required", i)
		}
	}
	return nil
}

// WriteTemplate writes a starter configuration to path.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := DefaultConfig()
	cfg.OidcClients = []ClientConfig{{
		ClientID:     "medatarun-admin",
		RedirectURIs: []string{"http://localhost:8080/cb"},
	}}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
