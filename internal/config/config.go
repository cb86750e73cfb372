package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/picatz/dohrelay/pkg/upstream"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "DOHRELAY_"

// ProxyNginx as fallback.proxy_url serves a stock nginx welcome page.
const ProxyNginx = "nginx"

// Config holds the relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Token     string          `yaml:"token"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	IPInfo    IPInfoConfig    `yaml:"ip_info"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds the default upstream and the outbound client settings
type UpstreamConfig struct {
	Default           string        `yaml:"default"`            // host or URL of the default DoH server
	DoHPath           string        `yaml:"doh_path"`           // single path segment the relay listens on
	Timeout           time.Duration `yaml:"timeout"`            // per upstream call
	MaxConcurrent     int64         `yaml:"max_concurrent"`     // 0 means GOMAXPROCS*64
	BootstrapResolver string        `yaml:"bootstrap_resolver"` // host:port used to resolve upstream hosts
	UserAgent         string        `yaml:"user_agent"`         // sent when clients send none
}

// FallbackConfig controls what unmatched requests get
type FallbackConfig struct {
	RedirectURL string `yaml:"redirect_url"`
	ProxyURL    string `yaml:"proxy_url"` // "nginx" or a list of URLs
}

// IPInfoConfig holds IP geolocation settings
type IPInfoConfig struct {
	Path     string `yaml:"path"`
	Endpoint string `yaml:"endpoint"`
	Lang     string `yaml:"lang"`
	RetryMax int    `yaml:"retry_max"`
	CityDB   string `yaml:"city_db"` // MaxMind City database; replaces the remote endpoint
	ASNDB    string `yaml:"asn_db"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file, then applies the
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration and applies defaults and environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration from defaults and the
// environment only. The result still needs Validate.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return cfg
}

// applyEnv overrides fields with the DOHRELAY_* environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	set("DOH", &c.Upstream.Default)
	set("PATH", &c.Upstream.DoHPath)
	set("TOKEN", &c.Token)
	set("URL302", &c.Fallback.RedirectURL)
	set("URL", &c.Fallback.ProxyURL)
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	// Upstream defaults
	if c.Upstream.Default == "" {
		c.Upstream.Default = "cloudflare-dns.com"
	}
	c.Upstream.DoHPath = NormalizeDoHPath(c.Upstream.DoHPath)
	if c.Upstream.DoHPath == "" {
		c.Upstream.DoHPath = "dns-query"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = upstream.DefaultTimeout
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "DoH Client"
	}

	// IP info defaults
	if c.IPInfo.Path == "" {
		c.IPInfo.Path = "/ip-info"
	}
	if c.IPInfo.Endpoint == "" {
		c.IPInfo.Endpoint = "http://ip-api.com/json/"
	}
	if c.IPInfo.Lang == "" {
		c.IPInfo.Lang = "zh-CN"
	}
	if c.IPInfo.RetryMax == 0 {
		c.IPInfo.RetryMax = 2
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dohrelay"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// NormalizeDoHPath reduces a configured DoH path such as "/dns-query" or
// "dns-query/" to its first path segment.
func NormalizeDoHPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}

	if _, err := upstream.Parse(c.Upstream.Default); err != nil {
		return fmt.Errorf("upstream.default: %w", err)
	}
	if c.Upstream.DoHPath == "" || strings.Contains(c.Upstream.DoHPath, "/") {
		return fmt.Errorf("upstream.doh_path must be a single path segment, got %q", c.Upstream.DoHPath)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxConcurrent < 0 {
		return fmt.Errorf("upstream.max_concurrent cannot be negative")
	}

	if c.Token != "" && strings.ContainsAny(c.Token, "/;, \t\r\n") {
		return fmt.Errorf("token cannot contain '/', ';', ',' or whitespace")
	}

	if c.Fallback.RedirectURL != "" {
		if _, err := url.Parse(c.Fallback.RedirectURL); err != nil {
			return fmt.Errorf("fallback.redirect_url: %w", err)
		}
	}
	for _, target := range c.ProxyTargets() {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return fmt.Errorf("fallback.proxy_url: invalid target %q", target)
		}
	}

	if !strings.HasPrefix(c.IPInfo.Path, "/") {
		return fmt.Errorf("ip_info.path must start with '/'")
	}
	if c.IPInfo.CityDB == "" {
		if u, err := url.Parse(c.IPInfo.Endpoint); err != nil || u.Host == "" {
			return fmt.Errorf("ip_info.endpoint must be an absolute URL")
		}
	}
	if c.IPInfo.RetryMax < 0 {
		return fmt.Errorf("ip_info.retry_max cannot be negative")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Telemetry.PrometheusEnabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.prometheus_port: %d", c.Telemetry.PrometheusPort)
	}

	return nil
}

// ProxyTargets returns the URLs of fallback.proxy_url. The list may be
// separated by commas, newlines, tabs, pipes or quotes. It is empty
// when proxying is off or set to the nginx page.
func (c *Config) ProxyTargets() []string {
	if c.Fallback.ProxyURL == "" || strings.EqualFold(c.Fallback.ProxyURL, ProxyNginx) {
		return nil
	}

	fields := strings.FieldsFunc(c.Fallback.ProxyURL, func(r rune) bool {
		switch r {
		case ',', '\t', '|', '"', '\'', '\r', '\n':
			return true
		}
		return false
	})

	targets := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			targets = append(targets, field)
		}
	}

	return targets
}

// ServesNginx reports whether unmatched requests get the nginx page.
func (c *Config) ServesNginx() bool {
	return strings.EqualFold(c.Fallback.ProxyURL, ProxyNginx)
}
