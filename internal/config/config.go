// Package config loads the TOML configuration shared by the server and the
// send command.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailexchange/internal/cache"
	"github.com/busybox42/mailexchange/internal/delivery"
	"github.com/busybox42/mailexchange/internal/logging"
	"github.com/busybox42/mailexchange/internal/mailstore"
	"github.com/busybox42/mailexchange/internal/smtp"
	"github.com/busybox42/mailexchange/internal/transport"
)

const maxConfigFileSize = 1 << 20

// ErrNoConfigFile is returned by FindConfigFile when no location has a file.
var ErrNoConfigFile = errors.New("no config file found")

// Duration reads Go duration strings such as "30s" from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ServerConfig struct {
	Hostname       string   `toml:"hostname"`
	Listen         string   `toml:"listen"`
	CertFile       string   `toml:"cert_file"`
	KeyFile        string   `toml:"key_file"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	SessionTimeout Duration `toml:"session_timeout"`
	MaxCommands    int      `toml:"max_commands"`
	MaxSessions    int      `toml:"max_sessions"`
	MaxSize        int64    `toml:"max_size"`
}

type StoreConfig struct {
	Type     string `toml:"type"`
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
	Migrate  bool   `toml:"migrate"`
}

type DeliveryConfig struct {
	LocalName   string   `toml:"local_name"`
	Port        int      `toml:"port"`
	MaxAttempts int      `toml:"max_attempts"`
	RetryDelay  Duration `toml:"retry_delay"`
	DialTimeout Duration `toml:"dial_timeout"`
	ReadTimeout Duration `toml:"read_timeout"`
	Resolver    string   `toml:"resolver"`
	Nameservers []string `toml:"nameservers"`
	Concurrency int      `toml:"concurrency"`
}

type CacheConfig struct {
	Type     string   `toml:"type"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Password string   `toml:"password"`
	Database int      `toml:"database"`
	TTL      Duration `toml:"ttl"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

type MetricsConfig struct {
	Listen     string `toml:"listen"`
	ValkeyAddr string `toml:"valkey_addr"`
}

// Config is the whole configuration file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Delivery DeliveryConfig `toml:"delivery"`
	Cache    CacheConfig    `toml:"cache"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `toml:"-"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":25"
	cfg.Server.CertFile = "fullchain1.pem"
	cfg.Server.KeyFile = "privkey1.pem"
	cfg.Server.ReadTimeout = Duration{5 * time.Minute}
	cfg.Server.WriteTimeout = Duration{time.Minute}
	cfg.Server.SessionTimeout = Duration{30 * time.Minute}
	cfg.Server.MaxCommands = 1000
	cfg.Server.MaxSessions = 100
	cfg.Server.MaxSize = 25 * 1024 * 1024

	cfg.Store.Type = "pgx"
	cfg.Store.MaxConns = 5

	cfg.Delivery.Port = delivery.DefaultPort
	cfg.Delivery.MaxAttempts = delivery.DefaultMaxAttempts
	cfg.Delivery.DialTimeout = Duration{30 * time.Second}
	cfg.Delivery.ReadTimeout = Duration{5 * time.Minute}
	cfg.Delivery.Resolver = "dns"
	cfg.Delivery.Concurrency = 10

	cfg.Cache.Type = "memory"
	cfg.Cache.TTL = Duration{5 * time.Minute}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	return cfg
}

// FindConfigFile returns configPath if it exists, otherwise the first of the
// standard locations that does.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found at specified path: %s", configPath)
		}
		return configPath, nil
	}

	locations := []string{
		"./mailexchange.conf",
		"./config/mailexchange.conf",
		os.ExpandEnv("$HOME/.mailexchange.conf"),
		"/etc/mailexchange/mailexchange.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", ErrNoConfigFile
}

// LoadConfig reads the configuration, applies environment overrides and
// validates the result. Without an explicit path and without a file in the
// standard locations it returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	switch {
	case errors.Is(err, ErrNoConfigFile):
		cfg.applyEnv()
		return cfg, validated(cfg)
	case err != nil:
		return nil, err
	}

	info, err := os.Stat(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration %s: %w", configFile, err)
	}
	cfg.Source = configFile
	cfg.applyEnv()
	return cfg, validated(cfg)
}

func validated(cfg *Config) error {
	if result := cfg.Validate(); !result.Valid {
		return result
	}
	return nil
}

// applyEnv lets HOSTNAME and DATABASE_URL override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
}

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult collects every problem found in one pass.
type ValidationResult struct {
	Errors []ValidationError
	Valid  bool
}

func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

func (vr *ValidationResult) Error() string {
	msgs := make([]string, len(vr.Errors))
	for i, e := range vr.Errors {
		msgs[i] = e.Error()
	}
	return "configuration validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks the values that every command relies on.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	if c.Server.Hostname != "" && !isValidHostname(c.Server.Hostname) {
		result.AddError("server.hostname", c.Server.Hostname, "invalid hostname")
	}
	if c.Server.Listen != "" && !isValidListenAddress(c.Server.Listen) {
		result.AddError("server.listen", c.Server.Listen, "invalid listen address")
	}
	if c.Server.MaxCommands <= 0 {
		result.AddError("server.max_commands", c.Server.MaxCommands, "must be positive")
	}
	if c.Server.MaxSessions < 0 {
		result.AddError("server.max_sessions", c.Server.MaxSessions, "must not be negative")
	}
	if c.Server.MaxSize < 0 {
		result.AddError("server.max_size", c.Server.MaxSize, "must not be negative")
	}

	switch c.Store.Type {
	case "pgx", mailstore.DriverPostgres, mailstore.DriverSQLite, mailstore.DriverMySQL:
	default:
		result.AddError("store.type", c.Store.Type, "must be one of pgx, postgres, sqlite3, mysql")
	}

	if c.Delivery.Port <= 0 || c.Delivery.Port > 65535 {
		result.AddError("delivery.port", c.Delivery.Port, "must be a TCP port")
	}
	if c.Delivery.MaxAttempts <= 0 {
		result.AddError("delivery.max_attempts", c.Delivery.MaxAttempts, "must be positive")
	}
	if c.Delivery.RetryDelay.Duration < 0 {
		result.AddError("delivery.retry_delay", c.Delivery.RetryDelay, "must not be negative")
	}
	switch c.Delivery.Resolver {
	case "std", "dns":
	default:
		result.AddError("delivery.resolver", c.Delivery.Resolver, "must be std or dns")
	}
	for _, ns := range c.Delivery.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			result.AddError("delivery.nameservers", ns, "must be host:port")
		}
	}

	switch c.Cache.Type {
	case "", "none", "memory", "redis", "memcached":
	default:
		result.AddError("cache.type", c.Cache.Type, "must be none, memory, redis or memcached")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, err.Error())
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be json or text")
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	default:
		result.AddError("logging.output", c.Logging.Output, "must be stdout or stderr")
	}

	if c.Metrics.Listen != "" && !isValidListenAddress(c.Metrics.Listen) {
		result.AddError("metrics.listen", c.Metrics.Listen, "invalid listen address")
	}

	return result
}

// ValidateServer adds the settings only the receiving server needs.
func (c *Config) ValidateServer() error {
	result := c.Validate()
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
	}
	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		result.AddError("server.cert_file", c.Server.CertFile, "certificate and key files are required for STARTTLS")
	}
	if c.Store.DSN == "" {
		result.AddError("store.dsn", c.Store.DSN, "a store DSN is required (or set DATABASE_URL)")
	}
	if !result.Valid {
		return result
	}
	return nil
}

// SMTP builds the receiving server settings.
func (c *Config) SMTP() *smtp.Config {
	sc := smtp.DefaultConfig()
	sc.Hostname = c.Server.Hostname
	sc.ListenAddr = c.Server.Listen
	sc.Credentials = transport.FileCredentials{CertFile: c.Server.CertFile, KeyFile: c.Server.KeyFile}
	sc.ReadTimeout = c.Server.ReadTimeout.Duration
	sc.WriteTimeout = c.Server.WriteTimeout.Duration
	sc.SessionTimeout = c.Server.SessionTimeout.Duration
	sc.MaxCommands = c.Server.MaxCommands
	sc.MaxSessions = c.Server.MaxSessions
	sc.MaxSize = c.Server.MaxSize
	return sc
}

func (c *Config) MailStore() mailstore.Config {
	return mailstore.Config{
		Type:     c.Store.Type,
		DSN:      c.Store.DSN,
		MaxConns: c.Store.MaxConns,
		Migrate:  c.Store.Migrate,
	}
}

func (c *Config) CacheBackend() cache.Config {
	return cache.Config{
		Type:     c.Cache.Type,
		Host:     c.Cache.Host,
		Port:     c.Cache.Port,
		Password: c.Cache.Password,
		Database: c.Cache.Database,
	}
}

// LogSettings maps output "stderr" to os.Stderr and anything else to
// os.Stdout.
func (c *Config) LogSettings(service string) logging.Config {
	out := os.Stdout
	if c.Logging.Output == "stderr" {
		out = os.Stderr
	}
	return logging.Config{
		Level:   c.Logging.Level,
		Format:  c.Logging.Format,
		Output:  out,
		Service: service,
	}
}

// LocalName is the EHLO name, defaulting to the server hostname.
func (c *Config) LocalName() string {
	if c.Delivery.LocalName != "" {
		return c.Delivery.LocalName
	}
	return c.Server.Hostname
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}
	return hostnameRegex.MatchString(hostname)
}

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	return isValidHostname(host)
}
