package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Geofences GeofencesConfig `json:"geofences" yaml:"geofences"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	API       APIConfig       `json:"api" yaml:"api"`
	Query     QueryConfig     `json:"query" yaml:"query"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type GeofencesConfig struct {
	Path  string `json:"path" yaml:"path"`
	Watch bool   `json:"watch" yaml:"watch"`
}

type IngestConfig struct {
	Workers    int              `json:"workers" yaml:"workers"`
	StoreRetry StoreRetryConfig `json:"store_retry" yaml:"store_retry"`
	REST       RESTConfig       `json:"rest" yaml:"rest"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	FileTail   FileTailConfig   `json:"file_tail" yaml:"file_tail"`
}

// FileTailConfig follows newline-delimited JSON report files.
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Files      []string `json:"files" yaml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
}

type StoreRetryConfig struct {
	Attempts int           `json:"attempts" yaml:"attempts"`
	Backoff  time.Duration `json:"backoff" yaml:"backoff"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	Topic       string        `json:"topic" yaml:"topic"`
	GroupID     string        `json:"group_id" yaml:"group_id"`
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
}

type APIConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Addr       string  `json:"addr" yaml:"addr"`
	APIKey     string  `json:"api_key" yaml:"api_key"`
	APIKeyHash string  `json:"api_key_hash" yaml:"api_key_hash"`
	RateLimit  float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst  int     `json:"rate_burst" yaml:"rate_burst"`
}

type QueryConfig struct {
	SeedFromPrior bool `json:"seed_from_prior" yaml:"seed_from_prior"`
	RecentLimit   int  `json:"recent_limit" yaml:"recent_limit"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int              `json:"store_limit" yaml:"store_limit"`
	Kafka      AlertKafkaConfig `json:"kafka" yaml:"kafka"`
	Mail       MailConfig       `json:"mail" yaml:"mail"`
}

type AlertKafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type MailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	SMTPHost   string   `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort   int      `json:"smtp_port" yaml:"smtp_port"`
	Username   string   `json:"username" yaml:"username"`
	Password   string   `json:"password" yaml:"password"`
	From       string   `json:"from" yaml:"from"`
	Recipients []string `json:"recipients" yaml:"recipients"`
	// minimum gap between two mails for the same device and event
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			Workers:    4,
			StoreRetry: StoreRetryConfig{Attempts: 3, Backoff: 100 * time.Millisecond},
			REST:       RESTConfig{Enabled: false, Addr: ":8080"},
			Kafka: KafkaConfig{
				Enabled:     true,
				Brokers:     []string{"localhost:9092"},
				Topic:       "device_locations",
				GroupID:     "location-tracker-server",
				PollTimeout: 1 * time.Second,
			},
		},
		API:     APIConfig{Enabled: true, Addr: ":8000", RateLimit: 50, RateBurst: 100},
		Query:   QueryConfig{SeedFromPrior: false, RecentLimit: 100},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:location_tracker.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		Alerts: AlertsConfig{
			StoreLimit: 1000,
			Kafka:      AlertKafkaConfig{Enabled: false, Topic: "geofence_alerts"},
			Mail:       MailConfig{Enabled: false, SMTPPort: 587},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if cfg.Geofences.Path != "" && !filepath.IsAbs(cfg.Geofences.Path) {
		cfg.Geofences.Path = filepath.Join(filepath.Dir(path), cfg.Geofences.Path)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and GEOTRACK_* variables only.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GEOTRACK_* environment variables.
func ApplyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "GEOTRACK_LOG_LEVEL")
	setString(&cfg.LogFormat, "GEOTRACK_LOG_FORMAT")
	setString(&cfg.Geofences.Path, "GEOTRACK_GEOFENCES")
	setString(&cfg.Storage.Driver, "GEOTRACK_STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "GEOTRACK_STORAGE_DSN")
	setString(&cfg.API.Addr, "GEOTRACK_API_ADDR")
	setString(&cfg.API.APIKey, "GEOTRACK_API_KEY")
	setString(&cfg.API.APIKeyHash, "GEOTRACK_API_KEY_HASH")
	setString(&cfg.Ingest.Kafka.Topic, "GEOTRACK_KAFKA_TOPIC")
	setString(&cfg.Ingest.Kafka.GroupID, "GEOTRACK_KAFKA_GROUP")
	if v := strings.TrimSpace(os.Getenv("GEOTRACK_KAFKA_BROKERS")); v != "" {
		cfg.Ingest.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("GEOTRACK_INGEST_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEOTRACK_KAFKA_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingest.Kafka.Enabled = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEOTRACK_REST_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingest.REST.Enabled = b
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Ingest.StoreRetry.Attempts <= 0 {
		cfg.Ingest.StoreRetry.Attempts = 1
	}
	if cfg.Ingest.StoreRetry.Backoff <= 0 {
		cfg.Ingest.StoreRetry.Backoff = 100 * time.Millisecond
	}
	if cfg.Ingest.Kafka.PollTimeout <= 0 {
		cfg.Ingest.Kafka.PollTimeout = 1 * time.Second
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Alerts.Kafka.Enabled && len(cfg.Alerts.Kafka.Brokers) == 0 {
		cfg.Alerts.Kafka.Brokers = cfg.Ingest.Kafka.Brokers
	}
	if cfg.Query.RecentLimit <= 0 {
		cfg.Query.RecentLimit = 100
	}
	if cfg.API.RateBurst <= 0 && cfg.API.RateLimit > 0 {
		cfg.API.RateBurst = int(cfg.API.RateLimit)
		if cfg.API.RateBurst < 1 {
			cfg.API.RateBurst = 1
		}
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled {
		if cfg.API.Addr == "" {
			return errors.New("api.addr required when api.enabled is true")
		}
		if cfg.API.APIKey == "" && cfg.API.APIKeyHash == "" {
			return errors.New("api.api_key or api.api_key_hash required when api.enabled is true")
		}
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Alerts.Kafka.Enabled && cfg.Alerts.Kafka.Topic == "" {
		return errors.New("alerts.kafka.topic required when alerts.kafka.enabled is true")
	}
	if cfg.Alerts.Mail.Enabled {
		if cfg.Alerts.Mail.SMTPHost == "" || cfg.Alerts.Mail.From == "" || len(cfg.Alerts.Mail.Recipients) == 0 {
			return errors.New("alerts.mail requires smtp_host, from, recipients")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", cfg.Storage.Driver)
	}
	if cfg.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an already built config, e.g. one from FromEnv.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and calls onReload after each successful
// reload. Only settings read per operation (log level, query options) take
// effect without a restart.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
