package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MailWizz   MailWizzConfig   `yaml:"mailwizz"`
	Nodes      []NodeConfig     `yaml:"nodes"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Blacklist  BlacklistConfig  `yaml:"blacklist"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Downstream DownstreamConfig `yaml:"downstream"`
	RetryQueue RetryQueueConfig `yaml:"retry_queue"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the core PostgreSQL store configuration.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the counter-cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MailWizzConfig holds direct-MySQL access to the MailWizz database.
type MailWizzConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Database          string `yaml:"database"`
	FromName          string `yaml:"from_name"`
	InitialHourly     int    `yaml:"initial_hourly_quota"`
	MaxConnMessages   int    `yaml:"max_connection_messages"`
	DefaultCustomerID int64  `yaml:"default_customer_id"`
}

// NodeConfig describes one remote PowerMTA node.
type NodeConfig struct {
	NodeID     string   `yaml:"node_id"`
	Host       string   `yaml:"host"`
	User       string   `yaml:"user"`
	SSHKeyPath string   `yaml:"ssh_key_path"`
	SSHPort    int      `yaml:"ssh_port"`
	SMTPPort   int      `yaml:"smtp_port"`
	Domains    []string `yaml:"domains"`
	ConfigPath string   `yaml:"config_path"`
}

// WarmupConfig holds the safety thresholds (percentages) and pause windows.
type WarmupConfig struct {
	MaxBounceRate     float64 `yaml:"max_bounce_rate"`
	MaxSpamRate       float64 `yaml:"max_spam_rate"`
	EmergencyBounce   float64 `yaml:"emergency_bounce_rate"`
	EmergencySpam     float64 `yaml:"emergency_spam_rate"`
	PauseBounceHours  int     `yaml:"pause_bounce_hours"`
	PauseSpamHours    int     `yaml:"pause_spam_hours"`
	EmergencyStopDays int     `yaml:"emergency_stop_days"`
}

// PauseBounce returns the bounce pause window as a duration.
func (c WarmupConfig) PauseBounce() time.Duration {
	return time.Duration(c.PauseBounceHours) * time.Hour
}

// PauseSpam returns the spam pause window as a duration.
func (c WarmupConfig) PauseSpam() time.Duration {
	return time.Duration(c.PauseSpamHours) * time.Hour
}

// EmergencyStop returns the quarantine window as a duration.
func (c WarmupConfig) EmergencyStop() time.Duration {
	return time.Duration(c.EmergencyStopDays) * 24 * time.Hour
}

// RotationConfig holds IP lifecycle windows.
type RotationConfig struct {
	RestDays int `yaml:"rest_days"`
}

// Rest returns the post-retirement rest window as a duration.
func (c RotationConfig) Rest() time.Duration {
	return time.Duration(c.RestDays) * 24 * time.Hour
}

// BlacklistConfig holds RBL sweep settings.
type BlacklistConfig struct {
	Zones          []string `yaml:"zones"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the per-lookup resolver timeout.
func (c BlacklistConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds inbound webhook authentication settings.
type WebhookConfig struct {
	Secret     string   `yaml:"secret"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// TelegramConfig holds Bot API alert delivery settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// DownstreamConfig holds the signed bounce-feedback forward target.
type DownstreamConfig struct {
	BounceURL  string `yaml:"bounce_url"`
	HMACSecret string `yaml:"hmac_secret"`
}

// RetryQueueConfig holds the durable retry queue location.
type RetryQueueConfig struct {
	Dir        string `yaml:"dir"`
	MaxRetries int    `yaml:"max_retries"`
}

// DefaultBlacklistZones are the RBLs swept when none are configured.
var DefaultBlacklistZones = []string{
	"zen.spamhaus.org",
	"bl.spamcop.net",
	"b.barracudacentral.org",
	"dnsbl.sorbs.net",
	"spam.dnsbl.sorbs.net",
	"ips.backscatterer.org",
	"psbl.surriel.com",
	"dyna.spamrats.com",
	"all.s5h.net",
}

// Load reads and parses the configuration file and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.MailWizz.Host == "" {
		cfg.MailWizz.Host = "host.docker.internal"
	}
	if cfg.MailWizz.Port == 0 {
		cfg.MailWizz.Port = 3306
	}
	if cfg.MailWizz.User == "" {
		cfg.MailWizz.User = "mailwizz"
	}
	if cfg.MailWizz.Database == "" {
		cfg.MailWizz.Database = "mailwizz"
	}
	if cfg.MailWizz.FromName == "" {
		cfg.MailWizz.FromName = "Support"
	}
	if cfg.MailWizz.InitialHourly == 0 {
		cfg.MailWizz.InitialHourly = 1
	}
	if cfg.MailWizz.MaxConnMessages == 0 {
		cfg.MailWizz.MaxConnMessages = 50
	}
	if cfg.MailWizz.DefaultCustomerID == 0 {
		cfg.MailWizz.DefaultCustomerID = 1
	}
	for i := range cfg.Nodes {
		if cfg.Nodes[i].User == "" {
			cfg.Nodes[i].User = "root"
		}
		if cfg.Nodes[i].SSHPort == 0 {
			cfg.Nodes[i].SSHPort = 22
		}
		if cfg.Nodes[i].SMTPPort == 0 {
			cfg.Nodes[i].SMTPPort = 2525
		}
		if cfg.Nodes[i].ConfigPath == "" {
			cfg.Nodes[i].ConfigPath = "/etc/pmta/config"
		}
	}
	if cfg.Warmup.MaxBounceRate == 0 {
		cfg.Warmup.MaxBounceRate = 2.0
	}
	if cfg.Warmup.MaxSpamRate == 0 {
		cfg.Warmup.MaxSpamRate = 0.03
	}
	if cfg.Warmup.EmergencyBounce == 0 {
		cfg.Warmup.EmergencyBounce = 5.0
	}
	if cfg.Warmup.EmergencySpam == 0 {
		cfg.Warmup.EmergencySpam = 0.1
	}
	if cfg.Warmup.PauseBounceHours == 0 {
		cfg.Warmup.PauseBounceHours = 72
	}
	if cfg.Warmup.PauseSpamHours == 0 {
		cfg.Warmup.PauseSpamHours = 96
	}
	if cfg.Warmup.EmergencyStopDays == 0 {
		cfg.Warmup.EmergencyStopDays = 30
	}
	if cfg.Rotation.RestDays == 0 {
		cfg.Rotation.RestDays = 14
	}
	if len(cfg.Blacklist.Zones) == 0 {
		cfg.Blacklist.Zones = DefaultBlacklistZones
	}
	if cfg.Blacklist.TimeoutSeconds == 0 {
		cfg.Blacklist.TimeoutSeconds = 5
	}
	if cfg.RetryQueue.Dir == "" {
		cfg.RetryQueue.Dir = "/opt/coldsend/data"
	}
	if cfg.RetryQueue.MaxRetries == 0 {
		cfg.RetryQueue.MaxRetries = 10
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MAILWIZZ_DB_HOST"); v != "" {
		cfg.MailWizz.Host = v
	}
	if v := os.Getenv("MAILWIZZ_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.MailWizz.Port = p
		}
	}
	if v := os.Getenv("MAILWIZZ_DB_USER"); v != "" {
		cfg.MailWizz.User = v
	}
	if v := os.Getenv("MAILWIZZ_DB_PASSWORD"); v != "" {
		cfg.MailWizz.Password = v
	}
	if v := os.Getenv("MAILWIZZ_DB_NAME"); v != "" {
		cfg.MailWizz.Database = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("DOWNSTREAM_BOUNCE_URL"); v != "" {
		cfg.Downstream.BounceURL = v
	}
	if v := os.Getenv("DOWNSTREAM_HMAC_SECRET"); v != "" {
		cfg.Downstream.HMACSecret = v
	}
	if v := os.Getenv("RETRY_QUEUE_DIR"); v != "" {
		cfg.RetryQueue.Dir = v
	}

	return cfg, nil
}
