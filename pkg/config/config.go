// Package config assembles the gateway configuration from defaults, an
// optional YAML file, and environment variables, in ascending precedence.
// Load surfaces misconfiguration as an error so the binary can refuse to
// start instead of limping with a broken key or currency.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Currency is the only settlement currency the gateway accepts.
const Currency = "XTR"

// Telegram ingestion modes.
const (
	ModeWebhook     = "webhook"
	ModeLongPolling = "long_polling"
)

// RNG journal backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageDB     = "db"
)

// Bucket store backends.
const (
	BucketStoreMemory = "memory"
	BucketStoreRedis  = "redis"
)

// ErrFairnessKeyMissing means FAIRNESS_KEY was not provided.
var ErrFairnessKeyMissing = errors.New("config: FAIRNESS_KEY is required")

// Config is the full gateway configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Antifraud AntifraudConfig `yaml:"antifraud"`
	RNG       RNGConfig       `yaml:"rng"`
	Cases     CasesConfig     `yaml:"cases"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener and process-level knobs.
type ServerConfig struct {
	ListenAddr             string `yaml:"listenAddr"`
	LogLevel               string `yaml:"logLevel"`
	ShutdownTimeoutSeconds int    `yaml:"shutdownTimeoutSeconds"`
}

// TelegramConfig selects the ingestion mode and carries platform credentials.
type TelegramConfig struct {
	BotToken           string `yaml:"botToken"`
	Mode               string `yaml:"mode"`
	WebhookPath        string `yaml:"webhookPath"`
	WebhookSecretToken string `yaml:"webhookSecretToken"`
	AdminToken         string `yaml:"adminToken"`
	PublicBaseURL      string `yaml:"publicBaseUrl"`
	LongPollTimeoutSec int    `yaml:"longPollTimeoutSeconds"`
}

// PaymentsConfig carries invoice and receipt settings.
type PaymentsConfig struct {
	Currency             string `yaml:"currency"`
	TitlePrefix          string `yaml:"titlePrefix"`
	ReceiptEnabled       bool   `yaml:"receiptEnabled"`
	BusinessConnectionID string `yaml:"businessConnectionId"`
}

// RateParams is one token-bucket dimension (per-IP or per-subject).
type RateParams struct {
	Enabled    bool    `yaml:"enabled"`
	RPS        float64 `yaml:"rps"`
	Capacity   float64 `yaml:"capacity"`
	TTLSeconds int64   `yaml:"ttlSeconds"`
}

// BanConfig controls administrative IP bans.
type BanConfig struct {
	DefaultTTLSeconds int64 `yaml:"defaultTtlSeconds"`
}

// AntifraudConfig drives the admission guard in front of public routes.
type AntifraudConfig struct {
	IP           RateParams `yaml:"ip"`
	Subject      RateParams `yaml:"subject"`
	TrustProxy   bool       `yaml:"trustProxy"`
	IncludePaths []string   `yaml:"includePaths"`
	ExcludePaths []string   `yaml:"excludePaths"`
	RetryAfter   int64      `yaml:"retryAfter"`
	Ban          BanConfig  `yaml:"ban"`
	Store        string     `yaml:"store"`
	RedisAddr    string     `yaml:"redisAddr"`
}

// DBConfig points the SQL journal at its database.
type DBConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// RNGConfig selects the draw-journal backend and holds the fairness key in
// its undecoded string form. Call FairnessKey for the key material.
type RNGConfig struct {
	Key     string   `yaml:"fairnessKey"`
	Storage string   `yaml:"storage"`
	DataDir string   `yaml:"dataDir"`
	DB      DBConfig `yaml:"db"`
}

// CasesConfig points at the case catalog document.
type CasesConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig sizes the update dispatcher.
type DispatchConfig struct {
	Workers         int   `yaml:"workers"`
	QueueSize       int   `yaml:"queueSize"`
	DedupTTLSeconds int64 `yaml:"dedupTtlSeconds"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sampleRate"`
	Environment string  `yaml:"environment"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the configuration used when neither the file nor the
// environment says otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:             ":8080",
			LogLevel:               "INFO",
			ShutdownTimeoutSeconds: 10,
		},
		Telegram: TelegramConfig{
			Mode:               ModeLongPolling,
			WebhookPath:        "/telegram/webhook",
			LongPollTimeoutSec: 25,
		},
		Payments: PaymentsConfig{
			Currency:       Currency,
			ReceiptEnabled: true,
		},
		Antifraud: AntifraudConfig{
			IP:         RateParams{Enabled: true, RPS: 5, Capacity: 20, TTLSeconds: 900},
			Subject:    RateParams{Enabled: true, RPS: 1, Capacity: 5, TTLSeconds: 900},
			RetryAfter: 60,
			Ban:        BanConfig{DefaultTTLSeconds: 3600},
			Store:      BucketStoreMemory,
		},
		RNG: RNGConfig{
			Storage: StorageMemory,
			DataDir: "data",
		},
		Dispatch: DispatchConfig{
			Workers:         1,
			QueueSize:       10_000,
			DedupTTLSeconds: 26 * 60 * 60,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is non-empty, then environment overrides. The result is validated;
// a non-nil error means the process must not start.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error

	setString("LISTEN_ADDR", &c.Server.ListenAddr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	setString("LOG_LEVEL", &c.Server.LogLevel)
	setInt("SHUTDOWN_TIMEOUT_SECONDS", &c.Server.ShutdownTimeoutSeconds, &errs)

	setString("BOT_TOKEN", &c.Telegram.BotToken)
	setString("TELEGRAM_MODE", &c.Telegram.Mode)
	setString("WEBHOOK_PATH", &c.Telegram.WebhookPath)
	setString("WEBHOOK_SECRET_TOKEN", &c.Telegram.WebhookSecretToken)
	setString("ADMIN_TOKEN", &c.Telegram.AdminToken)
	setString("PUBLIC_BASE_URL", &c.Telegram.PublicBaseURL)
	setInt("LONG_POLL_TIMEOUT_SECONDS", &c.Telegram.LongPollTimeoutSec, &errs)

	setString("PAYMENTS_CURRENCY", &c.Payments.Currency)
	setString("PAYMENTS_TITLE_PREFIX", &c.Payments.TitlePrefix)
	setBool("PAYMENTS_RECEIPT_ENABLED", &c.Payments.ReceiptEnabled, &errs)
	setString("BUSINESS_CONNECTION_ID", &c.Payments.BusinessConnectionID)

	setBool("ANTIFRAUD_IP_ENABLED", &c.Antifraud.IP.Enabled, &errs)
	setFloat("ANTIFRAUD_IP_RPS", &c.Antifraud.IP.RPS, &errs)
	setFloat("ANTIFRAUD_IP_CAPACITY", &c.Antifraud.IP.Capacity, &errs)
	setInt64("ANTIFRAUD_IP_TTL_SECONDS", &c.Antifraud.IP.TTLSeconds, &errs)
	setBool("ANTIFRAUD_SUBJECT_ENABLED", &c.Antifraud.Subject.Enabled, &errs)
	setFloat("ANTIFRAUD_SUBJECT_RPS", &c.Antifraud.Subject.RPS, &errs)
	setFloat("ANTIFRAUD_SUBJECT_CAPACITY", &c.Antifraud.Subject.Capacity, &errs)
	setInt64("ANTIFRAUD_SUBJECT_TTL_SECONDS", &c.Antifraud.Subject.TTLSeconds, &errs)
	setBool("ANTIFRAUD_TRUST_PROXY", &c.Antifraud.TrustProxy, &errs)
	setStrings("ANTIFRAUD_INCLUDE_PATHS", &c.Antifraud.IncludePaths)
	setStrings("ANTIFRAUD_EXCLUDE_PATHS", &c.Antifraud.ExcludePaths)
	setInt64("ANTIFRAUD_RETRY_AFTER", &c.Antifraud.RetryAfter, &errs)
	setInt64("ANTIFRAUD_BAN_DEFAULT_TTL_SECONDS", &c.Antifraud.Ban.DefaultTTLSeconds, &errs)
	setString("ANTIFRAUD_STORE", &c.Antifraud.Store)
	setString("ANTIFRAUD_REDIS_ADDR", &c.Antifraud.RedisAddr)

	setString("FAIRNESS_KEY", &c.RNG.Key)
	setString("RNG_STORAGE", &c.RNG.Storage)
	setString("RNG_DATA_DIR", &c.RNG.DataDir)
	setString("RNG_DB_URL", &c.RNG.DB.URL)
	setString("RNG_DB_USER", &c.RNG.DB.User)
	setString("RNG_DB_PASSWORD", &c.RNG.DB.Password)

	setString("CASES_PATH", &c.Cases.Path)

	setInt("DISPATCH_WORKERS", &c.Dispatch.Workers, &errs)
	setInt("DISPATCH_QUEUE_SIZE", &c.Dispatch.QueueSize, &errs)
	setInt64("DISPATCH_DEDUP_TTL_SECONDS", &c.Dispatch.DedupTTLSeconds, &errs)

	setBool("OTEL_ENABLED", &c.Telemetry.Enabled, &errs)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	setFloat("OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate, &errs)
	setString("ENVIRONMENT", &c.Telemetry.Environment)
	setBool("OTEL_INSECURE", &c.Telemetry.Insecure, &errs)

	return errors.Join(errs...)
}

// Validate reports every startup-fatal problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Payments.Currency != Currency {
		errs = append(errs, fmt.Errorf("config: unsupported currency %q, only %s is supported", c.Payments.Currency, Currency))
	}
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		errs = append(errs, errors.New("config: botToken is required"))
	}
	switch c.Telegram.Mode {
	case ModeWebhook:
		if strings.TrimSpace(c.Telegram.WebhookSecretToken) == "" {
			errs = append(errs, errors.New("config: webhookSecretToken is required in webhook mode"))
		}
		if !strings.HasPrefix(c.Telegram.WebhookPath, "/") {
			errs = append(errs, fmt.Errorf("config: webhookPath %q must start with /", c.Telegram.WebhookPath))
		}
	case ModeLongPolling:
	default:
		errs = append(errs, fmt.Errorf("config: mode %q is not one of %s, %s", c.Telegram.Mode, ModeWebhook, ModeLongPolling))
	}
	if c.Telegram.LongPollTimeoutSec < 1 || c.Telegram.LongPollTimeoutSec > 50 {
		errs = append(errs, fmt.Errorf("config: longPollTimeoutSeconds %d outside 1..50", c.Telegram.LongPollTimeoutSec))
	}

	if _, _, err := DecodeFairnessKey(c.RNG.Key); err != nil {
		errs = append(errs, err)
	}
	switch c.RNG.Storage {
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(c.RNG.DataDir) == "" {
			errs = append(errs, errors.New("config: RNG_DATA_DIR is required for file storage"))
		}
	case StorageDB:
		if strings.TrimSpace(c.RNG.DB.URL) == "" {
			errs = append(errs, errors.New("config: RNG_DB_URL is required for db storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: RNG_STORAGE %q is not one of %s, %s, %s", c.RNG.Storage, StorageMemory, StorageFile, StorageDB))
	}

	switch c.Antifraud.Store {
	case BucketStoreMemory:
	case BucketStoreRedis:
		if strings.TrimSpace(c.Antifraud.RedisAddr) == "" {
			errs = append(errs, errors.New("config: redisAddr is required for the redis bucket store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: antifraud store %q is not one of %s, %s", c.Antifraud.Store, BucketStoreMemory, BucketStoreRedis))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("config: sampleRate %v outside 0..1", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// FairnessKey returns the decoded key material for the RNG engine.
func (c *Config) FairnessKey() ([]byte, error) {
	key, _, err := DecodeFairnessKey(c.RNG.Key)
	return key, err
}

// DecodeFairnessKey resolves key material from its configured string form.
// Hex is tried first, then standard and unpadded base64; either is accepted
// only when it decodes to 32..64 bytes, which keeps short passphrases that
// merely look encoded from being mangled. Anything else is used as raw
// UTF-8 bytes. The second return names the detected encoding for log lines.
func DecodeFairnessKey(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrFairnessKeyMissing
	}
	if b, err := hex.DecodeString(s); err == nil && keySized(b) {
		return b, "hex", nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil && keySized(b) {
			return b, "base64", nil
		}
	}
	return []byte(s), "utf-8", nil
}

func keySized(b []byte) bool {
	return len(b) >= 32 && len(b) <= 64
}

// Empty environment values count as unset so that a blank export never
// clobbers a file value.
func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setBool(key string, dst *bool, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
		return
	}
	*dst = parsed
}

func setInt(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return
	}
	*dst = parsed
}

func setInt64(key string, dst *int64, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return
	}
	*dst = parsed
}

func setFloat(key string, dst *float64, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not a number", key, v))
		return
	}
	*dst = parsed
}
