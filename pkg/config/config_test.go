package config_test

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/config"
)

// minimalEnv sets the two values without which Load must refuse to start.
func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("FAIRNESS_KEY", strings.Repeat("ab", 32))
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "INFO", cfg.Server.LogLevel)
	assert.Equal(t, config.ModeLongPolling, cfg.Telegram.Mode)
	assert.Equal(t, 25, cfg.Telegram.LongPollTimeoutSec)
	assert.Equal(t, config.Currency, cfg.Payments.Currency)
	assert.True(t, cfg.Payments.ReceiptEnabled)
	assert.Equal(t, config.StorageMemory, cfg.RNG.Storage)
	assert.Equal(t, config.BucketStoreMemory, cfg.Antifraud.Store)
	assert.Equal(t, int64(60), cfg.Antifraud.RetryAfter)
	assert.Equal(t, int64(3600), cfg.Antifraud.Ban.DefaultTTLSeconds)
	assert.Equal(t, 1, cfg.Dispatch.Workers)
	assert.Equal(t, 10_000, cfg.Dispatch.QueueSize)
	assert.Equal(t, int64(26*60*60), cfg.Dispatch.DedupTTLSeconds)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	minimalEnv(t)
	path := writeFile(t, `
server:
  listenAddr: ":9000"
payments:
  titlePrefix: "Vault | "
telegram:
  adminToken: file-admin
antifraud:
  ip:
    rps: 9
  retryAfter: 120
`)
	t.Setenv("PORT", "7070")
	t.Setenv("ANTIFRAUD_IP_RPS", "3.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.ListenAddr, "env wins over file")
	assert.Equal(t, 3.5, cfg.Antifraud.IP.RPS, "env wins over file")
	assert.Equal(t, "Vault | ", cfg.Payments.TitlePrefix, "file wins over default")
	assert.Equal(t, "file-admin", cfg.Telegram.AdminToken)
	assert.Equal(t, int64(120), cfg.Antifraud.RetryAfter)
	assert.Equal(t, float64(20), cfg.Antifraud.IP.Capacity, "untouched default survives")
}

func TestLoadBlankEnvDoesNotClobberFile(t *testing.T) {
	minimalEnv(t)
	path := writeFile(t, "telegram:\n  adminToken: keep-me\n")
	t.Setenv("ADMIN_TOKEN", "")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", cfg.Telegram.AdminToken)
}

func TestLoadPathLists(t *testing.T) {
	minimalEnv(t)
	t.Setenv("ANTIFRAUD_INCLUDE_PATHS", "/api/miniapp/invoice, /fairness/verify")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/miniapp/invoice", "/fairness/verify"}, cfg.Antifraud.IncludePaths)
}

func TestLoadRejectsMisconfiguration(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing fairness key",
			env:  map[string]string{"BOT_TOKEN": "123:abc"},
			want: "FAIRNESS_KEY",
		},
		{
			name: "missing bot token",
			env:  map[string]string{"FAIRNESS_KEY": strings.Repeat("ab", 32)},
			want: "botToken",
		},
		{
			name: "foreign currency",
			env: map[string]string{
				"BOT_TOKEN":         "123:abc",
				"FAIRNESS_KEY":      strings.Repeat("ab", 32),
				"PAYMENTS_CURRENCY": "USD",
			},
			want: "unsupported currency",
		},
		{
			name: "unknown mode",
			env: map[string]string{
				"BOT_TOKEN":     "123:abc",
				"FAIRNESS_KEY":  strings.Repeat("ab", 32),
				"TELEGRAM_MODE": "carrier_pigeon",
			},
			want: "mode",
		},
		{
			name: "webhook mode without secret",
			env: map[string]string{
				"BOT_TOKEN":     "123:abc",
				"FAIRNESS_KEY":  strings.Repeat("ab", 32),
				"TELEGRAM_MODE": config.ModeWebhook,
			},
			want: "webhookSecretToken",
		},
		{
			name: "unknown rng storage",
			env: map[string]string{
				"BOT_TOKEN":    "123:abc",
				"FAIRNESS_KEY": strings.Repeat("ab", 32),
				"RNG_STORAGE":  "tape",
			},
			want: "RNG_STORAGE",
		},
		{
			name: "db storage without url",
			env: map[string]string{
				"BOT_TOKEN":    "123:abc",
				"FAIRNESS_KEY": strings.Repeat("ab", 32),
				"RNG_STORAGE":  config.StorageDB,
			},
			want: "RNG_DB_URL",
		},
		{
			name: "redis store without addr",
			env: map[string]string{
				"BOT_TOKEN":       "123:abc",
				"FAIRNESS_KEY":    strings.Repeat("ab", 32),
				"ANTIFRAUD_STORE": config.BucketStoreRedis,
			},
			want: "redisAddr",
		},
		{
			name: "long poll window out of range",
			env: map[string]string{
				"BOT_TOKEN":                 "123:abc",
				"FAIRNESS_KEY":              strings.Repeat("ab", 32),
				"LONG_POLL_TIMEOUT_SECONDS": "90",
			},
			want: "longPollTimeoutSeconds",
		},
		{
			name: "unparseable number",
			env: map[string]string{
				"BOT_TOKEN":        "123:abc",
				"FAIRNESS_KEY":     strings.Repeat("ab", 32),
				"ANTIFRAUD_IP_RPS": "fast",
			},
			want: "not a number",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BOT_TOKEN", "")
			t.Setenv("FAIRNESS_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadReportsAllProblemsAtOnce(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("FAIRNESS_KEY", "")
	t.Setenv("PAYMENTS_CURRENCY", "EUR")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported currency")
	assert.Contains(t, err.Error(), "botToken")
	assert.Contains(t, err.Error(), "FAIRNESS_KEY")
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	minimalEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	minimalEnv(t)
	_, err := config.Load(writeFile(t, "telegram: [not a map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestDecodeFairnessKey(t *testing.T) {
	keyBytes := bytes.Repeat([]byte{0x5a}, 48)

	tests := []struct {
		name     string
		in       string
		encoding string
		want     []byte
	}{
		{
			name:     "hex",
			in:       strings.Repeat("ab", 32),
			encoding: "hex",
			want:     bytes.Repeat([]byte{0xab}, 32),
		},
		{
			name:     "hex at upper bound",
			in:       strings.Repeat("cd", 64),
			encoding: "hex",
			want:     bytes.Repeat([]byte{0xcd}, 64),
		},
		{
			name:     "padded base64",
			in:       base64.StdEncoding.EncodeToString(keyBytes),
			encoding: "base64",
			want:     keyBytes,
		},
		{
			name:     "unpadded base64",
			in:       base64.RawStdEncoding.EncodeToString(keyBytes),
			encoding: "base64",
			want:     keyBytes,
		},
		{
			name:     "passphrase",
			in:       "correct horse battery staple",
			encoding: "utf-8",
			want:     []byte("correct horse battery staple"),
		},
		{
			name:     "short hex falls back to raw bytes",
			in:       "deadbeef",
			encoding: "utf-8",
			want:     []byte("deadbeef"),
		},
		{
			name:     "oversized hex falls back to raw bytes",
			in:       strings.Repeat("ef", 80),
			encoding: "utf-8",
			want:     []byte(strings.Repeat("ef", 80)),
		},
		{
			name:     "surrounding whitespace trimmed",
			in:       "  a key with spaces inside \n",
			encoding: "utf-8",
			want:     []byte("a key with spaces inside"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, encoding, err := config.DecodeFairnessKey(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.encoding, encoding)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("empty", func(t *testing.T) {
		_, _, err := config.DecodeFairnessKey("   ")
		require.ErrorIs(t, err, config.ErrFairnessKeyMissing)
	})
}

func TestFairnessKeyFromConfig(t *testing.T) {
	minimalEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	key, err := cfg.FairnessKey()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 32), key)
}
