package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/wadispatch/internal/model"
)

const minimalConfig = `
numbers:
  - id: "primary-1"
    phone_number_id: "1000001"
source:
  file: "/tmp/cohort.yaml"
`

func TestLoad(t *testing.T) {
	content := `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"

cloud_api:
  access_token: "token"
  business_account_id: "waba-1"
  retry_delay: 1s

numbers:
  - id: "primary-1"
    phone_number_id: "1000001"
    display_number: "+91 90000 00001"
    daily_limit: 2000
    messages_per_second: 40
    quality: medium
  - id: "backup-1"
    phone_number_id: "1000002"
    role: backup

scheduler:
  timezone: "Asia/Kolkata"
  delivery_time: "06:30"
  batch_size: 25
  max_concurrent_batches: 4

source:
  type: file
  file: "/tmp/cohort.yaml"

storage:
  path: "/tmp/test.db"

logging:
  level: "debug"
  format: "text"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.CloudAPI.RetryDelay != time.Second {
		t.Errorf("CloudAPI.RetryDelay = %v, want 1s", cfg.CloudAPI.RetryDelay)
	}
	if len(cfg.Numbers) != 2 {
		t.Fatalf("len(Numbers) = %d, want 2", len(cfg.Numbers))
	}
	if cfg.Numbers[0].Quality != model.QualityMedium {
		t.Errorf("Numbers[0].Quality = %v, want MEDIUM", cfg.Numbers[0].Quality)
	}
	if !cfg.Numbers[1].IsBackup() {
		t.Error("Numbers[1] should be a backup")
	}
	if cfg.Numbers[1].DailyLimit != 1000 {
		t.Errorf("Numbers[1].DailyLimit = %d, want 1000", cfg.Numbers[1].DailyLimit)
	}
	if cfg.Scheduler.DeliveryTime != "06:30" {
		t.Errorf("Scheduler.DeliveryTime = %v, want 06:30", cfg.Scheduler.DeliveryTime)
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Errorf("Scheduler.BatchSize = %d, want 25", cfg.Scheduler.BatchSize)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %v, want text", cfg.Logging.Format)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"window", cfg.Scheduler.Window, 5 * time.Minute},
		{"batch_size", cfg.Scheduler.BatchSize, 50},
		{"inter_batch_delay", cfg.Scheduler.InterBatchDelay, 500 * time.Millisecond},
		{"max_concurrent", cfg.Scheduler.MaxConcurrentBatches, 10},
		{"max_retries", cfg.Scheduler.MaxRetries, 3},
		{"sla_target", cfg.Scheduler.SLATarget, 0.99},
		{"sla_alert", cfg.Scheduler.SLAAlertThreshold, 0.97},
		{"sla_interval", cfg.Scheduler.SLACheckInterval, 10 * time.Second},
		{"timezone", cfg.Scheduler.Timezone, "Asia/Kolkata"},
		{"delivery_time", cfg.Scheduler.DeliveryTime, "06:00"},
		{"block_rate", cfg.Quality.BlockRate, 0.02},
		{"report_rate", cfg.Quality.ReportRate, 0.01},
		{"failure_rate", cfg.Quality.FailureRate, 0.05},
		{"min_quality", cfg.Quality.MinQuality, model.QualityMedium},
		{"check_interval", cfg.Quality.CheckInterval, 5 * time.Minute},
		{"cloud_retries", cfg.CloudAPI.MaxRetries, 3},
		{"cloud_retry_after", cfg.CloudAPI.DefaultRetryAfter, 60 * time.Second},
		{"high_mps", cfg.RateLimits.High.MessagesPerSecond, 80},
		{"medium_mps", cfg.RateLimits.Medium.MessagesPerSecond, 50},
		{"low_daily", cfg.RateLimits.Low.MessagesPerDay, 1000},
		{"flagged_mps", cfg.RateLimits.Flagged.MessagesPerSecond, 0},
		{"source_type", cfg.Source.Type, "file"},
		{"role", cfg.Numbers[0].Role, "primary"},
		{"quality", cfg.Numbers[0].Quality, model.QualityHigh},
		{"default_language", cfg.Templates.DefaultLanguage, "en"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WA_ACCESS_TOKEN", "env-token")
	t.Setenv("WA_APP_SECRET", "env-secret")
	t.Setenv("WA_REDIS_ADDR", "redis:6380")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.CloudAPI.AccessToken != "env-token" {
		t.Errorf("AccessToken = %q, want env-token", cfg.CloudAPI.AccessToken)
	}
	if cfg.Webhook.AppSecret != "env-secret" {
		t.Errorf("AppSecret = %q, want env-secret", cfg.Webhook.AppSecret)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6380" {
		t.Errorf("Redis = %+v, want enabled at redis:6380", cfg.Redis)
	}
}

func TestRetriesCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + "scheduler:\n  max_retries: 0\ncloud_api:\n  max_retries: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Scheduler.MaxRetries != 0 {
		t.Errorf("Scheduler.MaxRetries = %d, want 0", cfg.Scheduler.MaxRetries)
	}
	if cfg.CloudAPI.MaxRetries != 0 {
		t.Errorf("CloudAPI.MaxRetries = %d, want 0", cfg.CloudAPI.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "no numbers",
			content: "source:\n  file: x\n",
			errPart: "at least one sending number",
		},
		{
			name: "duplicate number",
			content: `
numbers:
  - {id: a, phone_number_id: "1"}
  - {id: a, phone_number_id: "2"}
source: {file: x}
`,
			errPart: "duplicate number id",
		},
		{
			name: "bad role",
			content: `
numbers:
  - {id: a, phone_number_id: "1", role: spare}
source: {file: x}
`,
			errPart: "role must be primary or backup",
		},
		{
			name:    "bad delivery time",
			content: minimalConfig + "scheduler:\n  delivery_time: \"6am\"\n",
			errPart: "delivery_time",
		},
		{
			name:    "bad timezone",
			content: minimalConfig + "scheduler:\n  timezone: \"Mars/Olympus\"\n",
			errPart: "timezone",
		},
		{
			name:    "jitter too large",
			content: minimalConfig + "scheduler:\n  inter_batch_delay: 100ms\n  jitter_max: 200ms\n",
			errPart: "jitter_max",
		},
		{
			name:    "negative retries",
			content: minimalConfig + "scheduler:\n  max_retries: -1\n",
			errPart: "max_retries",
		},
		{
			name:    "bad log level",
			content: minimalConfig + "logging:\n  level: trace\n",
			errPart: "logging.level",
		},
		{
			name: "postgres without dsn",
			content: `
numbers:
  - {id: a, phone_number_id: "1"}
source: {type: postgres}
`,
			errPart: "postgres_dsn",
		},
		{
			name:    "bad quality",
			content: minimalConfig + "quality:\n  block_rate: 1.5\n",
			errPart: "block_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("error = %v, want containing %q", err, tt.errPart)
			}
		})
	}
}

func TestCronSpec(t *testing.T) {
	tests := map[string]string{
		"06:00": "0 6 * * *",
		"6:05":  "5 6 * * *",
		"23:59": "59 23 * * *",
	}
	for in, want := range tests {
		got, err := CronSpec(in)
		if err != nil {
			t.Fatalf("CronSpec(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("CronSpec(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := CronSpec("24:00"); err == nil {
		t.Error("expected error for 24:00")
	}
}

func TestRateLimitForQuality(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.RateLimits.ForQuality(model.QualityUnknown); got != cfg.RateLimits.Low {
		t.Errorf("ForQuality(UNKNOWN) = %+v, want LOW budget", got)
	}
	if got := cfg.RateLimits.ForQuality(model.QualityFlagged).MessagesPerSecond; got != 0 {
		t.Errorf("ForQuality(FLAGGED).MessagesPerSecond = %d, want 0", got)
	}
}
