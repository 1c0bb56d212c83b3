package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/wadispatch/internal/api"
	"github.com/foxzi/wadispatch/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32} {
		if got := generateRandomString(length); len(got) != length {
			t.Errorf("generateRandomString(%d) returned length %d", length, len(got))
		}
	}
	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func TestSplitIDs(t *testing.T) {
	got := splitIDs(" 1001, ,1002,")
	if len(got) != 2 || got[0] != "1001" || got[1] != "1002" {
		t.Errorf("splitIDs() = %v", got)
	}
	if splitIDs("") != nil {
		t.Error("splitIDs(\"\") should be empty")
	}
}

func setInitFlags() {
	initBusinessID = "waba-1"
	initPhoneIDs = "1001,1002"
	initBackupIDs = "1003"
	initTimezone = "Asia/Kolkata"
	initDeliveryTime = "06:30"
	initDataDir = "/var/lib/wadispatch"
	initAPIKey = "operator-key"
	initVerifyToken = "verify-me"
	initHashKey = false
}

func TestGenerateConfig(t *testing.T) {
	setInitFlags()

	content, err := generateConfig()
	if err != nil {
		t.Fatalf("generateConfig() error = %v", err)
	}

	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("generated config does not parse: %v\n%s", err, content)
	}

	if len(cfg.Numbers) != 3 {
		t.Fatalf("numbers = %d, want 3", len(cfg.Numbers))
	}
	if !cfg.Numbers[2].IsBackup() || cfg.Numbers[2].PhoneNumberID != "1003" {
		t.Errorf("backup number = %+v", cfg.Numbers[2])
	}
	if cfg.API.APIKey != "operator-key" || cfg.Webhook.VerifyToken != "verify-me" {
		t.Errorf("credentials not written: %+v %+v", cfg.API, cfg.Webhook)
	}
	if cfg.Scheduler.DeliveryTime != "06:30" || cfg.Scheduler.Timezone != "Asia/Kolkata" {
		t.Errorf("schedule = %s %s", cfg.Scheduler.DeliveryTime, cfg.Scheduler.Timezone)
	}
	if cfg.CloudAPI.BusinessAccountID != "waba-1" {
		t.Errorf("business account = %q", cfg.CloudAPI.BusinessAccountID)
	}
}

func TestGenerateConfigHashedKey(t *testing.T) {
	setInitFlags()
	initHashKey = true
	defer func() { initHashKey = false }()

	content, err := generateConfig()
	if err != nil {
		t.Fatalf("generateConfig() error = %v", err)
	}
	if strings.Contains(content, "operator-key") {
		t.Error("plain API key should not be written when hashing")
	}

	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.API.APIKeyHash), []byte("operator-key")); err != nil {
		t.Errorf("api_key_hash does not match: %v", err)
	}
}

func TestAPIClient(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/broadcast":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"run_id":"run-1","status":"started"}`))
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"no active run"}`))
		}
	}))
	defer srv.Close()

	apiURL = srv.URL
	defer func() { apiURL = "" }()

	c := newAPIClient(&config.APIConfig{APIKey: "k1"})

	var resp api.BroadcastResponse
	if err := c.do(context.Background(), http.MethodPost, "/api/v1/broadcast", nil, &resp); err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if resp.RunID != "run-1" || gotKey != "k1" {
		t.Errorf("resp = %+v, key = %q", resp, gotKey)
	}

	err := c.do(context.Background(), http.MethodPost, "/api/v1/broadcast/cancel", nil, &resp)
	if err == nil || !strings.Contains(err.Error(), "no active run") {
		t.Errorf("do() error = %v, want API error", err)
	}
}

func TestNewAPIClientDerivesURL(t *testing.T) {
	c := newAPIClient(&config.APIConfig{ListenAddr: ":8080"})
	if c.baseURL != "http://127.0.0.1:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
