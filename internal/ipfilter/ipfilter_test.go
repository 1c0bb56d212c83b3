package ipfilter

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseNetworks(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"single IP", []string{"192.168.1.1"}, 1, false},
		{"CIDR and whitespace", []string{" 10.0.0.0/8 ", "", "::1"}, 2, false},
		{"invalid IP", []string{"10.0.0.300"}, 0, true},
		{"invalid CIDR", []string{"10.0.0.0/40"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNetworks(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNetworks() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("ParseNetworks() = %d networks, want %d", len(got), tt.want)
			}
		})
	}
}

func TestNewSkipsInvalid(t *testing.T) {
	f := New([]string{"192.168.1.1", "nonsense", "10.0.0.0/8"}, newTestLogger())
	if f.Count() != 2 {
		t.Errorf("Count() = %d, want 2", f.Count())
	}
	if New(nil, newTestLogger()).Enabled() {
		t.Error("empty filter should be disabled")
	}
}

func TestAllows(t *testing.T) {
	f := New([]string{"192.168.1.1", "10.0.0.0/8", "2001:db8::/32"}, newTestLogger())
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"10.20.30.40", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}
	for _, tt := range tests {
		if got := f.Allows(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Allows(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
	if !f.AllowsAddr("10.1.1.1:5555") || f.AllowsAddr("garbage") {
		t.Error("AllowsAddr() mismatch")
	}
}

func TestClientIP(t *testing.T) {
	f := New(nil, newTestLogger()).TrustProxies([]string{"127.0.0.1"})
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"direct", "203.0.113.5:1234", nil, "203.0.113.5"},
		{"spoofed header ignored", "203.0.113.5:1234", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "203.0.113.5"},
		{"trusted proxy xff", "127.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 127.0.0.1"}, "198.51.100.7"},
		{"trusted proxy real ip", "127.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.8"}, "198.51.100.8"},
		{"trusted proxy no header", "127.0.0.1:80", nil, "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := f.ClientIP(r); got.String() != tt.want {
				t.Errorf("ClientIP() = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		allowed []string
		remote  string
		want    int
	}{
		{"no filter", nil, "203.0.113.5:1", http.StatusOK},
		{"allowed", []string{"203.0.113.0/24"}, "203.0.113.5:1", http.StatusOK},
		{"denied", []string{"10.0.0.0/8"}, "203.0.113.5:1", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.allowed, newTestLogger()).Middleware(ok)
			r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
			r.RemoteAddr = tt.remote
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusForbidden && w.Body.String() != `{"error":"forbidden"}` {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}
}
