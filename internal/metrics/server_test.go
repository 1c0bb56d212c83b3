package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.RunsTotal.WithLabelValues("finalized").Inc()

	tests := []struct {
		name    string
		allowed []string
		remote  string
		path    string
		want    int
	}{
		{"open metrics", nil, "203.0.113.5:1", "/metrics", http.StatusOK},
		{"allowed", []string{"10.0.0.0/8"}, "10.1.2.3:1", "/metrics", http.StatusOK},
		{"denied", []string{"10.0.0.0/8"}, "203.0.113.5:1", "/metrics", http.StatusForbidden},
		{"health unfiltered", []string{"10.0.0.0/8"}, "203.0.113.5:1", "/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ":0", "", tt.allowed, logger)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.path == "/metrics" && tt.want == http.StatusOK && !strings.Contains(w.Body.String(), "wadispatch_runs_total") {
				t.Error("metrics body missing wadispatch_runs_total")
			}
		})
	}
}
