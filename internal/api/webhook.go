package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/foxzi/wadispatch/internal/cloudapi"
)

// handleWebhookVerify handles the GET subscription handshake
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" || challenge == "" {
		sendError(w, http.StatusBadRequest, "missing verification parameters")
		return
	}
	if mode != "subscribe" || s.webhook.VerifyToken == "" || token != s.webhook.VerifyToken {
		s.logger.Warn("webhook verification rejected", "remote_addr", r.RemoteAddr)
		sendError(w, http.StatusForbidden, "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// handleWebhook handles signed provider callbacks. Unsigned or badly signed
// payloads are rejected before anything is parsed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	maxBody := s.webhook.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !cloudapi.VerifySignature(s.webhook.AppSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		if s.collector != nil {
			s.collector.TrackSignatureFailure()
		}
		sendError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	res, err := s.webhooks.Process(r.Context(), body)
	if err != nil {
		s.logger.Warn("rejected webhook payload", "error", err)
		sendError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	s.trackWebhook(res)

	s.logger.Debug("webhook processed",
		"statuses", res.Statuses,
		"duplicates", res.Duplicates,
		"messages", res.Messages,
		"templates", res.Templates,
		"quality", res.Quality,
	)
	sendJSON(w, http.StatusOK, res)
}

func (s *Server) trackWebhook(res *cloudapi.WebhookResult) {
	if s.collector == nil {
		return
	}
	counts := []struct {
		kind string
		n    int
	}{
		{"status", res.Statuses},
		{"duplicate", res.Duplicates},
		{"error", res.Errors},
		{"message", res.Messages},
		{"template", res.Templates},
		{"quality", res.Quality},
	}
	for _, c := range counts {
		for i := 0; i < c.n; i++ {
			s.collector.TrackWebhookEvent(c.kind)
		}
	}
}
