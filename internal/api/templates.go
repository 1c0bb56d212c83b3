package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wadispatch/internal/template"
)

// TemplateSubmitRequest is the request for POST /api/v1/templates
type TemplateSubmitRequest struct {
	Name       string              `json:"name"`
	Category   string              `json:"category"`
	Languages  []string            `json:"languages"`
	Components template.Components `json:"components"`
}

// TemplateSubmitResponse is the response for POST /api/v1/templates
type TemplateSubmitResponse struct {
	Name    string                  `json:"name"`
	Results []template.SubmitResult `json:"results"`
}

// TemplateListResponse is the response for GET /api/v1/templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Stats     *template.Stats      `json:"stats"`
}

// TemplateRotateRequest is the optional body of POST /api/v1/templates/{key}/rotate
type TemplateRotateRequest struct {
	Reason string `json:"reason"`
}

// TemplateRotateResponse is the response for POST /api/v1/templates/{key}/rotate
type TemplateRotateResponse struct {
	Key         string `json:"key"`
	Replacement string `json:"replacement"`
}

// handleTemplatesList handles GET /api/v1/templates
func (s *Server) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Search: r.URL.Query().Get("search"),
		Status: template.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	list := s.templates.List(filter)
	if list == nil {
		list = []*template.Template{}
	}
	sendJSON(w, http.StatusOK, TemplateListResponse{Templates: list, Stats: s.templates.Stats()})
}

// handleTemplatesGet handles GET /api/v1/templates/{key}
func (s *Server) handleTemplatesGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	t, err := s.templates.Get(key)
	if errors.Is(err, template.ErrNotFound) {
		sendError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	sendJSON(w, http.StatusOK, t)
}

// handleTemplatesSubmit handles POST /api/v1/templates. Each language is
// submitted separately; per-language provider failures are in the results.
func (s *Server) handleTemplatesSubmit(w http.ResponseWriter, r *http.Request) {
	var req TemplateSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	category := template.Category(strings.ToUpper(req.Category))
	results, err := s.templates.SubmitTemplate(r.Context(), req.Name, category, req.Languages, req.Components)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	for _, res := range results {
		if !res.Success {
			status = http.StatusMultiStatus
			break
		}
	}

	s.logger.Info("template submitted via API", "name", req.Name, "languages", len(results))
	sendJSON(w, status, TemplateSubmitResponse{Name: req.Name, Results: results})
}

// handleTemplatesRotate handles POST /api/v1/templates/{key}/rotate
func (s *Server) handleTemplatesRotate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req TemplateRotateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual rotation"
	}

	replacement, err := s.templates.Rotate(r.Context(), key, req.Reason)
	if errors.Is(err, template.ErrNotFound) {
		sendError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("template rotated via API", "key", key, "replacement", replacement)
	sendJSON(w, http.StatusOK, TemplateRotateResponse{Key: key, Replacement: replacement})
}
