// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the operator HTTP interface: health, sync trigger,
// targeted re-extraction with feedback, and extraction guidance and domain
// policy administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/processor"
)

const maxBodyBytes = 1 << 20

// Reextractor re-runs extraction for a stored message.
type Reextractor interface {
	Reextract(ctx context.Context, messageID, feedback string) (*models.ExtractedReportData, error)
}

// SyncTrigger starts a background sync. Trigger reports false when one is
// already running.
type SyncTrigger interface {
	Trigger() bool
}

// AdminStore persists standing guidance and domain policy.
type AdminStore interface {
	Guidance(ctx context.Context) (string, error)
	SetGuidance(ctx context.Context, text string) error
	UpsertDomainPolicy(ctx context.Context, p models.DomainPolicy) error
}

// Pinger is a dependency probed by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Reextractor Reextractor
	Sync        SyncTrigger
	Admin       AdminStore
	// Health maps a dependency name to its probe.
	Health map[string]Pinger
}

// Handler serves the operator API.
type Handler struct {
	reextractor Reextractor
	sync        SyncTrigger
	admin       AdminStore
	health      map[string]Pinger
	validate    *validator.Validate
}

// NewHandler creates an API handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		reextractor: cfg.Reextractor,
		sync:        cfg.Sync,
		admin:       cfg.Admin,
		health:      cfg.Health,
		validate:    validator.New(),
	}
}

type reextractRequest struct {
	Feedback string `json:"feedback"`
}

type guidanceBody struct {
	Guidance string `json:"guidance"`
}

type domainRequest struct {
	Bank string `json:"bank" validate:"required"`
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.ServeHealth)
	mux.HandleFunc("POST /sync", h.ServeSync)
	mux.HandleFunc("POST /reports/{messageID}/reextract", h.ServeReextract)
	mux.HandleFunc("GET /guidance", h.ServeGetGuidance)
	mux.HandleFunc("PUT /guidance", h.ServePutGuidance)
	mux.HandleFunc("PUT /domains/{domain}", h.ServePutDomain)
	return mux
}

// ServeHealth probes every configured dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			writeError(w, http.StatusServiceUnavailable, name+" unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ServeSync starts an incremental sync in the background.
func (h *Handler) ServeSync(w http.ResponseWriter, r *http.Request) {
	status := "started"
	if !h.sync.Trigger() {
		status = "already_running"
	}
	slog.Info("sync requested", "status", status)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

// ServeReextract re-extracts one stored report with optional feedback.
//
// Responses:
//   - 200 with the extraction
//   - 404 for an unknown message ID
//   - 422 {"error": "extraction failed: <reason>"} when extraction fails
func (h *Handler) ServeReextract(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	if strings.TrimSpace(messageID) == "" {
		writeError(w, http.StatusBadRequest, "message ID is required")
		return
	}

	var req reextractRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := h.reextractor.Reextract(r.Context(), messageID, req.Feedback)
	var exErr *processor.ExtractionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, data)
	case errors.Is(err, processor.ErrReportNotFound):
		writeError(w, http.StatusNotFound, "report not found")
	case errors.As(err, &exErr):
		writeError(w, http.StatusUnprocessableEntity, exErr.Error())
	default:
		slog.Error("re-extraction error", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ServeGetGuidance returns the standing extraction guidance.
func (h *Handler) ServeGetGuidance(w http.ResponseWriter, r *http.Request) {
	text, err := h.admin.Guidance(r.Context())
	if err != nil {
		slog.Error("load guidance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, guidanceBody{Guidance: text})
}

// ServePutGuidance replaces the standing extraction guidance.
func (h *Handler) ServePutGuidance(w http.ResponseWriter, r *http.Request) {
	var body guidanceBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetGuidance(r.Context(), body.Guidance); err != nil {
		slog.Error("store guidance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("extraction guidance updated", "chars", len(body.Guidance))
	writeJSON(w, http.StatusOK, body)
}

// ServePutDomain marks a sender domain trusted with a default bank.
func (h *Handler) ServePutDomain(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(r.PathValue("domain"))
	if err := h.validate.Var(domain, "required,fqdn"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain")
		return
	}

	var req domainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "bank is required")
		return
	}

	policy := models.DomainPolicy{Domain: domain, Bank: req.Bank}
	if err := h.admin.UpsertDomainPolicy(r.Context(), policy); err != nil {
		slog.Error("store domain policy failed", "domain", domain, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("domain policy updated", "domain", domain, "bank", req.Bank)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "bank": req.Bank})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
