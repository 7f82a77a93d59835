// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api is the northbound HTTP edge: generic Redfish CRUD over the
// aggregated tree, the SessionService, and the event listener agents and
// test tools post envelopes to.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"sunfish/internal/auth"
	"sunfish/internal/config"
	"sunfish/internal/core"
	"sunfish/internal/ctxkeys"
	"sunfish/pkg/redfish"
)

// Handler implements the Redfish API endpoints.
type Handler struct {
	core *core.Core
	auth *auth.Authenticator
	cfg  config.Config
}

// New creates the API handler.
func New(c *core.Core, cfg config.Config) http.Handler {
	h := &Handler{
		core: c,
		auth: auth.New(c.Store()),
		cfg:  cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(c.Root()+"/", h.handleRedfish)
	mux.HandleFunc(c.Root(), h.handleRedfish)
	mux.HandleFunc("/EventListener", h.handleEventListener)

	return withRequestContext(mux)
}

// handleRedfish serves the aggregated resource tree. SessionService requests
// are intercepted so login can stay unauthenticated; everything else is
// generic CRUD against the core.
func (h *Handler) handleRedfish(w http.ResponseWriter, r *http.Request) {
	path := redfish.NormalizePath(r.URL.Path)
	slog.Debug("Handling Redfish request", "method", r.Method, "path", path,
		"correlation_id", ctxkeys.GetCorrelationID(r.Context()))

	if strings.HasPrefix(path, h.core.Root()+"/SessionService") {
		h.handleSessionService(w, r, path)
		return
	}

	if h.cfg.AuthEnabled {
		user, err := h.auth.AuthenticateRequest(r)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		r = r.WithContext(ctxkeys.WithUser(r.Context(), user))
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		obj, err := h.core.Get(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)

	case http.MethodPost:
		payload, ok := decodeBody(w, r)
		if !ok {
			return
		}
		created, err := h.core.Create(r.Context(), path, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", created.ODataID())
		writeJSON(w, http.StatusOK, created)

	case http.MethodPut:
		payload, ok := decodeBody(w, r)
		if !ok {
			return
		}
		replaced, err := h.core.Replace(r.Context(), path, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, replaced)

	case http.MethodPatch:
		payload, ok := decodeBody(w, r)
		if !ok {
			return
		}
		patched, err := h.core.Patch(r.Context(), path, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, patched)

	case http.MethodDelete:
		if err := h.core.Delete(r.Context(), path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Base.1.0.MethodNotAllowed", "Method not allowed")
	}
}

// handleEventListener ingests an event envelope and returns the JSON list of
// notified subscriber ids.
func (h *Handler) handleEventListener(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Base.1.0.MethodNotAllowed", "Method not allowed")
		return
	}

	var envelope redfish.Event
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Base.1.0.MalformedJSON", "Invalid JSON in request body")
		return
	}

	notified, err := h.core.HandleEvent(r.Context(), envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	if notified == nil {
		notified = []string{}
	}
	writeJSON(w, http.StatusOK, notified)
}

// decodeBody parses the request body as a resource, reporting malformed JSON
// to the client.
func decodeBody(w http.ResponseWriter, r *http.Request) (redfish.Resource, bool) {
	var payload redfish.Resource
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Base.1.0.MalformedJSON", "Invalid JSON in request body")
		return nil, false
	}
	return payload, true
}
