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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// handleSessionService routes SessionService endpoints. Session creation is
// the one unauthenticated mutation; everything else requires credentials when
// auth is enabled.
func (h *Handler) handleSessionService(w http.ResponseWriter, r *http.Request, path string) {
	base := h.core.Root() + "/SessionService"
	subPath := strings.TrimPrefix(path, base)

	if subPath == "/Sessions" && r.Method == http.MethodPost {
		h.handleLogin(w, r)
		return
	}

	if h.cfg.AuthEnabled {
		if _, err := h.auth.AuthenticateRequest(r); err != nil {
			writeUnauthorized(w)
			return
		}
	}

	switch {
	case subPath == "":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Base.1.0.MethodNotAllowed", "Method not allowed")
			return
		}
		h.handleGetSessionServiceRoot(w)

	case subPath == "/Sessions":
		if r.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Base.1.0.MethodNotAllowed", "Method not allowed")
			return
		}
		h.handleGetSessionsCollection(w, r)

	case strings.HasPrefix(subPath, "/Sessions/"):
		id := strings.TrimPrefix(subPath, "/Sessions/")
		switch r.Method {
		case http.MethodGet:
			h.handleGetSession(w, r, id)
		case http.MethodDelete:
			h.handleDeleteSession(w, r, id)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Base.1.0.MethodNotAllowed", "Method not allowed")
		}

	default:
		writeErrorResponse(w, http.StatusNotFound, "Base.1.0.ResourceNotFound", "Resource not found")
	}
}

// handleLogin creates a new session.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var loginReq struct {
		Username string `json:"UserName"`
		Password string `json:"Password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Base.1.0.MalformedJSON", "Invalid JSON in request body")
		return
	}

	user, err := h.auth.AuthenticateBasic(r.Context(), loginReq.Username, loginReq.Password)
	if err != nil {
		writeErrorResponse(w, http.StatusUnauthorized, "Base.1.0.Unauthorized", "Invalid credentials")
		return
	}

	session, err := h.auth.CreateSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Base.1.0.InternalError", "Failed to create session")
		return
	}

	sessionURI := h.sessionURI(session.ID)
	w.Header().Set("X-Auth-Token", session.Token)
	w.Header().Set("Location", sessionURI)
	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.id":   sessionURI,
		"@odata.type": "#Session.v1_0_0.Session",
		"Id":          session.ID,
		"Name":        "User Session",
		"UserName":    user.Username,
	})
}

func (h *Handler) handleGetSessionServiceRoot(w http.ResponseWriter) {
	base := h.core.Root() + "/SessionService"
	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.id":      base,
		"@odata.type":    "#SessionService.v1_0_0.SessionService",
		"Id":             "SessionService",
		"Name":           "Session Service",
		"ServiceEnabled": true,
		"SessionTimeout": 1800,
		"Sessions":       map[string]any{"@odata.id": base + "/Sessions"},
	})
}

func (h *Handler) handleGetSessionsCollection(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.core.Store().GetSessions(r.Context())
	if err != nil {
		slog.Error("Failed to get sessions", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Base.1.0.InternalError", "Failed to retrieve sessions")
		return
	}

	members := make([]any, 0, len(sessions))
	for _, s := range sessions {
		members = append(members, map[string]any{"@odata.id": h.sessionURI(s.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.id":           h.core.Root() + "/SessionService/Sessions",
		"@odata.type":         "#SessionCollection.SessionCollection",
		"Name":                "Session Collection",
		"Members":             members,
		"Members@odata.count": len(members),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.core.Store().GetSessionByID(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get session", "id", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Base.1.0.InternalError", "Failed to retrieve session")
		return
	}
	if s == nil {
		writeErrorResponse(w, http.StatusNotFound, "Base.1.0.ResourceNotFound", "Session not found")
		return
	}

	user, err := h.core.Store().GetUserByID(r.Context(), s.UserID)
	if err != nil || user == nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Base.1.0.InternalError", "Failed to retrieve session user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.id":   h.sessionURI(s.ID),
		"@odata.type": "#Session.v1_0_0.Session",
		"Id":          s.ID,
		"Name":        "User Session",
		"UserName":    user.Username,
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.core.Store().DeleteSessionByID(r.Context(), id); err != nil {
		slog.Error("Failed to delete session", "id", id, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Base.1.0.InternalError", "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionURI(id string) string {
	return h.core.Root() + "/SessionService/Sessions/" + id
}
