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
	"errors"
	"log/slog"
	"net/http"

	"sunfish/pkg/redfish"
)

// writeError maps a core error to its HTTP status and Redfish error code.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeErrorResponse(w, status, code, err.Error())
}

// statusFor implements the status mapping for the error kinds the core
// surfaces.
func statusFor(err error) (int, string) {
	var (
		notFound   *redfish.ResourceNotFoundError
		collection *redfish.CollectionNotSupportedError
		exists     *redfish.AlreadyExistsError
		notAllowed *redfish.ActionNotAllowedError
		badPath    *redfish.InvalidPathError
		missing    *redfish.PropertyNotFoundError
		forwarding *redfish.AgentForwardingError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "Base.1.0.ResourceNotFound"
	case errors.As(err, &collection):
		return http.StatusMethodNotAllowed, "Base.1.0.OperationNotAllowed"
	case errors.As(err, &exists):
		return http.StatusConflict, "Base.1.0.ResourceAlreadyExists"
	case errors.As(err, &notAllowed):
		return http.StatusForbidden, "Base.1.0.ActionNotSupported"
	case errors.As(err, &badPath):
		return http.StatusBadRequest, "Base.1.0.InvalidURI"
	case errors.As(err, &missing):
		return http.StatusBadRequest, "Base.1.0.PropertyMissing"
	case errors.As(err, &forwarding):
		return http.StatusBadGateway, "Base.1.0.CouldNotEstablishConnection"
	default:
		return http.StatusInternalServerError, "Base.1.0.InternalError"
	}
}
