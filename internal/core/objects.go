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

package core

import (
	"context"
	"errors"
	"log/slog"

	"sunfish/internal/events"
	"sunfish/pkg/redfish"
)

// ObjectHandler runs a per-type side effect before a mutation is committed.
// Hooks must not fail the mutation; problems are logged and the object is
// stored regardless.
type ObjectHandler func(ctx context.Context, path string, op redfish.RequestType, obj redfish.Resource)

// ObjectHandlerTable dispatches mutations to per-schema-type hooks.
type ObjectHandlerTable struct {
	handlers map[string]ObjectHandler
}

// NewObjectHandlerTable builds the table with the built-in hooks registered.
func NewObjectHandlerTable(index *events.Index) *ObjectHandlerTable {
	t := &ObjectHandlerTable{handlers: map[string]ObjectHandler{}}
	t.Register("EventDestination", eventDestinationHandler(index))
	return t
}

// Register installs a hook for one schema type token.
func (t *ObjectHandlerTable) Register(typeToken string, fn ObjectHandler) {
	t.handlers[typeToken] = fn
}

// Dispatch invokes the hook for typeToken, if any.
func (t *ObjectHandlerTable) Dispatch(ctx context.Context, typeToken, path string, op redfish.RequestType, obj redfish.Resource) {
	fn, ok := t.handlers[typeToken]
	if !ok {
		return
	}
	fn(ctx, path, op, obj)
}

// eventDestinationHandler keeps the subscription index in step with
// EventDestination mutations. A subscription that fails the disjointness
// rules is still stored, it just never receives forwarded events.
func eventDestinationHandler(index *events.Index) ObjectHandler {
	return func(ctx context.Context, path string, op redfish.RequestType, obj redfish.Resource) {
		switch op {
		case redfish.RequestCreate:
			addSubscription(index, obj)
		case redfish.RequestReplace, redfish.RequestPatch:
			index.Remove(subscriptionID(path, obj))
			addSubscription(index, obj)
		case redfish.RequestDelete:
			index.Remove(subscriptionID(path, obj))
		}
	}
}

func addSubscription(index *events.Index, obj redfish.Resource) {
	if err := index.Add(obj); err != nil {
		var illegal *redfish.IllegalSubscriptionError
		if errors.As(err, &illegal) {
			slog.Warn("Subscription filters overlap, storing without indexing",
				"id", obj.ODataID(), "error", err)
			return
		}
		slog.Warn("Failed to index subscription", "id", obj.ODataID(), "error", err)
	}
}

func subscriptionID(path string, obj redfish.Resource) string {
	if id := obj.ID(); id != "" {
		return id
	}
	return redfish.LastSegment(path)
}
