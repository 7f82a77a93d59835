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

package redfish

import "fmt"

// The error kinds below travel from the store, router and handlers up to the
// HTTP edge, which maps them to status codes with errors.As.

// ResourceNotFoundError reports a path with no stored resource.
type ResourceNotFoundError struct {
	Path string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %s not found", e.Path)
}

// PropertyNotFoundError reports a required property missing from a payload.
type PropertyNotFoundError struct {
	Attribute string
}

func (e *PropertyNotFoundError) Error() string {
	return fmt.Sprintf("attribute %s not found", e.Attribute)
}

// CollectionNotSupportedError reports an operation attempted directly on a
// Redfish collection, which collections do not support.
type CollectionNotSupportedError struct {
	Path string
}

func (e *CollectionNotSupportedError) Error() string {
	return fmt.Sprintf("operation not supported on collection %s", e.Path)
}

// AlreadyExistsError reports a create targeting an existing resource.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("resource %s already exists", e.Path)
}

// ActionNotAllowedError reports an operation forbidden by the tree structure,
// such as writing under a missing ancestor or removing the service root.
type ActionNotAllowedError struct {
	Reason string
}

func (e *ActionNotAllowedError) Error() string {
	if e.Reason == "" {
		return "action not allowed"
	}
	return "action not allowed: " + e.Reason
}

// InvalidPathError reports a malformed resource path.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %s", e.Path)
}

// IllegalSubscriptionError reports an EventDestination whose filter sets
// violate the disjointness rules.
type IllegalSubscriptionError struct {
	Reason string
}

func (e *IllegalSubscriptionError) Error() string {
	return "illegal subscription: " + e.Reason
}

// DestinationError reports an event that could not be delivered because the
// destination is unreachable or rejected it.
type DestinationError struct {
	Destination string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s unreachable", e.Destination)
}

// AgentForwardingError reports a southbound request an agent rejected or that
// never completed. Status is -1 when no HTTP response was received.
type AgentForwardingError struct {
	Operation RequestType
	Status    int
	Reason    string
}

func (e *AgentForwardingError) Error() string {
	return fmt.Sprintf("agent %s forward failed (status %d): %s", e.Operation, e.Status, e.Reason)
}
