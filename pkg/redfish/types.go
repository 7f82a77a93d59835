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

// Package redfish provides the shared Redfish data model used across the
// service: generic JSON resources, event envelopes, error kinds, and helpers
// for walking @odata.id references inside resource bodies.
package redfish

import (
	"strings"
	"time"
)

// ODataIDRef represents a reference to another Redfish resource.
type ODataIDRef struct {
	ODataID string `json:"@odata.id"`
}

// Resource is a Redfish object decoded as a generic JSON map. Resources are
// stored and manipulated untyped because the aggregated tree carries whatever
// schemas the agents expose.
type Resource map[string]any

// ODataID returns the resource's @odata.id, or "" if absent.
func (r Resource) ODataID() string {
	s, _ := r["@odata.id"].(string)
	return s
}

// ODataType returns the resource's @odata.type, or "" if absent.
func (r Resource) ODataType() string {
	s, _ := r["@odata.type"].(string)
	return s
}

// ID returns the resource's Id property, or "" if absent.
func (r Resource) ID() string {
	s, _ := r["Id"].(string)
	return s
}

// TypeToken returns the schema name of the resource: the @odata.type with its
// leading '#' stripped, truncated at the first '.'. For example
// "#Fabric.v1_3_0.Fabric" yields "Fabric".
func (r Resource) TypeToken() string {
	return TypeToken(r.ODataType())
}

// IsCollection reports whether the resource's type token names a Redfish
// collection schema.
func (r Resource) IsCollection() bool {
	return strings.Contains(r.TypeToken(), "Collection")
}

// TypeToken extracts the schema name from an @odata.type value.
func TypeToken(odataType string) string {
	t := strings.TrimPrefix(odataType, "#")
	if i := strings.Index(t, "."); i >= 0 {
		t = t[:i]
	}
	return t
}

// Links returns the resource's Links object, or nil if absent or malformed.
func (r Resource) Links() map[string]any {
	m, _ := r["Links"].(map[string]any)
	return m
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return Resource(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Event is a Redfish event envelope as delivered to the event listener.
type Event struct {
	ODataType string        `json:"@odata.type,omitempty"`
	ID        string        `json:"Id,omitempty"`
	Name      string        `json:"Name,omitempty"`
	Context   string        `json:"Context,omitempty"`
	Events    []EventRecord `json:"Events"`
}

// EventRecord is a single event within an envelope.
type EventRecord struct {
	EventType         string      `json:"EventType,omitempty"`
	EventID           string      `json:"EventId,omitempty"`
	EventTimestamp    *time.Time  `json:"EventTimestamp,omitempty"`
	Severity          string      `json:"Severity,omitempty"`
	Message           string      `json:"Message,omitempty"`
	MessageID         string      `json:"MessageId"`
	MessageArgs       []string    `json:"MessageArgs,omitempty"`
	OriginOfCondition *ODataIDRef `json:"OriginOfCondition,omitempty"`
}

// MessageSuffix returns the part of MessageId after the last '.', which keys
// the event handler dispatch table (e.g. "Sunfish.1.0.ResourceCreated" yields
// "ResourceCreated").
func (e EventRecord) MessageSuffix() string {
	if i := strings.LastIndex(e.MessageID, "."); i >= 0 {
		return e.MessageID[i+1:]
	}
	return e.MessageID
}

// RegistryPrefix returns the part of MessageId before the first '.', which is
// the message registry the event belongs to.
func (e EventRecord) RegistryPrefix() string {
	if i := strings.Index(e.MessageID, "."); i >= 0 {
		return e.MessageID[:i]
	}
	return e.MessageID
}

// RequestType identifies an operation forwarded to a managing agent.
type RequestType string

const (
	RequestGet     RequestType = "GET"
	RequestCreate  RequestType = "CREATE"
	RequestReplace RequestType = "REPLACE"
	RequestPatch   RequestType = "PATCH"
	RequestDelete  RequestType = "DELETE"
)

// Ownership stamp property names under Oem.
const (
	OemStampKey         = "Sunfish_RM"
	StampODataType      = "#SunfishExtensions.v1_0_0.ResourceExtensions"
	BoundaryOwned       = "owned"
	BoundaryPort        = "BoundaryPort"
	BoundaryForeign     = "foreign"
	BoundaryUnknown     = "unknown"
	FabricSharedWithKey = "FabricSharedWith"
)

// Stamp returns the Oem.Sunfish_RM object of the resource, or nil.
func (r Resource) Stamp() map[string]any {
	oem, _ := r["Oem"].(map[string]any)
	if oem == nil {
		return nil
	}
	m, _ := oem[OemStampKey].(map[string]any)
	return m
}

// ManagingAgent returns the @odata.id of the resource's managing agent from
// its ownership stamp, or "" if the resource is unmanaged.
func (r Resource) ManagingAgent() string {
	stamp := r.Stamp()
	if stamp == nil {
		return ""
	}
	ref, _ := stamp["ManagingAgent"].(map[string]any)
	if ref == nil {
		return ""
	}
	s, _ := ref["@odata.id"].(string)
	return s
}

// BoundaryComponent returns the stamp's BoundaryComponent value, or "".
func (r Resource) BoundaryComponent() string {
	stamp := r.Stamp()
	if stamp == nil {
		return ""
	}
	s, _ := stamp["BoundaryComponent"].(string)
	return s
}

// SetStamp writes the ownership stamp, overwriting any previous ManagingAgent
// while preserving other stamp fields. boundary is only applied when the
// stamp does not already carry a BoundaryComponent value.
func (r Resource) SetStamp(agentURI, boundary string) {
	oem, _ := r["Oem"].(map[string]any)
	if oem == nil {
		oem = map[string]any{}
		r["Oem"] = oem
	}
	stamp, _ := oem[OemStampKey].(map[string]any)
	if stamp == nil {
		stamp = map[string]any{}
		oem[OemStampKey] = stamp
	}
	stamp["@odata.type"] = StampODataType
	stamp["ManagingAgent"] = map[string]any{"@odata.id": agentURI}
	if _, ok := stamp["BoundaryComponent"].(string); !ok {
		stamp["BoundaryComponent"] = boundary
	}
}
