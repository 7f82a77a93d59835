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

package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"sunfish/internal/alias"
	"sunfish/pkg/redfish"
)

// boundaryPortTypes are the CXL port roles that can sit on a fabric
// boundary.
var boundaryPortTypes = map[string]bool{
	"InterswitchPort": true,
	"UpstreamPort":    true,
	"DownstreamPort":  true,
}

// isBoundaryPort reports whether a resource is a CXL port flagged by its
// agent as a fabric boundary.
func isBoundaryPort(obj redfish.Resource) bool {
	if obj.TypeToken() != "Port" {
		return false
	}
	protocol, _ := obj["PortProtocol"].(string)
	portType, _ := obj["PortType"].(string)
	return protocol == "CXL" && boundaryPortTypes[portType] &&
		obj.BoundaryComponent() == redfish.BoundaryPort
}

// registerBoundaryPort records a boundary port's link-partner identity in
// the alias registry. The local end comes from the port's transmit
// advertisement, the remote end from what it has learned of its partner.
func (in *ingest) registerBoundaryPort(obj redfish.Resource) {
	if !isBoundaryPort(obj) {
		return
	}

	cxl, _ := obj["CXL"].(map[string]any)
	portType, _ := obj["PortType"].(string)
	port := alias.BoundaryPort{
		PortType: portType,
		Local:    portEnd(cxl, "LinkPartnerTransmit"),
		Remote:   portEnd(cxl, "LinkPartnerReceive"),
	}

	slog.Info("Registering boundary port", "id", obj.ODataID(), "type", portType,
		"local", port.Local, "remote", port.Remote)
	if err := in.p.aliases.RegisterBoundaryPort(in.client.ID(), obj.ODataID(), port); err != nil {
		slog.Warn("Failed to persist boundary port", "id", obj.ODataID(), "error", err)
	}
}

func portEnd(cxl map[string]any, key string) alias.PortEnd {
	partner, _ := cxl[key].(map[string]any)
	return alias.PortEnd{
		PortID:        idString(partner["PortId"]),
		LinkPartnerID: idString(partner["LinkPartnerId"]),
	}
}

// idString renders a link-partner identifier uniformly whether the agent
// sent it as a JSON string or number.
func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// resolveBoundaryPorts matches newly registered boundary ports across agents
// and redirects the link edges of each matched pair toward its peer.
func (p *Pipeline) resolveBoundaryPorts(ctx context.Context) error {
	matches, err := p.aliases.MatchBoundaryPorts()
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := p.redirectBoundaryLinks(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// redirectBoundaryLinks rewrites one matched port's Links so they point at
// the peer discovered in the aggregated tree rather than at the agent-local
// placeholder. The replaced placeholder targets are preserved in the
// boundary registry.
func (p *Pipeline) redirectBoundaryLinks(ctx context.Context, m alias.Match) error {
	obj, err := p.store.Read(ctx, m.PortURI)
	if err != nil {
		return err
	}
	links, _ := obj["Links"].(map[string]any)
	if links == nil {
		links = map[string]any{}
		obj["Links"] = links
	}

	slog.Info("Stitching boundary link", "port", m.PortURI, "peer", m.PeerPortURI, "type", m.PortType)

	switch m.PortType {
	case "InterswitchPort", "DownstreamPort":
		if old, ok := setLinkRef(links, "ConnectedSwitchPorts", m.PeerPortURI); ok {
			p.saveRedirected(m, "AgentPeerPortURI", old)
		}
		peerSwitch := switchOfPort(m.PeerPortURI)
		if old, ok := setLinkRef(links, "ConnectedSwitches", peerSwitch); ok {
			p.saveRedirected(m, "AgentPeerSwitchURI", old)
		}
	case "UpstreamPort":
		if old, ok := setLinkRef(links, "ConnectedPorts", m.PeerPortURI); ok {
			p.saveRedirected(m, "AgentPeerPortURI", old)
		}
		endpoint, err := p.peerEndpoint(ctx, m.PeerPortURI)
		if err != nil {
			slog.Warn("Cannot derive peer endpoint", "port", m.PortURI, "peer", m.PeerPortURI, "error", err)
		} else if endpoint != "" {
			if old, ok := setLinkRef(links, "AssociatedEndpoints", endpoint); ok {
				p.saveRedirected(m, "AgentPeerEndpointURI", old)
			}
		}
	}

	_, err = p.store.Replace(ctx, obj)
	return err
}

func (p *Pipeline) saveRedirected(m alias.Match, relation, old string) {
	if old == "" {
		return
	}
	if err := p.aliases.SaveRedirectedLink(m.AgentID, m.PortURI, relation, old); err != nil {
		slog.Warn("Failed to persist redirected link", "port", m.PortURI, "error", err)
	}
}

// setLinkRef applies the cardinality policy to one link relation: a single
// placeholder entry is replaced, an empty or missing array gains one entry,
// and an array with several entries is left untouched with an error logged.
// Returns the replaced placeholder target, if any.
func setLinkRef(links map[string]any, relation, target string) (old string, ok bool) {
	entries, _ := links[relation].([]any)
	switch {
	case len(entries) > 1:
		slog.Error("Link relation has multiple entries, not redirecting", "relation", relation, "entries", len(entries))
		return "", false
	case len(entries) == 1:
		if ref, _ := entries[0].(map[string]any); ref != nil {
			old, _ = ref["@odata.id"].(string)
			ref["@odata.id"] = target
			return old, true
		}
		entries[0] = map[string]any{"@odata.id": target}
		return "", true
	default:
		links[relation] = []any{map[string]any{"@odata.id": target}}
		return "", true
	}
}

// switchOfPort strips the trailing /Ports/<id> from a port URI, yielding the
// switch (or other containing device) the port belongs to.
func switchOfPort(portURI string) string {
	return redfish.ParentPath(redfish.ParentPath(portURI))
}

// peerEndpoint derives the endpoint associated with an upstream port's peer:
// the peer's containing device names its endpoints in Links.Endpoints.
func (p *Pipeline) peerEndpoint(ctx context.Context, peerPortURI string) (string, error) {
	host, err := p.store.Read(ctx, switchOfPort(peerPortURI))
	if err != nil {
		return "", err
	}
	hostLinks := host.Links()
	if hostLinks == nil {
		return "", nil
	}
	endpoints, _ := hostLinks["Endpoints"].([]any)
	if len(endpoints) == 0 {
		return "", nil
	}
	ref, _ := endpoints[0].(map[string]any)
	if ref == nil {
		return "", nil
	}
	endpoint, _ := ref["@odata.id"].(string)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint reference of %s is malformed", switchOfPort(peerPortURI))
	}
	return endpoint, nil
}
