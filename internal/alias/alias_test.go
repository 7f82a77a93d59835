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

package alias

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAliasRoundTrip(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	agentURI := "/redfish/v1/Systems/Sys1"
	canonical := "/redfish/v1/Systems/Sunfish_ab12_Sys1"
	if err := r.AddAlias("agent-1", agentURI, canonical); err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}

	if got := r.ToCanonical("agent-1", agentURI); got != canonical {
		t.Errorf("ToCanonical = %q, want %q", got, canonical)
	}
	if got := r.ToAgent("agent-1", canonical); got != agentURI {
		t.Errorf("ToAgent = %q, want %q", got, agentURI)
	}

	// A different agent's namespace is unaffected.
	if got := r.ToCanonical("agent-2", agentURI); got != agentURI {
		t.Errorf("foreign agent translated: %q", got)
	}
	// Unmapped URIs translate to themselves.
	if got := r.ToCanonical("agent-1", "/redfish/v1/Chassis/C1"); got != "/redfish/v1/Chassis/C1" {
		t.Errorf("identity translation broken: %q", got)
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.AddAlias("agent-1", "/redfish/v1/Systems/S", "/redfish/v1/Systems/Sunfish_1234_S"); err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}
	if err := r.RegisterBoundaryPort("agent-1", "/redfish/v1/Fabrics/CXL/Switches/S1/Ports/P1", BoundaryPort{
		PortType: "InterswitchPort",
		Local:    PortEnd{PortID: "1", LinkPartnerID: "7"},
	}); err != nil {
		t.Fatalf("RegisterBoundaryPort failed: %v", err)
	}

	// The file shape is part of the contract.
	raw, err := os.ReadFile(filepath.Join(dir, "URI_aliases.json"))
	if err != nil {
		t.Fatalf("registry file missing: %v", err)
	}
	var shape map[string]any
	if err := json.Unmarshal(raw, &shape); err != nil {
		t.Fatalf("registry file not JSON: %v", err)
	}
	if _, ok := shape["Agents_xref_URIs"]; !ok {
		t.Error("Agents_xref_URIs key missing from registry file")
	}
	if _, ok := shape["Sunfish_xref_URIs"]; !ok {
		t.Error("Sunfish_xref_URIs key missing from registry file")
	}

	r2, err := New(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := r2.ToAgent("agent-1", "/redfish/v1/Systems/Sunfish_1234_S"); got != "/redfish/v1/Systems/S" {
		t.Errorf("alias lost on reload: %q", got)
	}
	if _, ok := r2.BoundaryPort("agent-1", "/redfish/v1/Fabrics/CXL/Switches/S1/Ports/P1"); !ok {
		t.Error("boundary port lost on reload")
	}
}

func TestCanonicalAliasesPersistAsList(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	canonical := "/redfish/v1/Systems/Sunfish_ab12_Sys1"
	if err := r.AddAlias("agent-a", "/redfish/v1/Systems/Sys1", canonical); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAlias("agent-b", "/redfish/v1/Nodes/Sys1", canonical); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "URI_aliases.json"))
	if err != nil {
		t.Fatalf("registry file missing: %v", err)
	}
	var shape struct {
		Canonical struct {
			Aliases map[string][]string `json:"aliases"`
		} `json:"Sunfish_xref_URIs"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		t.Fatalf("canonical aliases are not URI lists: %v", err)
	}
	list := shape.Canonical.Aliases[canonical]
	if len(list) != 2 {
		t.Fatalf("aliases[%s] = %v, want both agent URIs", canonical, list)
	}

	// Reloading keeps per-agent resolution despite the list serialization.
	r2, err := New(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := r2.ToAgent("agent-a", canonical); got != "/redfish/v1/Systems/Sys1" {
		t.Errorf("agent-a translation = %q", got)
	}
	if got := r2.ToAgent("agent-b", canonical); got != "/redfish/v1/Nodes/Sys1" {
		t.Errorf("agent-b translation = %q", got)
	}
}

func TestMatchBoundaryPorts(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	uriA := "/redfish/v1/Fabrics/CXL/Switches/SwA/Ports/ISL1"
	uriB := "/redfish/v1/Fabrics/CXL/Switches/SwB/Ports/ISL2"
	if err := r.RegisterBoundaryPort("agent-a", uriA, BoundaryPort{
		PortType: "InterswitchPort",
		Local:    PortEnd{PortID: "1", LinkPartnerID: "2"},
		Remote:   PortEnd{PortID: "9", LinkPartnerID: "9"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterBoundaryPort("agent-b", uriB, BoundaryPort{
		PortType: "InterswitchPort",
		Local:    PortEnd{PortID: "3", LinkPartnerID: "4"},
		Remote:   PortEnd{PortID: "1", LinkPartnerID: "2"},
	}); err != nil {
		t.Fatal(err)
	}
	// A third port on the same agent must never match its sibling.
	if err := r.RegisterBoundaryPort("agent-a", uriA+"x", BoundaryPort{
		PortType: "InterswitchPort",
		Remote:   PortEnd{PortID: "1", LinkPartnerID: "2"},
	}); err != nil {
		t.Fatal(err)
	}

	matches, err := r.MatchBoundaryPorts()
	if err != nil {
		t.Fatalf("MatchBoundaryPorts failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %+v, want both sides of one pair", matches)
	}

	pa, _ := r.BoundaryPort("agent-a", uriA)
	pb, _ := r.BoundaryPort("agent-b", uriB)
	if pa.PeerPortURI != uriB || pb.PeerPortURI != uriA {
		t.Errorf("peer URIs not symmetric: %q / %q", pa.PeerPortURI, pb.PeerPortURI)
	}

	// Matched ports stay matched; a second pass finds nothing new.
	again, err := r.MatchBoundaryPorts()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second match pass returned %+v", again)
	}
}
