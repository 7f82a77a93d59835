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

// Match describes a newly paired set of boundary ports. Each side belongs to
// a different agent; the canonical URIs identify the ports in the aggregated
// tree.
type Match struct {
	AgentID     string
	PortURI     string
	PortType    string
	PeerAgentID string
	PeerPortURI string
}

// RegisterBoundaryPort records a boundary port under its canonical URI. A
// port registered twice keeps its previous peer assignment.
func (r *Registry) RegisterBoundaryPort(agentID, portURI string, port BoundaryPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.agentLocked(agentID)
	if prev, ok := e.BoundaryPorts[portURI]; ok {
		port.PeerPortURI = prev.PeerPortURI
		port.SavedLinks = prev.SavedLinks
	}
	e.BoundaryPorts[portURI] = &port
	return r.flushLocked()
}

// BoundaryPort returns a copy of the registered port, if any.
func (r *Registry) BoundaryPort(agentID, portURI string) (BoundaryPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.data.Agents[agentID]
	if e == nil {
		return BoundaryPort{}, false
	}
	p := e.BoundaryPorts[portURI]
	if p == nil {
		return BoundaryPort{}, false
	}
	return *p, true
}

// SaveRedirectedLink preserves the agent-local target a boundary redirection
// replaced, so the original wiring stays recoverable.
func (r *Registry) SaveRedirectedLink(agentID, portURI, relation, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.data.Agents[agentID]
	if e == nil || e.BoundaryPorts[portURI] == nil {
		return nil
	}
	p := e.BoundaryPorts[portURI]
	if p.SavedLinks == nil {
		p.SavedLinks = map[string]string{}
	}
	p.SavedLinks[relation] = target
	return r.flushLocked()
}

// MatchBoundaryPorts pairs unmatched boundary ports across agents. Two ports
// match when one side's local link identity equals the other side's learned
// remote identity. Matched ports get their PeerPortURI set on both sides;
// only pairs established by this call are returned.
func (r *Registry) MatchBoundaryPorts() ([]Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type candidate struct {
		agentID string
		uri     string
		port    *BoundaryPort
	}
	var open []candidate
	for agentID, e := range r.data.Agents {
		for uri, p := range e.BoundaryPorts {
			if p.PeerPortURI == "" {
				open = append(open, candidate{agentID: agentID, uri: uri, port: p})
			}
		}
	}

	var matches []Match
	for i := 0; i < len(open); i++ {
		a := open[i]
		if a.port.PeerPortURI != "" {
			continue
		}
		for j := i + 1; j < len(open); j++ {
			b := open[j]
			if b.port.PeerPortURI != "" || a.agentID == b.agentID {
				continue
			}
			if !endsMatch(a.port, b.port) {
				continue
			}
			a.port.PeerPortURI = b.uri
			b.port.PeerPortURI = a.uri
			matches = append(matches, Match{
				AgentID:     a.agentID,
				PortURI:     a.uri,
				PortType:    a.port.PortType,
				PeerAgentID: b.agentID,
				PeerPortURI: b.uri,
			}, Match{
				AgentID:     b.agentID,
				PortURI:     b.uri,
				PortType:    b.port.PortType,
				PeerAgentID: a.agentID,
				PeerPortURI: a.uri,
			})
			break
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}
	return matches, r.flushLocked()
}

func endsMatch(a, b *BoundaryPort) bool {
	if a.Local.valid() && b.Remote.valid() && a.Local == b.Remote {
		return true
	}
	if b.Local.valid() && a.Remote.valid() && b.Local == a.Remote {
		return true
	}
	return false
}
