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

// Package alias maintains the cross-agent URI translation registry: when two
// agents expose resources under colliding paths, the renamed canonical URI is
// recorded here so requests and link updates can translate between the agent
// namespace and the aggregated tree. The registry also tracks CXL boundary
// ports so links crossing an agent boundary can be stitched to their peers.
//
// The registry is persisted as a single JSON file under the service private
// directory. The mutex is never held across I/O to agents; only the local
// file flush happens under the lock.
package alias

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// PortEnd identifies one side of a CXL link with the ids carried in the
// port's LinkPartner advertisement.
type PortEnd struct {
	PortID        string `json:"portId"`
	LinkPartnerID string `json:"linkPartnerId"`
}

func (p PortEnd) valid() bool {
	return p.PortID != "" || p.LinkPartnerID != ""
}

// BoundaryPort records a port flagged as a fabric boundary, keyed in the
// registry by its canonical URI.
type BoundaryPort struct {
	PortType string `json:"portType"`

	// Local is what this port advertises about itself, Remote what it has
	// learned about its link partner.
	Local  PortEnd `json:"local"`
	Remote PortEnd `json:"remote"`

	// PeerPortURI is the canonical URI of the matched peer port, empty until
	// a match is found.
	PeerPortURI string `json:"PeerPortURI,omitempty"`

	// SavedLinks preserves the agent-local link targets that boundary
	// redirection overwrote, keyed by relation name.
	SavedLinks map[string]string `json:"savedLinks,omitempty"`
}

type agentEntry struct {
	// Aliases maps agent-namespace URIs to canonical tree URIs.
	Aliases map[string]string `json:"aliases"`

	// BoundaryPorts is keyed by canonical port URI.
	BoundaryPorts map[string]*BoundaryPort `json:"boundaryPorts"`
}

// registryFile is the on-disk shape of the registry.
type registryFile struct {
	Agents    map[string]*agentEntry `json:"Agents_xref_URIs"`
	Canonical struct {
		// Aliases maps canonical URIs back to the agent URIs they stand
		// for.
		Aliases map[string][]string `json:"aliases"`
	} `json:"Sunfish_xref_URIs"`
}

// Registry is the in-memory alias registry with JSON persistence.
type Registry struct {
	mu   sync.Mutex
	path string
	data registryFile

	// inverse resolves a canonical URI back to the per-agent URI it stands
	// for. Derived from the agent maps on load, never serialized.
	inverse map[string]map[string]string
}

// New returns a registry persisted at dir/URI_aliases.json, loading any
// existing file.
func New(dir string) (*Registry, error) {
	r := &Registry{path: filepath.Join(dir, "URI_aliases.json")}
	r.initLocked()

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alias registry: %w", err)
	}
	if err := json.Unmarshal(raw, &r.data); err != nil {
		return nil, fmt.Errorf("failed to decode alias registry: %w", err)
	}
	r.initLocked()
	return r, nil
}

func (r *Registry) initLocked() {
	if r.data.Agents == nil {
		r.data.Agents = map[string]*agentEntry{}
	}
	for _, e := range r.data.Agents {
		if e.Aliases == nil {
			e.Aliases = map[string]string{}
		}
		if e.BoundaryPorts == nil {
			e.BoundaryPorts = map[string]*BoundaryPort{}
		}
	}
	r.rebuildCanonicalLocked()
}

// rebuildCanonicalLocked derives the canonical-side view from the agent maps
// so the two directions stay mutually inverse even after loading a
// hand-edited file.
func (r *Registry) rebuildCanonicalLocked() {
	r.data.Canonical.Aliases = map[string][]string{}
	r.inverse = map[string]map[string]string{}
	for agentID, e := range r.data.Agents {
		for agentURI, canonical := range e.Aliases {
			r.addInverseLocked(agentID, agentURI, canonical)
		}
	}
	for _, list := range r.data.Canonical.Aliases {
		sort.Strings(list)
	}
}

func (r *Registry) addInverseLocked(agentID, agentURI, canonicalURI string) {
	inv := r.inverse[canonicalURI]
	if inv == nil {
		inv = map[string]string{}
		r.inverse[canonicalURI] = inv
	}
	inv[agentID] = agentURI

	list := r.data.Canonical.Aliases[canonicalURI]
	for _, u := range list {
		if u == agentURI {
			return
		}
	}
	r.data.Canonical.Aliases[canonicalURI] = append(list, agentURI)
}

func (r *Registry) agentLocked(agentID string) *agentEntry {
	e := r.data.Agents[agentID]
	if e == nil {
		e = &agentEntry{
			Aliases:       map[string]string{},
			BoundaryPorts: map[string]*BoundaryPort{},
		}
		r.data.Agents[agentID] = e
	}
	return e
}

// flushLocked writes the registry file. Failures are returned so callers can
// decide whether a stale file is tolerable.
func (r *Registry) flushLocked() error {
	raw, err := json.MarshalIndent(&r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode alias registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create private dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write alias registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace alias registry: %w", err)
	}
	return nil
}

// AddAlias records that agentURI in the given agent's namespace maps to the
// canonical tree URI, in both directions.
func (r *Registry) AddAlias(agentID, agentURI, canonicalURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agentLocked(agentID).Aliases[agentURI] = canonicalURI
	r.addInverseLocked(agentID, agentURI, canonicalURI)
	return r.flushLocked()
}

// ToCanonical translates an agent-namespace URI to its canonical URI. URIs
// with no alias translate to themselves.
func (r *Registry) ToCanonical(agentID, uri string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.data.Agents[agentID]; e != nil {
		if c, ok := e.Aliases[uri]; ok {
			return c
		}
	}
	return uri
}

// ToAgent translates a canonical URI to the given agent's namespace. URIs
// the agent never renamed translate to themselves.
func (r *Registry) ToAgent(agentID, uri string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inv := r.inverse[uri]; inv != nil {
		if a, ok := inv[agentID]; ok {
			return a
		}
	}
	return uri
}

// Aliases returns a copy of the agent's agent-URI to canonical-URI map.
func (r *Registry) Aliases(agentID string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.data.Agents[agentID]
	if e == nil {
		return nil
	}
	out := make(map[string]string, len(e.Aliases))
	for k, v := range e.Aliases {
		out[k] = v
	}
	return out
}

// AliasedAgents returns the ids of all agents holding at least one alias.
func (r *Registry) AliasedAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.data.Agents {
		if len(e.Aliases) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Reset drops all aliases and boundary ports and rewrites the file.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = registryFile{}
	r.initLocked()
	return r.flushLocked()
}
