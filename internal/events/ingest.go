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
	"log/slog"
	"sort"
	"strings"

	"sunfish/internal/agent"
	"sunfish/internal/metrics"
	"sunfish/pkg/redfish"
)

// ingest walks one agent's subtree breadth-first and populates the local
// tree. The queue is kept lexicographically sorted and an ancestor pre-fetch
// gate requeues any resource whose parents have not been fetched yet, so
// parents are always written before children.
type ingest struct {
	p      *Pipeline
	client *agent.Client
	source redfish.Resource

	// visited holds agent-namespace URIs already enqueued.
	visited map[string]bool
	queue   []string

	written int
}

func newIngest(p *Pipeline, client *agent.Client, source redfish.Resource) *ingest {
	return &ingest{
		p:       p,
		client:  client,
		source:  source,
		visited: map[string]bool{},
	}
}

// run ingests the subtree rooted at origin (an agent-namespace URI), then
// rewrites aliased links and stitches boundary ports.
func (in *ingest) run(ctx context.Context, origin string) error {
	in.enqueue(origin)

	for len(in.queue) > 0 {
		sort.Strings(in.queue)
		id := in.queue[0]
		in.queue = in.queue[1:]

		if in.prefetchAncestors(id) {
			// Parents first: put the resource back and drain the newly
			// discovered ancestors.
			in.queue = append(in.queue, id)
			continue
		}

		obj, err := in.fetchResource(ctx, id)
		if err != nil {
			slog.Info("Resource not available from agent", "id", id, "error", err)
			continue
		}

		in.scanForRefs(obj)
	}

	metrics.ObserveIngested(in.client.ID(), in.written)

	if err := in.updateAliasedLinks(ctx); err != nil {
		return err
	}
	return in.p.resolveBoundaryPorts(ctx)
}

func (in *ingest) enqueue(id string) {
	if !in.visited[id] {
		in.visited[id] = true
		in.queue = append(in.queue, id)
	}
}

// prefetchAncestors enqueues every unvisited ancestor of id between depth 2
// and the parent. Depth-1 paths are the top-level collections, synthesized
// locally and never fetched. Reports whether anything was enqueued.
func (in *ingest) prefetchAncestors(id string) bool {
	segs, ok := redfish.RelativeSegments(in.p.store.Root(), id)
	if !ok {
		return false
	}
	enqueued := false
	for n := 2; n < len(segs); n++ {
		prefix := in.p.store.Root() + "/" + strings.Join(segs[:n], "/")
		if !in.visited[prefix] {
			slog.Debug("Prefetching ancestor", "path", prefix, "for", id)
			in.visited[prefix] = true
			in.queue = append(in.queue, prefix)
			enqueued = true
		}
	}
	return enqueued
}

// fetchResource pulls one resource from the agent and persists it.
func (in *ingest) fetchResource(ctx context.Context, id string) (redfish.Resource, error) {
	obj, err := in.client.Get(ctx, id)
	metrics.ObserveAgentForward(string(redfish.RequestGet), err == nil)
	if err != nil {
		return nil, err
	}
	if obj.ODataID() == "" {
		slog.Warn("Agent resource missing @odata.id, assuming request path", "id", id)
		obj["@odata.id"] = id
	}
	if err := in.createInspectedObject(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// scanForRefs enqueues every nested @odata.id reference of obj, skipping the
// ownership stamp subtree. A discovered reference never stops the scan of
// its siblings.
func (in *ingest) scanForRefs(obj redfish.Resource) {
	redfish.VisitRefs(map[string]any(obj), func(ref string) {
		if ref == obj.ODataID() {
			return
		}
		in.enqueue(ref)
	})
}

// createInspectedObject reconciles one fetched resource into the local tree:
// collections are skipped, colliding paths are aliased or renamed, shared
// fabrics are merged, and the ownership stamp applied.
func (in *ingest) createInspectedObject(ctx context.Context, obj redfish.Resource) error {
	if obj.IsCollection() {
		slog.Debug("Skipping collection from agent", "id", obj.ODataID())
		return nil
	}

	agentID := in.client.ID()
	agentURI := obj.ODataID()

	canonical := in.p.aliases.ToCanonical(agentID, agentURI)
	if canonical != agentURI {
		obj["@odata.id"] = canonical
		obj["Id"] = redfish.LastSegment(canonical)
	}

	existing, err := in.p.store.Read(ctx, canonical)
	if err == nil {
		switch {
		case existing.ManagingAgent() == in.source.ODataID():
			slog.Warn("Duplicate resource from agent, ignoring", "id", canonical, "agent", agentID)
			in.recordAccessed(canonical)
			return nil
		case isSharedFabric(existing, obj):
			if err := in.mergeSharedFabric(ctx, existing); err != nil {
				return err
			}
			in.recordAccessed(canonical)
			return nil
		default:
			canonical = in.renameColliding(ctx, obj, canonical)
		}
	}

	in.stampOwnership(obj)
	in.registerBoundaryPort(obj)

	if _, err := in.p.store.Write(ctx, obj); err != nil {
		return err
	}
	in.written++
	in.recordAccessed(canonical)
	return nil
}

// renameColliding assigns a fresh canonical path when another agent already
// holds the proposed one: Sunfish_<agent-4>_<id>, falling back to the full
// agent id if even that collides. Both alias directions are recorded.
func (in *ingest) renameColliding(ctx context.Context, obj redfish.Resource, canonical string) string {
	agentID := in.client.ID()
	agentURI := canonical
	parent := redfish.ParentPath(canonical)
	originalID := redfish.LastSegment(canonical)

	short := agentID
	if len(short) > 4 {
		short = short[:4]
	}
	newID := "Sunfish_" + short + "_" + originalID
	newURI := parent + "/" + newID
	if exists, _ := in.p.store.Exists(ctx, newURI); exists {
		newID = "Sunfish_" + agentID + "_" + originalID
		newURI = parent + "/" + newID
	}

	slog.Info("Renaming conflicting resource", "agent", agentID, "from", agentURI, "to", newURI)
	if err := in.p.aliases.AddAlias(agentID, agentURI, newURI); err != nil {
		slog.Warn("Failed to persist alias registry", "error", err)
	}

	obj["@odata.id"] = newURI
	obj["Id"] = newID
	return newURI
}

// isSharedFabric reports whether two resources describe the same physical
// fabric: both Fabrics with equal non-empty UUIDs.
func isSharedFabric(existing, incoming redfish.Resource) bool {
	if existing.TypeToken() != "Fabric" || incoming.TypeToken() != "Fabric" {
		return false
	}
	a, _ := existing["UUID"].(string)
	b, _ := incoming["UUID"].(string)
	return a != "" && a == b
}

// mergeSharedFabric appends the current agent to the stored fabric's
// FabricSharedWith list. The incoming copy is discarded.
func (in *ingest) mergeSharedFabric(ctx context.Context, existing redfish.Resource) error {
	stamp := existing.Stamp()
	if stamp == nil {
		existing.SetStamp(existing.ManagingAgent(), redfish.BoundaryOwned)
		stamp = existing.Stamp()
	}

	sourceRef := map[string]any{"@odata.id": in.source.ODataID()}
	shared, _ := stamp[redfish.FabricSharedWithKey].([]any)
	for _, entry := range shared {
		ref, _ := entry.(map[string]any)
		if ref != nil && ref["@odata.id"] == in.source.ODataID() {
			return nil
		}
	}
	stamp[redfish.FabricSharedWithKey] = append(shared, sourceRef)

	slog.Info("Merging shared fabric", "id", existing.ODataID(), "agent", in.client.ID())
	_, err := in.p.store.Replace(ctx, existing)
	return err
}

// stampOwnership applies the Oem.Sunfish_RM stamp. An agent that already set
// a ManagingAgent is overstepping; the value is overwritten with a warning.
func (in *ingest) stampOwnership(obj redfish.Resource) {
	if prev := obj.ManagingAgent(); prev != "" && prev != in.source.ODataID() {
		slog.Warn("Agent resource already carries a managing agent, overwriting",
			"id", obj.ODataID(), "claimed", prev, "agent", in.source.ODataID())
	}
	obj.SetStamp(in.source.ODataID(), redfish.BoundaryOwned)
}

// recordAccessed adds a canonical path to the AggregationSource's
// Links.ResourcesAccessed set.
func (in *ingest) recordAccessed(canonical string) {
	links, _ := in.source["Links"].(map[string]any)
	if links == nil {
		links = map[string]any{}
		in.source["Links"] = links
	}
	accessed, _ := links["ResourcesAccessed"].([]any)
	for _, entry := range accessed {
		if entry == canonical {
			return
		}
	}
	links["ResourcesAccessed"] = append(accessed, canonical)
}

// updateAliasedLinks rewrites, in every resource this agent owns, nested
// references that still use the agent's local names. The resource's own
// @odata.id is already canonical and the ownership stamp is never touched.
func (in *ingest) updateAliasedLinks(ctx context.Context) error {
	aliases := in.p.aliases.Aliases(in.client.ID())
	if len(aliases) == 0 {
		return nil
	}

	links, _ := in.source["Links"].(map[string]any)
	accessed, _ := links["ResourcesAccessed"].([]any)
	for _, entry := range accessed {
		path, _ := entry.(string)
		if path == "" {
			continue
		}
		obj, err := in.p.store.Read(ctx, path)
		if err != nil {
			continue
		}
		changed := redfish.RewriteChildRefs(obj, func(ref string) (string, bool) {
			if canonical, ok := aliases[ref]; ok {
				return canonical, true
			}
			return "", false
		})
		if !changed {
			continue
		}
		slog.Debug("Rewrote aliased links", "id", path)
		if _, err := in.p.store.Replace(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}
