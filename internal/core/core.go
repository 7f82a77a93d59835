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

// Package core binds the store, the ownership router, the alias registry and
// the event pipeline into the CRUD and event-ingress surface the HTTP edge
// exposes. Every mutation is routed to the managing agent first, translated
// through the alias registry in both directions, run through the per-type
// object hooks, and only then committed locally.
package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"sunfish/internal/agent"
	"sunfish/internal/alias"
	"sunfish/internal/config"
	"sunfish/internal/events"
	"sunfish/internal/metrics"
	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

// Core is the aggregation façade.
type Core struct {
	store    *store.Store
	aliases  *alias.Registry
	router   *agent.Router
	pipeline *events.Pipeline
	objects  *ObjectHandlerTable
}

// New wires a Core over its collaborators.
func New(s *store.Store, aliases *alias.Registry, index *events.Index, cfg config.Config) *Core {
	return &Core{
		store:    s,
		aliases:  aliases,
		router:   agent.NewRouter(s, cfg.AgentTimeout, cfg.InsecureAgentTLS),
		pipeline: events.NewPipeline(s, aliases, index, cfg),
		objects:  NewObjectHandlerTable(index),
	}
}

// Store returns the underlying resource store.
func (c *Core) Store() *store.Store {
	return c.store
}

// Root returns the service root path of the aggregated tree.
func (c *Core) Root() string {
	return c.store.Root()
}

// Get reads the resource stored at path.
func (c *Core) Get(ctx context.Context, path string) (redfish.Resource, error) {
	slog.Debug("Getting object", "path", path)
	return c.store.Read(ctx, path)
}

// Create stores a new resource under the given collection path, forwarding
// to the managing agent first when the subtree is agent-owned. A payload
// without identity gets a fresh UUID.
func (c *Core) Create(ctx context.Context, collectionPath string, payload redfish.Resource) (redfish.Resource, error) {
	collectionPath = redfish.NormalizePath(collectionPath)

	if payload.ODataID() == "" && payload.ID() == "" {
		id := uuid.New().String()
		payload["Id"] = id
		payload["@odata.id"] = collectionPath + "/" + id
	} else if payload.ODataID() == "" {
		payload["@odata.id"] = collectionPath + "/" + payload.ID()
	} else if payload.ID() == "" {
		payload["Id"] = redfish.LastSegment(payload.ODataID())
	}

	objectType := payload.TypeToken()
	if objectType == "" {
		return nil, &redfish.PropertyNotFoundError{Attribute: "@odata.type"}
	}
	if payload.IsCollection() {
		return nil, &redfish.CollectionNotSupportedError{Path: collectionPath}
	}

	toWrite := payload
	client, err := c.router.Locate(ctx, payload.ODataID(), redfish.RequestCreate)
	if err != nil {
		return nil, err
	}
	if client != nil {
		response, err := c.forward(ctx, client, redfish.RequestCreate, collectionPath, payload)
		if err != nil {
			return nil, err
		}
		if response != nil {
			toWrite = response
		}
		// The agent must not decide ownership; restamp with the source we
		// routed through.
		toWrite.SetStamp(client.Source().ODataID(), redfish.BoundaryUnknown)
	}

	c.objects.Dispatch(ctx, objectType, collectionPath, redfish.RequestCreate, toWrite)

	return c.store.Write(ctx, toWrite)
}

// Replace overwrites the resource at path.
func (c *Core) Replace(ctx context.Context, path string, payload redfish.Resource) (redfish.Resource, error) {
	path = redfish.NormalizePath(path)

	objectType, err := c.objectType(ctx, payload, path)
	if err != nil {
		return nil, err
	}
	if isCollectionType(objectType) {
		return nil, &redfish.CollectionNotSupportedError{Path: path}
	}
	if _, err := c.store.Read(ctx, path); err != nil {
		return nil, err
	}

	if err := c.forwardIfManaged(ctx, redfish.RequestReplace, path, payload); err != nil {
		return nil, err
	}
	c.objects.Dispatch(ctx, objectType, path, redfish.RequestReplace, payload)

	payload["@odata.id"] = path
	return c.store.Replace(ctx, payload)
}

// Patch merges the payload into the resource at path.
func (c *Core) Patch(ctx context.Context, path string, payload redfish.Resource) (redfish.Resource, error) {
	path = redfish.NormalizePath(path)

	stored, err := c.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if stored.IsCollection() {
		return nil, &redfish.CollectionNotSupportedError{Path: path}
	}

	if err := c.forwardIfManaged(ctx, redfish.RequestPatch, path, payload); err != nil {
		return nil, err
	}

	merged, err := c.store.Patch(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	c.objects.Dispatch(ctx, stored.TypeToken(), path, redfish.RequestPatch, merged)
	return merged, nil
}

// Delete removes the resource at path, forwarding to the managing agent
// first, then cleaning up local references.
func (c *Core) Delete(ctx context.Context, path string) error {
	path = redfish.NormalizePath(path)

	stored, err := c.store.Read(ctx, path)
	if err != nil {
		return err
	}
	if stored.IsCollection() {
		return &redfish.CollectionNotSupportedError{Path: path}
	}

	if err := c.forwardIfManaged(ctx, redfish.RequestDelete, path, nil); err != nil {
		return err
	}
	c.objects.Dispatch(ctx, stored.TypeToken(), path, redfish.RequestDelete, stored)

	return c.store.Remove(ctx, path)
}

// HandleEvent feeds one envelope through the event pipeline and returns the
// ids of the subscribers notified.
func (c *Core) HandleEvent(ctx context.Context, envelope redfish.Event) ([]string, error) {
	return c.pipeline.HandleEvent(ctx, envelope)
}

// forwardIfManaged routes one non-create operation to the agent managing
// path, if any. The local tree is only touched after the agent accepted.
func (c *Core) forwardIfManaged(ctx context.Context, op redfish.RequestType, path string, payload redfish.Resource) error {
	client, err := c.router.Locate(ctx, path, op)
	if err != nil {
		return err
	}
	if client == nil {
		slog.Debug("Path is not agent managed", "path", path)
		return nil
	}
	_, err = c.forward(ctx, client, op, path, payload)
	return err
}

// forward sends one operation to an agent with alias translation applied:
// outbound paths and references are rewritten into the agent's namespace,
// the response's references back into canonical form.
func (c *Core) forward(ctx context.Context, client *agent.Client, op redfish.RequestType, path string, payload redfish.Resource) (redfish.Resource, error) {
	agentID := client.ID()
	agentPath := c.aliases.ToAgent(agentID, path)

	var outbound redfish.Resource
	if payload != nil {
		outbound = payload.Clone()
		redfish.RewriteRefs(map[string]any(outbound), func(ref string) (string, bool) {
			if translated := c.aliases.ToAgent(agentID, ref); translated != ref {
				return translated, true
			}
			return "", false
		})
	}

	response, err := client.Forward(ctx, op, agentPath, outbound)
	metrics.ObserveAgentForward(string(op), err == nil)
	if err != nil {
		return nil, err
	}
	if response != nil {
		redfish.RewriteRefs(map[string]any(response), func(ref string) (string, bool) {
			if translated := c.aliases.ToCanonical(agentID, ref); translated != ref {
				return translated, true
			}
			return "", false
		})
	}
	return response, nil
}

// objectType resolves the schema token from the payload, falling back to
// the stored object at path.
func (c *Core) objectType(ctx context.Context, payload redfish.Resource, path string) (string, error) {
	if t := payload.TypeToken(); t != "" {
		return t, nil
	}
	stored, err := c.store.Read(ctx, path)
	if err != nil {
		var notFound *redfish.ResourceNotFoundError
		if errors.As(err, &notFound) {
			return "", &redfish.PropertyNotFoundError{Attribute: "@odata.type"}
		}
		return "", err
	}
	return stored.TypeToken(), nil
}

func isCollectionType(token string) bool {
	return strings.Contains(token, "Collection")
}
