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

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

// Router decides which agent manages a resource path by walking the stored
// tree toward the root and inspecting ownership stamps.
type Router struct {
	store       *store.Store
	timeout     time.Duration
	insecureTLS bool
}

// NewRouter returns a Router over the given store.
func NewRouter(s *store.Store, timeout time.Duration, insecureTLS bool) *Router {
	return &Router{store: s, timeout: timeout, insecureTLS: insecureTLS}
}

// Locate returns a client for the agent managing the resource at path, or
// nil when the resource is unmanaged and the request is served locally.
//
// For creates the decision starts at the grandparent of the new object: the
// object and its parent collection may not exist yet, so ownership is read
// off the entity the collection hangs from. Direct children of the service
// root are never agent-managed.
func (r *Router) Locate(ctx context.Context, path string, op redfish.RequestType) (*Client, error) {
	target := redfish.NormalizePath(path)
	if op == redfish.RequestCreate {
		target = redfish.ParentPath(redfish.ParentPath(target))
	}

	root := r.store.Root()
	for cur := target; redfish.Depth(root, cur) > 1; cur = redfish.ParentPath(cur) {
		obj, err := r.store.Read(ctx, cur)
		if err != nil {
			var nf *redfish.ResourceNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		if agentURI := obj.ManagingAgent(); agentURI != "" {
			slog.Debug("Resource is agent managed", "path", path, "owner", cur, "agent", agentURI)
			return r.ClientFor(ctx, agentURI)
		}
	}
	return nil, nil
}

// ClientFor builds a client for the AggregationSource stored at agentURI.
func (r *Router) ClientFor(ctx context.Context, agentURI string) (*Client, error) {
	source, err := r.store.Read(ctx, agentURI)
	if err != nil {
		return nil, err
	}
	return NewClient(source, r.timeout, r.insecureTLS)
}
