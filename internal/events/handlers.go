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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"sunfish/internal/agent"
	"sunfish/internal/metrics"
	"sunfish/pkg/redfish"
)

// aggregationSourceDiscovered registers a new fabric agent. The event carries
// the agent's base URL in MessageArgs[1] and the ConnectionMethod path in
// OriginOfCondition. The aggregator fetches the ConnectionMethod from the
// agent, stores it together with a fresh AggregationSource, and binds the
// agent's northbound subscription context so later events identify it.
func aggregationSourceDiscovered(ctx context.Context, p *Pipeline, ev redfish.EventRecord, _ string) error {
	slog.Info("AggregationSourceDiscovered received")

	if ev.OriginOfCondition == nil || ev.OriginOfCondition.ODataID == "" {
		return &redfish.PropertyNotFoundError{Attribute: "OriginOfCondition"}
	}
	if len(ev.MessageArgs) < 2 {
		return &redfish.PropertyNotFoundError{Attribute: "MessageArgs"}
	}
	connectionMethodID := ev.OriginOfCondition.ODataID
	hostname := ev.MessageArgs[1]

	sourceID := uuid.New().String()
	sourceURI := p.store.Root() + "/AggregationService/AggregationSources/" + sourceID

	client, err := agent.NewClient(redfish.Resource{
		"@odata.id": sourceURI,
		"HostName":  hostname,
	}, p.agentTimeout(), p.cfg.InsecureAgentTLS)
	if err != nil {
		return err
	}

	connectionMethod, err := client.Get(ctx, connectionMethodID)
	metrics.ObserveAgentForward(string(redfish.RequestGet), err == nil)
	if err != nil {
		return err
	}
	if connectionMethod.ODataID() == "" {
		connectionMethod["@odata.id"] = connectionMethodID
	}
	if err := writeOrReplace(ctx, p, connectionMethod); err != nil {
		return err
	}

	source := redfish.Resource{
		"@odata.type": "#AggregationSource.v1_2_0.AggregationSource",
		"@odata.id":   sourceURI,
		"Id":          sourceID,
		"HostName":    hostname,
		"Links": map[string]any{
			"ConnectionMethod": map[string]any{
				"@odata.id": connectionMethodID,
			},
			"ResourcesAccessed": []any{},
		},
	}
	if _, err := p.store.Write(ctx, source); err != nil {
		return err
	}
	slog.Info("Registered aggregation source", "id", sourceID, "host", hostname)

	// Bind the agent's subscription context so its future events carry the
	// AggregationSource id.
	_, err = client.Forward(ctx, redfish.RequestPatch,
		"/redfish/v1/EventService/Subscriptions/SunfishServer",
		redfish.Resource{"Context": sourceID})
	metrics.ObserveAgentForward(string(redfish.RequestPatch), err == nil)
	if err != nil {
		return fmt.Errorf("failed to bind agent subscription context: %w", err)
	}
	return nil
}

// resourceCreated ingests the subtree rooted at the event's origin from the
// agent identified by the envelope Context.
func resourceCreated(ctx context.Context, p *Pipeline, ev redfish.EventRecord, eventContext string) error {
	if eventContext == "" {
		return &redfish.PropertyNotFoundError{Attribute: "Context"}
	}
	if ev.OriginOfCondition == nil || ev.OriginOfCondition.ODataID == "" {
		return &redfish.PropertyNotFoundError{Attribute: "OriginOfCondition"}
	}
	slog.Info("ResourceCreated received", "origin", ev.OriginOfCondition.ODataID, "agent", eventContext)

	sourceURI := p.store.Root() + "/AggregationService/AggregationSources/" + eventContext
	source, err := p.store.Read(ctx, sourceURI)
	if err != nil {
		return err
	}

	client, err := agent.NewClient(source, p.agentTimeout(), p.cfg.InsecureAgentTLS)
	if err != nil {
		return err
	}

	ing := newIngest(p, client, source)
	if err := ing.run(ctx, ev.OriginOfCondition.ODataID); err != nil {
		return err
	}

	// Persist the updated ResourcesAccessed list.
	_, err = p.store.Patch(ctx, sourceURI, redfish.Resource{"Links": source["Links"]})
	return err
}

// clearResources wipes the aggregated tree and reloads it from a directory
// of index.json files. The alias registry is cleared and the subscription
// index rebuilt from whatever subscriptions the reloaded tree carries.
func clearResources(ctx context.Context, p *Pipeline, ev redfish.EventRecord, _ string) error {
	dir := p.cfg.BackupDir
	if len(ev.MessageArgs) > 0 && ev.MessageArgs[0] != "" {
		dir = ev.MessageArgs[0]
	}
	slog.Info("ClearResources received", "dir", dir)

	if _, err := p.store.LoadTree(ctx, dir); err != nil {
		return err
	}
	if err := p.aliases.Reset(); err != nil {
		return err
	}
	return p.index.Rebuild(ctx, p.store)
}

// triggerEvent loads a stored event envelope from the file named by
// MessageArgs[0] and posts it to the event listener of the host named by
// MessageArgs[1]. An envelope Context of "None" is resolved by matching a
// subscription's Destination against the target host.
func triggerEvent(ctx context.Context, p *Pipeline, ev redfish.EventRecord, _ string) error {
	if len(ev.MessageArgs) < 2 {
		return &redfish.PropertyNotFoundError{Attribute: "MessageArgs"}
	}
	file := ev.MessageArgs[0]
	target := ev.MessageArgs[1]
	slog.Info("TriggerEvent received", "file", file, "target", target)

	raw, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return fmt.Errorf("failed to read event file %s: %w", file, err)
	}
	var envelope redfish.Event
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode event file %s: %w", file, err)
	}

	if envelope.Context == "None" {
		if sub := p.subscriptionForDestination(ctx, target); sub != nil {
			if c, _ := (*sub)["Context"].(string); c != "" {
				envelope.Context = c
			}
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode event envelope: %w", err)
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	if err := p.post(ctx, strings.TrimRight(target, "/")+"/EventListener", body); err != nil {
		return err
	}
	return nil
}

// subscriptionForDestination finds a stored EventDestination whose
// Destination targets the given host.
func (p *Pipeline) subscriptionForDestination(ctx context.Context, host string) *redfish.Resource {
	prefix := p.store.Root() + "/EventService/Subscriptions/"
	var found *redfish.Resource
	err := p.store.ForEach(ctx, func(path string, obj redfish.Resource) error {
		if found != nil || !strings.HasPrefix(path, prefix) || obj.IsCollection() {
			return nil
		}
		destination, _ := obj["Destination"].(string)
		if destination != "" && strings.Contains(destination, host) {
			found = &obj
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed scanning subscriptions for destination", "host", host, "error", err)
		return nil
	}
	return found
}

// writeOrReplace stores an object, overwriting one already present at the
// same path.
func writeOrReplace(ctx context.Context, p *Pipeline, obj redfish.Resource) error {
	_, err := p.store.Write(ctx, obj)
	var exists *redfish.AlreadyExistsError
	if errors.As(err, &exists) {
		_, err = p.store.Replace(ctx, obj)
	}
	return err
}
