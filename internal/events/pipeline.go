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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"sunfish/internal/alias"
	"sunfish/internal/config"
	"sunfish/internal/metrics"
	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

// HandlerFunc is a per-message-id event hook. context is the envelope's
// Context field, which agents set to their AggregationSource id.
type HandlerFunc func(ctx context.Context, p *Pipeline, ev redfish.EventRecord, eventContext string) error

// Pipeline receives event envelopes, dispatches per-message-id hooks, and
// fans matching events out to subscribers.
type Pipeline struct {
	store   *store.Store
	aliases *alias.Registry
	index   *Index
	cfg     config.Config

	// handlers is written only during startup registration; dispatch is a
	// plain table read.
	handlers map[string]HandlerFunc

	// client posts events to subscriber destinations.
	client *http.Client
}

// NewPipeline builds an event pipeline with the built-in handlers registered:
// AggregationSourceDiscovered, ResourceCreated, ClearResources, TriggerEvent.
func NewPipeline(s *store.Store, aliases *alias.Registry, index *Index, cfg config.Config) *Pipeline {
	p := &Pipeline{
		store:    s,
		aliases:  aliases,
		index:    index,
		cfg:      cfg,
		handlers: map[string]HandlerFunc{},
		client:   &http.Client{Timeout: cfg.AgentTimeout},
	}
	p.Register("AggregationSourceDiscovered", aggregationSourceDiscovered)
	p.Register("ResourceCreated", resourceCreated)
	p.Register("ClearResources", clearResources)
	p.Register("TriggerEvent", triggerEvent)
	return p
}

// Register installs a handler for the trailing segment of a MessageId.
func (p *Pipeline) Register(messageID string, fn HandlerFunc) {
	p.handlers[messageID] = fn
}

// Index returns the pipeline's subscription index.
func (p *Pipeline) Index() *Index {
	return p.index
}

// HandleEvent processes one incoming envelope: every event is dispatched to
// its message-id hook, then the subscriber set is computed and the envelope
// forwarded. Returns the ids of the subscribers actually notified.
func (p *Pipeline) HandleEvent(ctx context.Context, envelope redfish.Event) ([]string, error) {
	slog.Debug("Handling incoming event envelope", "context", envelope.Context, "events", len(envelope.Events))

	for _, ev := range envelope.Events {
		metrics.ObserveEvent(ev.MessageID)
		suffix := ev.MessageSuffix()
		fn, ok := p.handlers[suffix]
		if !ok {
			slog.Debug("Message id does not have a custom handler", "message_id", ev.MessageID)
			continue
		}
		if err := fn(ctx, p, ev, envelope.Context); err != nil {
			return nil, fmt.Errorf("handler %s: %w", suffix, err)
		}
	}

	subscribers := map[string]struct{}{}
	for _, ev := range envelope.Events {
		ids, err := p.index.SubscribersFor(ev, func(path string) (string, error) {
			obj, err := p.store.Read(ctx, path)
			if err != nil {
				return "", err
			}
			return obj.TypeToken(), nil
		})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			subscribers[id] = struct{}{}
		}
	}

	notified, err := p.forward(ctx, subscribers, envelope)
	if err != nil {
		return nil, err
	}
	metrics.AddNotifications(len(notified))
	return notified, nil
}

// forward posts the envelope to each subscriber's Destination. Connection
// and HTTP failures drop the subscriber from the result; a missing
// EventDestination object propagates.
func (p *Pipeline) forward(ctx context.Context, ids map[string]struct{}, envelope redfish.Event) ([]string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event envelope: %w", err)
	}

	notified := make([]string, 0, len(ids))
	for id := range ids {
		path := p.store.Root() + "/EventService/Subscriptions/" + id
		sub, err := p.store.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		destination, _ := sub["Destination"].(string)
		if destination == "" {
			slog.Warn("Subscription has no Destination, skipping", "id", id)
			continue
		}
		if err := p.post(ctx, destination, raw); err != nil {
			slog.Warn("Unable to contact event destination, skipping", "id", id, "destination", destination, "error", err)
			continue
		}
		notified = append(notified, id)
	}
	sort.Strings(notified)
	return notified, nil
}

func (p *Pipeline) post(ctx context.Context, destination string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &redfish.DestinationError{Destination: destination}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &redfish.DestinationError{Destination: destination}
	}
	return nil
}

// agentTimeout is exposed for handlers that open their own agent clients.
func (p *Pipeline) agentTimeout() time.Duration {
	return p.cfg.AgentTimeout
}
