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

// Package events implements the event pipeline: the subscription index that
// maps event attributes to subscriber ids, the forwarder that delivers
// matching events, the built-in event handlers, and the BFS ingestor that
// pulls an agent's resource tree into the aggregated store.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

// sendExclude is one RegistryPrefixes or MessageIds bucket: subscribers that
// asked for the key and subscribers that excluded it.
type sendExclude struct {
	toSend  map[string]struct{}
	exclude map[string]struct{}
}

func newSendExclude() *sendExclude {
	return &sendExclude{
		toSend:  map[string]struct{}{},
		exclude: map[string]struct{}{},
	}
}

// Index is the in-memory inverted subscription index. Event forwarding takes
// the read lock only long enough to snapshot the subscriber id set; no lock
// is held while delivering events.
type Index struct {
	mu sync.RWMutex

	registryPrefixes map[string]*sendExclude
	messageIDs       map[string]*sendExclude
	resourceTypes    map[string]map[string]struct{}

	// originResources keys ending in "/*" match any subordinate path.
	originResources map[string]map[string]struct{}
}

// NewIndex returns an empty subscription index.
func NewIndex() *Index {
	return &Index{
		registryPrefixes: map[string]*sendExclude{},
		messageIDs:       map[string]*sendExclude{},
		resourceTypes:    map[string]map[string]struct{}{},
		originResources:  map[string]map[string]struct{}{},
	}
}

// Validate checks an EventDestination's filter sets for the disjointness
// rules: a prefix may not be both included and excluded, a message id may not
// be both included and excluded, and an included message id's registry may
// not be excluded.
func Validate(sub redfish.Resource) error {
	prefixes := stringList(sub["RegistryPrefixes"])
	excludePrefixes := stringList(sub["ExcludeRegistryPrefixes"])
	messageIDs := stringList(sub["MessageIds"])
	excludeMessageIDs := stringList(sub["ExcludeMessageIds"])

	for _, p := range prefixes {
		for _, ep := range excludePrefixes {
			if p == ep {
				return &redfish.IllegalSubscriptionError{
					Reason: fmt.Sprintf("registry prefix %s both included and excluded", p),
				}
			}
		}
	}
	for _, m := range messageIDs {
		for _, em := range excludeMessageIDs {
			if m == em {
				return &redfish.IllegalSubscriptionError{
					Reason: fmt.Sprintf("message id %s both included and excluded", m),
				}
			}
		}
		prefix := strings.SplitN(m, ".", 2)[0]
		for _, ep := range excludePrefixes {
			if prefix == ep {
				return &redfish.IllegalSubscriptionError{
					Reason: fmt.Sprintf("message id %s belongs to excluded registry %s", m, ep),
				}
			}
		}
	}
	return nil
}

// Add validates the subscription and indexes its id into every relevant
// bucket. An illegal subscription is not indexed; whether it is persisted is
// the caller's decision.
func (ix *Index) Add(sub redfish.Resource) error {
	if err := Validate(sub); err != nil {
		return err
	}

	id := sub.ID()
	if id == "" {
		id = redfish.LastSegment(sub.ODataID())
	}
	if id == "" {
		return &redfish.PropertyNotFoundError{Attribute: "Id"}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, prefix := range stringList(sub["RegistryPrefixes"]) {
		ix.prefixBucketLocked(prefix).toSend[id] = struct{}{}
	}
	for _, prefix := range stringList(sub["ExcludeRegistryPrefixes"]) {
		ix.prefixBucketLocked(prefix).exclude[id] = struct{}{}
	}
	for _, mid := range stringList(sub["MessageIds"]) {
		ix.messageBucketLocked(mid).toSend[id] = struct{}{}
	}
	for _, mid := range stringList(sub["ExcludeMessageIds"]) {
		ix.messageBucketLocked(mid).exclude[id] = struct{}{}
	}
	for _, typ := range stringList(sub["ResourceTypes"]) {
		if ix.resourceTypes[typ] == nil {
			ix.resourceTypes[typ] = map[string]struct{}{}
		}
		ix.resourceTypes[typ][id] = struct{}{}
	}

	subordinate, _ := sub["SubordinateResources"].(bool)
	for _, ref := range refList(sub["OriginResources"]) {
		origin := ref
		if subordinate {
			origin = strings.TrimRight(origin, "/") + "/*"
		}
		if ix.originResources[origin] == nil {
			ix.originResources[origin] = map[string]struct{}{}
		}
		ix.originResources[origin][id] = struct{}{}
	}
	return nil
}

// Remove drops the subscriber id from every bucket.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, bucket := range ix.registryPrefixes {
		delete(bucket.toSend, id)
		delete(bucket.exclude, id)
	}
	for _, bucket := range ix.messageIDs {
		delete(bucket.toSend, id)
		delete(bucket.exclude, id)
	}
	for _, ids := range ix.resourceTypes {
		delete(ids, id)
	}
	for _, ids := range ix.originResources {
		delete(ids, id)
	}
}

// Rebuild repopulates the index from every EventDestination stored under the
// subscriptions collection. Called at startup and after a tree reload.
func (ix *Index) Rebuild(ctx context.Context, s *store.Store) error {
	ix.mu.Lock()
	ix.registryPrefixes = map[string]*sendExclude{}
	ix.messageIDs = map[string]*sendExclude{}
	ix.resourceTypes = map[string]map[string]struct{}{}
	ix.originResources = map[string]map[string]struct{}{}
	ix.mu.Unlock()

	prefix := s.Root() + "/EventService/Subscriptions/"
	return s.ForEach(ctx, func(path string, obj redfish.Resource) error {
		if !strings.HasPrefix(path, prefix) || obj.IsCollection() {
			return nil
		}
		if err := ix.Add(obj); err != nil {
			slog.Warn("Skipping stored subscription during index rebuild", "path", path, "error", err)
		}
		return nil
	})
}

// SubscribersFor computes the subscriber ids an event must be forwarded to.
// resolveType maps the event origin path to its stored resource type token;
// it is only consulted when the event carries an OriginOfCondition.
func (ix *Index) SubscribersFor(ev redfish.EventRecord, resolveType func(path string) (string, error)) ([]string, error) {
	prefix := ev.RegistryPrefix()
	mid := ev.MessageID

	toForward := map[string]struct{}{}
	toExclude := map[string]struct{}{}

	var origin string
	if ev.OriginOfCondition != nil {
		origin = ev.OriginOfCondition.ODataID
	}

	// Origin resolution happens outside the lock: resolveType reads the
	// store and must not serialize against subscription changes.
	var originType string
	if origin != "" {
		typ, err := resolveType(origin)
		if err != nil {
			return nil, err
		}
		originType = typ
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if bucket := ix.registryPrefixes[prefix]; bucket != nil {
		for id := range bucket.exclude {
			toExclude[id] = struct{}{}
		}
	}
	if bucket := ix.messageIDs[mid]; bucket != nil {
		for id := range bucket.exclude {
			toExclude[id] = struct{}{}
		}
	}

	if origin != "" {
		for id := range ix.resourceTypes[originType] {
			toForward[id] = struct{}{}
		}
		for id := range ix.originResources[origin] {
			toForward[id] = struct{}{}
		}
		for key, ids := range ix.originResources {
			if !strings.HasSuffix(key, "/*") {
				continue
			}
			base := strings.TrimSuffix(key, "/*")
			if origin == base || strings.HasPrefix(origin, base+"/") {
				for id := range ids {
					toForward[id] = struct{}{}
				}
			}
		}
	}

	if bucket := ix.registryPrefixes[prefix]; bucket != nil {
		for id := range bucket.toSend {
			toForward[id] = struct{}{}
		}
	}
	if bucket := ix.messageIDs[mid]; bucket != nil {
		for id := range bucket.toSend {
			toForward[id] = struct{}{}
		}
	}

	var out []string
	for id := range toForward {
		if _, excluded := toExclude[id]; !excluded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (ix *Index) prefixBucketLocked(prefix string) *sendExclude {
	bucket := ix.registryPrefixes[prefix]
	if bucket == nil {
		bucket = newSendExclude()
		ix.registryPrefixes[prefix] = bucket
	}
	return bucket
}

func (ix *Index) messageBucketLocked(mid string) *sendExclude {
	bucket := ix.messageIDs[mid]
	if bucket == nil {
		bucket = newSendExclude()
		ix.messageIDs[mid] = bucket
	}
	return bucket
}

// stringList coerces a decoded JSON value into a string slice.
func stringList(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// refList extracts the @odata.id of each entry in a list of references.
func refList(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		ref, _ := item.(map[string]any)
		if ref == nil {
			continue
		}
		if s, ok := ref["@odata.id"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}
