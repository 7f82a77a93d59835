package events

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

func subscription(id string, fields map[string]any) redfish.Resource {
	sub := redfish.Resource{
		"@odata.id":   "/redfish/v1/EventService/Subscriptions/" + id,
		"@odata.type": "#EventDestination.v1_13_0.EventDestination",
		"Id":          id,
		"Destination": "http://listener.example/" + id,
	}
	for k, v := range fields {
		sub[k] = v
	}
	return sub
}

func noOrigin(string) (string, error) {
	return "", errors.New("no origin expected")
}

func TestValidateRejectsOverlappingFilters(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		illegal bool
	}{
		{
			name: "prefix included and excluded",
			fields: map[string]any{
				"RegistryPrefixes":        []any{"Sunfish"},
				"ExcludeRegistryPrefixes": []any{"Sunfish"},
			},
			illegal: true,
		},
		{
			name: "message id included and excluded",
			fields: map[string]any{
				"MessageIds":        []any{"Sunfish.1.0.ResourceCreated"},
				"ExcludeMessageIds": []any{"Sunfish.1.0.ResourceCreated"},
			},
			illegal: true,
		},
		{
			name: "message id inside excluded registry",
			fields: map[string]any{
				"MessageIds":              []any{"Sunfish.1.0.ResourceCreated"},
				"ExcludeRegistryPrefixes": []any{"Sunfish"},
			},
			illegal: true,
		},
		{
			name: "disjoint filters are fine",
			fields: map[string]any{
				"RegistryPrefixes":  []any{"Sunfish"},
				"ExcludeMessageIds": []any{"Alert.1.0.LinkDown"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(subscription("sub1", tc.fields))
			var illegal *redfish.IllegalSubscriptionError
			if got := errors.As(err, &illegal); got != tc.illegal {
				t.Errorf("Validate() = %v, illegal = %v, want %v", err, got, tc.illegal)
			}
		})
	}
}

func TestSubscribersForFilterSemantics(t *testing.T) {
	ix := NewIndex()

	adds := []redfish.Resource{
		subscription("wants-registry", map[string]any{
			"RegistryPrefixes": []any{"Sunfish"},
		}),
		subscription("wants-message", map[string]any{
			"MessageIds": []any{"Sunfish.1.0.ResourceCreated"},
		}),
		subscription("excludes-registry", map[string]any{
			"MessageIds":              []any{"Alert.1.0.LinkDown"},
			"ExcludeRegistryPrefixes": []any{"Sunfish"},
		}),
		subscription("excludes-message", map[string]any{
			"RegistryPrefixes":  []any{"Alert"},
			"ExcludeMessageIds": []any{"Alert.1.0.LinkDown"},
		}),
	}
	for _, sub := range adds {
		if err := ix.Add(sub); err != nil {
			t.Fatalf("Add %s failed: %v", sub.ID(), err)
		}
	}

	got, err := ix.SubscribersFor(redfish.EventRecord{MessageID: "Sunfish.1.0.ResourceCreated"}, noOrigin)
	if err != nil {
		t.Fatalf("SubscribersFor failed: %v", err)
	}
	want := []string{"wants-message", "wants-registry"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("subscribers = %v, want %v", got, want)
	}

	// An excluded message id beats the registry subscription.
	got, err = ix.SubscribersFor(redfish.EventRecord{MessageID: "Alert.1.0.LinkDown"}, noOrigin)
	if err != nil {
		t.Fatalf("SubscribersFor failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("subscribers = %v, want none", got)
	}

	// A different Alert message still reaches the registry subscriber.
	got, _ = ix.SubscribersFor(redfish.EventRecord{MessageID: "Alert.1.0.LinkUp"}, noOrigin)
	if !reflect.DeepEqual(got, []string{"excludes-message"}) {
		t.Errorf("subscribers = %v, want [excludes-message]", got)
	}
}

func TestSubscribersForOriginAndType(t *testing.T) {
	ix := NewIndex()

	if err := ix.Add(subscription("by-type", map[string]any{
		"ResourceTypes": []any{"Port"},
	})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(subscription("by-origin", map[string]any{
		"OriginResources": []any{map[string]any{"@odata.id": "/redfish/v1/Fabrics/CXL"}},
	})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(subscription("by-subtree", map[string]any{
		"OriginResources":      []any{map[string]any{"@odata.id": "/redfish/v1/Fabrics/CXL"}},
		"SubordinateResources": true,
	})); err != nil {
		t.Fatal(err)
	}

	resolve := func(path string) (string, error) {
		if path == "/redfish/v1/Fabrics/CXL/Switches/S1/Ports/P1" {
			return "Port", nil
		}
		return "Fabric", nil
	}

	ev := redfish.EventRecord{
		MessageID:         "Sunfish.1.0.Whatever",
		OriginOfCondition: &redfish.ODataIDRef{ODataID: "/redfish/v1/Fabrics/CXL/Switches/S1/Ports/P1"},
	}
	got, err := ix.SubscribersFor(ev, resolve)
	if err != nil {
		t.Fatalf("SubscribersFor failed: %v", err)
	}
	// by-type matches the Port, by-subtree matches the subordinate path,
	// by-origin needs the exact path and does not.
	want := []string{"by-subtree", "by-type"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("subscribers = %v, want %v", got, want)
	}

	ev.OriginOfCondition = &redfish.ODataIDRef{ODataID: "/redfish/v1/Fabrics/CXL"}
	got, _ = ix.SubscribersFor(ev, resolve)
	want = []string{"by-origin", "by-subtree"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("exact origin subscribers = %v, want %v", got, want)
	}
}

func TestRemoveDropsSubscriberEverywhere(t *testing.T) {
	ix := NewIndex()
	if err := ix.Add(subscription("sub1", map[string]any{
		"RegistryPrefixes": []any{"Sunfish"},
		"MessageIds":       []any{"Alert.1.0.LinkDown"},
		"ResourceTypes":    []any{"Port"},
		"OriginResources":  []any{map[string]any{"@odata.id": "/redfish/v1/Fabrics/CXL"}},
	})); err != nil {
		t.Fatal(err)
	}

	ix.Remove("sub1")

	for _, mid := range []string{"Sunfish.1.0.Whatever", "Alert.1.0.LinkDown"} {
		got, err := ix.SubscribersFor(redfish.EventRecord{MessageID: mid}, noOrigin)
		if err != nil {
			t.Fatalf("SubscribersFor failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("subscribers for %s = %v after Remove", mid, got)
		}
	}
}

func TestRebuildFromStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), "/redfish/v1")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	if _, err := s.Write(ctx, subscription("stored", map[string]any{
		"RegistryPrefixes": []any{"Sunfish"},
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// An illegal subscription in the tree is skipped, not fatal.
	if _, err := s.Write(ctx, subscription("broken", map[string]any{
		"RegistryPrefixes":        []any{"Alert"},
		"ExcludeRegistryPrefixes": []any{"Alert"},
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ix := NewIndex()
	if err := ix.Rebuild(ctx, s); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	got, err := ix.SubscribersFor(redfish.EventRecord{MessageID: "Sunfish.1.0.Whatever"}, noOrigin)
	if err != nil {
		t.Fatalf("SubscribersFor failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"stored"}) {
		t.Errorf("subscribers after rebuild = %v, want [stored]", got)
	}
}
