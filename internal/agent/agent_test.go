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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sunfish/internal/store"
	"sunfish/pkg/redfish"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(redfish.Resource{
		"@odata.id": "/redfish/v1/AggregationService/AggregationSources/agent-1",
		"HostName":  srv.URL,
	}, 5*time.Second, false)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestClientRequiresHostName(t *testing.T) {
	_, err := NewClient(redfish.Resource{
		"@odata.id": "/redfish/v1/AggregationService/AggregationSources/agent-1",
	}, time.Second, false)
	var missing *redfish.PropertyNotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("expected PropertyNotFoundError, got %v", err)
	}
}

func TestForwardReplaceGoesOutAsPatch(t *testing.T) {
	var gotMethod string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(body)
	}))

	res, err := c.Forward(context.Background(), redfish.RequestReplace,
		"/redfish/v1/Systems/S1", redfish.Resource{"Id": "S1"})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("wire method = %s, want PATCH", gotMethod)
	}
	if res["Id"] != "S1" {
		t.Errorf("response = %v", res)
	}
}

func TestForwardDeleteAcceptsNoContent(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if _, err := c.Forward(context.Background(), redfish.RequestDelete, "/redfish/v1/Systems/S1", nil); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
}

func TestForwardErrorCarriesStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such resource", http.StatusNotFound)
	}))

	_, err := c.Get(context.Background(), "/redfish/v1/Systems/S1")
	var fwd *redfish.AgentForwardingError
	if !errors.As(err, &fwd) {
		t.Fatalf("expected AgentForwardingError, got %v", err)
	}
	if fwd.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", fwd.Status)
	}
	if fwd.Operation != redfish.RequestGet {
		t.Errorf("Operation = %s", fwd.Operation)
	}
}

func TestForwardConnectionRefused(t *testing.T) {
	c, err := NewClient(redfish.Resource{
		"@odata.id": "/redfish/v1/AggregationService/AggregationSources/agent-1",
		"HostName":  "http://127.0.0.1:1",
	}, time.Second, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Get(context.Background(), "/redfish/v1")
	var fwd *redfish.AgentForwardingError
	if !errors.As(err, &fwd) {
		t.Fatalf("expected AgentForwardingError, got %v", err)
	}
	if fwd.Status != -1 {
		t.Errorf("Status = %d, want -1 for transport failure", fwd.Status)
	}
}

func setupRouterStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), "/redfish/v1")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return s
}

func TestRouterLocatesManagingAgent(t *testing.T) {
	s := setupRouterStore(t)
	ctx := context.Background()

	agentURI := "/redfish/v1/AggregationService/AggregationSources/agent-1"
	if _, err := s.Write(ctx, redfish.Resource{
		"@odata.id":   agentURI,
		"@odata.type": "#AggregationSource.v1_2_0.AggregationSource",
		"HostName":    "http://agent-1.example:8854",
	}); err != nil {
		t.Fatal(err)
	}

	fabric := redfish.Resource{
		"@odata.id":   "/redfish/v1/Fabrics/CXL",
		"@odata.type": "#Fabric.v1_3_0.Fabric",
	}
	fabric.SetStamp(agentURI, redfish.BoundaryOwned)
	if _, err := s.Write(ctx, fabric); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, redfish.Resource{
		"@odata.id":   "/redfish/v1/Fabrics/CXL/Switches/S1",
		"@odata.type": "#Switch.v1_6_0.Switch",
	}); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(s, time.Second, false)

	// A deep path inherits ownership from the stamped ancestor.
	c, err := r.Locate(ctx, "/redfish/v1/Fabrics/CXL/Switches/S1", redfish.RequestGet)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if c == nil || c.ID() != "agent-1" {
		t.Fatalf("client = %+v, want agent-1", c)
	}

	// Creating under the switch checks ownership at the grandparent even
	// though the Ports collection does not exist yet.
	c, err = r.Locate(ctx, "/redfish/v1/Fabrics/CXL/Switches/S1/Ports/P1", redfish.RequestCreate)
	if err != nil {
		t.Fatalf("Locate create failed: %v", err)
	}
	if c == nil || c.ID() != "agent-1" {
		t.Fatalf("create client = %+v, want agent-1", c)
	}

	// Direct children of the service root are always local.
	c, err = r.Locate(ctx, "/redfish/v1/EventService", redfish.RequestGet)
	if err != nil {
		t.Fatalf("Locate root child failed: %v", err)
	}
	if c != nil {
		t.Errorf("root child unexpectedly agent managed: %v", c.ID())
	}

	// Unstamped subtrees are local too.
	c, err = r.Locate(ctx, "/redfish/v1/Chassis/C1", redfish.RequestGet)
	if err != nil {
		t.Fatalf("Locate unmanaged failed: %v", err)
	}
	if c != nil {
		t.Errorf("unmanaged path routed to agent %v", c.ID())
	}
}
