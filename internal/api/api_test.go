package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sunfish/internal/alias"
	"sunfish/internal/config"
	"sunfish/internal/core"
	"sunfish/internal/events"
	"sunfish/internal/store"
	"sunfish/pkg/auth"
	"sunfish/pkg/redfish"
)

func setupServer(t *testing.T, authEnabled bool) (*httptest.Server, *store.Store) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), "/redfish/v1")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	aliases, err := alias.New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create alias registry: %v", err)
	}

	cfg := config.Default()
	cfg.AgentTimeout = 5 * time.Second
	cfg.AuthEnabled = authEnabled

	c := core.New(s, aliases, events.NewIndex(), cfg)
	srv := httptest.NewServer(New(c, cfg))
	t.Cleanup(srv.Close)
	return srv, s
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	if e == nil {
		return ""
	}
	code, _ := e["code"].(string)
	return code
}

func TestGetServiceRoot(t *testing.T) {
	srv, _ := setupServer(t, false)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/redfish/v1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["@odata.id"] != "/redfish/v1" {
		t.Errorf("@odata.id = %v", body["@odata.id"])
	}
	if resp.Header.Get("OData-Version") != "4.0" {
		t.Errorf("OData-Version = %q", resp.Header.Get("OData-Version"))
	}
}

func TestCreateRespondsOKWithLocation(t *testing.T) {
	srv, _ := setupServer(t, false)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/Systems", redfish.Resource{
		"@odata.type": "#ComputerSystem.v1_20_0.ComputerSystem",
		"Id":          "Sys1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/redfish/v1/Systems/Sys1" {
		t.Errorf("Location = %q", got)
	}
	if body["@odata.id"] != "/redfish/v1/Systems/Sys1" {
		t.Errorf("@odata.id = %v", body["@odata.id"])
	}
}

func TestCRUDLifecycle(t *testing.T) {
	srv, _ := setupServer(t, false)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/Chassis", redfish.Resource{
		"@odata.type": "#Chassis.v1_23_0.Chassis",
		"Id":          "C1",
		"Name":        "Rack 1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, created)
	}
	if got := resp.Header.Get("Location"); got != "/redfish/v1/Chassis/C1" {
		t.Errorf("Location = %q", got)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/redfish/v1/Chassis/C1", nil)
	if resp.StatusCode != http.StatusOK || body["Name"] != "Rack 1" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/redfish/v1/Chassis/C1", redfish.Resource{
		"Name": "Rack 1 Renamed",
	})
	if resp.StatusCode != http.StatusOK || body["Name"] != "Rack 1 Renamed" {
		t.Fatalf("patch = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/redfish/v1/Chassis/C1", redfish.Resource{
		"@odata.type": "#Chassis.v1_23_0.Chassis",
		"Id":          "C1",
		"Name":        "Replaced",
	})
	if resp.StatusCode != http.StatusOK || body["Name"] != "Replaced" {
		t.Fatalf("put = %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/redfish/v1/Chassis/C1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/redfish/v1/Chassis/C1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := setupServer(t, false)

	// 404 for an unknown resource.
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/redfish/v1/Nope/Nada", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != "Base.1.0.ResourceNotFound" {
		t.Errorf("not found = %d %q", resp.StatusCode, errorCode(body))
	}

	chassis := redfish.Resource{"@odata.type": "#Chassis.v1_23_0.Chassis", "Id": "C1"}
	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/Chassis", chassis); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed create = %d", resp.StatusCode)
	}

	// 409 when the path already exists.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/Chassis", chassis)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d", resp.StatusCode)
	}

	// 405 for mutating a collection.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/redfish/v1/Chassis", redfish.Resource{"Name": "x"})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("patch collection = %d", resp.StatusCode)
	}

	// 403 when ancestors are missing.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/Fabrics/F1/Switches", redfish.Resource{
		"@odata.type": "#Switch.v1_6_0.Switch",
		"Id":          "S1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("create without ancestors = %d", resp.StatusCode)
	}

	// 400 for malformed JSON.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/redfish/v1/Chassis", bytes.NewReader([]byte("{nope")))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d", raw.StatusCode)
	}
}

func TestEventListenerReturnsNotified(t *testing.T) {
	srv, s := setupServer(t, false)

	received := make(chan redfish.Event, 1)
	listener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env redfish.Event
		_ = json.NewDecoder(r.Body).Decode(&env)
		received <- env
	}))
	t.Cleanup(listener.Close)

	// Subscribe through the API so the index hook runs.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/EventService/Subscriptions", redfish.Resource{
		"@odata.type":      "#EventDestination.v1_13_0.EventDestination",
		"Id":               "sub1",
		"Destination":      listener.URL,
		"RegistryPrefixes": []any{"Alert"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe = %d", resp.StatusCode)
	}
	if _, err := s.Read(context.Background(), "/redfish/v1/EventService/Subscriptions/sub1"); err != nil {
		t.Fatalf("subscription not stored: %v", err)
	}

	body, _ := json.Marshal(redfish.Event{
		Events: []redfish.EventRecord{{MessageID: "Alert.1.0.LinkDown"}},
	})
	post, err := http.Post(srv.URL+"/EventListener", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer post.Body.Close()
	if post.StatusCode != http.StatusOK {
		t.Fatalf("event listener status = %d", post.StatusCode)
	}
	var notified []string
	if err := json.NewDecoder(post.Body).Decode(&notified); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(notified) != 1 || notified[0] != "sub1" {
		t.Errorf("notified = %v", notified)
	}

	select {
	case env := <-received:
		if env.Events[0].MessageID != "Alert.1.0.LinkDown" {
			t.Errorf("forwarded envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Error("listener never received the event")
	}
}

func TestAuthEnabledRequiresCredentials(t *testing.T) {
	srv, s := setupServer(t, true)
	ctx := context.Background()

	hash, err := auth.HashPassword("secret123")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, &store.User{
		ID:           "u1",
		Username:     "admin",
		PasswordHash: hash,
		Role:         "Administrator",
		Enabled:      true,
	}); err != nil {
		t.Fatal(err)
	}

	// Anonymous requests are rejected.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/redfish/v1", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}

	// Login is open and yields a token.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/redfish/v1/SessionService/Sessions", map[string]any{
		"UserName": "admin",
		"Password": "secret123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		t.Fatal("no X-Auth-Token header")
	}
	sessionURI := resp.Header.Get("Location")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/redfish/v1", nil)
	req.Header.Set("X-Auth-Token", token)
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("token request status = %d", authed.StatusCode)
	}

	// Logout invalidates the token.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+sessionURI, nil)
	req.Header.Set("X-Auth-Token", token)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", del.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/redfish/v1", nil)
	req.Header.Set("X-Auth-Token", token)
	stale, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	stale.Body.Close()
	if stale.StatusCode != http.StatusUnauthorized {
		t.Errorf("stale token status = %d", stale.StatusCode)
	}
}
