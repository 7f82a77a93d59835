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

// Package agent talks to the southbound fabric agents: an HTTP client per
// AggregationSource and the ownership router deciding which agent, if any, a
// northbound request must be forwarded to.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sunfish/pkg/redfish"
)

// Client forwards requests to one fabric agent. Requests are never retried;
// a failure surfaces as an AgentForwardingError.
type Client struct {
	id     string
	host   string
	source redfish.Resource
	http   *http.Client
}

// NewClient builds a client from a stored AggregationSource. The source must
// carry a HostName.
func NewClient(source redfish.Resource, timeout time.Duration, insecureTLS bool) (*Client, error) {
	host, _ := source["HostName"].(string)
	if host == "" {
		return nil, &redfish.PropertyNotFoundError{Attribute: "HostName"}
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	host = strings.TrimRight(host, "/")

	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		id:     redfish.LastSegment(source.ODataID()),
		host:   host,
		source: source,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// ID returns the AggregationSource id of the agent.
func (c *Client) ID() string {
	return c.id
}

// Host returns the agent's base URL.
func (c *Client) Host() string {
	return c.host
}

// Source returns the stored AggregationSource the client was built from.
func (c *Client) Source() redfish.Resource {
	return c.source
}

// Get fetches a resource from the agent.
func (c *Client) Get(ctx context.Context, path string) (redfish.Resource, error) {
	return c.Forward(ctx, redfish.RequestGet, path, nil)
}

// Forward sends one operation to the agent. Replace is forwarded as PATCH on
// the wire, which the agents treat as a full update. Delete returns an empty
// resource on 200, 202 or 204; every other operation requires a 200 with a
// JSON body.
func (c *Client) Forward(ctx context.Context, op redfish.RequestType, path string, payload redfish.Resource) (redfish.Resource, error) {
	method, hasBody := wireMethod(op)

	var body io.Reader
	if hasBody {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode agent payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &redfish.AgentForwardingError{Operation: op, Status: -1, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if op == redfish.RequestDelete {
		switch resp.StatusCode {
		case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
			return redfish.Resource{}, nil
		}
		return nil, forwardingError(op, resp)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, forwardingError(op, resp)
	}

	var result redfish.Resource
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &redfish.AgentForwardingError{
			Operation: op,
			Status:    resp.StatusCode,
			Reason:    fmt.Sprintf("invalid JSON response: %v", err),
		}
	}
	return result, nil
}

func wireMethod(op redfish.RequestType) (method string, hasBody bool) {
	switch op {
	case redfish.RequestCreate:
		return http.MethodPost, true
	case redfish.RequestReplace, redfish.RequestPatch:
		return http.MethodPatch, true
	case redfish.RequestDelete:
		return http.MethodDelete, false
	default:
		return http.MethodGet, false
	}
}

func forwardingError(op redfish.RequestType, resp *http.Response) error {
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &redfish.AgentForwardingError{
		Operation: op,
		Status:    resp.StatusCode,
		Reason:    strings.TrimSpace(string(reason)),
	}
}
