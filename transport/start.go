package transport

import (
	"context"
	"encoding/json"
)

// StartPath is the fixed path for the start-handshake request (§6).
const StartPath = "/v0/connect/start"

// StartRequest is the body of the start-handshake POST: the worker's
// identity plus the gateways it wants to avoid being routed to.
type StartRequest struct {
	ExcludedGateways []string `json:"excluded_gateways"`
}

// StartResponse is the decoded body of a successful start-handshake
// response: everything the connection core needs to dial and authenticate
// the WebSocket (§4.2).
type StartResponse struct {
	ConnectionID    string `json:"connection_id"`
	SessionToken    string `json:"session_token"`
	SyncToken       string `json:"sync_token"`
	GatewayEndpoint string `json:"gateway_endpoint"`
	GatewayGroup    string `json:"gateway_group"`
}

// Start performs one start-handshake call (§4.2, §6). useFallbackKey
// selects whether the primary or fallback signing key authenticates the
// request. The returned error is one of AuthError, ConnectionLimitError, or
// a generic RequestError/HTTPError -- the supervisor inspects it via
// errors.As to decide how to react (§7).
func (c *Client) Start(ctx context.Context, excludedGateways []string, useFallbackKey bool) (*StartResponse, error) {
	body, err := json.Marshal(StartRequest{ExcludedGateways: excludedGateways})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "POST", StartPath, body, useFallbackKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 200:
		var out StartResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, JSONError{err}
		}
		return &out, nil

	case 401:
		return nil, AuthError{httpErrorFor(resp, respBody)}

	case 429:
		return nil, ConnectionLimitError{httpErrorFor(resp, respBody)}

	default:
		return nil, httpErrorFor(resp, respBody)
	}
}
