package edge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/identity"
)

// EdgeRouter is an edge router a network session may dial. URLs maps a
// protocol name such as "wss" or "quic" to the router address.
type EdgeRouter struct {
	Name     string            `json:"name"`
	Hostname string            `json:"hostname"`
	URLs     map[string]string `json:"urls"`
}

// NetworkSession authorizes dialing one service through its edge routers.
type NetworkSession struct {
	ID          string       `json:"id"`
	Token       string       `json:"token"`
	ServiceID   string       `json:"serviceId"`
	Type        string       `json:"type"`
	EdgeRouters []EdgeRouter `json:"edgeRouters"`
}

type servicesResponse struct {
	Data []identity.Service `json:"data"`
}

type networkSessionResponse struct {
	Data NetworkSession `json:"data"`
}

type networkSessionRequest struct {
	ServiceID string `json:"serviceId"`
}

// GetServices fetches the services visible to the identity, swaps them into
// the identity, and reports whether the list changed.
func (c *Client) GetServices(ctx context.Context) ([]identity.Service, bool, error) {
	const op = "get services"
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.doProtected(ctx, op, http.MethodGet, c.apiURL(servicesPath), nil)
	if err != nil {
		return nil, false, err
	}
	var out servicesResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, false, &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.status, Err: err}
	}
	changed := c.id.ReplaceServices(out.Data)
	if changed {
		c.log.Info("services changed", "count", len(out.Data))
	}
	return out.Data, changed, nil
}

// GetNetworkSession requests a network session for serviceID.
func (c *Client) GetNetworkSession(ctx context.Context, serviceID string) (*NetworkSession, error) {
	const op = "get network session"
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	body, err := json.Marshal(networkSessionRequest{ServiceID: serviceID})
	if err != nil {
		return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
	}
	resp, err := c.doProtected(ctx, op, http.MethodGet, c.apiURL(networkSessionsPath), body)
	if err != nil {
		return nil, err
	}
	var out networkSessionResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.status, Err: err}
	}
	if out.Data.ServiceID == "" {
		out.Data.ServiceID = serviceID
	}
	return &out.Data, nil
}

// doProtected runs a call that needs a session token. The client
// authenticates when it holds no token. A 401 drops the token and the call
// is retried once after re-authenticating; a second 401 is returned as
// [domain.ErrAuthRequired].
func (c *Client) doProtected(ctx context.Context, op, method, url string, body []byte) (*response, error) {
	contentType := ""
	if body != nil {
		contentType = contentTypeJSON
	}
	for attempt := 0; ; attempt++ {
		token := c.id.SessionToken()
		if token == "" {
			if err := c.reauthenticate(ctx); err != nil {
				return nil, err
			}
			token = c.id.SessionToken()
			if token == "" {
				if c.removed(ctx) {
					return nil, c.removedError(op)
				}
				return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrAuthenticationFailed, Message: "no session token after authentication"}
			}
		}

		req, err := c.newRequest(method, url, contentType, body)
		if err != nil {
			return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
		}
		req.Header.Set(domain.SessionHeader, token)

		resp, err := c.send(ctx, op, req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.status == http.StatusOK:
			return resp, nil
		case resp.status == http.StatusUnauthorized:
			c.id.ClearSessionToken(token)
			if attempt == 0 {
				c.log.Debug("session rejected, re-authenticating", "op", op)
				continue
			}
			return nil, c.httpError(op, domain.ErrAuthRequired, resp)
		default:
			return nil, c.httpError(op, nil, resp)
		}
	}
}
