// Package edge implements the controller protocol client for a single
// identity: certificate enrollment, session authentication, and the
// protected service and network-session calls.
package edge

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/keychain"
	"github.com/koltyakov/edgetun/internal/netutil"
)

const (
	authenticatePath    = "/authenticate?method=cert"
	servicesPath        = "/services?limit=500"
	networkSessionsPath = "/network-sessions"

	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"

	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
	maxErrorBytes    = 4096
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each HTTP exchange. Zero means 30s.
	Timeout time.Duration
	// RootCAs overrides the controller trust roots. When nil the identity's
	// root CA bundle is used, then the certificate trusted at enrollment,
	// then the system pool.
	RootCAs *x509.CertPool
	Now     func() time.Time
	Logger  *slog.Logger
}

// Client talks to the controller on behalf of one identity. The identity
// is owned by a registry; the client only references it.
type Client struct {
	id   *identity.Identity
	keys *keychain.Manager
	opts Options
	log  *slog.Logger

	auth singleflight.Group
}

func New(id *identity.Identity, keys *keychain.Manager, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		id:   id,
		keys: keys,
		opts: opts,
		log:  logger.With("identity_id", id.ID),
	}
}

func (c *Client) Identity() *identity.Identity {
	return c.id
}

type response struct {
	status int
	body   []byte
}

// callContext derives a context that is also canceled when the identity is
// removed from its registry.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.id.Context(), func() { cancel(domain.ErrIdentityRemoved) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// httpClient builds a transport for a single call. Calls never share
// connection state.
func (c *Client) httpClient(ctx context.Context) *http.Client {
	tr := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
		TLSClientConfig: &tls.Config{
			MinVersion:           tls.VersionTLS12,
			RootCAs:              c.rootCAs(ctx),
			GetClientCertificate: c.clientCertificate(ctx),
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: c.opts.Timeout,
	}
	return &http.Client{Transport: tr, Timeout: c.opts.Timeout}
}

// clientCertificate answers a server certificate request with the
// identity's secure identity. Without one an empty certificate is sent and
// the server decides whether to continue the handshake.
func (c *Client) clientCertificate(ctx context.Context) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		cert, err := c.keys.GetSecureIdentity(ctx, c.id.ID)
		if err != nil {
			c.log.Debug("no client certificate for tls challenge", "err", err)
			return &tls.Certificate{}, nil
		}
		return cert, nil
	}
}

func (c *Client) rootCAs(ctx context.Context) *x509.CertPool {
	if c.opts.RootCAs != nil {
		return c.opts.RootCAs
	}
	if c.id.RootCA != "" {
		if pool, err := keychain.CertPoolFromPEM(c.id.RootCA); err == nil {
			return pool
		}
	}
	if host := c.id.ControllerHost(); host != "" {
		if cert, err := c.keys.GetCertificate(ctx, host); err == nil {
			pool, perr := x509.SystemCertPool()
			if perr != nil {
				pool = x509.NewCertPool()
			}
			pool.AddCert(cert)
			return pool
		}
	}
	return nil
}

// send performs one exchange and records reachability. A transport failure
// returns an error; any HTTP response, successful or not, returns a
// response.
func (c *Client) send(ctx context.Context, op string, req *http.Request) (*response, error) {
	hc := c.httpClient(ctx)
	defer hc.CloseIdleConnections()

	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		if c.removed(ctx) {
			return nil, c.removedError(op)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up; that says nothing about the controller.
			return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: ctxErr}
		}
		c.id.SetEdgeStatus(identity.ReachabilityUnavailable, c.opts.Now())
		c.log.Debug("controller unreachable", "op", op, "err", err)
		return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrTransportUnavailable, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	limit := int64(maxResponseBytes)
	if resp.StatusCode != http.StatusOK {
		limit = maxErrorBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if c.removed(ctx) {
			return nil, c.removedError(op)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.StatusCode, Err: ctxErr}
		}
		c.id.SetEdgeStatus(identity.ReachabilityUnavailable, c.opts.Now())
		return nil, &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrTransportUnavailable, Err: err}
	}
	if c.removed(ctx) {
		return nil, c.removedError(op)
	}

	status := identity.ReachabilityAvailable
	if resp.StatusCode != http.StatusOK {
		status = identity.ReachabilityPartiallyAvailable
	}
	c.id.SetEdgeStatus(status, c.opts.Now())
	c.log.Debug("controller response", "op", op, "status", resp.StatusCode)
	return &response{status: resp.StatusCode, body: body}, nil
}

func (c *Client) removed(ctx context.Context) bool {
	return c.id.Removed() || errors.Is(context.Cause(ctx), domain.ErrIdentityRemoved)
}

func (c *Client) removedError(op string) error {
	return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrIdentityRemoved}
}

// httpError builds the error for a non-200 response. The body is decoded
// as a controller error when possible.
func (c *Client) httpError(op string, kind error, resp *response) error {
	code, msg := decodeError(resp.status, resp.body)
	return &domain.EdgeError{
		IdentityID: c.id.ID,
		Op:         op,
		StatusCode: resp.status,
		Code:       code,
		Message:    msg,
		Kind:       kind,
	}
}

func decodeError(status int, body []byte) (string, string) {
	var env domain.ErrorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && (env.Error.Code != "" || env.Error.Message != "") {
		return env.Error.Code, errorMessage(env.Error)
	}
	var flat domain.ErrorResponse
	if json.Unmarshal(body, &flat) == nil && (flat.Code != "" || flat.Message != "") {
		return flat.Code, errorMessage(&flat)
	}
	return "", fmt.Sprintf("HTTP response code: %d %s", status, http.StatusText(status))
}

func errorMessage(e *domain.ErrorResponse) string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (c *Client) newRequest(method, url, contentType string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) apiURL(path string) string {
	return netutil.JoinURL(c.id.APIBaseURL, path)
}
