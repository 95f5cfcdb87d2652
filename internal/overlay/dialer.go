// Package overlay dials edge routers for a network session and exposes the
// resulting transport as a byte stream.
package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/edge"
)

var ErrNoRoute = errors.New("no usable edge router")

// Supported router URL schemes, most preferred first.
var schemePreference = []string{"wss", "ws", "quic"}

const defaultHandshakeTimeout = 10 * time.Second

// Route is an edge router address chosen for a network session.
type Route struct {
	Router string
	Scheme string
	URL    string
}

// Dialer opens overlay transports to edge routers.
type Dialer struct {
	// TLSConfig is cloned for every dial. Set GetClientCertificate on it to
	// present the identity certificate to the router.
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial connects to the best route of ns and authorizes the transport with
// the network-session token.
func (d *Dialer) Dial(ctx context.Context, ns *edge.NetworkSession) (io.ReadWriteCloser, error) {
	route, err := SelectRoute(ns)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service_id", ns.ServiceID, "router", route.Router, "scheme", route.Scheme)

	var conn io.ReadWriteCloser
	switch route.Scheme {
	case "ws", "wss":
		conn, err = d.dialWebSocket(ctx, route, ns)
	case "quic":
		conn, err = d.dialQUIC(ctx, route, ns)
	default:
		err = fmt.Errorf("unsupported scheme %q", route.Scheme)
	}
	if err != nil {
		logger.Warn("overlay dial failed", "err", err)
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrTransportUnavailable, route.URL, err)
	}
	logger.Debug("overlay connected")
	return conn, nil
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (d *Dialer) tlsConfig() *tls.Config {
	if d.TLSConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return d.TLSConfig.Clone()
}

func (d *Dialer) dialWebSocket(ctx context.Context, route Route, ns *edge.NetworkSession) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout(),
		TLSClientConfig:  d.tlsConfig(),
	}
	header := http.Header{}
	header.Set(domain.SessionHeader, ns.Token)
	conn, resp, err := dialer.DialContext(ctx, route.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode > 0 {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return NewWSConn(conn), nil
}

func (d *Dialer) dialQUIC(ctx context.Context, route Route, ns *edge.NetworkSession) (io.ReadWriteCloser, error) {
	u, err := url.Parse(route.URL)
	if err != nil {
		return nil, err
	}
	tlsConf := d.tlsConfig()
	tlsConf.NextProtos = []string{quicALPN}
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = u.Hostname()
	}
	ctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout())
	defer cancel()
	conn, err := dialQUIC(ctx, u.Host, tlsConf, d.handshakeTimeout(), DialHeader{
		SessionID: ns.ID,
		ServiceID: ns.ServiceID,
		Token:     ns.Token,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SelectRoute picks the most preferred supported router URL. Routers keep
// their order from the session; URLs whose scheme is not supported are
// skipped.
func SelectRoute(ns *edge.NetworkSession) (Route, error) {
	if ns == nil {
		return Route{}, ErrNoRoute
	}
	var candidates []Route
	for _, er := range ns.EdgeRouters {
		keys := make([]string, 0, len(er.URLs))
		for k := range er.URLs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			raw := strings.TrimSpace(er.URLs[k])
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" {
				continue
			}
			scheme := strings.ToLower(u.Scheme)
			if schemeRank(scheme) < 0 {
				continue
			}
			candidates = append(candidates, Route{Router: er.Name, Scheme: scheme, URL: raw})
		}
	}
	if len(candidates) == 0 {
		return Route{}, fmt.Errorf("%w for service %s", ErrNoRoute, ns.ServiceID)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return schemeRank(candidates[i].Scheme) < schemeRank(candidates[j].Scheme)
	})
	return candidates[0], nil
}

func schemeRank(scheme string) int {
	for i, s := range schemePreference {
		if s == scheme {
			return i
		}
	}
	return -1
}
