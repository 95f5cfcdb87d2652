// Package tunnel wires identities, their edge clients, DNS interception,
// and per-flow relays into the tunnel provider.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/edgetun/internal/dnswire"
	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/edge"
	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/keychain"
	"github.com/koltyakov/edgetun/internal/overlay"
	"github.com/koltyakov/edgetun/internal/packet"
	"github.com/koltyakov/edgetun/internal/relay"
)

const maxConcurrentRefreshes = 4

// OverlayDialer opens the overlay transport for a network session.
type OverlayDialer interface {
	Dial(ctx context.Context, ns *edge.NetworkSession) (io.ReadWriteCloser, error)
}

// Options configures a Provider.
type Options struct {
	Edge      edge.Options
	HighWater int
	LowWater  int
	// NewDialer returns the overlay dialer for an identity. When nil an
	// [overlay.Dialer] presenting the identity certificate is used.
	NewDialer func(*identity.Identity) OverlayDialer
	Logger    *slog.Logger
}

// Observation is a DNS query seen on the tunnel interface. Matches holds
// one entry per question that a service intercepts.
type Observation struct {
	Info    packet.Info
	DNS     *dnswire.Packet
	Matches []Match
}

type flow struct {
	identityID string
	relay      *relay.Relay
}

// Provider owns one edge client per identity and the relays of open flows.
type Provider struct {
	reg       *identity.Registry
	keys      *keychain.Manager
	opts      Options
	log       *slog.Logger
	intercept *Interceptor

	mu      sync.Mutex
	clients map[string]*edge.Client
	flows   map[string]flow
}

func NewProvider(reg *identity.Registry, keys *keychain.Manager, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Edge.Logger == nil {
		opts.Edge.Logger = logger
	}
	return &Provider{
		reg:       reg,
		keys:      keys,
		opts:      opts,
		log:       logger,
		intercept: NewInterceptor(reg),
		clients:   make(map[string]*edge.Client),
		flows:     make(map[string]flow),
	}
}

func (p *Provider) Interceptor() *Interceptor {
	return p.intercept
}

// Client returns the edge client for an identity, creating it on first use.
func (p *Provider) Client(identityID string) (*edge.Client, error) {
	id, err := p.reg.Get(identityID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[identityID]; ok && c.Identity() == id {
		return c, nil
	}
	c := edge.New(id, p.keys, p.opts.Edge)
	p.clients[identityID] = c
	return c, nil
}

// Run follows registry events until ctx is done. Removing an identity
// drops its client and closes its flows.
func (p *Provider) Run(ctx context.Context) error {
	events, cancel := p.reg.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == identity.EventRemoved {
				p.forget(ev.IdentityID)
			}
		}
	}
}

func (p *Provider) forget(identityID string) {
	p.mu.Lock()
	delete(p.clients, identityID)
	var closing []*relay.Relay
	for key, f := range p.flows {
		if f.identityID == identityID {
			closing = append(closing, f.relay)
			delete(p.flows, key)
		}
	}
	p.mu.Unlock()
	for _, r := range closing {
		_ = r.Close()
	}
	if len(closing) > 0 {
		p.log.Info("closed flows of removed identity", "identity_id", identityID, "flows", len(closing))
	}
}

// RefreshServices fetches services for every enabled, enrolled identity.
// A changed list publishes [identity.EventChanged]; a service asking for a
// restart publishes [identity.EventRestartRequested]. Errors for single
// identities are joined.
func (p *Provider) RefreshServices(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(maxConcurrentRefreshes)
	for _, id := range p.reg.List() {
		if !id.Enabled() || !id.Enrolled() {
			continue
		}
		g.Go(func() error {
			if err := p.refreshIdentity(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Provider) refreshIdentity(ctx context.Context, id *identity.Identity) error {
	c, err := p.Client(id.ID)
	if err != nil {
		return err
	}
	_, changed, err := c.GetServices(ctx)
	if err != nil {
		p.log.Warn("service refresh failed", "identity_id", id.ID, "status", id.EdgeStatus().Status, "err", err)
		return err
	}
	if changed {
		p.reg.Publish(identity.Event{Kind: identity.EventChanged, IdentityID: id.ID})
	}
	if id.Enabled() && id.Enrolled() && id.NeedsRestart() {
		p.log.Info("service requested tunnel restart", "identity_id", id.ID)
		p.reg.Publish(identity.Event{Kind: identity.EventRestartRequested, IdentityID: id.ID})
	}
	return nil
}

// HandlePacket classifies a raw packet from the tunnel interface. It
// reports false for anything that is not a decodable DNS query.
func (p *Provider) HandlePacket(b []byte) (Observation, bool) {
	info, err := packet.Classify(b)
	if err != nil || !info.IsDNSQuery() {
		return Observation{}, false
	}
	msg, err := dnswire.Parse(info.Payload)
	if err != nil {
		p.log.Debug("dropping undecodable dns payload", "src", info.Src, "err", err)
		return Observation{}, false
	}
	obs := Observation{Info: info, DNS: msg}
	for _, q := range msg.Questions {
		if m, ok := p.intercept.Lookup(q.Name); ok {
			obs.Matches = append(obs.Matches, m)
		}
	}
	return obs, true
}

// OpenFlow fetches a network session for the service, dials the overlay,
// and starts a relay for local. The relay ends with the identity.
func (p *Provider) OpenFlow(ctx context.Context, identityID, serviceID string, local relay.LocalSocket) (*relay.Relay, error) {
	c, err := p.Client(identityID)
	if err != nil {
		return nil, err
	}
	id := c.Identity()
	if !id.Enrolled() {
		return nil, &domain.EdgeError{IdentityID: identityID, Op: "open flow", Kind: domain.ErrIdentityNotFound, Message: "identity is not enrolled"}
	}
	ns, err := c.GetNetworkSession(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	conn, err := p.dialer(id).Dial(ctx, ns)
	if err != nil {
		return nil, err
	}

	r := relay.New(local, conn, relay.Options{
		HighWater: p.opts.HighWater,
		LowWater:  p.opts.LowWater,
		Logger:    p.log.With("identity_id", identityID, "service_id", serviceID),
	})

	p.mu.Lock()
	if id.Removed() {
		p.mu.Unlock()
		_ = r.Close()
		return nil, &domain.EdgeError{IdentityID: identityID, Op: "open flow", Kind: domain.ErrIdentityRemoved}
	}
	p.flows[r.ID()] = flow{identityID: identityID, relay: r}
	p.mu.Unlock()

	r.Start(id.Context())
	stop := context.AfterFunc(id.Context(), func() { _ = r.Close() })
	go func() {
		defer stop()
		if err := r.Wait(); err != nil {
			p.log.Debug("flow ended with error", "flow_id", r.ID(), "err", err)
		}
		p.mu.Lock()
		delete(p.flows, r.ID())
		p.mu.Unlock()
	}()
	return r, nil
}

// Flows returns the number of open flows.
func (p *Provider) Flows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flows)
}

// Close closes every open flow.
func (p *Provider) Close() error {
	p.mu.Lock()
	all := make([]*relay.Relay, 0, len(p.flows))
	for key, f := range p.flows {
		all = append(all, f.relay)
		delete(p.flows, key)
	}
	p.mu.Unlock()
	var errs []error
	for _, r := range all {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) dialer(id *identity.Identity) OverlayDialer {
	if p.opts.NewDialer != nil {
		return p.opts.NewDialer(id)
	}
	return &overlay.Dialer{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    p.opts.Edge.RootCAs,
			GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
				cert, err := p.keys.GetSecureIdentity(id.Context(), id.ID)
				if err != nil {
					return &tls.Certificate{}, nil
				}
				return cert, nil
			},
		},
		HandshakeTimeout: 10 * time.Second,
		Logger:           p.log.With("identity_id", id.ID),
	}
}

// String describes an observation for debug output.
func (o Observation) String() string {
	s := fmt.Sprintf("%s:%d -> %s:%d", o.Info.Src, o.Info.SrcPort, o.Info.Dst, o.Info.DstPort)
	if o.DNS != nil {
		for _, q := range o.DNS.Questions {
			s += fmt.Sprintf(" %s/%s", q.Name, q.Type)
		}
	}
	for _, m := range o.Matches {
		s += fmt.Sprintf(" [%s via %s]", m.ServiceName, m.IdentityID)
	}
	return s
}
