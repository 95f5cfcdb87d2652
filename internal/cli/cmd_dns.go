package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/koltyakov/edgetun/internal/debughttp"
	"github.com/songgao/water"
)

const tunReadBufferSize = 65535

func runDNSWatch(ctx context.Context, args []string) int {
	a, _, code := openApp(ctx, "dns-watch", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	iface, err := water.New(tunConfig(a.cfg.TunName))
	if err != nil {
		fmt.Fprintln(os.Stderr, "dns-watch error: open tun device:", err)
		return 1
	}
	a.log.Info("watching dns queries", "tun", iface.Name())

	if _, err := debughttp.Start(ctx, a.cfg.DebugAddr, a.log, func() any { return a.status(time.Now()) }); err != nil {
		_ = iface.Close()
		fmt.Fprintln(os.Stderr, "dns-watch error: debug endpoint:", err)
		return 1
	}
	go func() { _ = a.provider.Run(ctx) }()
	stop := context.AfterFunc(ctx, func() { _ = iface.Close() })
	defer stop()

	if err := watchPackets(ctx, iface, a); err != nil {
		fmt.Fprintln(os.Stderr, "dns-watch error:", err)
		return 1
	}
	return 0
}

func watchPackets(ctx context.Context, r io.Reader, a *app) error {
	buf := make([]byte, tunReadBufferSize)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		obs, ok := a.provider.HandlePacket(buf[:n])
		if !ok {
			continue
		}
		if len(obs.Matches) > 0 {
			a.log.Info("dns query intercepted", "query", obs.String())
		} else {
			a.log.Debug("dns query", "query", obs.String())
		}
		a.log.Debug("dns packet", "detail", obs.DNS.String())
	}
}

type identityStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Enabled      bool   `json:"enabled"`
	Reachability string `json:"reachability"`
	Services     int    `json:"services"`
}

type tunnelStatus struct {
	Identities []identityStatus `json:"identities"`
	Flows      int              `json:"flows"`
}

func (a *app) status(now time.Time) tunnelStatus {
	ids := a.reg.List()
	out := tunnelStatus{Identities: make([]identityStatus, 0, len(ids)), Flows: a.provider.Flows()}
	for _, id := range ids {
		out.Identities = append(out.Identities, identityStatus{
			ID:           id.ID,
			Name:         id.Name,
			Status:       enrollmentStatusName(id.EnrollmentStatus(now)),
			Enabled:      id.Enabled(),
			Reachability: id.EdgeStatus().Status.String(),
			Services:     len(id.Services()),
		})
	}
	return out
}
