package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gatelink/internal/adapter/discovery"
	"gatelink/internal/adapter/gatewayserver"
	"gatelink/internal/domain"
	"gatelink/internal/usecase/eventbus"
)

func runServe(args []string) error {
	f, _, err := parseFlags("serve", args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	bus := eventbus.New(rt.log)
	defer bus.Close()

	srv := gatewayserver.NewServer(gatewayserver.ConfigFrom(rt.cfg.Server), bus, rt.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })

	if rt.cfg.Server.Advertise || f.Advertise {
		g.Go(func() error {
			port, err := waitForPort(gctx, srv)
			if err != nil {
				return err
			}
			name := rt.cfg.Server.Name
			if name == "" {
				name, _ = os.Hostname()
			}
			mdns := discovery.NewMDNS(discovery.ConfigFrom(rt.cfg.Discovery), rt.log)
			return mdns.Advertise(gctx, name, port, map[string]string{
				"version":  rt.cfg.Client.Version,
				"protocol": strconv.Itoa(domain.ProtocolVersion),
			})
		})
	}

	// Heartbeat event so idle clients see traffic between ticks.
	g.Go(func() error {
		ticker := time.NewTicker(rt.cfg.Server.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.Broadcast("presence", []byte(fmt.Sprintf(`{"connections":%d}`, srv.Connections())))
			}
		}
	})

	return g.Wait()
}

// waitForPort polls until the server has bound its listener.
func waitForPort(ctx context.Context, srv *gatewayserver.Server) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := srv.BoundAddr(); addr != "" {
			_, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return 0, fmt.Errorf("parse bound address: %w", err)
			}
			return strconv.Atoi(portStr)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
