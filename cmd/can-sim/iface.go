package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tfitpican/cansim/internal/bus"
	"github.com/tfitpican/cansim/internal/busconfig"
)

// initInterface builds the bus backend selected by the configuration and
// returns it with a cleanup function.
//
// The virtual backend comes with an echo peer: every frame the managed
// endpoint transmits is reflected back, so simulated traffic flows through
// the whole receive pipeline without hardware.
func initInterface(ctx context.Context, cfg *appConfig, busCfg busconfig.Config, l *slog.Logger) (bus.Interface, func(), error) {
	switch cfg.backend {
	case "socketcan":
		return bus.NewSocketCAN(cfg.canIf), func() {}, nil
	case "serial":
		return bus.NewSLCAN(cfg.channel, cfg.serialDev, cfg.baud), func() {}, nil
	case "virtual":
		vb := bus.NewVirtualBus()
		echo := vb.Endpoint("echo", cfg.queueSize)
		if err := echo.Connect(ctx, busCfg); err != nil {
			vb.Close()
			return nil, nil, err
		}
		go runEcho(ctx, echo, l)
		return vb.Endpoint(cfg.channel, cfg.queueSize), vb.Close, nil
	default:
		return nil, nil, errors.New("unknown backend: " + cfg.backend)
	}
}

func runEcho(ctx context.Context, ep *bus.VirtualInterface, l *slog.Logger) {
	for {
		m, err := ep.Receive(ctx)
		switch {
		case err == nil:
			if err := ep.Send(m); err != nil {
				l.Warn("echo_send_failed", "error", err)
			}
		case errors.Is(err, context.Canceled), errors.Is(err, bus.ErrClosed):
			return
		case errors.Is(err, context.DeadlineExceeded):
			// keep polling
		default:
			l.Warn("echo_receive_failed", "error", err)
			return
		}
	}
}
