package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tfitpican/cansim/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx", snap.Rx,
					"rx_accepted", snap.RxAccepted,
					"tx", snap.Tx,
					"filter_drops", snap.FilterDrops,
					"queue_drops", snap.QueueDrops,
					"unknown_schema", snap.UnknownSchema,
					"recorder_drops", snap.RecorderDrops,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
					"events", snap.Events,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
