package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/controller"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/filter"
	"github.com/tfitpican/cansim/internal/interp"
	"github.com/tfitpican/cansim/internal/manager"
	"github.com/tfitpican/cansim/internal/metrics"
	"github.com/tfitpican/cansim/internal/mqttsink"
	"github.com/tfitpican/cansim/internal/recorder"
	"github.com/tfitpican/cansim/internal/sim"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-sim %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	errs := errmgr.New(l)
	itp := interp.New()
	ctrl := controller.New(itp, errs)

	for _, f := range cfg.filters {
		mask, match, err := parseFilter(f)
		if err != nil {
			l.Error("filter_parse_error", "filter", f, "error", err)
			os.Exit(1)
		}
		rule, err := filter.NewRule(mask, match)
		if err != nil {
			l.Error("filter_invalid", "filter", f, "error", err)
			os.Exit(1)
		}
		ctrl.AddFilter(rule)
	}

	busCfg := busconfig.Config{
		Channel:     cfg.channel,
		BitRate:     uint32(cfg.bitRate),
		SamplePoint: cfg.samplePoint,
		Extended:    cfg.extended,
	}
	if err := ctrl.ApplyConfiguration(busCfg); err != nil {
		l.Error("configuration_error", "error", err)
		os.Exit(1)
	}

	iface, ifaceCleanup, err := initInterface(ctx, cfg, busCfg, l)
	if err != nil {
		l.Error("backend_init_error", "backend", cfg.backend, "error", err)
		os.Exit(1)
	}
	defer ifaceCleanup()

	mgr := manager.New(iface, ctrl, errs,
		manager.WithQueueSize(cfg.queueSize),
		manager.WithTxBuffer(cfg.txBuffer),
		manager.WithReceiveTimeout(cfg.receiveTO),
	)

	if cfg.mqttBroker != "" {
		sink, err := mqttsink.New(mqttsink.Config{
			BrokerURL:   cfg.mqttBroker,
			ClientID:    cfg.mqttID,
			TopicPrefix: cfg.mqttPrefix,
		})
		if err != nil {
			l.Error("mqtt_init_error", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		ctrl.RegisterObserver(sink)
		l.Info("mqtt_sink_enabled", "broker", cfg.mqttBroker, "prefix", cfg.mqttPrefix)
	}

	if cfg.influxHost != "" {
		rec, err := recorder.New(recorder.Config{
			Host:     cfg.influxHost,
			Token:    cfg.influxToken,
			Database: cfg.influxDB,
			Bus:      cfg.channel,
		}, cfg.influxBatch)
		if err != nil {
			l.Error("recorder_init_error", "error", err)
			os.Exit(1)
		}
		defer rec.Close()
		ctrl.RegisterObserver(rec)
		errs.AddListener(rec.RecordEvent)
		l.Info("recorder_enabled", "host", cfg.influxHost, "db", cfg.influxDB)
	}

	if err := mgr.Connect(ctx); err != nil {
		l.Error("connect_error", "error", err)
		os.Exit(1)
	}
	defer func() { _ = mgr.Disconnect(context.Background()) }()

	var scenarios *sim.ScenarioManager
	if cfg.simEnable {
		if err := sim.RegisterVehicleSchemas(itp); err != nil {
			l.Error("sim_schema_error", "error", err)
			os.Exit(1)
		}
		vehicle := sim.New(itp, mgr.Send, sim.WithInterval(cfg.simInterval))
		errs.AddListener(vehicle.OnEvent)
		scenarios = sim.NewScenarioManager(vehicle)
		if cfg.scenario != "" {
			if err := scenarios.Load(cfg.scenario); err != nil {
				l.Error("scenario_load_error", "scenario", cfg.scenario, "error", err)
				os.Exit(1)
			}
			if err := scenarios.Run(); err != nil {
				l.Error("scenario_run_error", "scenario", cfg.scenario, "error", err)
				os.Exit(1)
			}
			l.Info("scenario_running", "scenario", cfg.scenario)
		} else {
			vehicle.Start()
		}
		defer func() {
			scenarios.Stop()
			vehicle.Stop()
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		return ctx.Err() == nil && mgr.State() == manager.Connected
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			port := 0
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					port = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}
