package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("CAN_SIM_BITRATE", "250000")
	os.Setenv("CAN_SIM_MDNS_ENABLE", "true")
	os.Setenv("CAN_SIM_RECEIVE_TIMEOUT", "100ms")
	os.Setenv("CAN_SIM_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("CAN_SIM_FILTERS", "7FF:100,7F0:200")
	t.Cleanup(func() {
		os.Unsetenv("CAN_SIM_BITRATE")
		os.Unsetenv("CAN_SIM_MDNS_ENABLE")
		os.Unsetenv("CAN_SIM_RECEIVE_TIMEOUT")
		os.Unsetenv("CAN_SIM_LOG_METRICS_INTERVAL")
		os.Unsetenv("CAN_SIM_FILTERS")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.bitRate != 250000 {
		t.Fatalf("expected bitrate override, got %d", base.bitRate)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.receiveTO != 100*time.Millisecond {
		t.Fatalf("expected receiveTO 100ms got %v", base.receiveTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if len(base.filters) != 2 || base.filters[0] != "7FF:100" {
		t.Fatalf("expected filter list override, got %v", base.filters)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{bitRate: 500000}
	os.Setenv("CAN_SIM_BITRATE", "250000")
	t.Cleanup(func() { os.Unsetenv("CAN_SIM_BITRATE") })
	// Simulate user passed -bitrate flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"bitrate": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.bitRate != 500000 {
		t.Fatalf("expected bitrate unchanged 500000 got %d", base.bitRate)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{queueSize: 256}
	os.Setenv("CAN_SIM_QUEUE_SIZE", "notint")
	t.Cleanup(func() { os.Unsetenv("CAN_SIM_QUEUE_SIZE") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
