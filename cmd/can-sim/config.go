package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// filterList collects repeated -filter mask:match flags (hex values).
type filterList []string

func (f *filterList) String() string { return strings.Join(*f, ",") }

func (f *filterList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

type appConfig struct {
	backend   string
	canIf     string
	serialDev string
	baud      int

	channel     string
	bitRate     uint
	samplePoint float64
	extended    bool
	filters     filterList

	queueSize int
	txBuffer  int
	receiveTO time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mqttBroker string
	mqttID     string
	mqttPrefix string

	influxHost  string
	influxToken string
	influxDB    string
	influxBatch int

	simEnable   bool
	simInterval time.Duration
	scenario    string

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "virtual", "CAN backend: virtual|socketcan|serial")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "SLCAN serial device path (when --backend=serial)")
	baud := flag.Int("baud", 115200, "SLCAN serial baud rate")
	channel := flag.String("channel", "vbus0", "Logical bus channel name")
	bitRate := flag.Uint("bitrate", 500000, "Bus bit rate in bit/s")
	samplePoint := flag.Float64("sample-point", 0.75, "Bus sample point (0 < sp < 1)")
	extended := flag.Bool("extended", false, "Allow 29-bit identifiers on the outgoing path")
	flag.Var(&cfg.filters, "filter", "Acceptance filter mask:match in hex (repeatable, e.g. 7FF:100); empty passes all traffic")
	queueSize := flag.Int("queue-size", 256, "Inbound dispatch queue (frames)")
	txBuf := flag.Int("tx-buffer", 1024, "Async transmit buffer (frames)")
	receiveTO := flag.Duration("receive-timeout", 200*time.Millisecond, "Per-frame receive poll timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL (e.g., tcp://localhost:1883); empty disables publishing")
	mqttID := flag.String("mqtt-client-id", "can-sim", "MQTT client identifier")
	mqttPrefix := flag.String("mqtt-prefix", "can", "MQTT topic prefix for frame publishing")
	influxHost := flag.String("influx-host", "", "InfluxDB host URL; empty disables recording")
	influxToken := flag.String("influx-token", "", "InfluxDB API token")
	influxDB := flag.String("influx-db", "can", "InfluxDB database name")
	influxBatch := flag.Int("influx-batch", 100, "Recorder flush batch size (frames)")
	simEnable := flag.Bool("sim", false, "Generate simulated vehicle traffic")
	simInterval := flag.Duration("sim-interval", 100*time.Millisecond, "Simulator frame emission period")
	scenario := flag.String("scenario", "", "Scenario to load and run at startup (requires --sim)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-sim-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.channel = *channel
	cfg.bitRate = *bitRate
	cfg.samplePoint = *samplePoint
	cfg.extended = *extended
	cfg.queueSize = *queueSize
	cfg.txBuffer = *txBuf
	cfg.receiveTO = *receiveTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mqttBroker = *mqttBroker
	cfg.mqttID = *mqttID
	cfg.mqttPrefix = *mqttPrefix
	cfg.influxHost = *influxHost
	cfg.influxToken = *influxToken
	cfg.influxDB = *influxDB
	cfg.influxBatch = *influxBatch
	cfg.simEnable = *simEnable
	cfg.simInterval = *simInterval
	cfg.scenario = *scenario
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parseFilter splits a mask:match pair, both hex with or without 0x.
func parseFilter(s string) (mask, match uint32, err error) {
	left, right, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("filter %q: want mask:match", s)
	}
	m, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(left), "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("filter %q mask: %w", s, err)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(right), "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("filter %q match: %w", s, err)
	}
	return uint32(m), uint32(v), nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "virtual", "socketcan", "serial":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.bitRate == 0 {
		return errors.New("bitrate must be > 0")
	}
	if c.samplePoint <= 0 || c.samplePoint >= 1 {
		return fmt.Errorf("sample-point must be in (0, 1), got %g", c.samplePoint)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.txBuffer <= 0 {
		return fmt.Errorf("tx-buffer must be > 0 (got %d)", c.txBuffer)
	}
	if c.receiveTO <= 0 {
		return errors.New("receive-timeout must be > 0")
	}
	if c.influxBatch <= 0 {
		return fmt.Errorf("influx-batch must be > 0 (got %d)", c.influxBatch)
	}
	if c.simInterval <= 0 {
		return errors.New("sim-interval must be > 0")
	}
	if c.scenario != "" && !c.simEnable {
		return errors.New("scenario requires --sim")
	}
	for _, f := range c.filters {
		if _, _, err := parseFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvOverrides maps CAN_SIM_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_SIM_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_SIM_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAN_SIM_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_SIM_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["channel"]; !ok {
		if v, ok := get("CAN_SIM_CHANNEL"); ok && v != "" {
			c.channel = v
		}
	}
	if _, ok := set["bitrate"]; !ok {
		if v, ok := get("CAN_SIM_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
				c.bitRate = uint(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["sample-point"]; !ok {
		if v, ok := get("CAN_SIM_SAMPLE_POINT"); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				c.samplePoint = f
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_SAMPLE_POINT: %w", err)
			}
		}
	}
	if _, ok := set["extended"]; !ok {
		if v, ok := get("CAN_SIM_EXTENDED"); ok && v != "" {
			c.extended = parseBool(v, c.extended)
		}
	}
	if _, ok := set["filter"]; !ok {
		if v, ok := get("CAN_SIM_FILTERS"); ok && v != "" {
			c.filters = filterList(strings.Split(v, ","))
		}
	}
	if _, ok := set["queue-size"]; !ok {
		if v, ok := get("CAN_SIM_QUEUE_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.queueSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_QUEUE_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["tx-buffer"]; !ok {
		if v, ok := get("CAN_SIM_TX_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.txBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_TX_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["receive-timeout"]; !ok {
		if v, ok := get("CAN_SIM_RECEIVE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.receiveTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_RECEIVE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_SIM_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_SIM_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_SIM_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_SIM_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mqtt-broker"]; !ok {
		if v, ok := get("CAN_SIM_MQTT_BROKER"); ok {
			c.mqttBroker = v
		}
	}
	if _, ok := set["mqtt-client-id"]; !ok {
		if v, ok := get("CAN_SIM_MQTT_CLIENT_ID"); ok && v != "" {
			c.mqttID = v
		}
	}
	if _, ok := set["mqtt-prefix"]; !ok {
		if v, ok := get("CAN_SIM_MQTT_PREFIX"); ok && v != "" {
			c.mqttPrefix = v
		}
	}
	if _, ok := set["influx-host"]; !ok {
		if v, ok := get("CAN_SIM_INFLUX_HOST"); ok {
			c.influxHost = v
		}
	}
	if _, ok := set["influx-token"]; !ok {
		if v, ok := get("CAN_SIM_INFLUX_TOKEN"); ok && v != "" {
			c.influxToken = v
		}
	}
	if _, ok := set["influx-db"]; !ok {
		if v, ok := get("CAN_SIM_INFLUX_DB"); ok && v != "" {
			c.influxDB = v
		}
	}
	if _, ok := set["influx-batch"]; !ok {
		if v, ok := get("CAN_SIM_INFLUX_BATCH"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.influxBatch = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_INFLUX_BATCH: %w", err)
			}
		}
	}
	if _, ok := set["sim"]; !ok {
		if v, ok := get("CAN_SIM_ENABLE"); ok && v != "" {
			c.simEnable = parseBool(v, c.simEnable)
		}
	}
	if _, ok := set["sim-interval"]; !ok {
		if v, ok := get("CAN_SIM_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.simInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SIM_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["scenario"]; !ok {
		if v, ok := get("CAN_SIM_SCENARIO"); ok && v != "" {
			c.scenario = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_SIM_MDNS_ENABLE"); ok && v != "" {
			c.mdnsEnable = parseBool(v, c.mdnsEnable)
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_SIM_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
