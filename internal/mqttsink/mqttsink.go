// Package mqttsink publishes accepted traffic to an MQTT broker. It is a
// plain controller observer: one JSON document per frame, topic keyed by
// the identifier. Publishing is fire-and-forget at QoS 0 so the receive
// path never waits on the broker.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/interp"
	"github.com/tfitpican/cansim/internal/logging"
	"github.com/tfitpican/cansim/internal/metrics"
)

// publisher is the subset of the paho client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Config holds broker settings.
type Config struct {
	BrokerURL string
	ClientID  string
	// TopicPrefix defaults to "can".
	TopicPrefix string
	Username    string
	Password    string
}

// framePayload is the published JSON document.
type framePayload struct {
	ID       uint32           `json:"id"`
	Extended bool             `json:"extended,omitempty"`
	RTR      bool             `json:"rtr,omitempty"`
	Data     string           `json:"data"`
	Fields   map[string]int64 `json:"fields,omitempty"`
	Time     time.Time        `json:"time"`
}

// Sink publishes frames to <prefix>/<hex id>.
type Sink struct {
	cli    publisher
	prefix string
	log    *slog.Logger
}

// New connects to the broker with automatic retry and reconnect, matching
// how a bridge is expected to ride out broker restarts.
func New(cfg Config) (*Sink, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "can"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.L().Warn("mqtt_connection_lost", "error", err)
	})

	cli := mqtt.NewClient(opts)
	if token := cli.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, token.Error())
	}
	return newWith(cli, cfg.TopicPrefix), nil
}

func newWith(cli publisher, prefix string) *Sink {
	return &Sink{cli: cli, prefix: prefix, log: logging.L()}
}

// OnMessage implements the controller observer contract.
func (s *Sink) OnMessage(m can.Message, fields interp.Fields) {
	doc := framePayload{
		ID:       m.ID,
		Extended: m.Extended,
		RTR:      m.RTR,
		Data:     fmt.Sprintf("%X", m.Data[:m.Len]),
		Fields:   fields,
		Time:     time.Now(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		metrics.IncError(metrics.ErrMQTT)
		s.log.Error("mqtt_marshal_failed", "id", m.ID, "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%X", s.prefix, m.ID)
	token := s.cli.Publish(topic, 0, false, body)
	// QoS 0 is fire-and-forget; check the token off the hot path.
	go func() {
		_ = token.WaitTimeout(time.Second)
		if err := token.Error(); err != nil {
			metrics.IncError(metrics.ErrMQTT)
			s.log.Warn("mqtt_publish_failed", "topic", topic, "error", err)
		}
	}()
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (s *Sink) Close() {
	if s.cli.IsConnected() {
		s.cli.Disconnect(500)
	}
}
