package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/service/telemetry"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	handleTimeout  = 5 * time.Second
)

// Sink receives decoded samples.
type Sink interface {
	Ingest(ctx context.Context, r models.SensorReading) (*telemetry.Result, error)
}

var _ Sink = (*telemetry.Service)(nil)

// Payload is the JSON body devices publish.
type Payload struct {
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Subscriber feeds device samples published on the broker into the sink.
type Subscriber struct {
	cfg    config.MQTTConfig
	sink   Sink
	logger *zap.Logger
	client paho.Client
}

// NewSubscriber builds a subscriber; nothing connects until Start.
func NewSubscriber(cfg config.MQTTConfig, sink Sink, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{cfg: cfg, sink: sink, logger: logger}
}

// Start connects to the broker and subscribes to the configured topic. The
// subscription is restored on reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		token := c.Subscribe(s.cfg.Topic, qos, func(_ paho.Client, msg paho.Message) {
			s.handleMessage(ctx, msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("mqtt subscribed", zap.String("topic", s.cfg.Topic))
	})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) {
	reading, err := Decode(topic, payload)
	if err != nil {
		s.logger.Warn("dropping mqtt message", zap.String("topic", topic), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if _, err := s.sink.Ingest(ctx, reading); err != nil {
		s.logger.Warn("mqtt sample rejected",
			zap.String("topic", topic),
			zap.String("device_id", reading.DeviceID),
			zap.Error(err))
	}
}

// ParseTopic extracts the device id and sensor kind from a topic shaped like
// <prefix>/devices/{device}/readings/{kind}.
func ParseTopic(topic string) (string, models.SensorKind, error) {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 4 || parts[n-4] != "devices" || parts[n-2] != "readings" || parts[n-3] == "" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", models.ErrInvalidInput, topic)
	}
	kind, err := models.ParseSensorKind(parts[n-1])
	if err != nil {
		return "", "", err
	}
	return parts[n-3], kind, nil
}

// Decode turns a topic and JSON payload into a reading.
func Decode(topic string, payload []byte) (models.SensorReading, error) {
	device, kind, err := ParseTopic(topic)
	if err != nil {
		return models.SensorReading{}, err
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.SensorReading{}, fmt.Errorf("%w: decode payload: %v", models.ErrInvalidInput, err)
	}
	if p.Value == nil {
		return models.SensorReading{}, fmt.Errorf("%w: payload has no value", models.ErrInvalidInput)
	}
	r := models.SensorReading{
		Kind:     kind,
		DeviceID: device,
		Value:    *p.Value,
		Unit:     p.Unit,
	}
	if p.Timestamp != nil {
		r.Timestamp = p.Timestamp.UTC()
	}
	return r, nil
}
