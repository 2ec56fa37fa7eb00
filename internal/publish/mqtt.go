// Package publish fans recorded readings out to an MQTT broker.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/model"
)

const (
	DefaultClientPrefix = "chlorine-monitor-"
	connectTimeout      = 10 * time.Second
	publishTimeout      = 5 * time.Second
)

var ErrQueueFull = errors.New("publish queue full")

// Payload is the JSON document published for each reading.
type Payload struct {
	SensorID          string    `json:"sensor_id"`
	Timestamp         time.Time `json:"timestamp"`
	Primary           float64   `json:"primary"`
	Derived           float64   `json:"derived"`
	RollingAvgPrimary float64   `json:"rolling_avg_primary"`
	RollingAvgDerived float64   `json:"rolling_avg_derived"`
}

// Publisher queues readings and publishes them from a single background
// worker so a slow broker never delays the acquisition tick.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.SugaredLogger
	cache  *ValueCache // nil when dedup is off
	onDrop func()

	q         chan model.Reading
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect dials the broker and starts the publish worker. onDrop, if set, is
// called for every reading dropped on a full queue.
func Connect(cfg config.MQTTConfig, logger *zap.SugaredLogger, onDrop func()) (*Publisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientPrefix + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Server)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	p := newPublisher(client, cfg, logger, onDrop)
	p.start()
	p.logger.Infof("mqtt publisher connected to %s as %s", cfg.Server, clientID)
	return p, nil
}

func newPublisher(client mqtt.Client, cfg config.MQTTConfig, logger *zap.SugaredLogger, onDrop func()) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	size := cfg.MaxQueueSize
	if size <= 0 {
		size = 1000
	}
	p := &Publisher{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		logger: logger,
		onDrop: onDrop,
		q:      make(chan model.Reading, size),
	}
	if cfg.DedupTTL > 0 {
		p.cache = NewValueCache(cfg.DedupTTL)
	}
	return p
}

func (p *Publisher) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for r := range p.q {
			if err := p.publish(r); err != nil {
				p.logger.Warnf("mqtt publish for sensor %s: %v", r.SensorID, err)
			}
		}
	}()
}

// Topic returns the topic for a sensor: the configured pattern formatted with
// the id, or the id appended as a level when the pattern has no verb.
func (p *Publisher) Topic(sensorID string) string {
	switch {
	case strings.Contains(p.topic, "%s"):
		return fmt.Sprintf(p.topic, sensorID)
	case p.topic == "":
		return "chlorine/" + sensorID
	default:
		return strings.TrimSuffix(p.topic, "/") + "/" + sensorID
	}
}

// Handle is a poller.ReadingHandler. It never blocks: unchanged values are
// skipped when dedup is on, and a full queue drops the reading.
func (p *Publisher) Handle(r model.Reading) error {
	if p.cache != nil && p.cache.Unchanged(r.SensorID, r.PrimaryValue, r.DerivedValue) {
		return nil
	}
	select {
	case p.q <- r:
	default:
		if p.onDrop != nil {
			p.onDrop()
		}
		return ErrQueueFull
	}
	if p.cache != nil {
		p.cache.Set(r.SensorID, r.PrimaryValue, r.DerivedValue)
	}
	return nil
}

func (p *Publisher) publish(r model.Reading) error {
	b, err := json.Marshal(Payload{
		SensorID:          r.SensorID,
		Timestamp:         r.Timestamp,
		Primary:           r.PrimaryValue,
		Derived:           r.DerivedValue,
		RollingAvgPrimary: r.RollingAvgPrimary,
		RollingAvgDerived: r.RollingAvgDerived,
	})
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(r.SensorID), p.qos, false, b)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Close drains the queue and disconnects. Handle must not be called after
// Close.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.q)
		p.wg.Wait()
		if p.client != nil {
			p.client.Disconnect(250)
		}
	})
	return nil
}
