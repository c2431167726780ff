package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/pixel"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownEncoding = errors.New("emitter: unknown encoding")
	ErrPublishTimeout  = errors.New("emitter: publish timeout")
	ErrConnectTimeout  = errors.New("emitter: connect timeout")
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

type Config struct {
	Enabled        bool
	Broker         string
	ClientID       string
	TopicPrefix    string
	Encoding       string
	IncludePixels  bool
	QoS            byte
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Broker:         "tcp://127.0.0.1:1883",
		ClientID:       "serialview",
		TopicPrefix:    "serialview",
		Encoding:       EncodingJSON,
		PublishTimeout: 2 * time.Second,
	}
}

type FrameEvent struct {
	ConnectionID string `json:"connection_id" msgpack:"connection_id"`
	Sequence     uint64 `json:"sequence" msgpack:"sequence"`
	Side         int    `json:"side" msgpack:"side"`
	TimestampMS  int64  `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Luma         []byte `json:"luma,omitempty" msgpack:"luma,omitempty"`
}

type LogEvent struct {
	ConnectionID string `json:"connection_id" msgpack:"connection_id"`
	Text         string `json:"text" msgpack:"text"`
	TimestampMS  int64  `json:"timestamp_ms" msgpack:"timestamp_ms"`
}

// Publisher is the broker surface the emitter needs.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Emitter publishes frame and diagnostic events. It satisfies the pipeline
// sink contract; publish failures are logged and counted, never returned.
type Emitter struct {
	cfg Config
	pub Publisher

	mu     sync.Mutex
	connID string
	seq    uint64
}

func New(cfg Config, pub Publisher) *Emitter {
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	if strings.TrimSpace(cfg.Encoding) == "" {
		cfg.Encoding = EncodingJSON
	}
	return &Emitter{cfg: cfg, pub: pub}
}

// SetConnection tags subsequent events with a transport connection id.
func (e *Emitter) SetConnection(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connID = id
}

func (e *Emitter) FrameTopic() string {
	return strings.TrimSuffix(e.cfg.TopicPrefix, "/") + "/frame"
}

func (e *Emitter) LogTopic() string {
	return strings.TrimSuffix(e.cfg.TopicPrefix, "/") + "/log"
}

func (e *Emitter) OnFrame(buf pixel.Buffer) {
	e.mu.Lock()
	e.seq++
	ev := FrameEvent{
		ConnectionID: e.connID,
		Sequence:     e.seq,
		Side:         buf.Side,
		TimestampMS:  time.Now().UnixMilli(),
	}
	e.mu.Unlock()
	if e.cfg.IncludePixels {
		ev.Luma = buf.Luma()
	}
	e.publish("frame", e.FrameTopic(), ev)
}

func (e *Emitter) OnLog(text string) {
	e.mu.Lock()
	ev := LogEvent{ConnectionID: e.connID, Text: text, TimestampMS: time.Now().UnixMilli()}
	e.mu.Unlock()
	e.publish("log", e.LogTopic(), ev)
}

func (e *Emitter) publish(kind, topic string, v any) {
	payload, err := Encode(e.cfg.Encoding, v)
	if err == nil {
		err = e.pub.Publish(topic, e.cfg.QoS, payload)
	}
	observability.RecordPublish(kind, err == nil)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("emitter.Emitter.publish failed")
	}
}

// Encode serializes an event with the named encoding.
func Encode(encoding string, v any) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingJSON, "":
		return json.Marshal(v)
	case EncodingMsgpack:
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}

// MQTTPublisher publishes through a paho client.
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// Connect dials the broker and waits for the first connection. The client
// reconnects on its own afterwards.
func Connect(ctx context.Context, cfg Config) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("emitter.Connect connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("emitter.Connect connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("emitter: connect %s: %w", cfg.Broker, err)
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PublishTimeout
	}
	return &MQTTPublisher{client: client, timeout: timeout}, nil
}

func (p *MQTTPublisher) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
