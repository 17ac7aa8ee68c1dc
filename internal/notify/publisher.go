package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nvrstore/internal/logging"
)

// Event kinds.
const (
	KindDiskFault      = "disk-fault"
	KindNASFault       = "nas-fault"
	KindFailover       = "failover"
	KindChannelRestart = "channel-restart"
	KindFolderRemoved  = "folder-removed"
	KindVolumeRemoved  = "volume-removed"
	KindBackupDone     = "backup-done"
	KindBackupFailed   = "backup-failed"
)

// Event is an engine occurrence worth reporting off-box.
type Event struct {
	Kind    string    `json:"kind"`
	Volume  string    `json:"volume,omitempty"`
	Channel int       `json:"channel"`
	Path    string    `json:"path,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use; Publish must not block recording for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// MQTTConfig configures MQTTPublisher.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// Timeout bounds connect and each publish. Default 5s.
	Timeout time.Duration
	Logger  *slog.Logger
}

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher publishes events as JSON to <Topic>/<kind> at QoS 1.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTPublisher connects to the broker. The client reconnects on its
// own after the first successful connect.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		logger:  logging.Default(cfg.Logger).With("component", "mqtt"),
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(p.timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn("broker connection lost", "error", err)
		})
	p.client = mqtt.NewClient(opts)
	tok := p.client.Connect()
	if !tok.WaitTimeout(p.timeout) {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	tok := p.client.Publish(p.topic+"/"+ev.Kind, 1, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return ErrPublishTimeout
	}
}

// Close disconnects, allowing 250ms for in-flight work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
