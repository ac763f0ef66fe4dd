// Package ingest receives reading batches over MQTT and buffers them for the
// forwarding loop. The wire payload is JSON: either a single reading object
// or an array of them, each with "asset", "timestamp" and a "readings" map of
// datapoint name to value.
package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/pkg/types"
)

const connectTimeout = 10 * time.Second

// Options configures one MQTT source.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	// BufferLimit caps the number of buffered readings; zero means 10000.
	// When full, the oldest readings are dropped and counted.
	BufferLimit int
}

// wireReading is the JSON shape published by edge collectors.
type wireReading struct {
	Asset     string                 `json:"asset"`
	Timestamp string                 `json:"timestamp"`
	Readings  map[string]interface{} `json:"readings"`
}

// Source subscribes to a reading topic and accumulates decoded readings
// until the forwarding loop drains them.
type Source struct {
	opts   Options
	client mqtt.Client
	logger *logrus.Logger

	mu      sync.Mutex
	buffer  []*types.Reading
	dropped uint64
}

// NewSource creates a source with a configured but unconnected client.
func NewSource(opts Options, logger *logrus.Logger) *Source {
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = 10000
	}
	s := &Source{opts: opts, logger: logger}

	mopts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	mopts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.WithFields(logrus.Fields{"broker": opts.Broker, "topic": opts.Topic}).Info("MQTT connected, subscribing")
		token := c.Subscribe(opts.Topic, opts.QoS, s.handleMessage)
		if token.Wait() && token.Error() != nil {
			logger.WithFields(logrus.Fields{"topic": opts.Topic, "error": token.Error()}).Error("MQTT subscribe failed")
		}
	})
	mopts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithFields(logrus.Fields{"error": err}).Warn("MQTT connection lost")
	})
	s.client = mqtt.NewClient(mopts)
	return s
}

// Connect establishes the broker session. Subscription happens in the
// on-connect handler so it survives reconnects.
func (s *Source) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting to MQTT broker %s: timeout", s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", s.opts.Broker, err)
	}
	return nil
}

// Close disconnects from the broker. Buffered readings remain drainable.
func (s *Source) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// Drain returns up to max buffered readings in arrival order and removes
// them from the buffer. max <= 0 drains everything.
func (s *Source) Drain(max int) []*types.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return nil
	}
	n := len(s.buffer)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*types.Reading, n)
	copy(out, s.buffer[:n])
	s.buffer = s.buffer[n:]
	return out
}

// Requeue puts readings back at the front of the buffer, used when a send
// cycle fails and the batch must be redelivered.
func (s *Source) Requeue(readings []*types.Reading) {
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(readings, s.buffer...)
	s.trimLocked()
}

// Pending reports the number of buffered readings.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Dropped reports how many readings were discarded to honor the buffer
// limit.
func (s *Source) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Source) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	readings, err := DecodePayload(msg.Payload())
	if err != nil {
		s.logger.WithFields(logrus.Fields{"topic": msg.Topic(), "error": err}).Warn("Discarding undecodable reading payload")
		return
	}
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, readings...)
	s.trimLocked()
	s.mu.Unlock()
}

// trimLocked drops the oldest readings beyond the buffer limit. Callers hold
// s.mu.
func (s *Source) trimLocked() {
	over := len(s.buffer) - s.opts.BufferLimit
	if over <= 0 {
		return
	}
	s.buffer = s.buffer[over:]
	s.dropped += uint64(over)
	s.logger.WithFields(logrus.Fields{"dropped": over, "limit": s.opts.BufferLimit}).Warn("Reading buffer full, oldest readings dropped")
}

// DecodePayload parses one MQTT payload into readings. A leading '[' selects
// the batch form.
func DecodePayload(payload []byte) ([]*types.Reading, error) {
	var wires []wireReading
	trimmed := firstNonSpace(payload)
	if trimmed == '[' {
		if err := json.Unmarshal(payload, &wires); err != nil {
			return nil, fmt.Errorf("parsing reading batch: %w", err)
		}
	} else {
		var one wireReading
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, fmt.Errorf("parsing reading: %w", err)
		}
		wires = []wireReading{one}
	}

	out := make([]*types.Reading, 0, len(wires))
	for _, w := range wires {
		r, err := w.toReading()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (w wireReading) toReading() (*types.Reading, error) {
	if w.Asset == "" {
		return nil, fmt.Errorf("reading without asset name")
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", w.Asset, err)
	}
	names := make([]string, 0, len(w.Readings))
	for name := range w.Readings {
		names = append(names, name)
	}
	sort.Strings(names)
	dps := make([]types.Datapoint, 0, len(names))
	for _, name := range names {
		dps = append(dps, types.Datapoint{Name: name, Value: w.Readings[name]})
	}
	return &types.Reading{AssetName: w.Asset, Timestamp: ts, Datapoints: dps}, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds and the
// space-separated variant older collectors emit. Empty means now.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999Z07:00",
		"2006-01-02 15:04:05.999999",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
