package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subject taxonomy published by the recording core, dotted-namespace per the
// ambient convention: "recording.<component>.<event>".
const (
	SubjectStreamDegraded  = "recording.stream.degraded"
	SubjectStreamRecovered = "recording.stream.recovered"
	SubjectStreamStopped   = "recording.stream.stopped"
	SubjectSegmentSealed   = "recording.segment.sealed"
	SubjectSegmentDeleted  = "recording.segment.deleted"
	SubjectMotionStarted   = "recording.motion.started"
	SubjectMotionEnded     = "recording.motion.ended"
	SubjectIndexReconciled = "recording.index.reconciled"
	SubjectRetentionSwept  = "recording.retention.swept"
)

// defaultSubscriberQueueSize is the per-subscriber bounded channel size.
// A full channel drops the newest message rather than blocking the
// publisher, satisfying the EventBus's "slow subscribers get dropped"
// requirement that raw NATS subscription alone does not provide.
const defaultSubscriberQueueSize = 256

// EventBus is an embedded NATS server wrapped with bounded, drop-on-full
// per-subscriber dispatch.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*dispatcher
	subsMu sync.Mutex
}

// Config configures the embedded NATS instance.
type Config struct {
	Host        string
	Port        int
	PortManager *PortManager
}

// DefaultConfig returns the conventional local-only configuration.
func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        DefaultNATSPort,
		PortManager: GetPortManager(),
	}
}

// New starts an embedded NATS server and connects to it.
func New(cfg Config, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}
	pm := cfg.PortManager
	if pm == nil {
		pm = GetPortManager()
	}

	actualPort, err := pm.ReserveOrFind(cfg.Port, "eventbus-nats")
	if err != nil {
		return nil, fmt.Errorf("allocate NATS port: %w", err)
	}
	if actualPort != cfg.Port {
		logger.Info("event bus NATS port conflict, using alternative", "preferred", cfg.Port, "actual", actualPort)
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   actualPort,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		pm.Release(actualPort)
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		pm.Release(actualPort)
		return nil, fmt.Errorf("NATS server not ready after 2s (port %d)", actualPort)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		pm.Release(actualPort)
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*dispatcher),
	}
	eb.logger.Info("event bus started", "url", ns.ClientURL())
	return eb, nil
}

// Publish marshals data as JSON and publishes it to subject. Publish never
// blocks on a subscriber: NATS delivery to this process's own subscriptions
// is asynchronous, and the bounded dispatcher absorbs backpressure.
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}
	return eb.conn.Publish(subject, payload)
}

// dispatcher fans NATS deliveries for one Subscribe call into a bounded Go
// channel, dropping new messages when the channel is full.
type dispatcher struct {
	sub     *nats.Subscription
	ch      chan []byte
	subject string
}

// Subscribe returns a channel of raw message payloads for subject, backed by
// a bounded queue of size queueSize (defaultSubscriberQueueSize when 0). A
// consumer that falls behind has newly arriving messages dropped while its
// queue is full, never the publisher being blocked.
func (eb *EventBus) Subscribe(subject string, queueSize int) (<-chan []byte, func(), error) {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueueSize
	}
	d := &dispatcher{
		ch:      make(chan []byte, queueSize),
		subject: subject,
	}

	sub, err := eb.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case d.ch <- msg.Data:
		default:
			eb.logger.Warn("event bus subscriber queue full, dropping message", "subject", subject)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	d.sub = sub

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], d)
	eb.subsMu.Unlock()

	cancel := func() {
		_ = sub.Unsubscribe()
		eb.subsMu.Lock()
		defer eb.subsMu.Unlock()
		list := eb.subs[subject]
		for i, s := range list {
			if s == d {
				eb.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return d.ch, cancel, nil
}

// SubscribeJSON is Subscribe plus unmarshaling each payload into a fresh T,
// invoking handler in its own goroutine. Decode failures are logged and
// skipped rather than delivered.
func SubscribeJSON[T any](eb *EventBus, subject string, queueSize int, handler func(T)) (func(), error) {
	ch, cancel, err := eb.Subscribe(subject, queueSize)
	if err != nil {
		return nil, err
	}
	go func() {
		for payload := range ch {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				eb.logger.Error("event bus payload decode failed", "subject", subject, "error", err)
				continue
			}
			handler(v)
		}
	}()
	return cancel, nil
}

// ClientURL returns the embedded server's client connection URL.
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Stop drains the connection and shuts down the embedded server.
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("event bus stopped")
}
