// Package events publishes committed session changes to NATS JetStream so
// that downstream consumers (the settlement submitter in particular) can
// pick up closed sessions without polling the ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/scoutx/session-engine/internal/metrics"
	"github.com/scoutx/session-engine/internal/model"
)

const (
	// StreamName is the JetStream stream holding session events.
	StreamName = "SCOUTX_SESSIONS"

	// SubjectPrefix prefixes every event subject:
	// scoutx.sessions.{event_type}[.{market_id}]
	SubjectPrefix = "scoutx.sessions"
)

// streamPublisher is the subset of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher queues events and publishes them from a single goroutine.
// Notify never blocks: if the queue is full the event is dropped and
// counted. Consumers needing completeness can re-read the store.
type Publisher struct {
	js     streamPublisher
	queue  chan model.Event
	logger *slog.Logger
}

// NewPublisher creates a publisher with a queue of the given size.
func NewPublisher(js streamPublisher, buffer int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		queue:  make(chan model.Event, buffer),
		logger: logger,
	}
}

// Notify implements session.Notifier.
func (p *Publisher) Notify(_ context.Context, evt model.Event) {
	select {
	case p.queue <- evt:
	default:
		metrics.EventsDropped.WithLabelValues("nats").Inc()
		p.logger.Warn("event queue full, dropping", "type", evt.Type, "session_id", evt.SessionID)
	}
}

// DrainTimeout bounds how long Run keeps flushing queued events after its
// context is cancelled.
const DrainTimeout = 5 * time.Second

// Run publishes queued events until ctx is cancelled, then flushes whatever
// is still queued within DrainTimeout.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case evt := <-p.queue:
			p.send(ctx, evt)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-p.queue:
			if ctx.Err() != nil {
				metrics.EventsDropped.WithLabelValues("nats").Inc()
				p.logger.Warn("event dropped at shutdown", "type", evt.Type, "session_id", evt.SessionID)
				continue
			}
			p.send(ctx, evt)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, evt model.Event) {
	if err := p.publish(ctx, evt); err != nil {
		// Non-fatal: the store remains the source of truth.
		p.logger.Warn("event publish failed", "type", evt.Type, "session_id", evt.SessionID, "err", err)
	}
}

func (p *Publisher) publish(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if evt.SessionID != "" {
		// Dedupe key so retried publishes of one transition are stored once.
		opts = append(opts, jetstream.WithMsgID(messageID(evt)))
	}
	_, err = p.js.Publish(ctx, Subject(evt), data, opts...)
	return err
}

// Subject returns the subject an event is published on.
func Subject(evt model.Event) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, evt.Type)
	if evt.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, subjectToken(evt.MarketID))
	}
	return subject
}

func messageID(evt model.Event) string {
	if evt.Type == model.EventTradePlaced {
		return fmt.Sprintf("%s:%s:%d", evt.SessionID, evt.Type, evt.Nonce)
	}
	return fmt.Sprintf("%s:%s", evt.SessionID, evt.Type)
}

// subjectToken replaces characters NATS treats as subject syntax.
func subjectToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', '\t':
			b[i] = '_'
		}
	}
	return string(b)
}

// Connect dials NATS and returns a JetStream handle.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("scoutx-session-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the session event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
