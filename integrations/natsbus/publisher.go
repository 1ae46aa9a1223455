// Package natsbus forwards committed journal records to a NATS JetStream
// stream so downstream consumers can follow loan activity without polling.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"cowlend/core/events"
	"cowlend/observability/metrics"
)

const (
	defaultStream        = "COWLEND_EVENTS"
	defaultSubjectPrefix = "cowlend.events"
	defaultMaxAge        = 72 * time.Hour
)

// Config describes the JetStream target.
type Config struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	MaxAge        time.Duration `yaml:"maxAge"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = defaultStream
	}
	c.SubjectPrefix = strings.TrimSuffix(strings.TrimSpace(c.SubjectPrefix), ".")
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	return c
}

// Publisher publishes journal records to subjects of the form
// <prefix>.<event type>. Records are published only after the journal has
// persisted them.
type Publisher struct {
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
	conn   *nats.Conn
}

// New wraps an existing JetStream handle.
func New(js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("natsbus: jetstream handle required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{js: js, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Connect dials the NATS server at cfg.URL and returns a publisher that owns
// the connection.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("natsbus: url required")
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("cowlend-lendingd"))
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}
	pub, err := New(js, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	pub.conn = conn
	return pub, nil
}

// Close drains the owned connection, if any.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// EnsureStream creates or updates the outbound stream.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.cfg.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    p.cfg.MaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("natsbus: ensure stream %s: %w", p.cfg.Stream, err)
	}
	p.logger.Info("ensured outbound stream", slog.String("stream", p.cfg.Stream))
	return nil
}

// Subject returns the subject a record of the given event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.cfg.SubjectPrefix + "." + eventType
}

// Publish sends one record. The journal sequence is used as the message id so
// JetStream deduplicates replays after a restart.
func (p *Publisher) Publish(ctx context.Context, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("natsbus: marshal record: %w", err)
	}
	msgID := p.cfg.Stream + "-" + strconv.FormatUint(rec.Sequence, 10)
	if _, err := p.js.Publish(ctx, p.Subject(rec.Event.Type), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("natsbus: publish seq %d: %w", rec.Sequence, err)
	}
	return nil
}

// Run publishes records from in until ctx is cancelled or in is closed.
// Publish failures are logged; consumers can backfill from the events API.
func (p *Publisher) Run(ctx context.Context, in <-chan events.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, rec); err != nil {
				metrics.Sinks().IncFailure("nats")
				p.logger.Warn("outbound publish failed",
					slog.Uint64("sequence", rec.Sequence),
					slog.String("type", rec.Event.Type),
					slog.Any("error", err))
				continue
			}
			metrics.Sinks().IncDelivered("nats")
		}
	}
}
