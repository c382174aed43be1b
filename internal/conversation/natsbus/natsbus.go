// Package natsbus publishes conversation entries on a NATS subject so that
// other views (a web UI, a notes taker) can follow a session live.
//
// Each entry is published as one JSON message on "<prefix>.<session id>".
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/smartgenie/internal/conversation"
)

var _ conversation.Sink = (*Publisher)(nil)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "smartgenie.conversation"

// Config describes the NATS connection.
type Config struct {
	URL            string
	SubjectPrefix  string
	Token          string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
	Drain() error
	Close()
}

// Message is the JSON payload of one published entry.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	Collection  string    `json:"collection,omitempty"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	HasAudio    bool      `json:"has_audio"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher is a conversation sink backed by NATS core publish.
type Publisher struct {
	conn   Conn
	prefix string
}

// Connect dials the NATS server described by cfg.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbus: no NATS url configured")
	}
	opts := []nats.Option{
		nats.Name("smartgenie-client"),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	slog.Info("connected to NATS", "url", cfg.URL)
	return New(nc, cfg.SubjectPrefix), nil
}

// New wraps an existing connection.
func New(conn Conn, subjectPrefix string) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: subjectPrefix}
}

// Subject returns the subject entries of sessionID are published on.
func (p *Publisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID
}

// Append implements [conversation.Sink].
func (p *Publisher) Append(_ context.Context, e conversation.Entry) error {
	data, err := json.Marshal(Message{
		ID:          e.ID,
		SessionID:   e.SessionID,
		Seq:         e.Seq,
		Collection:  e.Collection,
		Role:        e.Role.String(),
		Text:        e.Text,
		HasAudio:    e.HasAudio,
		UtteranceID: e.UtteranceID,
		Timestamp:   e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("natsbus: marshal entry: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.SessionID), data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		slog.Debug("natsbus: drain", "err", err)
	}
	p.conn.Close()
}
