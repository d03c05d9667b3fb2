package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/livecoach/internal/session"
)

var _ session.Observer = (*NATSPublisher)(nil)

// DefaultSubject is the subject prefix state changes are published under.
// The target state is appended, e.g. "livecoach.session.active".
const DefaultSubject = "livecoach.session"

// NATSConfig configures [ConnectNATS].
type NATSConfig struct {
	// Servers is a list of NATS URLs.
	Servers []string
	// Subject is the subject prefix. Default [DefaultSubject].
	Subject string
	// ConnectTimeout bounds the initial dial. Default 2s.
	ConnectTimeout time.Duration
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every state change as JSON. Publishing is buffered
// by the NATS client, so OnStateChange does not wait on the network.
type NATSPublisher struct {
	conn    *nats.Conn
	pub     Publisher
	subject string
	log     *slog.Logger
}

// ConnectNATS dials the configured servers.
func ConnectNATS(cfg NATSConfig, log *slog.Logger) (*NATSPublisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("events: no NATS servers configured")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url,
		nats.Name("livecoach"),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))

	p := NewNATSPublisher(conn, cfg.Subject, log)
	p.conn = conn
	return p, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(pub Publisher, subject string, log *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{pub: pub, subject: subject, log: log}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return p.subject + "." + strings.ToLower(e.To)
}

// OnStateChange implements [session.Observer].
func (p *NATSPublisher) OnStateChange(c session.Change) {
	e := FromChange(c)
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error("events: marshal", "err", err)
		return
	}
	if err := p.pub.Publish(p.Subject(e), data); err != nil {
		p.log.Warn("events: nats publish failed", "subject", p.Subject(e), "err", err)
	}
}

// Healthy reports whether the underlying connection is up. A publisher
// built on a bare [Publisher] is always healthy.
func (p *NATSPublisher) Healthy() bool {
	if p.conn == nil {
		return true
	}
	return p.conn.Status() == nats.CONNECTED
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
