package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSChannel implements Channel using NATS core pub/sub.
// NATS core delivery is at-most-once, which matches the channel contract.
type NATSChannel struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSChannel creates a new NATS-backed channel.
func NewNATSChannel(cfg NATSConfig) (*NATSChannel, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := buildNATSOptions(cfg)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSChannel{
		conn:   conn,
		config: cfg,
	}, nil
}

// NewNATSChannelFromConn creates a NATSChannel from an existing connection.
// The caller retains ownership of the connection.
func NewNATSChannelFromConn(conn *nats.Conn, cfg NATSConfig) *NATSChannel {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &NATSChannel{
		conn:   conn,
		config: cfg,
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Publish sends a message to a subject.
func (c *NATSChannel) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if c.conn.IsClosed() {
		return ErrClosed
	}

	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (c *NATSChannel) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if c.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, c.config.BufferSize)

	natsSub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		msg := &Message{
			Subject: m.Subject,
			Data:    m.Data,
		}
		select {
		case ch <- msg:
		default:
			// Buffer full, drop message. Best effort.
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	return &natsSubscription{
		sub: natsSub,
		ch:  ch,
	}, nil
}

// Close shuts down the NATS connection.
func (c *NATSChannel) Close() error {
	c.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection so the state store can
// share it.
func (c *NATSChannel) Conn() *nats.Conn {
	return c.conn
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *Message
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
