package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryChannel implements Channel using in-process Go channels.
// Useful for tests and for running several logical contexts in one process.
type MemoryChannel struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  atomic.Bool
	channel *MemoryChannel
}

// NewMemoryChannel creates a new in-memory broadcast channel.
func NewMemoryChannel(cfg Config) *MemoryChannel {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryChannel{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers.
func (c *MemoryChannel) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	c.mu.RLock()
	subs := c.subs[subject]
	c.mu.RUnlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full, drop message. Best effort.
			}
		}
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (c *MemoryChannel) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, c.config.BufferSize),
		channel: c,
	}

	c.mu.Lock()
	c.subs[subject] = append(c.subs[subject], sub)
	c.mu.Unlock()

	return sub, nil
}

// Close shuts down the channel.
func (c *MemoryChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, subs := range c.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}
	c.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()

	subs := s.channel.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.channel.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	close(s.ch)
	return nil
}
