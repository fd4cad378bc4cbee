package ratelimit

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("rate limit tracker closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StateKey is the shared-store key for the persisted rate-limit record.
const StateKey = "broker.rate_limit"

// Subject is the broadcast subject for rate limit updates.
const Subject = "broker.rate_limit"

// MessageType identifies rate-limit updates in channel envelopes.
const MessageType = "rate_limit"

// recordVersion is the persisted schema version. Records with a different
// version are discarded rather than guessed at.
const recordVersion = 1

// State is the shared rate-limit state: a cooldown deadline after a 429 and
// the current minimum delay between dispatch starts.
type State struct {
	// CooldownUntil is the instant before which no request may be sent.
	CooldownUntil time.Time

	// Spacing is the enforced delay between dispatch starts.
	Spacing time.Duration
}

// Merge returns the ratchet merge of two states: the later cooldown and the
// larger spacing. It only ever tightens a limit, so a context can apply a
// sibling's stale or duplicate update without regressing its own.
func Merge(a, b State) State {
	out := a
	if b.CooldownUntil.After(out.CooldownUntil) {
		out.CooldownUntil = b.CooldownUntil
	}
	if b.Spacing > out.Spacing {
		out.Spacing = b.Spacing
	}
	return out
}

// record is the persisted JSON schema (epoch milliseconds throughout).
type record struct {
	Version       int   `json:"version"`
	CooldownUntil int64 `json:"cooldown_until"`
	Spacing       int64 `json:"dynamic_spacing"`
	LastUpdated   int64 `json:"last_updated"`
}

// Envelope is the broadcast message wrapper.
type Envelope struct {
	Type string  `json:"type"`
	Data Payload `json:"data"`
}

// Payload carries the rate-limit state in a broadcast (epoch ms / ms).
type Payload struct {
	CooldownUntil int64 `json:"cooldown_until"`
	Spacing       int64 `json:"dynamic_spacing"`
}

// encodeRecord serializes a state for the shared store.
func encodeRecord(s State, now time.Time) ([]byte, error) {
	return json.Marshal(record{
		Version:       recordVersion,
		CooldownUntil: epochMillis(s.CooldownUntil),
		Spacing:       s.Spacing.Milliseconds(),
		LastUpdated:   epochMillis(now),
	})
}

// decodeRecord parses a persisted record. Unparseable or wrong-version
// records are rejected; callers discard them and start clean.
func decodeRecord(data []byte) (State, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return State{}, err
	}
	if r.Version != recordVersion {
		return State{}, errors.New("unknown rate limit record version")
	}
	if r.CooldownUntil < 0 || r.Spacing < 0 {
		return State{}, errors.New("negative value in rate limit record")
	}
	return State{
		CooldownUntil: fromEpochMillis(r.CooldownUntil),
		Spacing:       time.Duration(r.Spacing) * time.Millisecond,
	}, nil
}

// encodeEnvelope serializes a broadcast message.
func encodeEnvelope(s State) ([]byte, error) {
	return json.Marshal(Envelope{
		Type: MessageType,
		Data: Payload{
			CooldownUntil: epochMillis(s.CooldownUntil),
			Spacing:       s.Spacing.Milliseconds(),
		},
	})
}

// decodeEnvelope parses a broadcast message. Messages of a different type
// or with garbage payloads are ignored by returning an error.
func decodeEnvelope(data []byte) (State, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return State{}, err
	}
	if env.Type != MessageType {
		return State{}, errors.New("not a rate limit message")
	}
	if env.Data.CooldownUntil < 0 || env.Data.Spacing < 0 {
		return State{}, errors.New("negative value in rate limit message")
	}
	return State{
		CooldownUntil: fromEpochMillis(env.Data.CooldownUntil),
		Spacing:       time.Duration(env.Data.Spacing) * time.Millisecond,
	}, nil
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
