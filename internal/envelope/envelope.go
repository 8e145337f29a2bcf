// Package envelope implements the wire codec and message catalogue for the
// agent protocol (spec §4.1, §6). Envelopes are the framed unit exchanged
// over every transport — the reliable stream and both peer-to-peer
// datachannels.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// Envelope is the wire record: {type, id, timestamp, payload}.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var idCounter atomic.Uint64

// NewID returns a process-unique id of the form "${monotonicMs}-${counter}".
func NewID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), n)
}

// New builds an Envelope around a typed payload, marshaling it to JSON.
func New(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		ID:        NewID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode serializes an Envelope to JSON bytes.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw bytes into an Envelope, rejecting malformed records
// per spec §4.1: type/id missing or timestamp non-numeric.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type      string          `json:"type"`
		ID        string          `json:"id"`
		Timestamp json.Number     `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, apperr.Wrap(apperr.MalformedEnvelope, "invalid JSON", err)
	}
	if raw.Type == "" || raw.ID == "" {
		return Envelope{}, apperr.New(apperr.MalformedEnvelope, "missing type or id")
	}
	ts, err := raw.Timestamp.Int64()
	if err != nil {
		return Envelope{}, apperr.Wrap(apperr.MalformedEnvelope, "timestamp is not a finite number", err)
	}
	return Envelope{Type: raw.Type, ID: raw.ID, Timestamp: ts, Payload: raw.Payload}, nil
}

// Unmarshal decodes an envelope's payload into a typed value.
func Unmarshal[T any](e Envelope) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, apperr.Wrap(apperr.MalformedEnvelope, "bad payload for "+e.Type, err)
	}
	return v, nil
}
