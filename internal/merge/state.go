package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrBadDelta indicates that a delta payload was rejected without being applied.
	ErrBadDelta = errors.New("merge: invalid delta")
	// ErrEmptyKey indicates that a register key was empty.
	ErrEmptyKey = errors.New("merge: empty register key")
)

// deltaEnvelope is the wire form of a delta: a batch of register writes.
type deltaEnvelope struct {
	Entries []deltaEntry `json:"entries"`
}

type deltaEntry struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Clock  int64           `json:"clock"`
	Writer string          `json:"writer"`
}

type register struct {
	value  json.RawMessage
	clock  int64
	writer string
}

// State is a convergent register map. Each key holds the write with the
// highest (clock, writer) pair, so applying the same set of deltas in any
// order yields an identical full-state encoding.
type State struct {
	writerID  string
	registers map[string]register
}

// NewState returns an empty state. Deltas produced locally are attributed
// to the provided writer identifier.
func NewState(writerID string) *State {
	return &State{
		writerID:  writerID,
		registers: make(map[string]register),
	}
}

// ApplyDelta merges a delta payload into the state. The payload is decoded
// and validated in full before any register changes, so a rejected delta
// leaves the state untouched.
func (s *State) ApplyDelta(payload []byte) error {
	entries, err := decodeDelta(payload)
	if err != nil {
		return err
	}
	s.mergeEntries(entries)
	return nil
}

// Load merges previously persisted bytes into the state. The merge is the
// same as ApplyDelta; the separate entry point marks the load origin so
// callers skip the persistence write a live delta would trigger.
func (s *State) Load(payload []byte) error {
	return s.ApplyDelta(payload)
}

// EncodeFull returns the deterministic full encoding of the state: every
// register, sorted by key. The encoding is itself a valid delta.
func (s *State) EncodeFull() []byte {
	keys := make([]string, 0, len(s.registers))
	for key := range s.registers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	envelope := deltaEnvelope{Entries: make([]deltaEntry, 0, len(keys))}
	for _, key := range keys {
		reg := s.registers[key]
		envelope.Entries = append(envelope.Entries, deltaEntry{
			Key:    key,
			Value:  reg.value,
			Clock:  reg.clock,
			Writer: reg.writer,
		})
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		// Entries hold pre-validated raw JSON; marshaling cannot fail.
		panic(err)
	}
	return encoded
}

// AssignDelta builds a delta that sets key to value with a clock strictly
// dominating the key's current register. The delta is not applied.
func (s *State) AssignDelta(key string, value any) ([]byte, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, ErrEmptyKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}

	clock := int64(1)
	if existing, ok := s.registers[trimmed]; ok {
		clock = existing.clock + 1
	}
	envelope := deltaEnvelope{Entries: []deltaEntry{{
		Key:    trimmed,
		Value:  raw,
		Clock:  clock,
		Writer: s.writerID,
	}}}
	return json.Marshal(envelope)
}

// ValueJSON returns the raw JSON value stored under key.
func (s *State) ValueJSON(key string) (json.RawMessage, bool) {
	reg, ok := s.registers[key]
	if !ok {
		return nil, false
	}
	return reg.value, true
}

// TextValue returns the string stored under key, or false when the key is
// absent or does not hold a string.
func (s *State) TextValue(key string) (string, bool) {
	reg, ok := s.registers[key]
	if !ok {
		return "", false
	}
	var text string
	if err := json.Unmarshal(reg.value, &text); err != nil {
		return "", false
	}
	return text, true
}

// SnapshotJSON returns the current key to value mapping.
func (s *State) SnapshotJSON() map[string]json.RawMessage {
	snapshot := make(map[string]json.RawMessage, len(s.registers))
	for key, reg := range s.registers {
		snapshot[key] = reg.value
	}
	return snapshot
}

// Len returns the number of populated registers.
func (s *State) Len() int {
	return len(s.registers)
}

func (s *State) mergeEntries(entries []deltaEntry) {
	for _, entry := range entries {
		existing, ok := s.registers[entry.Key]
		if ok && !dominates(entry, existing) {
			continue
		}
		s.registers[entry.Key] = register{
			value:  entry.Value,
			clock:  entry.Clock,
			writer: entry.Writer,
		}
	}
}

func decodeDelta(payload []byte) ([]deltaEntry, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadDelta)
	}
	var envelope deltaEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	for _, entry := range envelope.Entries {
		if strings.TrimSpace(entry.Key) == "" {
			return nil, fmt.Errorf("%w: entry with empty key", ErrBadDelta)
		}
		if entry.Clock < 1 {
			return nil, fmt.Errorf("%w: entry clock %d for key %q", ErrBadDelta, entry.Clock, entry.Key)
		}
		if strings.TrimSpace(entry.Writer) == "" {
			return nil, fmt.Errorf("%w: entry without writer for key %q", ErrBadDelta, entry.Key)
		}
		if !json.Valid(entry.Value) {
			return nil, fmt.Errorf("%w: entry value for key %q is not valid JSON", ErrBadDelta, entry.Key)
		}
	}
	return envelope.Entries, nil
}

// dominates reports whether incoming wins over existing. Ties on clock fall
// back to the lexically greater writer so concurrent writes resolve the same
// way on every replica.
func dominates(incoming deltaEntry, existing register) bool {
	if incoming.Clock != existing.clock {
		return incoming.Clock > existing.clock
	}
	return incoming.Writer >= existing.writer
}
