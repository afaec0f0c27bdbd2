package state

import (
	"time"
)

// CurrentSchemaVersion is the version written by this build. Version 1 was
// the original on-disk shape without block fields; version 2 added
// blocked_until, blocked_reason, and last_health_refresh.
const CurrentSchemaVersion = 2

// Block reasons recorded in KeyState.BlockedReason.
const (
	BlockReasonAuth    = "auth"
	BlockReasonPayment = "payment_required"
	BlockReasonManual  = "manual"
)

const wireTimeFormat = "2006-01-02T15:04:05Z"

// KeyState is the mutable per-label record. Counters are non-decreasing
// within a process lifetime; a zero counter does not mean "never failed"
// since state may have been reset.
type KeyState struct {
	LastUsed       string `json:"last_used,omitempty"`
	RequestCount   int    `json:"request_count"`
	Err401         int    `json:"error_401"`
	Err403         int    `json:"error_403"`
	Err429         int    `json:"error_429"`
	Err5xx         int    `json:"error_5xx"`
	ExhaustedUntil string `json:"exhausted_until,omitempty"`
	BlockedUntil   string `json:"blocked_until,omitempty"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

// State is the singleton rotation state persisted to state.json.
type State struct {
	SchemaVersion     int                  `json:"schema_version"`
	ActiveIndex       int                  `json:"active_index"`
	RotationIndex     int                  `json:"rotation_index"`
	AutoRotate        bool                 `json:"auto_rotate"`
	LastHealthRefresh string               `json:"last_health_refresh,omitempty"`
	Keys              map[string]*KeyState `json:"keys"`
}

// New returns a zeroed state at the current schema version.
func New() *State {
	return &State{
		SchemaVersion: CurrentSchemaVersion,
		Keys:          make(map[string]*KeyState),
	}
}

func (s *State) key(label string) *KeyState {
	ks, ok := s.Keys[label]
	if !ok {
		ks = &KeyState{}
		s.Keys[label] = ks
	}
	return ks
}

// MarkHealthRefreshed stamps last_health_refresh with the current UTC time.
func (s *State) MarkHealthRefreshed() {
	s.LastHealthRefresh = time.Now().UTC().Format(wireTimeFormat)
}

// MarkLastUsed stamps the label's last_used with the current UTC time.
func (s *State) MarkLastUsed(label string) {
	s.key(label).LastUsed = time.Now().UTC().Format(wireTimeFormat)
}

// RecordRequest increments the request counter and the error counter implied
// by status, and stamps last_used. 402 and billing-style failures carry no
// counter of their own; the classifier blocks the key instead.
func (s *State) RecordRequest(label string, status int) {
	ks := s.key(label)
	ks.RequestCount++
	switch {
	case status == 401:
		ks.Err401++
	case status == 403:
		ks.Err403++
	case status == 429:
		ks.Err429++
	case status >= 500 && status <= 599:
		ks.Err5xx++
	}
	ks.LastUsed = time.Now().UTC().Format(wireTimeFormat)
}

// MarkExhausted sets the label's cooldown to now + seconds.
func (s *State) MarkExhausted(label string, seconds int) {
	until := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	s.key(label).ExhaustedUntil = until.Format(wireTimeFormat)
}

// MarkBlocked blocks the label for the given reason. seconds <= 0 means
// indefinite: only a manual clear unblocks.
func (s *State) MarkBlocked(label, reason string, seconds int) {
	ks := s.key(label)
	ks.BlockedReason = reason
	if seconds <= 0 {
		ks.BlockedUntil = ""
		return
	}
	until := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	ks.BlockedUntil = until.Format(wireTimeFormat)
}

// ClearBlock zeros the block fields for label. Returns true when something
// was cleared.
func (s *State) ClearBlock(label string) bool {
	ks, ok := s.Keys[label]
	if !ok || (ks.BlockedReason == "" && ks.BlockedUntil == "") {
		return false
	}
	ks.BlockedReason = ""
	ks.BlockedUntil = ""
	return true
}

// ClearAllBlocks clears every blocked label and returns how many it cleared.
func (s *State) ClearAllBlocks() int {
	cleared := 0
	for label := range s.Keys {
		if s.ClearBlock(label) {
			cleared++
		}
	}
	return cleared
}

// IsBlocked reports whether label is currently blocked. A block with no
// until timestamp is indefinite. Unparseable timestamps keep the block in
// place rather than silently releasing a key.
func (s *State) IsBlocked(label string) bool {
	ks, ok := s.Keys[label]
	if !ok {
		return false
	}
	if ks.BlockedReason == "" && ks.BlockedUntil == "" {
		return false
	}
	if ks.BlockedUntil == "" {
		return true
	}
	until, err := parseWireTime(ks.BlockedUntil)
	if err != nil {
		return true
	}
	return time.Now().UTC().Before(until)
}

// IsExhausted reports whether label's cooldown is still in the future.
func (s *State) IsExhausted(label string) bool {
	ks, ok := s.Keys[label]
	if !ok || ks.ExhaustedUntil == "" {
		return false
	}
	until, err := parseWireTime(ks.ExhaustedUntil)
	if err != nil {
		return false
	}
	return time.Now().UTC().Before(until)
}

// BlockedUntilTime parses the label's blocked_until for ordering; the zero
// time sorts first (indefinite blocks are rechecked before timed ones).
func (s *State) BlockedUntilTime(label string) time.Time {
	ks, ok := s.Keys[label]
	if !ok || ks.BlockedUntil == "" {
		return time.Time{}
	}
	until, err := parseWireTime(ks.BlockedUntil)
	if err != nil {
		return time.Time{}
	}
	return until
}

func parseWireTime(value string) (time.Time, error) {
	return time.Parse(wireTimeFormat, value)
}
