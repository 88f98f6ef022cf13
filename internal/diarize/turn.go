// Package diarize runs speaker diarization and turns its raw output into
// validated speaker turns.
package diarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTurn marks a raw turn that cannot be used for speaker assignment.
var ErrInvalidTurn = errors.New("diarize: invalid turn")

// RawTurn is one (turn, track, speaker) entry as emitted by the diarization
// model. Any field may be missing.
type RawTurn struct {
	Start   *float64 `json:"start"`
	End     *float64 `json:"end"`
	Track   string   `json:"track,omitempty"`
	Speaker *string  `json:"speaker"`
}

// UnmarshalJSON never fails on a shape mismatch: an entry that does not decode
// becomes an empty RawTurn and is rejected later by NewTurn.
func (r *RawTurn) UnmarshalJSON(data []byte) error {
	type plain RawTurn
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		*r = RawTurn{}
		return nil
	}
	*r = RawTurn(p)
	return nil
}

// Turn is a validated diarization turn: Start >= 0, End > Start and a
// non-empty speaker label.
type Turn struct {
	Start   float64
	End     float64
	Speaker string
}

func NewTurn(raw RawTurn) (Turn, error) {
	if raw.Start == nil || raw.End == nil {
		return Turn{}, fmt.Errorf("%w: missing start or end", ErrInvalidTurn)
	}
	if raw.Speaker == nil || strings.TrimSpace(*raw.Speaker) == "" {
		return Turn{}, fmt.Errorf("%w: missing speaker label", ErrInvalidTurn)
	}
	start, end := *raw.Start, *raw.End
	if start < 0 {
		return Turn{}, fmt.Errorf("%w: negative start %g", ErrInvalidTurn, start)
	}
	if !(end > start) {
		return Turn{}, fmt.Errorf("%w: end %g not after start %g", ErrInvalidTurn, end, start)
	}
	return Turn{Start: start, End: end, Speaker: *raw.Speaker}, nil
}

// Extract validates raws in order, dropping the ones NewTurn rejects, and
// reports how many were dropped.
func Extract(raws []RawTurn) ([]Turn, int) {
	turns := make([]Turn, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		t, err := NewTurn(raw)
		if err != nil {
			skipped++
			continue
		}
		turns = append(turns, t)
	}
	return turns, skipped
}
