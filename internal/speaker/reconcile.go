// Package speaker assigns diarization speaker labels to transcript segments.
//
// Assignment degrades rather than fails: segments are matched by maximum
// temporal overlap, then by the nearest turn, then by deterministic
// position-based fallbacks. When diarization yields no usable speakers every
// segment carries NoSpeaker instead of an invented label.
package speaker

import (
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/diarize"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

const (
	// NoSpeaker marks a segment whose speaker could not be determined because
	// diarization produced no usable speakers.
	NoSpeaker = "NO_SPEAKER"

	// DefaultSpeaker is used only if assignment runs with no known labels.
	DefaultSpeaker = "SPEAKER_00"

	minDuration = 1e-6
)

// Diarization describes what the diarization step did before reconciliation.
type Diarization struct {
	Enabled   bool
	Attempted bool
	Turns     []diarize.RawTurn
	// Err is the invocation failure, if any.
	Err error
}

// Outcome summarizes one reconciliation run. It is returned by value and
// shares no storage with the caller.
type Outcome struct {
	Enabled      bool
	Attempted    bool
	Success      bool
	SpeakerCount int
	// Speakers holds the distinct detected labels in sorted order.
	Speakers []string
	// Error is the reason no speakers were assigned, empty on success.
	Error string
	// InvalidTurns counts raw turns dropped during extraction.
	InvalidTurns int
}

type method string

const (
	methodOverlap    method = "overlap"
	methodNearest    method = "nearest"
	methodMidpoint   method = "midpoint"
	methodRoundRobin method = "round_robin"
	methodDefault    method = "default"
)

type assignment struct {
	speaker    string
	method     method
	confidence float64
}

type Reconciler struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// Reconcile returns a copy of segments with Speaker set on every element,
// plus the outcome. Order, timestamps and text are untouched.
func (r *Reconciler) Reconcile(segments []transcribe.Segment, d Diarization) ([]transcribe.Segment, Outcome) {
	out := transcribe.Transcript{Segments: segments}.Clone().Segments

	turns, invalid := diarize.Extract(d.Turns)
	labels := distinctLabels(turns)

	outcome := Outcome{
		Enabled:      d.Enabled,
		Attempted:    d.Attempted,
		SpeakerCount: len(labels),
		Speakers:     labels,
		InvalidTurns: invalid,
	}
	if invalid > 0 {
		r.log.Debug().Int("invalid", invalid).Int("valid", len(turns)).Msg("dropped malformed diarization turns")
	}

	if len(labels) == 0 {
		for i := range out {
			out[i].Speaker = NoSpeaker
		}
		outcome.Error = failureReason(d, invalid)
		r.log.Info().Str("reason", outcome.Error).Int("segments", len(out)).Msg("no speakers assigned")
		return out, outcome
	}

	assignments := assign(out, turns, labels)
	counts := map[method]int{}
	var overlapConf float64
	for i, a := range assignments {
		out[i].Speaker = a.speaker
		counts[a.method]++
		if a.method == methodOverlap {
			overlapConf += a.confidence
		}
	}

	evt := r.log.Debug().
		Int("segments", len(out)).
		Int("speakers", len(labels)).
		Int("by_overlap", counts[methodOverlap]).
		Int("by_nearest", counts[methodNearest]).
		Int("by_fallback", counts[methodMidpoint]+counts[methodRoundRobin]+counts[methodDefault])
	if n := counts[methodOverlap]; n > 0 {
		evt = evt.Float64("mean_overlap_confidence", overlapConf/float64(n))
	}
	evt.Msg("speakers assigned")

	outcome.Success = true
	return out, outcome
}

// assign picks a speaker for each segment. labels must be sorted.
func assign(segments []transcribe.Segment, turns []diarize.Turn, labels []string) []assignment {
	result := make([]assignment, len(segments))
	midpoint := timelineEnd(segments) / 2

	for i, seg := range segments {
		if a, ok := byOverlap(seg, turns); ok {
			result[i] = a
			continue
		}
		if a, ok := byNearest(seg, turns); ok {
			result[i] = a
			continue
		}
		switch {
		case len(labels) == 2:
			label := labels[1]
			if seg.Start < midpoint {
				label = labels[0]
			}
			result[i] = assignment{speaker: label, method: methodMidpoint}
		case len(labels) > 0:
			result[i] = assignment{speaker: labels[i%len(labels)], method: methodRoundRobin}
		default:
			result[i] = assignment{speaker: DefaultSpeaker, method: methodDefault}
		}
	}
	return result
}

// byOverlap returns the first turn with the largest positive overlap.
func byOverlap(seg transcribe.Segment, turns []diarize.Turn) (assignment, bool) {
	best := -1
	bestOverlap := 0.0
	for i, t := range turns {
		overlap := math.Max(0, math.Min(seg.End, t.End)-math.Max(seg.Start, t.Start))
		if overlap > bestOverlap {
			best, bestOverlap = i, overlap
		}
	}
	if best < 0 {
		return assignment{}, false
	}
	return assignment{
		speaker:    turns[best].Speaker,
		method:     methodOverlap,
		confidence: bestOverlap / math.Max(seg.Duration(), minDuration),
	}, true
}

// byNearest returns the first turn with the smallest gap to the segment.
func byNearest(seg transcribe.Segment, turns []diarize.Turn) (assignment, bool) {
	best := -1
	bestGap := math.Inf(1)
	for i, t := range turns {
		var gap float64
		switch {
		case t.Start >= seg.End:
			gap = t.Start - seg.End
		case t.End <= seg.Start:
			gap = seg.Start - t.End
		}
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}
	if best < 0 {
		return assignment{}, false
	}
	return assignment{speaker: turns[best].Speaker, method: methodNearest}, true
}

func distinctLabels(turns []diarize.Turn) []string {
	seen := make(map[string]struct{}, len(turns))
	labels := make([]string, 0)
	for _, t := range turns {
		if _, ok := seen[t.Speaker]; ok {
			continue
		}
		seen[t.Speaker] = struct{}{}
		labels = append(labels, t.Speaker)
	}
	slices.Sort(labels)
	return labels
}

func timelineEnd(segments []transcribe.Segment) float64 {
	end := 0.0
	for _, s := range segments {
		end = math.Max(end, s.End)
	}
	return end
}

func failureReason(d Diarization, invalid int) string {
	switch {
	case d.Err != nil:
		return d.Err.Error()
	case !d.Enabled:
		return "diarization disabled"
	case !d.Attempted:
		return "diarization not attempted"
	case invalid > 0:
		return fmt.Sprintf("all %d diarization turns were invalid", invalid)
	default:
		return "diarization produced no speaker turns"
	}
}
