package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sjawhar/ghost-scribe/internal/diarize"
	"github.com/sjawhar/ghost-scribe/internal/logging"
	"github.com/sjawhar/ghost-scribe/internal/media"
	"github.com/sjawhar/ghost-scribe/internal/output"
	"github.com/sjawhar/ghost-scribe/internal/process"
	"github.com/sjawhar/ghost-scribe/internal/speaker"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

type fakeTranscriber struct {
	tr   transcribe.Transcript
	err  error
	reqs []transcribe.Request
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Transcript, error) {
	f.reqs = append(f.reqs, req)
	return f.tr, f.err
}

type fakeAligner struct {
	shift float64
	err   error
}

func (f *fakeAligner) Align(ctx context.Context, audioPath string, tr transcribe.Transcript, device string) (transcribe.Transcript, error) {
	if f.err != nil {
		return transcribe.Transcript{}, f.err
	}
	out := tr.Clone()
	for i := range out.Segments {
		out.Segments[i].Start += f.shift
	}
	return out, nil
}

type fakeDiarizer struct {
	turns []diarize.RawTurn
	err   error
	calls []diarize.Request
}

func (f *fakeDiarizer) Diarize(ctx context.Context, req diarize.Request) ([]diarize.RawTurn, error) {
	f.calls = append(f.calls, req)
	return f.turns, f.err
}

type fakeArchive struct {
	mu        sync.Mutex
	created   []string
	running   []string
	completed map[string][]transcribe.Segment
	failed    map[string]output.Metadata
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{completed: map[string][]transcribe.Segment{}, failed: map[string]output.Metadata{}}
}

func (a *fakeArchive) CreateRun(id, audioFile, outputFile string, createdAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, id)
	return nil
}

func (a *fakeArchive) MarkRunning(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = append(a.running, id)
	return nil
}

func (a *fakeArchive) CompleteRun(id string, finishedAt time.Time, meta output.Metadata, segments []transcribe.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed[id] = segments
	return nil
}

func (a *fakeArchive) FailRun(id string, finishedAt time.Time, meta output.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed[id] = meta
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
	done   chan string
}

func (e *fakeEvents) add(s string) {
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *fakeEvents) RunQueued(id, audioFile string) { e.add("queued:" + id) }
func (e *fakeEvents) RunStage(id, stage string)      { e.add("stage:" + stage) }
func (e *fakeEvents) RunCompleted(id string, meta output.Metadata) {
	e.add("completed:" + id)
	if e.done != nil {
		e.done <- id
	}
}
func (e *fakeEvents) RunFailed(id, reason string) {
	e.add("failed:" + id)
	if e.done != nil {
		e.done <- id
	}
}

func (e *fakeEvents) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fakeUploader struct {
	paths []string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, paths ...string) error {
	u.paths = append(u.paths, paths...)
	return u.err
}

func turn(start, end float64, label string) diarize.RawTurn {
	return diarize.RawTurn{Start: &start, End: &end, Speaker: &label}
}

func writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func newTestPipeline(d Deps) *Pipeline {
	d.Log = logging.Nop()
	p := New(d)
	clock := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	p.newID = func() string { return "run-1" }
	return p
}

func baseTranscript() transcribe.Transcript {
	return transcribe.Transcript{Language: "en", Device: "cpu", Segments: []transcribe.Segment{
		{Start: 0, End: 4, Text: "Morning."},
		{Start: 5, End: 9, Text: "Hi there."},
	}}
}

func TestRunHappyPath(t *testing.T) {
	outDir := t.TempDir()
	opts := Options{
		AudioFile:    writeAudio(t, "standup.wav"),
		OutputFile:   filepath.Join(outDir, "standup.json"),
		MarkdownFile: filepath.Join(outDir, "standup.md"),
		Backend:      "whisperx",
		Model:        "base",
		Device:       "cpu",
		Diarize:      true,
		NumSpeakers:  2,
	}
	tr := &fakeTranscriber{tr: baseTranscript()}
	dz := &fakeDiarizer{turns: []diarize.RawTurn{turn(0, 4.5, "SPEAKER_00"), turn(4.5, 10, "SPEAKER_01")}}
	archive := newFakeArchive()
	events := &fakeEvents{}
	uploader := &fakeUploader{}

	p := newTestPipeline(Deps{Transcriber: tr, Aligner: &fakeAligner{shift: 0.1}, Diarizer: dz, Archive: archive, Events: events, Uploader: uploader})
	res, err := p.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", res.RunID)
	}
	wantSpeakers := []string{"SPEAKER_00", "SPEAKER_01"}
	for i, seg := range res.Document.Segments {
		if seg.Speaker != wantSpeakers[i] {
			t.Fatalf("segment %d: speaker %q, want %q", i, seg.Speaker, wantSpeakers[i])
		}
	}
	if res.Document.Segments[0].Start != 0.1 {
		t.Fatalf("expected aligned timestamps, got %v", res.Document.Segments[0].Start)
	}
	if len(dz.calls) != 1 || dz.calls[0].NumSpeakers != 2 {
		t.Fatalf("unexpected diarizer calls %+v", dz.calls)
	}

	meta, err := output.ReadMetadata(filepath.Join(outDir, "standup_status.json"))
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta.Status != output.StatusCompleted || !meta.Aligned || !meta.HasSpeakers || meta.SpeakerCount != 2 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if !meta.DiarizationEnabled || !meta.DiarizationAttempted || !meta.DiarizationSuccess || meta.DiarizationError != "" {
		t.Fatalf("unexpected diarization metadata %+v", meta)
	}
	if meta.DurationSeconds <= 0 {
		t.Fatalf("expected positive duration, got %v", meta.DurationSeconds)
	}
	if _, err := os.Stat(opts.OutputFile); err != nil {
		t.Fatalf("transcript not written: %v", err)
	}

	if diff := cmp.Diff([]string{opts.OutputFile, opts.MarkdownFile}, uploader.paths); diff != "" {
		t.Fatalf("upload paths mismatch (-want +got):\n%s", diff)
	}
	if len(archive.created) != 1 || len(archive.completed["run-1"]) != 2 {
		t.Fatalf("unexpected archive state %+v", archive)
	}
	wantEvents := []string{
		"queued:run-1", "stage:transcribe", "stage:align", "stage:diarize",
		"stage:reconcile", "stage:write", "completed:run-1",
	}
	if diff := cmp.Diff(wantEvents, events.list()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTranscriptionFailureIsFatal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "meeting.json")
	archive := newFakeArchive()
	events := &fakeEvents{}
	p := newTestPipeline(Deps{Transcriber: &fakeTranscriber{err: errors.New("CUDA out of memory")}, Archive: archive, Events: events})

	res, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "meeting.wav"), OutputFile: out, Diarize: true})
	if !errors.Is(err, ErrModelInvocation) {
		t.Fatalf("expected ErrModelInvocation, got %v", err)
	}
	if res.Metadata.Status != output.StatusFailed {
		t.Fatalf("expected failed status, got %q", res.Metadata.Status)
	}

	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("no transcript should be written on failure, stat err=%v", err)
	}
	meta, err := output.ReadMetadata(filepath.Join(filepath.Dir(out), "meeting_status.json"))
	if err != nil {
		t.Fatalf("failure metadata missing: %v", err)
	}
	if meta.Status != output.StatusFailed || meta.Error == "" {
		t.Fatalf("unexpected failure metadata %+v", meta)
	}
	if _, ok := archive.failed["run-1"]; !ok {
		t.Fatal("expected archive FailRun")
	}
	evs := events.list()
	if evs[len(evs)-1] != "failed:run-1" {
		t.Fatalf("expected failed event last, got %v", evs)
	}
}

func TestRunAlignmentFailureDegrades(t *testing.T) {
	out := filepath.Join(t.TempDir(), "a.json")
	p := newTestPipeline(Deps{Transcriber: &fakeTranscriber{tr: baseTranscript()}, Aligner: &fakeAligner{err: errors.New("no align model for language xx")}})

	res, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "a.wav"), OutputFile: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Metadata.Aligned || res.Document.Aligned {
		t.Fatal("expected aligned=false")
	}
	if res.Metadata.AlignmentError == "" {
		t.Fatal("expected alignment error recorded")
	}
	if res.Document.Segments[0].Start != 0 {
		t.Fatalf("expected unaligned timestamps, got %v", res.Document.Segments[0].Start)
	}
}

func TestRunDiarizationOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		diarize       bool
		diarizer      *fakeDiarizer
		wantAttempted bool
		wantError     string
		wantCalls     int
	}{
		{name: "disabled", diarize: false, diarizer: &fakeDiarizer{}, wantCalls: 0},
		{name: "no token", diarize: true, diarizer: nil, wantError: diarize.ErrNoToken.Error()},
		{name: "invocation failure", diarize: true, diarizer: &fakeDiarizer{err: errors.New("pyannote: exit status 1")}, wantAttempted: true, wantError: "pyannote: exit status 1", wantCalls: 1},
		{name: "empty output", diarize: true, diarizer: &fakeDiarizer{}, wantAttempted: true, wantError: "diarization produced no speaker turns", wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Deps{Transcriber: &fakeTranscriber{tr: baseTranscript()}}
			if tt.diarizer != nil {
				deps.Diarizer = tt.diarizer
			}
			p := newTestPipeline(deps)

			res, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "a.wav"), OutputFile: filepath.Join(t.TempDir(), "a.json"), Diarize: tt.diarize})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			for i, seg := range res.Document.Segments {
				if seg.Speaker != speaker.NoSpeaker {
					t.Fatalf("segment %d: expected absence marker, got %q", i, seg.Speaker)
				}
			}
			m := res.Metadata
			if m.Status != output.StatusCompleted || m.HasSpeakers || m.DiarizationSuccess {
				t.Fatalf("unexpected metadata %+v", m)
			}
			if m.DiarizationEnabled != tt.diarize || m.DiarizationAttempted != tt.wantAttempted {
				t.Fatalf("enabled=%v attempted=%v", m.DiarizationEnabled, m.DiarizationAttempted)
			}
			if m.DiarizationError != tt.wantError {
				t.Fatalf("diarization_error = %q, want %q", m.DiarizationError, tt.wantError)
			}
			if tt.diarizer != nil && len(tt.diarizer.calls) != tt.wantCalls {
				t.Fatalf("expected %d diarizer calls, got %d", tt.wantCalls, len(tt.diarizer.calls))
			}
		})
	}
}

func TestRunNormalizesAndCleansUp(t *testing.T) {
	tmp := t.TempDir()
	var normalized string
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		normalized = cmd.Args[len(cmd.Args)-1]
		return &process.Result{}, os.WriteFile(normalized, []byte("RIFF"), 0o600)
	})
	tr := &fakeTranscriber{tr: baseTranscript()}
	dz := &fakeDiarizer{turns: []diarize.RawTurn{turn(0, 10, "A")}}
	p := newTestPipeline(Deps{
		Transcriber: tr,
		Diarizer:    dz,
		Normalizer:  media.NewNormalizer("ffmpeg", tmp, time.Minute, runner, logging.Nop()),
	})

	res, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "memo.m4a"), OutputFile: filepath.Join(t.TempDir(), "memo.json"), Diarize: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if tr.reqs[0].AudioPath != normalized || dz.calls[0].AudioPath != normalized {
		t.Fatalf("expected both models to get %s, got %s and %s", normalized, tr.reqs[0].AudioPath, dz.calls[0].AudioPath)
	}
	if !res.Metadata.NormalizedAudio {
		t.Fatal("expected normalized_audio=true")
	}
	if _, err := os.Stat(normalized); !os.IsNotExist(err) {
		t.Fatalf("normalized file should be removed after the run, stat err=%v", err)
	}
}

func TestRunRemovesNormalizedAudioOnFailure(t *testing.T) {
	var normalized string
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		normalized = cmd.Args[len(cmd.Args)-1]
		return &process.Result{}, os.WriteFile(normalized, []byte("RIFF"), 0o600)
	})
	tr := &fakeTranscriber{err: errors.New("CUDA out of memory")}
	p := newTestPipeline(Deps{
		Transcriber: tr,
		Normalizer:  media.NewNormalizer("ffmpeg", t.TempDir(), time.Minute, runner, logging.Nop()),
	})

	_, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "memo.m4a"), OutputFile: filepath.Join(t.TempDir(), "memo.json")})
	if !errors.Is(err, ErrModelInvocation) {
		t.Fatalf("expected ErrModelInvocation, got %v", err)
	}
	if len(tr.reqs) != 1 || normalized == "" || tr.reqs[0].AudioPath != normalized {
		t.Fatalf("expected transcriber to get the normalized file %q, got %+v", normalized, tr.reqs)
	}
	if _, err := os.Stat(normalized); !os.IsNotExist(err) {
		t.Fatalf("normalized file should be removed after a failed run, stat err=%v", err)
	}
}

func TestRunNormalizationFailureUsesOriginal(t *testing.T) {
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: 1}, errors.New("exit status 1")
	})
	tr := &fakeTranscriber{tr: baseTranscript()}
	audio := writeAudio(t, "memo.ogg")
	p := newTestPipeline(Deps{Transcriber: tr, Normalizer: media.NewNormalizer("ffmpeg", t.TempDir(), time.Minute, runner, logging.Nop())})

	res, err := p.Run(context.Background(), Options{AudioFile: audio, OutputFile: filepath.Join(t.TempDir(), "memo.json")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tr.reqs[0].AudioPath != audio {
		t.Fatalf("expected original audio, got %s", tr.reqs[0].AudioPath)
	}
	if res.Metadata.NormalizedAudio || res.Metadata.NormalizationError == "" {
		t.Fatalf("unexpected normalization metadata %+v", res.Metadata)
	}
}

func TestRunMissingAudio(t *testing.T) {
	out := filepath.Join(t.TempDir(), "x.json")
	tr := &fakeTranscriber{}
	p := newTestPipeline(Deps{Transcriber: tr})

	_, err := p.Run(context.Background(), Options{AudioFile: "/nonexistent/x.wav", OutputFile: out})
	if !errors.Is(err, ErrInput) {
		t.Fatalf("expected ErrInput, got %v", err)
	}
	if len(tr.reqs) != 0 {
		t.Fatal("transcriber must not run without input")
	}
	if _, err := output.ReadMetadata(output.StatusPath(out)); err != nil {
		t.Fatalf("expected failure metadata: %v", err)
	}
}

func TestRunUploadFailureIsNotFatal(t *testing.T) {
	p := newTestPipeline(Deps{Transcriber: &fakeTranscriber{tr: baseTranscript()}, Uploader: &fakeUploader{err: errors.New("quota")}})
	if _, err := p.Run(context.Background(), Options{AudioFile: writeAudio(t, "a.wav"), OutputFile: filepath.Join(t.TempDir(), "a.json")}); err != nil {
		t.Fatalf("upload failure must not fail the run: %v", err)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	if got := DefaultOutputPath("/rec/standup.m4a"); got != "/rec/standup.json" {
		t.Fatalf("got %q", got)
	}
}
