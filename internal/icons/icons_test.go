package icons

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sjawhar/ghost-scribe/internal/logging"
	"github.com/sjawhar/ghost-scribe/internal/process"
)

type recorder struct {
	calls []process.Command
	fail  func(cmd process.Command) bool
}

func (r *recorder) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	r.calls = append(r.calls, cmd)
	if r.fail != nil && r.fail(cmd) {
		return &process.Result{Stderr: []byte("convert: no decode delegate")}, errors.New("exit status 1")
	}
	return &process.Result{}, nil
}

func lastArg(cmd process.Command) string {
	return cmd.Args[len(cmd.Args)-1]
}

func TestGenerateAllIcons(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "icons")
	r := &recorder{}

	report, err := NewGenerator("magick-convert", "logo.svg", dir, r, logging.Nop()).Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("unexpected failures %+v", report.Failed)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected output dir to exist: %v", err)
	}

	want := []string{filepath.Join(dir, "icon-72x72.png"), filepath.Join(dir, "icon-96x96.png")}
	if diff := cmp.Diff(want, report.Generated[:2]); diff != "" {
		t.Fatalf("generated mismatch (-want +got):\n%s", diff)
	}
	if len(report.Generated) != len(Sizes)+len(Shortcuts) {
		t.Fatalf("expected %d icons, got %d", len(Sizes)+len(Shortcuts), len(report.Generated))
	}

	// version probe + one call per icon
	if len(r.calls) != 1+len(Sizes)+len(Shortcuts) {
		t.Fatalf("unexpected call count %d", len(r.calls))
	}
	if diff := cmp.Diff([]string{"--version"}, r.calls[0].Args); diff != "" {
		t.Fatalf("probe args mismatch (-want +got):\n%s", diff)
	}
	for _, c := range r.calls {
		if c.Binary != "magick-convert" {
			t.Fatalf("expected configured binary, got %q", c.Binary)
		}
	}
}

func TestAppIconArgs(t *testing.T) {
	dir := t.TempDir()
	r := &recorder{}

	if _, err := NewGenerator("", "public/logo.svg", dir, r, logging.Nop()).Generate(context.Background()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	out := filepath.Join(dir, "icon-512x512.png")
	idx := slices.IndexFunc(r.calls, func(c process.Command) bool { return lastArg(c) == out })
	if idx < 0 {
		t.Fatalf("no call for %s", out)
	}
	want := []string{"-background", "none", "-resize", "512x512", "public/logo.svg", out}
	if diff := cmp.Diff(want, r.calls[idx].Args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if r.calls[idx].Binary != "convert" {
		t.Fatalf("expected default binary convert, got %q", r.calls[idx].Binary)
	}
}

func TestShortcutIconArgs(t *testing.T) {
	dir := t.TempDir()
	r := &recorder{}

	if _, err := NewGenerator("", "", dir, r, logging.Nop()).Generate(context.Background()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	out := filepath.Join(dir, "record-shortcut-96x96.png")
	idx := slices.IndexFunc(r.calls, func(c process.Command) bool { return lastArg(c) == out })
	if idx < 0 {
		t.Fatalf("no call for %s", out)
	}
	want := []string{
		"-size", "96x96",
		"-background", "#3b82f6",
		"-fill", "white",
		"-gravity", "center",
		"-pointsize", "48",
		"label:🎙️",
		out,
	}
	if diff := cmp.Diff(want, r.calls[idx].Args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedIconDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	r := &recorder{fail: func(c process.Command) bool {
		return strings.HasSuffix(lastArg(c), "icon-144x144.png")
	}}

	report, err := NewGenerator("", "", dir, r, logging.Nop()).Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if report.OK() {
		t.Fatal("expected a failure in the report")
	}
	if len(report.Failed) != 1 || report.Failed[0].Path != filepath.Join(dir, "icon-144x144.png") {
		t.Fatalf("unexpected failures %+v", report.Failed)
	}
	if !strings.Contains(report.Failed[0].Err.Error(), "no decode delegate") {
		t.Fatalf("expected stderr in failure, got %v", report.Failed[0].Err)
	}
	if len(report.Generated) != len(Sizes)+len(Shortcuts)-1 {
		t.Fatalf("expected the rest of the batch to render, got %d", len(report.Generated))
	}
}

func TestMissingConvert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "icons")
	r := &recorder{fail: func(c process.Command) bool { return true }}

	_, err := NewGenerator("", "", dir, r, logging.Nop()).Generate(context.Background())
	if !errors.Is(err, ErrConvertMissing) {
		t.Fatalf("expected ErrConvertMissing, got %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("expected only the probe to run, got %d calls", len(r.calls))
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("output dir must not be created without convert, stat err=%v", err)
	}
}

func TestWriteFallback(t *testing.T) {
	var buf bytes.Buffer
	WriteFallback(&buf, "")

	out := buf.String()
	for _, want := range []string{
		"brew install imagemagick",
		"public/logo.svg",
		"icon-72x72.png",
		"icon-512x512.png",
		"upload-shortcut-96x96.png",
		"record-shortcut-96x96.png (microphone icon, 96x96)",
		"transcript-shortcut-96x96.png",
		"#3b82f6",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("fallback output missing %q:\n%s", want, out)
		}
	}
}
