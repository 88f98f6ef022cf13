package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sjawhar/ghost-scribe/internal/process"
)

func TestRunPrintsFallbackWithoutConvert(t *testing.T) {
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		return nil, process.ErrNotFound
	})

	var stdout bytes.Buffer
	code := run(context.Background(), []string{"--out", filepath.Join(t.TempDir(), "icons")}, runner, &stdout, &bytes.Buffer{})

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "icon-192x192.png") {
		t.Fatalf("expected fallback instructions, got %s", stdout.String())
	}
}

func TestRunReportsEachIcon(t *testing.T) {
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		if strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "upload-shortcut-96x96.png") {
			return &process.Result{}, errors.New("exit status 1")
		}
		return &process.Result{}, nil
	})

	var stdout bytes.Buffer
	dir := t.TempDir()
	code := run(context.Background(), []string{"--out", dir, "--logo", "logo.svg"}, runner, &stdout, &bytes.Buffer{})

	if code != 1 {
		t.Fatalf("expected exit 1 when an icon fails, got %d", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "generated "+filepath.Join(dir, "icon-512x512.png")) {
		t.Fatalf("expected later icons to still render, got %s", out)
	}
	if !strings.Contains(out, "failed "+filepath.Join(dir, "upload-shortcut-96x96.png")) {
		t.Fatalf("expected failure line, got %s", out)
	}
	if !strings.Contains(out, "generated "+filepath.Join(dir, "record-shortcut-96x96.png")) {
		t.Fatalf("expected batch to continue after failure, got %s", out)
	}
}

func TestRunSuccess(t *testing.T) {
	runner := process.RunnerFunc(func(ctx context.Context, cmd process.Command) (*process.Result, error) {
		return &process.Result{}, nil
	})

	if code := run(context.Background(), []string{"--out", t.TempDir()}, runner, &bytes.Buffer{}, &bytes.Buffer{}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunBadFlag(t *testing.T) {
	if code := run(context.Background(), []string{"--nope"}, nil, &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
