package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mycodehelper/internal/storage"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-f", "app.js", "--no-stream", "-format", "json", "Review", "this", "code"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.file != "app.js" || !opts.noStream || opts.format != "json" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.prompt != "Review this code" {
		t.Fatalf("unexpected prompt %q", opts.prompt)
	}

	opts, err = parseFlags([]string{"--codebase", "--analyze", "-config", "c.toml"})
	if err != nil {
		t.Fatalf("parse long flags: %v", err)
	}
	if !opts.codebase || !opts.analyze || opts.configPath != "c.toml" || opts.prompt != "" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":       zerolog.WarnLevel,
		"DEBUG":  zerolog.DebugLevel,
		" info ": zerolog.InfoLevel,
		"error":  zerolog.ErrorLevel,
		"off":    zerolog.Disabled,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPruneUsage(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "usage.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	session := uuid.New()
	for _, age := range []time.Duration{40 * 24 * time.Hour, time.Hour} {
		if _, err := store.RecordUsage(ctx, storage.UsageEntry{
			SessionID: session,
			Provider:  "Local AI",
			Model:     "llama",
			Kind:      storage.KindChat,
			CreatedAt: now.Add(-age),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := pruneUsage(ctx, store, 30*24*time.Hour, now); err != nil {
		t.Fatalf("prune: %v", err)
	}
	left, err := store.ListSessionUsage(ctx, session, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || !left[0].CreatedAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("expected only the recent entry, got %+v", left)
	}

	if err := pruneUsage(ctx, store, 30*24*time.Hour, now); err != nil {
		t.Fatalf("prune with nothing to delete: %v", err)
	}
	if err := pruneUsage(ctx, store, 0, now.Add(365*24*time.Hour)); err != nil {
		t.Fatalf("zero retention: %v", err)
	}
	if left, _ := store.ListSessionUsage(ctx, session, 0); len(left) != 1 {
		t.Fatalf("zero retention must keep entries, got %d", len(left))
	}
}
