package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"mycodehelper/internal/conversation"
	"mycodehelper/internal/metrics"
	"mycodehelper/internal/providers"
	"mycodehelper/internal/ratelimit"
	"mycodehelper/internal/scan"
	"mycodehelper/internal/storage"
)

type fakeProvider struct {
	replies  [][]providers.Fragment
	requests []providers.Request
}

func (f *fakeProvider) Name() string  { return "Fake AI" }
func (f *fakeProvider) Model() string { return "fake-1" }

func (f *fakeProvider) Generate(ctx context.Context, req providers.Request) <-chan providers.Fragment {
	f.requests = append(f.requests, req)
	var frags []providers.Fragment
	if len(f.replies) > 0 {
		frags = f.replies[0]
		f.replies = f.replies[1:]
	}
	out := make(chan providers.Fragment, len(frags))
	for _, fr := range frags {
		out <- fr
	}
	close(out)
	return out
}

func text(parts ...string) []providers.Fragment {
	out := make([]providers.Fragment, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.Fragment{Text: p})
	}
	return out
}

func failure(msg string) []providers.Fragment {
	return []providers.Fragment{providers.ErrorFragment(errors.New(msg))}
}

type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

type memUsage struct {
	entries []storage.UsageEntry
}

func (m *memUsage) RecordUsage(_ context.Context, e storage.UsageEntry) (uuid.UUID, error) {
	m.entries = append(m.entries, e)
	return uuid.New(), nil
}

func (m *memUsage) ListSessionUsage(_ context.Context, sessionID uuid.UUID, _ uint64) ([]storage.UsageEntry, error) {
	var out []storage.UsageEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memUsage) UsageStats(context.Context, time.Time) ([]storage.ProviderStats, error) {
	return nil, nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func newRunner(t *testing.T, p *fakeProvider, cfg Config) (*Runner, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg.Provider = p
	cfg.Out = out
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.MarkdownStyle == "" {
		cfg.MarkdownStyle = "notty"
	}
	return New(cfg), out
}

func TestInteractiveChatHistoryWindow(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("Hello", " there"), text("second")}}
	history := conversation.New()
	r, out := newRunner(t, p, Config{History: history, Streaming: true})

	in := &scriptedInput{lines: []string{"hi", "", "again", "exit"}}
	if err := r.Interactive(context.Background(), in); err != nil {
		t.Fatalf("interactive: %v", err)
	}

	if len(p.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(p.requests))
	}
	if len(p.requests[0].History) != 0 {
		t.Fatalf("first turn must not carry its own prompt as history: %+v", p.requests[0].History)
	}
	second := p.requests[1]
	if second.Prompt != "again" || len(second.History) != 2 {
		t.Fatalf("unexpected second request: %+v", second)
	}
	if second.History[0].Content != "hi" || second.History[1].Content != "Hello there" {
		t.Fatalf("unexpected history: %+v", second.History)
	}
	if !second.Stream || !strings.Contains(second.SystemPrompt, "MyCodeHelper") {
		t.Fatalf("expected streaming request with base system prompt: %+v", second)
	}
	if history.Len() != 4 {
		t.Fatalf("expected 4 turns, got %d", history.Len())
	}
	if !strings.Contains(out.String(), "Hello there") || !strings.Contains(out.String(), "Goodbye") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestInteractiveErrorReplyNotAppended(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{failure("local AI API error: 503 Service Unavailable")}}
	history := conversation.New()
	r, out := newRunner(t, p, Config{History: history, Streaming: true})

	if err := r.Interactive(context.Background(), &scriptedInput{lines: []string{"hi"}}); err != nil {
		t.Fatalf("interactive: %v", err)
	}
	if history.Len() != 0 {
		t.Fatalf("error reply must not be appended, got %d turns", history.Len())
	}
	if !strings.Contains(out.String(), "Error: local AI API error: 503") {
		t.Fatalf("expected error text printed, got %q", out.String())
	}
}

func TestInteractiveCommands(t *testing.T) {
	p := &fakeProvider{}
	history := conversation.New()
	history.Append(conversation.Turn{Role: conversation.RoleUser, Content: "old"})
	r, out := newRunner(t, p, Config{History: history, Temperature: 0.7, MaxTokens: 8192})

	in := &scriptedInput{lines: []string{"HELP", "status", "clear", "file", "quit", "never read"}}
	if err := r.Interactive(context.Background(), in); err != nil {
		t.Fatalf("interactive: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Interactive Commands", "Provider: Fake AI", "Conversation length: 1 messages", "Max tokens: 8192", "Conversation cleared", "usage: file <path>"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if history.Len() != 0 {
		t.Fatalf("expected cleared history")
	}
	if len(p.requests) != 0 {
		t.Fatalf("commands must not reach the provider")
	}
	if len(in.lines) != 1 {
		t.Fatalf("quit must stop reading input")
	}
}

func TestInteractiveFileTurn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := &fakeProvider{replies: [][]providers.Fragment{text("looks fine")}}
	history := conversation.New()
	for i := 0; i < 8; i++ {
		history.Append(conversation.Turn{Role: conversation.RoleUser, Content: "x"})
	}
	r, _ := newRunner(t, p, Config{History: history})

	if err := r.Interactive(context.Background(), &scriptedInput{lines: []string{"file " + path, "file missing.go"}}); err != nil {
		t.Fatalf("interactive: %v", err)
	}
	if len(p.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(p.requests))
	}
	req := p.requests[0]
	if len(req.History) != conversation.FileWindowSize || len(req.Files) != 1 || req.Files[0].Content != "package main\n" {
		t.Fatalf("unexpected file request: %+v", req)
	}
	all := history.All()
	if all[len(all)-2].Content != "[File: "+path+"]" || all[len(all)-1].Content != "looks fine" {
		t.Fatalf("unexpected appended turns: %+v", all[len(all)-2:])
	}
}

func TestPromptBufferedJSON(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("a", "b")}}
	r, out := newRunner(t, p, Config{Streaming: true, Format: FormatJSON})

	if err := r.Prompt(context.Background(), "q"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if p.requests[0].Stream {
		t.Fatalf("json output must not request streaming")
	}
	if !strings.Contains(out.String(), `"response": "ab"`) || !strings.Contains(out.String(), `"model": "fake-1"`) {
		t.Fatalf("unexpected json output: %s", out.String())
	}
}

func TestPromptMarkdown(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("# Title\n\nsome *text*")}}
	r, out := newRunner(t, p, Config{Format: FormatMarkdown})

	if err := r.Prompt(context.Background(), "q"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(out.String(), "Title") || !strings.Contains(out.String(), "text") {
		t.Fatalf("unexpected markdown output: %q", out.String())
	}
}

func TestPromptProjectContextAndOutput(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("saved reply")}}
	outPath := filepath.Join(t.TempDir(), "out.md")
	summary := &scan.Summary{TotalFiles: 3, Languages: map[string]int{".go": 3}}
	r, _ := newRunner(t, p, Config{ProjectContext: summary, OutputPath: outPath})

	if err := r.Prompt(context.Background(), "q"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(p.requests[0].SystemPrompt, `"totalFiles": 3`) {
		t.Fatalf("expected project context in system prompt: %q", p.requests[0].SystemPrompt)
	}
	b, err := os.ReadFile(outPath)
	if err != nil || string(b) != "saved reply" {
		t.Fatalf("unexpected saved output %q, %v", b, err)
	}
}

func TestFileDefaultPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := &fakeProvider{replies: [][]providers.Fragment{text("ok")}}
	r, out := newRunner(t, p, Config{})

	if err := r.File(context.Background(), path, ""); err != nil {
		t.Fatalf("file: %v", err)
	}
	if p.requests[0].Prompt != "Analyze this .py file and provide insights:" {
		t.Fatalf("unexpected default prompt %q", p.requests[0].Prompt)
	}
	if !strings.Contains(out.String(), "Size: 9 bytes") {
		t.Fatalf("unexpected output %q", out.String())
	}

	if err := r.File(context.Background(), filepath.Join(t.TempDir(), "nope.go"), ""); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAnalyzeSendsFirstFiles(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 12; i++ {
		name := filepath.Join(root, "f"+string(rune('a'+i))+".go")
		if err := os.WriteFile(name, []byte("package x\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	p := &fakeProvider{replies: [][]providers.Fragment{text("architecture ok")}}
	r, out := newRunner(t, p, Config{Root: root})

	if err := r.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	req := p.requests[0]
	if len(req.Files) != AnalyzeFileLimit {
		t.Fatalf("expected %d files, got %d", AnalyzeFileLimit, len(req.Files))
	}
	if !strings.Contains(req.SystemPrompt, `"totalFiles": 12`) {
		t.Fatalf("expected summary in system prompt: %q", req.SystemPrompt)
	}
	if !strings.Contains(out.String(), "Files: 12") || !strings.Contains(out.String(), "Languages: .go") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRateLimitDeniesRequest(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("one"), text("two")}}
	m := metrics.New(nil)
	usage := &memUsage{}
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	r, out := newRunner(t, p, Config{
		Limiter: ratelimit.NewLocalLimiter(1),
		Metrics: m,
		Usage:   usage,
		Now:     func() time.Time { return now },
	})

	if err := r.Prompt(context.Background(), "first"); err != nil {
		t.Fatalf("first prompt: %v", err)
	}
	if err := r.Prompt(context.Background(), "second"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(p.requests) != 1 {
		t.Fatalf("denied request must not reach the provider")
	}
	if !strings.Contains(out.String(), "Error: hourly request limit reached") {
		t.Fatalf("expected limit error line, got %q", out.String())
	}
	if got := counterValue(t, m.RateLimited.WithLabelValues("Fake AI")); got != 1 {
		t.Fatalf("expected rate limited counter 1, got %v", got)
	}
	if len(usage.entries) != 1 || usage.entries[0].Kind != storage.KindPrompt || usage.entries[0].SessionID != r.SessionID() {
		t.Fatalf("unexpected usage entries: %+v", usage.entries)
	}
}

func TestFailureMetricsAndUsage(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{failure("boom")}}
	m := metrics.New(nil)
	usage := &memUsage{}
	r, _ := newRunner(t, p, Config{Metrics: m, Usage: usage})

	if err := r.Prompt(context.Background(), "q"); err == nil {
		t.Fatalf("expected error from failed reply")
	}
	if got := counterValue(t, m.Failures.WithLabelValues("Fake AI")); got != 1 {
		t.Fatalf("expected failure counter 1, got %v", got)
	}
	if got := counterValue(t, m.Requests.WithLabelValues("Fake AI", storage.KindPrompt)); got != 1 {
		t.Fatalf("expected request counter 1, got %v", got)
	}
	if len(usage.entries) != 1 || !usage.entries[0].Failed {
		t.Fatalf("expected failed usage entry, got %+v", usage.entries)
	}
}

func TestRateLimitDenialAsJSON(t *testing.T) {
	p := &fakeProvider{replies: [][]providers.Fragment{text("one")}}
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	r, out := newRunner(t, p, Config{
		Format:  FormatJSON,
		Limiter: ratelimit.NewLocalLimiter(1),
		Now:     func() time.Time { return now },
	})

	if err := r.Prompt(context.Background(), "first"); err != nil {
		t.Fatalf("first prompt: %v", err)
	}
	out.Reset()
	if err := r.Prompt(context.Background(), "second"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	body := out.String()
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		t.Fatalf("expected json envelope, got %q", body)
	}
	var reply jsonReply
	if err := json.Unmarshal([]byte(body[start:end+1]), &reply); err != nil {
		t.Fatalf("decode envelope: %v\n%s", err, body)
	}
	if reply.Response != "" || !strings.HasPrefix(reply.Error, "hourly request limit reached") || reply.Provider != "Fake AI" {
		t.Fatalf("unexpected envelope: %+v", reply)
	}
}

func TestStatusReportsLedgerUsage(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "usage.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := &fakeProvider{replies: [][]providers.Fragment{text("hello"), failure("boom")}}
	r, out := newRunner(t, p, Config{Usage: store})

	in := &scriptedInput{lines: []string{"hi", "again", "status"}}
	if err := r.Interactive(ctx, in); err != nil {
		t.Fatalf("interactive: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Recorded this session: 2 requests, 1 failed, 5 reply chars",
		"Usage (last 24h):",
		"Fake AI: 2 requests, 1 failed",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("status output missing %q:\n%s", want, got)
		}
	}
}
