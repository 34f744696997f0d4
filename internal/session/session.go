package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mycodehelper/internal/conversation"
	"mycodehelper/internal/metrics"
	"mycodehelper/internal/providers"
	"mycodehelper/internal/ratelimit"
	"mycodehelper/internal/scan"
	"mycodehelper/internal/storage"
)

const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"

	// AnalyzeFileLimit caps how many scanned files are attached to an analysis request.
	AnalyzeFileLimit = 10

	basePrompt = `You are MyCodeHelper, an expert AI coding assistant. You help with:
- Code analysis and debugging
- Architecture and design patterns
- Best practices and optimization
- Documentation and explanations
- Problem solving and algorithms

Provide clear, actionable, and helpful responses. When analyzing code, be specific about improvements and potential issues.`

	fileAnalystPrompt = "You are an expert code analyst. Provide detailed insights about the provided file."
	architectPrompt   = "You are a senior software architect. Analyze this codebase and provide insights about architecture, code quality, and recommendations."
	analyzeRequest    = "Analyze this codebase structure and provide insights about the architecture, patterns, and potential improvements."
)

var ErrRateLimited = errors.New("hourly request limit reached")

// LinePrompter reads one line of user input. io.EOF ends the session.
type LinePrompter interface {
	Prompt(prompt string) (string, error)
}

// UsageLedger stores request metadata and reports on it. *storage.Store
// implements it.
type UsageLedger interface {
	RecordUsage(ctx context.Context, e storage.UsageEntry) (uuid.UUID, error)
	ListSessionUsage(ctx context.Context, sessionID uuid.UUID, limit uint64) ([]storage.UsageEntry, error)
	UsageStats(ctx context.Context, since time.Time) ([]storage.ProviderStats, error)
}

type Config struct {
	Provider       providers.Provider
	History        *conversation.History
	Limiter        ratelimit.Limiter
	Usage          UsageLedger
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	Out            io.Writer
	Streaming      bool
	Format         string
	MarkdownStyle  string
	Root           string
	ProjectContext *scan.Summary
	OutputPath     string
	Temperature    float64
	MaxTokens      int
	Now            func() time.Time
}

type Runner struct {
	provider       providers.Provider
	history        *conversation.History
	limiter        ratelimit.Limiter
	usage          UsageLedger
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	out            io.Writer
	streaming      bool
	format         string
	markdownStyle  string
	root           string
	projectContext *scan.Summary
	outputPath     string
	temperature    float64
	maxTokens      int
	now            func() time.Time
	sessionID      uuid.UUID
	requests       int
}

func New(cfg Config) *Runner {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.History == nil {
		cfg.History = conversation.New()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Noop{}
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		provider:       cfg.Provider,
		history:        cfg.History,
		limiter:        cfg.Limiter,
		usage:          cfg.Usage,
		metrics:        m,
		logger:         cfg.Logger,
		out:            cfg.Out,
		streaming:      cfg.Streaming,
		format:         cfg.Format,
		markdownStyle:  cfg.MarkdownStyle,
		root:           cfg.Root,
		projectContext: cfg.ProjectContext,
		outputPath:     cfg.OutputPath,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		now:            cfg.Now,
		sessionID:      uuid.New(),
	}
}

func (r *Runner) SessionID() uuid.UUID {
	return r.sessionID
}

// Prompt sends a single prompt and prints the reply.
func (r *Runner) Prompt(ctx context.Context, prompt string) error {
	r.println(labelStyle.Render("🤖 " + r.provider.Name() + ":"))
	reply, err := r.exchange(ctx, storage.KindPrompt, providers.Request{
		Prompt:       prompt,
		SystemPrompt: r.chatSystemPrompt(),
	})
	r.println("")
	if err != nil {
		return err
	}
	return r.saveOutput(reply)
}

// File sends one file with prompt, or a default analysis prompt when empty.
func (r *Runner) File(ctx context.Context, path, prompt string) error {
	file, err := scan.LoadFile(path)
	if err != nil {
		r.println(errorStyle.Render(providers.ErrorPrefix + "could not read file: " + path))
		return fmt.Errorf("load file: %w", err)
	}

	r.println(infoStyle.Render("🔍 Processing file: " + path))
	r.println(infoStyle.Render(fmt.Sprintf("📊 Size: %d bytes", file.Size)))
	r.println("")

	if strings.TrimSpace(prompt) == "" {
		prompt = fmt.Sprintf("Analyze this %s file and provide insights:", file.Extension)
	}
	reply, err := r.exchange(ctx, storage.KindFile, providers.Request{
		Prompt:       prompt,
		SystemPrompt: fileAnalystPrompt,
		Files:        []scan.FileRecord{file},
	})
	r.println("")
	if err != nil {
		return err
	}
	return r.saveOutput(reply)
}

// Analyze summarizes the project under the working root and asks for an
// architecture review of the first scanned files.
func (r *Runner) Analyze(ctx context.Context) error {
	r.println(infoStyle.Render("🔍 Analyzing codebase..."))
	files := scan.Scan(r.root, scan.Options{})
	summary := scan.SummarizeFiles(files[:min(len(files), scan.SummaryMaxFiles)])
	r.metrics.FilesScanned.Add(float64(len(files)))

	r.println(labelStyle.Render("📊 Project Summary:"))
	r.printf("   Files: %d\n", summary.TotalFiles)
	r.printf("   Languages: %s\n", strings.Join(summary.LanguageNames(), ", "))
	r.printf("   Total Lines: %d\n", summary.TotalLines)
	r.println("")

	if len(files) > AnalyzeFileLimit {
		files = files[:AnalyzeFileLimit]
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project summary: %w", err)
	}

	r.println(labelStyle.Render("🤖 " + r.provider.Name() + " Analysis:"))
	_, err = r.exchange(ctx, storage.KindAnalyze, providers.Request{
		Prompt:       analyzeRequest,
		SystemPrompt: architectPrompt + "\n\nProject Summary: " + string(summaryJSON),
		Files:        files,
	})
	r.println("")
	return err
}

func (r *Runner) chatSystemPrompt() string {
	if r.projectContext == nil {
		return basePrompt
	}
	b, err := json.MarshalIndent(r.projectContext, "", "  ")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to marshal project context")
		return basePrompt
	}
	return basePrompt + "\n\nProject Context: " + string(b)
}

func (r *Runner) saveOutput(reply string) error {
	if r.outputPath == "" {
		return nil
	}
	if err := os.WriteFile(r.outputPath, []byte(reply), 0o644); err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	r.println(successStyle.Render("💾 Output saved to: " + r.outputPath))
	return nil
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *Runner) println(s string) {
	_, _ = fmt.Fprintln(r.out, s)
}
