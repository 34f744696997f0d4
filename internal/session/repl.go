package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mycodehelper/internal/conversation"
	"mycodehelper/internal/providers"
	"mycodehelper/internal/scan"
	"mycodehelper/internal/storage"
)

const (
	userPrompt = "👤 You: "

	sessionUsageLimit = 1000
	statsWindow       = 24 * time.Hour
)

// Interactive runs the REPL until exit, end of input or ctx cancellation.
func (r *Runner) Interactive(ctx context.Context, in LinePrompter) error {
	r.banner()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := in.Prompt(userPrompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.println("👋 Goodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		input := strings.TrimSpace(line)
		cmd := strings.ToLower(input)
		switch {
		case input == "":
			continue
		case cmd == "exit" || cmd == "quit":
			r.println("👋 Goodbye!")
			return nil
		case cmd == "help":
			r.help()
		case cmd == "clear":
			r.history.Clear()
			r.println(successStyle.Render("🧹 Conversation cleared."))
		case cmd == "status":
			r.status(ctx)
		case cmd == "analyze":
			if err := r.Analyze(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("analyze failed")
			}
		case cmd == "file" || strings.HasPrefix(cmd, "file "):
			path := strings.TrimSpace(input[len("file"):])
			if path == "" {
				r.println(errorStyle.Render(providers.ErrorPrefix + "usage: file <path>"))
				continue
			}
			r.fileTurn(ctx, path)
		default:
			r.chatTurn(ctx, input)
		}
	}
}

// chatTurn sends input with the chat window of prior turns. The window is
// taken before input is appended so the prompt is not sent twice.
func (r *Runner) chatTurn(ctx context.Context, input string) {
	req := providers.Request{
		Prompt:       input,
		SystemPrompt: r.chatSystemPrompt(),
		History:      r.history.Window(conversation.WindowChat),
	}
	r.printf("%s ", labelStyle.Render("🤖 "+r.provider.Name()+":"))
	reply, err := r.exchange(ctx, storage.KindChat, req)
	r.println("")
	if err != nil {
		return
	}
	r.history.Append(conversation.Turn{Role: conversation.RoleUser, Content: input})
	r.history.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: reply})
}

func (r *Runner) fileTurn(ctx context.Context, path string) {
	file, err := scan.LoadFile(path)
	if err != nil {
		r.println(errorStyle.Render(providers.ErrorPrefix + "could not read file: " + path))
		return
	}
	r.println(infoStyle.Render(fmt.Sprintf("📁 Loaded: %s (%d bytes)", path, file.Size)))

	req := providers.Request{
		Prompt:       fmt.Sprintf("Please analyze the file %s and provide insights.", path),
		SystemPrompt: basePrompt + "\n\nThe user has provided a file for analysis.",
		Files:        []scan.FileRecord{file},
		History:      r.history.Window(conversation.WindowFile),
	}
	r.printf("%s ", labelStyle.Render("🤖 "+r.provider.Name()+":"))
	reply, err := r.exchange(ctx, storage.KindFile, req)
	r.println("")
	if err != nil {
		return
	}
	r.history.Append(conversation.Turn{Role: conversation.RoleUser, Content: "[File: " + path + "]"})
	r.history.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: reply})
}

func (r *Runner) banner() {
	r.println(titleStyle.Render("🚀 MyCodeHelper - Local AI & Hugging Face Edition"))
	r.println(strings.Repeat("=", 50))
	r.println(successStyle.Render(fmt.Sprintf("✅ Using %s: %s", r.provider.Name(), r.provider.Model())))
	if r.projectContext != nil {
		r.println(infoStyle.Render(fmt.Sprintf("📁 Project context loaded: %d files", r.projectContext.TotalFiles)))
	}
	r.println("")
	r.println(infoStyle.Render(`💡 Type "help" for commands, "exit" to quit.`))
	r.println("")
}

func (r *Runner) help() {
	r.println(titleStyle.Render("📖 Interactive Commands:"))
	r.println("  help                     Show this help message")
	r.println("  clear                    Clear conversation history")
	r.println("  status                   Show current configuration")
	r.println("  analyze                  Analyze current codebase")
	r.println("  file <path>              Load and analyze a file")
	r.println("  exit                     Exit the application")
	r.println("")
}

func (r *Runner) status(ctx context.Context) {
	streaming := "disabled"
	if r.streaming {
		streaming = "enabled"
	}
	project := "not loaded"
	if r.projectContext != nil {
		project = "loaded"
	}
	r.println(titleStyle.Render("⚙️ MyCodeHelper Status:"))
	r.printf("Provider: %s\n", r.provider.Name())
	r.printf("Model: %s\n", r.provider.Model())
	r.printf("Conversation length: %d messages\n", r.history.Len())
	r.printf("Temperature: %g\n", r.temperature)
	r.printf("Max tokens: %d\n", r.maxTokens)
	r.printf("Streaming: %s\n", streaming)
	r.printf("Output format: %s\n", r.format)
	r.printf("Project context: %s\n", project)
	r.printf("Working directory: %s\n", r.root)
	r.printf("Session: %s (%d requests)\n", r.sessionID, r.requests)
	r.usageReport(ctx)
	r.println("")
}

// usageReport prints ledger totals for this session and per provider for the
// last statsWindow. It prints nothing when no ledger is configured.
func (r *Runner) usageReport(ctx context.Context) {
	if r.usage == nil {
		return
	}
	entries, err := r.usage.ListSessionUsage(ctx, r.sessionID, sessionUsageLimit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list session usage")
		return
	}
	failed := 0
	chars := 0
	for _, e := range entries {
		if e.Failed {
			failed++
		}
		chars += e.ResponseChars
	}
	r.printf("Recorded this session: %d requests, %d failed, %d reply chars\n", len(entries), failed, chars)

	stats, err := r.usage.UsageStats(ctx, r.now().Add(-statsWindow))
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load usage stats")
		return
	}
	r.println("Usage (last 24h):")
	if len(stats) == 0 {
		r.println("  no requests recorded")
	}
	for _, st := range stats {
		r.printf("  %s: %d requests, %d failed, avg %.0f ms\n", st.Provider, st.Requests, st.Failures, st.AvgDurationMS)
	}
}
