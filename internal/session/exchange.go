package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"

	"mycodehelper/internal/providers"
	"mycodehelper/internal/storage"
)

type jsonReply struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// exchange runs one request/response cycle. The returned error is non-nil
// when the limiter refused the request or the provider ended with an error
// fragment; the reply text is printed either way.
func (r *Runner) exchange(ctx context.Context, kind string, req providers.Request) (string, error) {
	name := r.provider.Name()
	log := r.logger.With().Str("provider", name).Str("kind", kind).Logger()

	allowed, used, resetAt, err := r.limiter.Allow(ctx, r.now())
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
	} else if !allowed {
		r.metrics.RateLimited.WithLabelValues(name).Inc()
		msg := fmt.Sprintf("%s%s (%d used), resets at %s",
			providers.ErrorPrefix, ErrRateLimited, used, resetAt.Local().Format("15:04"))
		if r.format == FormatJSON {
			r.render(msg, ErrRateLimited)
		} else {
			r.println(errorStyle.Render(msg))
		}
		return "", ErrRateLimited
	}

	req.Stream = r.streamOutput()
	r.metrics.Requests.WithLabelValues(name, kind).Inc()
	r.requests++
	start := r.now()
	log.Debug().Int("files", len(req.Files)).Int("history", len(req.History)).Bool("stream", req.Stream).Msg("sending request")

	var (
		buf       strings.Builder
		fragments int
		genErr    error
	)
	for f := range r.provider.Generate(ctx, req) {
		fragments++
		buf.WriteString(f.Text)
		if f.Err != nil {
			genErr = f.Err
		}
		if req.Stream {
			r.printf("%s", f.Text)
		}
	}
	if genErr == nil && ctx.Err() != nil {
		genErr = ctx.Err()
	}
	reply := buf.String()
	elapsed := r.now().Sub(start)

	if !req.Stream {
		r.render(reply, genErr)
	} else {
		r.println("")
	}

	r.metrics.Fragments.WithLabelValues(name).Add(float64(fragments))
	r.metrics.Duration.WithLabelValues(name).Observe(elapsed.Seconds())
	if genErr != nil {
		r.metrics.Failures.WithLabelValues(name).Inc()
		log.Warn().Err(genErr).Dur("elapsed", elapsed).Msg("request failed")
	} else {
		log.Debug().Int("fragments", fragments).Dur("elapsed", elapsed).Msg("request completed")
	}

	replyChars := utf8.RuneCountInString(reply)
	if genErr != nil {
		replyChars = 0
	}
	r.recordUsage(ctx, storage.UsageEntry{
		SessionID:     r.sessionID,
		Provider:      name,
		Model:         r.provider.Model(),
		Kind:          kind,
		PromptChars:   utf8.RuneCountInString(req.Prompt),
		ResponseChars: replyChars,
		Fragments:     fragments,
		DurationMS:    elapsed.Milliseconds(),
		Failed:        genErr != nil,
		CreatedAt:     start,
	})
	return reply, genErr
}

// streamOutput reports whether fragments are printed as they arrive. Only the
// text format streams; markdown and json need the whole reply.
func (r *Runner) streamOutput() bool {
	return r.streaming && r.format == FormatText
}

func (r *Runner) render(reply string, genErr error) {
	switch r.format {
	case FormatJSON:
		out := jsonReply{Provider: r.provider.Name(), Model: r.provider.Model(), Response: reply}
		if genErr != nil {
			out.Response = ""
			out.Error = strings.TrimPrefix(reply, providers.ErrorPrefix)
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to marshal json reply")
			r.println(reply)
			return
		}
		r.println(string(b))
	case FormatMarkdown:
		if genErr != nil {
			r.println(reply)
			return
		}
		r.printf("%s", r.renderMarkdown(reply))
	default:
		r.println(reply)
	}
}

func (r *Runner) renderMarkdown(content string) string {
	style := glamour.WithAutoStyle()
	if r.markdownStyle != "" {
		style = glamour.WithStandardStyle(r.markdownStyle)
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(80))
	if err != nil {
		r.logger.Warn().Err(err).Msg("markdown renderer unavailable")
		return content + "\n"
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		r.logger.Warn().Err(err).Msg("markdown render failed")
		return content + "\n"
	}
	return rendered
}

func (r *Runner) recordUsage(ctx context.Context, e storage.UsageEntry) {
	if r.usage == nil {
		return
	}
	if _, err := r.usage.RecordUsage(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record usage")
	}
}
