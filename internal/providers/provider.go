package providers

import (
	"context"
	"strings"

	"mycodehelper/internal/conversation"
	"mycodehelper/internal/scan"
)

// ErrorPrefix starts the text of every terminal error fragment.
const ErrorPrefix = "Error: "

type Request struct {
	Prompt       string
	SystemPrompt string
	Files        []scan.FileRecord
	History      []conversation.Turn
	Stream       bool
}

// Fragment is one piece of a reply. Err is set only on the terminal error
// fragment, whose Text is the printable description of Err.
type Fragment struct {
	Text string
	Err  error
}

// Provider produces a reply as a sequence of fragments. The channel is closed
// exactly once when the reply is complete. Failures never escape Generate: they
// arrive as a final fragment built by ErrorFragment.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) <-chan Fragment
}

func ErrorFragment(err error) Fragment {
	return Fragment{Text: ErrorPrefix + err.Error(), Err: err}
}

// Collect drains ch and returns the concatenated text and the error of the
// terminal fragment, if any.
func Collect(ch <-chan Fragment) (string, error) {
	var sb strings.Builder
	var err error
	for f := range ch {
		sb.WriteString(f.Text)
		if f.Err != nil {
			err = f.Err
		}
	}
	return sb.String(), err
}

// Emit sends f unless ctx is done first.
func Emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// RenderFileBlock renders each file as its path followed by a fenced block, in
// order, separated by blank lines.
func RenderFileBlock(files []scan.FileRecord) string {
	blocks := make([]string, 0, len(files))
	for _, f := range files {
		blocks = append(blocks, "File: "+f.Path+"\n```"+strings.TrimPrefix(f.Extension, ".")+"\n"+f.Content+"\n```")
	}
	return strings.Join(blocks, "\n\n")
}
