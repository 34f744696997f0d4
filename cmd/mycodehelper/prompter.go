package main

import (
	"errors"
	"io"
	"strings"

	"github.com/peterh/liner"
)

// linePrompter adapts liner to session.LinePrompter. Input history lives only
// for the current process.
type linePrompter struct {
	state *liner.State
}

func newLinePrompter() *linePrompter {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return &linePrompter{state: state}
}

func (p *linePrompter) Prompt(prompt string) (string, error) {
	line, err := p.state.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", io.EOF
		}
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		p.state.AppendHistory(line)
	}
	return line, nil
}

func (p *linePrompter) Close() {
	_ = p.state.Close()
}
