package hf_inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"mycodehelper/internal/conversation"
	"mycodehelper/internal/providers"
)

const (
	Name           = "Hugging Face"
	DefaultBaseURL = "https://api-inference.huggingface.co"

	maxBodyBytes = 4 << 20
)

const promptTemplate = `{{if .SystemPrompt}}System: {{.SystemPrompt}}

{{end}}{{if .Files}}Files for context:
{{fileBlock .Files}}

{{end}}{{range .History}}{{speaker .Role}}: {{.Content}}
{{end}}Human: {{.Prompt}}
Assistant:`

var promptTpl = template.Must(template.New("hf_prompt").Funcs(template.FuncMap{
	"fileBlock": providers.RenderFileBlock,
	"speaker":   speaker,
}).Parse(promptTemplate))

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// WordDelay paces simulated streaming. Zero emits the reply as one fragment.
	WordDelay  time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string  { return Name }
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Generate(ctx context.Context, req providers.Request) <-chan providers.Fragment {
	out := make(chan providers.Fragment)
	go func() {
		defer close(out)
		text, err := c.complete(ctx, req)
		if err != nil {
			c.cfg.Logger.Debug().Err(err).Str("provider", Name).Msg("generation failed")
			providers.Emit(ctx, out, providers.ErrorFragment(err))
			return
		}
		if !req.Stream || c.cfg.WordDelay <= 0 {
			if text != "" {
				providers.Emit(ctx, out, providers.Fragment{Text: text})
			}
			return
		}
		for i, word := range splitWords(text) {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.WordDelay):
				}
			}
			if !providers.Emit(ctx, out, providers.Fragment{Text: word}) {
				return
			}
		}
	}()
	return out
}

func (c *Client) complete(ctx context.Context, req providers.Request) (string, error) {
	inputs, err := renderPrompt(req)
	if err != nil {
		return "", err
	}
	body, err := c.buildPayload(inputs)
	if err != nil {
		return "", err
	}
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("hugging face request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("hugging face API error: %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return extractText(b)
}

type inferencePayload struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
	Options    inferenceOptions    `json:"options"`
}

type inferenceParameters struct {
	Temperature    float64 `json:"temperature"`
	MaxNewTokens   int     `json:"max_new_tokens"`
	ReturnFullText bool    `json:"return_full_text"`
	DoSample       bool    `json:"do_sample"`
}

type inferenceOptions struct {
	WaitForModel bool `json:"wait_for_model"`
	UseCache     bool `json:"use_cache"`
}

func (c *Client) buildPayload(inputs string) ([]byte, error) {
	b, err := json.Marshal(inferencePayload{
		Inputs: inputs,
		Parameters: inferenceParameters{
			Temperature:    c.cfg.Temperature,
			MaxNewTokens:   c.cfg.MaxTokens,
			ReturnFullText: false,
			DoSample:       true,
		},
		Options: inferenceOptions{WaitForModel: true, UseCache: false},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inference payload: %w", err)
	}
	return b, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	if strings.TrimSpace(c.cfg.Model) == "" {
		return "", fmt.Errorf("model is empty")
	}
	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/models/" + strings.Trim(c.cfg.Model, "/")
	return u.String(), nil
}

func renderPrompt(req providers.Request) (string, error) {
	var buf bytes.Buffer
	if err := promptTpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func speaker(role conversation.Role) string {
	if role == conversation.RoleAssistant {
		return "Assistant"
	}
	return "Human"
}

// extractText accepts {"generated_text": ...} or a list of such objects.
func extractText(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return "", fmt.Errorf("decode inference response: %w", err)
		}
		if len(list) == 0 {
			return "", fmt.Errorf("empty inference response")
		}
		return generatedText(list[0])
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	return generatedText(obj)
}

func generatedText(obj map[string]any) (string, error) {
	if msg, ok := obj["error"].(string); ok && strings.TrimSpace(msg) != "" {
		return "", fmt.Errorf("hugging face API error: %s", msg)
	}
	text, ok := obj["generated_text"].(string)
	if !ok {
		return "", fmt.Errorf("inference response does not contain generated_text")
	}
	return text, nil
}

// splitWords splits s into words that keep their trailing whitespace, so the
// pieces concatenate back to s.
func splitWords(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			out = append(out, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
