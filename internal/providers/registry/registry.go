package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mycodehelper/internal/providers"
	"mycodehelper/internal/providers/hf_inference"
	"mycodehelper/internal/providers/openai_compat"
)

const (
	KindLocalAI     = "local-ai"
	KindHuggingFace = "hugging-face"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Headers     map[string]string
	WordDelay   time.Duration
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// NormalizeKind maps the accepted spellings of a backend name to its kind.
func NormalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "local-ai", "local_ai", "localai", "local-ai-api-key", "openai_compat", "openai-compatible", "openai":
		return KindLocalAI
	case "hugging-face", "hugging_face", "huggingface", "hf", "hugging-face-api-key":
		return KindHuggingFace
	default:
		return ""
	}
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch NormalizeKind(opts.Kind) {
	case KindLocalAI:
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			Logger:      opts.Logger,
		}), nil

	case KindHuggingFace:
		return hf_inference.New(hf_inference.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			WordDelay:   opts.WordDelay,
			HTTPClient:  opts.HTTPClient,
			Logger:      opts.Logger,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
