package registry

import (
	"testing"

	"mycodehelper/internal/providers/hf_inference"
	"mycodehelper/internal/providers/openai_compat"
)

func TestBuildKinds(t *testing.T) {
	p, err := Build(BuildOptions{Kind: "local-ai-api-key", BaseURL: "http://localhost:8080", Model: "llama"})
	if err != nil {
		t.Fatalf("build local ai: %v", err)
	}
	if _, ok := p.(*openai_compat.Client); !ok || p.Model() != "llama" {
		t.Fatalf("expected openai_compat client for llama, got %T", p)
	}

	p, err = Build(BuildOptions{Kind: "Hugging-Face", Model: "gpt2"})
	if err != nil {
		t.Fatalf("build hugging face: %v", err)
	}
	if _, ok := p.(*hf_inference.Client); !ok || p.Name() != hf_inference.Name {
		t.Fatalf("expected hf_inference client, got %T", p)
	}
}

func TestBuildUnknownKind(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: "anthropic"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
