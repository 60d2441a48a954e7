package provider

import (
	"testing"

	"chatsync/pkg/config"
	"chatsync/pkg/provider/openai"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	assistant, err := New(&config.Config{}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if assistant != nil {
		t.Fatalf("expected nil assistant, got %T", assistant)
	}
}

func TestNewReturnsOpenAIStreamer(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.Enabled = true

	assistant, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := assistant.(*openai.Streamer); !ok {
		t.Fatalf("expected *openai.Streamer, got %T", assistant)
	}
}

func TestNewReportsMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.Enabled = true

	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error without an API key")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
