package gemini_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/models/gemini"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

func TestIntegration_Gemini(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping Gemini integration test: GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	model, err := gemini.New(ctx, apiKey)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	defer model.Close()

	modelsList, err := model.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list models: %v", err)
	}
	if len(modelsList) == 0 {
		t.Fatal("No models found")
	}

	stream, err := model.Stream(ctx, models.Request{
		Model:    "gemini-2.0-flash",
		Messages: []store.Message{store.NewUserMessage("Hello, just verify you work.")},
	})
	if err != nil {
		t.Fatalf("Stream creation failed: %v", err)
	}
	defer stream.Close()

	var chunks int
	resp, err := models.Drain(stream, func(models.Chunk) { chunks++ })
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if resp.Content == "" {
		t.Error("Response empty")
	}
	t.Logf("Response (%d chunks): %s", chunks, resp.Content)
}
