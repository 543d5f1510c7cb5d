package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"cortex/internal/types"
)

// GenAIGenerator produces responses with Google's Gemini API. It only
// volunteers for open-ended queries; commands stay on the deterministic
// template path.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator builds the Gemini-backed generator.
func NewGenAIGenerator(apiKey, model string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIGenerator{client: client, model: model}, nil
}

func (g *GenAIGenerator) ID() string { return "genai:" + g.model }
func (g *GenAIGenerator) Cost() int  { return 10 }

func (g *GenAIGenerator) CanHandle(req GenerationRequest) bool {
	return req.Intent.Category != "command"
}

func (g *GenAIGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	var b strings.Builder
	b.WriteString("You are the voice of a household robot. Answer briefly.\n")
	if len(req.Knowledge) > 0 {
		b.WriteString("Relevant memory:\n")
		for _, item := range req.Knowledge {
			fmt.Fprintf(&b, "- %s\n", item.Content)
		}
	}
	fmt.Fprintf(&b, "User: %s\n", req.Query.Text)

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(b.String()), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrGenerationFailure, err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", types.ErrGenerationFailure)
	}
	return text, nil
}

// Classify implements the classifier fallback for queries the intent rules
// cannot read. The model returns a small JSON object.
func (g *GenAIGenerator) Classify(ctx context.Context, text string) (*types.Intent, error) {
	prompt := fmt.Sprintf(`Classify this request to a household robot.
Respond with only JSON: {"name": "...", "category": "command|question|statement", "target": "...", "confidence": 0.0}
Request: %s`, text)

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(result.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var intent types.Intent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &intent); err != nil {
		return nil, fmt.Errorf("unparseable classification %q: %w", raw, err)
	}
	if intent.Name == "" || intent.Category == "" {
		return nil, fmt.Errorf("incomplete classification %q", raw)
	}
	return &intent, nil
}
