package responder

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini streams replies from the Gemini API. Chunks are forwarded as they
// arrive, so deltas are not aligned to whitespace.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Respond(ctx context.Context, turns []Turn) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		cfg := &genai.GenerateContentConfig{}
		var contents []*genai.Content
		for _, t := range turns {
			switch t.Role {
			case RoleSystem:
				cfg.SystemInstruction = genai.NewContentFromText(t.Content, genai.RoleUser)
			case RoleUser:
				contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
			case RoleBot:
				contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
			}
		}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				yield(Delta{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(Delta{Text: text}, nil) {
				return
			}
		}
		yield(Delta{End: true}, nil)
	}
}
