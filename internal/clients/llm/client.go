// Package llm invokes the LLM service that backs analyst assessments.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/aristath/foresight/internal/domain"
)

// InvokeRequest carries one analyst prompt.
type InvokeRequest struct {
	AnalystSlug  string
	Tier         domain.Tier
	Instructions string   // analyst persona / instruction text for the tier
	Learnings    []string // approved learnings injected as additional context
	SignalTitle  string
	SignalBody   string
	TargetSymbol string
}

// Verdict is the structured assessment parsed from the model response.
type Verdict struct {
	Direction  domain.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
}

// Usage carries cost/usage metadata from the provider.
type Usage struct {
	Model        string
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// InvokeResponse bundles the verdict with its usage metadata.
type InvokeResponse struct {
	Verdict Verdict
	Usage   Usage
}

// Invoker is the analyst invocation boundary. The ensemble service depends on
// this interface; tests substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
}

// Config holds Gemini client configuration.
type Config struct {
	APIKey     string
	MaxRetries int
}

// GeminiClient implements Invoker against the Gemini API. Reasoning tiers map
// to models of increasing depth and cost.
type GeminiClient struct {
	client     *genai.Client
	maxRetries int
	log        zerolog.Logger
}

// NewGeminiClient creates a new Gemini-backed analyst invoker.
func NewGeminiClient(ctx context.Context, cfg Config, log zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &GeminiClient{
		client:     client,
		maxRetries: cfg.MaxRetries,
		log:        log.With().Str("client", "gemini").Logger(),
	}, nil
}

// modelForTier maps reasoning tiers to Gemini models.
func modelForTier(tier domain.Tier) string {
	switch tier {
	case domain.TierCheap:
		return "gemini-2.0-flash-lite"
	case domain.TierPremium:
		return "gemini-2.5-pro"
	default:
		return "gemini-2.0-flash"
	}
}

// Invoke sends one analyst prompt and parses the structured verdict.
// Transient failures are retried with exponential backoff; the caller's
// context bounds the total time spent.
func (c *GeminiClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	model := modelForTier(req.Tier)
	prompt := buildPrompt(req)

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).
				Str("analyst", req.AnalystSlug).
				Str("model", model).
				Int("attempt", attempt+1).
				Msg("Analyst invocation failed")
			continue
		}

		verdict, err := parseVerdict(resp.Text())
		if err != nil {
			lastErr = err
			continue
		}

		out := &InvokeResponse{Verdict: verdict, Usage: Usage{Model: model}}
		if resp.UsageMetadata != nil {
			out.Usage.InputTokens = resp.UsageMetadata.PromptTokenCount
			out.Usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
			out.Usage.TotalTokens = resp.UsageMetadata.TotalTokenCount
		}
		return out, nil
	}

	return nil, fmt.Errorf("analyst invocation exhausted %d attempts: %w", c.maxRetries+1, lastErr)
}

// buildPrompt assembles the analyst prompt: instructions, applicable
// learnings, then the signal itself.
func buildPrompt(req InvokeRequest) string {
	var b strings.Builder
	b.WriteString(req.Instructions)
	b.WriteString("\n\n")

	if len(req.Learnings) > 0 {
		b.WriteString("Apply these learnings from previously evaluated predictions:\n")
		for _, l := range req.Learnings {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Target: %s\nSignal title: %s\nSignal content:\n%s\n\n", req.TargetSymbol, req.SignalTitle, req.SignalBody)
	b.WriteString(`Respond with JSON only: {"direction": "bullish"|"bearish"|"neutral", "confidence": 0.0-1.0, "reasoning": "..."}`)
	return b.String()
}

func parseVerdict(text string) (Verdict, error) {
	var v Verdict
	text = strings.TrimSpace(text)
	// Some models wrap JSON in a fenced block despite the MIME type hint.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return v, fmt.Errorf("failed to parse analyst verdict: %w", err)
	}
	if !v.Direction.Valid() {
		return v, fmt.Errorf("analyst returned unknown direction %q", v.Direction)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return v, fmt.Errorf("analyst confidence %.3f out of range [0, 1]", v.Confidence)
	}
	return v, nil
}
