package ollama

import (
	"context"

	"github.com/tmc/langchaingo/textsplitter"

	"aftermeet/src/infrastructure/log"
)

const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// transcriptSeparators split on speaker turns before sentences and words.
var transcriptSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", " ", ""}

// Provider adapts a Client to the content flow: chunking transcripts by
// token count and running prompts with fixed sampling options.
type Provider struct {
	client      *Client
	model       string
	temperature float64
	topP        float64
}

type ProviderOption func(p *Provider)

func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) {
		if t > 0 {
			p.temperature = t
		}
	}
}

func WithTopP(v float64) ProviderOption {
	return func(p *Provider) {
		if v > 0 && v <= 1 {
			p.topP = v
		}
	}
}

func NewProvider(client *Client, model string, opts ...ProviderOption) *Provider {
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{
		client:      client,
		model:       model,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TextSplit cuts text into chunks of at most chunkSize tokens. A token
// count that fails falls back to the character estimate so a chunk is
// never measured as negative.
func (p *Provider) TextSplit(ctx context.Context, text string, chunkSize, chunkOverlap int) ([]string, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithSeparators(transcriptSeparators),
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithLenFunc(func(s string) int {
			n, err := p.client.CountTokens(ctx, p.model, s)
			if err != nil {
				log.Error(err, "failed to count tokens, using estimate", "model", p.model)
				return (len(s) + 3) / 4
			}
			return n
		}),
	)
	return splitter.SplitText(text)
}

func (p *Provider) Reasoning(ctx context.Context, system, prompt string) (string, error) {
	return p.client.Generate(ctx, p.model, system, prompt, map[string]interface{}{
		"temperature": p.temperature,
		"top_p":       p.topP,
	})
}

func (p *Provider) TokenLength(ctx context.Context, text string) (int, error) {
	return p.client.CountTokens(ctx, p.model, text)
}
