package contentgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"aftermeet/src/infrastructure/log"
)

const DefaultMaxTokenPerChunk = 2000

// ErrMalformedOutput is returned when the model answer cannot be used. It is
// worth retrying since generation is not deterministic.
var ErrMalformedOutput = errors.New("malformed model output")

type LLMProvider interface {
	TextSplit(ctx context.Context, text string, chunkSize, chunkOverLap int) ([]string, error)
	Reasoning(ctx context.Context, system string, prompt string) (string, error)
	TokenLength(ctx context.Context, text string) (int, error)
}

// Insights are the structured notes extracted from one transcript.
type Insights struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	ActionItems []string `json:"action_items"`
	Quotes      []string `json:"quotes"`
}

// TemplateData holds all the data needed for template execution
type TemplateData struct {
	Title       string
	Transcript  string
	ChunkNumber int
	ChunkCount  int
	Platform    string
	Style       string
	MaxLength   int
	Insights    *Insights
}

type ContentFlow struct {
	llmProvider      LLMProvider
	maxTokenPerChunk int
}

func NewContentFlow(llmProvider LLMProvider, opts ...Option) *ContentFlow {
	cf := &ContentFlow{
		llmProvider:      llmProvider,
		maxTokenPerChunk: DefaultMaxTokenPerChunk,
	}

	for _, opt := range opts {
		opt(cf)
	}

	return cf
}

type Option func(cf *ContentFlow)

func WithMaxTokenPerChunk(maxTokenPerChunk int) Option {
	return func(cf *ContentFlow) {
		if maxTokenPerChunk > 0 {
			cf.maxTokenPerChunk = maxTokenPerChunk
		}
	}
}

// GenerateInsights extracts structured notes from transcript. Transcripts
// longer than one chunk are summarized part by part first.
func (cf *ContentFlow) GenerateInsights(ctx context.Context, transcript, title string) (*Insights, error) {
	tokenLength, err := cf.llmProvider.TokenLength(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("failed to get token length: %w", err)
	}

	text := transcript
	if tokenLength > cf.maxTokenPerChunk {
		text, err = cf.condense(ctx, transcript, title, tokenLength)
		if err != nil {
			return nil, err
		}
	}

	system, prompt, err := cf.executeTemplates(InsightsSystemMessageTmpl, InsightsPromptTmpl, TemplateData{
		Title:      title,
		Transcript: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insights templates: %w", err)
	}

	log.Debug("insights", "title", title, "prompt_length", len(prompt))
	answer, err := cf.llmProvider.Reasoning(ctx, system, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate insights: %w", err)
	}

	insights, err := ParseInsights(answer)
	if err != nil {
		log.Error(err, "unusable insights answer", "title", title)
		return nil, err
	}
	return insights, nil
}

// condense summarizes each chunk of a long transcript and joins the parts.
func (cf *ContentFlow) condense(ctx context.Context, transcript, title string, tokenLength int) (string, error) {
	chunkSize := CalculateChunkSize(tokenLength, cf.maxTokenPerChunk)
	chunks, err := cf.llmProvider.TextSplit(ctx, transcript, chunkSize, chunkSize/10)
	if err != nil {
		return "", fmt.Errorf("failed to split transcript: %w", err)
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		system, prompt, err := cf.executeTemplates(ChunkSummarySystemMessageTmpl, ChunkSummaryPromptTmpl, TemplateData{
			Title:       title,
			Transcript:  chunk,
			ChunkNumber: i + 1,
			ChunkCount:  len(chunks),
		})
		if err != nil {
			return "", fmt.Errorf("failed to prepare summary templates for chunk %d: %w", i, err)
		}

		summary, err := cf.llmProvider.Reasoning(ctx, system, prompt)
		if err != nil {
			return "", fmt.Errorf("failed to summarize chunk %d: %w", i, err)
		}
		summaries = append(summaries, strings.TrimSpace(summary))
	}

	log.Debug("transcript condensed", "title", title, "chunks", len(chunks))
	return strings.Join(summaries, "\n\n"), nil
}

// GeneratePost writes the post text for platform from insights.
func (cf *ContentFlow) GeneratePost(ctx context.Context, insights *Insights, platform, title string) (string, error) {
	if insights == nil {
		return "", fmt.Errorf("%w: no insights", ErrMalformedOutput)
	}

	data := TemplateData{
		Title:     title,
		Platform:  platform,
		Style:     defaultStyle,
		MaxLength: defaultMaxLength,
		Insights:  insights,
	}
	if s, ok := platformStyles[platform]; ok {
		data.Style = s
	}
	if n, ok := platformMaxLength[platform]; ok {
		data.MaxLength = n
	}

	system, prompt, err := cf.executeTemplates(PostSystemMessageTmpl, PostPromptTmpl, data)
	if err != nil {
		return "", fmt.Errorf("failed to prepare post templates: %w", err)
	}

	answer, err := cf.llmProvider.Reasoning(ctx, system, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate %s post: %w", platform, err)
	}

	post := cleanPost(answer)
	if post == "" {
		return "", fmt.Errorf("%w: empty %s post", ErrMalformedOutput, platform)
	}
	if utf8.RuneCountInString(post) > data.MaxLength {
		return "", fmt.Errorf("%w: %s post exceeds %d characters", ErrMalformedOutput, platform, data.MaxLength)
	}
	return post, nil
}

// Template execution helpers
func (cf *ContentFlow) executeTemplates(systemTmpl, promptTmpl string, data TemplateData) (string, string, error) {
	var systemBuf, promptBuf bytes.Buffer

	sysT := template.Must(template.New("system").Parse(systemTmpl))
	if err := sysT.Execute(&systemBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute system template: %w", err)
	}

	prmptT := template.Must(template.New("prompt").Parse(promptTmpl))
	if err := prmptT.Execute(&promptBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute prompt template: %w", err)
	}

	return systemBuf.String(), promptBuf.String(), nil
}

// ParseInsights decodes the first JSON object found in a model answer.
func ParseInsights(answer string) (*Insights, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in insights answer", ErrMalformedOutput)
	}

	var insights Insights
	if err := json.Unmarshal([]byte(answer[start:end+1]), &insights); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if strings.TrimSpace(insights.Summary) == "" || len(insights.KeyPoints) == 0 {
		return nil, fmt.Errorf("%w: insights lack a summary or key points", ErrMalformedOutput)
	}
	return &insights, nil
}

func cleanPost(answer string) string {
	post := strings.TrimSpace(answer)
	if len(post) >= 2 && strings.HasPrefix(post, `"`) && strings.HasSuffix(post, `"`) {
		post = strings.TrimSpace(post[1 : len(post)-1])
	}
	return post
}

// CalculateChunkSize returns a chunk size no larger than tokenLimit that
// spreads tokenCount evenly over the fewest chunks.
func CalculateChunkSize(tokenCount, tokenLimit int) int {
	if tokenCount <= tokenLimit {
		return tokenCount
	}

	// ceiling division
	numChunks := (tokenCount + tokenLimit - 1) / tokenLimit

	chunkSize := tokenCount / numChunks

	remainingTokens := tokenCount % tokenLimit
	if remainingTokens > 0 {
		chunkSize += remainingTokens / numChunks
	}

	return chunkSize
}
