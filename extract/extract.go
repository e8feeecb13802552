// Package extract turns an epic's free-form description into candidate user
// stories via a chat-completion model.
//
// The model is instructed to answer with strict JSON; anything else is a
// malformed response and is not retried. Rate limits and upstream outages
// classify as transient so the caller's retry policy can back off.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/epicsync/tracker"
)

// ErrMalformedResponse means the model answered with something that is not
// the requested JSON document. Not retryable.
var ErrMalformedResponse = errors.New("extract: malformed model response")

// ChatClient is the slice of the OpenAI client the extractor needs.
// *openai.Client satisfies it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config tunes the extraction call. The zero value is usable.
type Config struct {
	// Model is the chat model name. Empty means gpt-3.5-turbo.
	Model string
	// Temperature for the completion. Zero means 0.3.
	Temperature float32
	// MaxTokens caps the completion length. Zero means 2000.
	MaxTokens int
	// MinStories and MaxStories bound how many stories the prompt asks
	// for. Zeros mean 2 and 5.
	MinStories int
	MaxStories int
}

func (c Config) defaults() Config {
	if c.Model == "" {
		c.Model = openai.GPT3Dot5Turbo
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.MinStories == 0 {
		c.MinStories = 2
	}
	if c.MaxStories == 0 {
		c.MaxStories = 5
	}
	return c
}

// Extractor calls a chat model to break an epic into user stories.
type Extractor struct {
	client ChatClient
	cfg    Config
	logger *slog.Logger
}

// New builds an Extractor. logger may be nil.
func New(client ChatClient, cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: client, cfg: cfg.defaults(), logger: logger}
}

const systemPrompt = `You are an expert business analyst specialized in breaking down requirements into user stories.
You extract actionable user stories, ensuring each story has:
- a clear, concise heading
- a detailed description following 'As a [user], I want [goal] so that [benefit]' format when possible
- specific, testable acceptance criteria

Return your response as valid JSON only, with no additional text.`

// storiesDoc is the JSON document the model is asked to produce.
type storiesDoc struct {
	Stories []struct {
		Heading            string   `json:"heading"`
		Description        string   `json:"description"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
	} `json:"stories"`
}

// Extract asks the model to break the epic into stories. The epic's HTML
// description is normalized to markdown before prompting. Stories that fail
// validation are dropped with a warning; an empty result is not an error.
func (e *Extractor) Extract(ctx context.Context, epic tracker.Epic) ([]tracker.Story, error) {
	text := NormalizeHTML(epic.Description)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: e.buildPrompt(epic.Title, text)},
		},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	doc, err := parseStories(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	stories := make([]tracker.Story, 0, len(doc.Stories))
	for i, s := range doc.Stories {
		story := tracker.Story{
			Title:              strings.TrimSpace(s.Heading),
			Description:        strings.TrimSpace(s.Description),
			AcceptanceCriteria: s.AcceptanceCriteria,
		}
		if issues := Validate(story); len(issues) > 0 {
			e.logger.WarnContext(ctx, "dropping invalid extracted story",
				"epic_id", epic.ID,
				"story_index", i,
				"issues", strings.Join(issues, "; "))
			continue
		}
		stories = append(stories, story)
	}
	e.logger.InfoContext(ctx, "extracted stories",
		"epic_id", epic.ID,
		"returned", len(doc.Stories),
		"valid", len(stories))
	return stories, nil
}

func (e *Extractor) buildPrompt(title, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please analyze the following epic and extract user stories from it.\n\n")
	fmt.Fprintf(&b, "**Epic Title:** %s\n\n**Epic Description:**\n%s\n\n", title, description)
	fmt.Fprintf(&b, "**Instructions:**\n")
	fmt.Fprintf(&b, "1. Break down this epic into %d-%d logical user stories\n", e.cfg.MinStories, e.cfg.MaxStories)
	b.WriteString(`2. Each story should be focused on a single piece of functionality
3. Ensure stories are independent and deliverable
4. Write clear acceptance criteria that are testable

**Required JSON Response Format:**
{
    "stories": [
        {
            "heading": "Short, descriptive title for the story",
            "description": "Detailed description preferably in 'As a [user], I want [goal] so that [benefit]' format",
            "acceptance_criteria": [
                "Specific, testable criteria 1",
                "Specific, testable criteria 2"
            ]
        }
    ]
}

Return only valid JSON, no additional text.`)
	return b.String()
}

// parseStories decodes the model's answer, tolerating markdown code fences
// around the JSON body.
func parseStories(content string) (*storiesDoc, error) {
	content = strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(content, "```json"); ok {
		content = after
	} else if after, ok := strings.CutPrefix(content, "```"); ok {
		content = after
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")

	var doc storiesDoc
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &doc, nil
}

// Validate reports quality problems with an extracted story. An empty slice
// means the story is usable.
func Validate(s tracker.Story) []string {
	var issues []string
	title := strings.TrimSpace(s.Title)
	if len(title) < 5 {
		issues = append(issues, "heading too short or missing")
	}
	if len(s.Title) > 100 {
		issues = append(issues, "heading too long (over 100 characters)")
	}
	if len(strings.TrimSpace(s.Description)) < 10 {
		issues = append(issues, "description too short or missing")
	}
	if len(s.AcceptanceCriteria) == 0 {
		issues = append(issues, "no acceptance criteria provided")
	}
	for i, c := range s.AcceptanceCriteria {
		if len(strings.TrimSpace(c)) < 5 {
			issues = append(issues, fmt.Sprintf("criteria %d too short or empty", i+1))
		}
	}
	return issues
}

// IsTransient reports whether err from Extract is worth retrying: rate
// limits, upstream 5xx, and transport-level failures.
func IsTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	return false
}
