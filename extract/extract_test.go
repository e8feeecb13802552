package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/epicsync/tracker"
)

// fakeChat returns a canned completion and records the request.
type fakeChat struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

const goodJSON = `{
	"stories": [
		{
			"heading": "User login",
			"description": "As a user, I want to log in so that I can access my data.",
			"acceptance_criteria": ["Login form validates credentials", "Failed login shows an error"]
		},
		{
			"heading": "Password reset",
			"description": "As a user, I want to reset my password so that I can recover access.",
			"acceptance_criteria": ["Reset email is sent within a minute"]
		}
	]
}`

func TestExtract(t *testing.T) {
	// WHAT: A well-formed JSON response becomes validated stories.
	fake := &fakeChat{content: goodJSON}
	ex := New(fake, Config{}, nil)

	stories, err := ex.Extract(context.Background(), tracker.Epic{ID: 1, Title: "Auth", Description: "Build auth."})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("got %d stories, want 2", len(stories))
	}
	if stories[0].Title != "User login" || len(stories[0].AcceptanceCriteria) != 2 {
		t.Errorf("story = %+v", stories[0])
	}
	if fake.lastReq.Model != openai.GPT3Dot5Turbo {
		t.Errorf("model = %q", fake.lastReq.Model)
	}
	if len(fake.lastReq.Messages) != 2 || fake.lastReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("messages = %+v", fake.lastReq.Messages)
	}
	if !strings.Contains(fake.lastReq.Messages[1].Content, "Build auth.") {
		t.Error("prompt missing epic description")
	}
}

func TestExtractCodeFencedJSON(t *testing.T) {
	// WHAT: Models wrap JSON in markdown fences despite instructions; the
	// parser tolerates that.
	fake := &fakeChat{content: "```json\n" + goodJSON + "\n```"}
	ex := New(fake, Config{}, nil)

	stories, err := ex.Extract(context.Background(), tracker.Epic{ID: 1, Title: "Auth"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("got %d stories, want 2", len(stories))
	}
}

func TestExtractMalformedResponse(t *testing.T) {
	// WHAT: Non-JSON answers surface as ErrMalformedResponse.
	// WHY: Retrying a deterministic parse failure wastes the token budget.
	fake := &fakeChat{content: "Sure! Here are some stories for you."}
	ex := New(fake, Config{}, nil)

	_, err := ex.Extract(context.Background(), tracker.Epic{ID: 1})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("error = %v, want ErrMalformedResponse", err)
	}
	if IsTransient(err) {
		t.Fatal("malformed response must not be transient")
	}
}

func TestExtractDropsInvalidStories(t *testing.T) {
	// WHAT: Stories that fail validation are dropped, not returned.
	fake := &fakeChat{content: `{
		"stories": [
			{"heading": "ok", "description": "short", "acceptance_criteria": []},
			{
				"heading": "Valid story",
				"description": "As a user, I want something useful.",
				"acceptance_criteria": ["It works end to end"]
			}
		]
	}`}
	ex := New(fake, Config{}, nil)

	stories, err := ex.Extract(context.Background(), tracker.Epic{ID: 1})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stories) != 1 || stories[0].Title != "Valid story" {
		t.Fatalf("stories = %+v", stories)
	}
}

func TestExtractEmptyStories(t *testing.T) {
	// WHAT: Zero stories is a valid outcome, not an error.
	fake := &fakeChat{content: `{"stories": []}`}
	ex := New(fake, Config{}, nil)

	stories, err := ex.Extract(context.Background(), tracker.Epic{ID: 1})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stories) != 0 {
		t.Fatalf("got %d stories, want 0", len(stories))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		story  tracker.Story
		issues int
	}{
		{
			"valid",
			tracker.Story{
				Title:              "User login",
				Description:        "As a user, I want to log in.",
				AcceptanceCriteria: []string{"Form validates input"},
			},
			0,
		},
		{"short heading", tracker.Story{Title: "Hi", Description: "Long enough description.", AcceptanceCriteria: []string{"Criteria one"}}, 1},
		{"long heading", tracker.Story{Title: strings.Repeat("x", 101), Description: "Long enough description.", AcceptanceCriteria: []string{"Criteria one"}}, 1},
		{"no criteria", tracker.Story{Title: "Valid title", Description: "Long enough description.", AcceptanceCriteria: nil}, 1},
		{"short criteria", tracker.Story{Title: "Valid title", Description: "Long enough description.", AcceptanceCriteria: []string{"ok"}}, 1},
		{"everything wrong", tracker.Story{}, 3},
	}
	for _, tt := range tests {
		if got := Validate(tt.story); len(got) != tt.issues {
			t.Errorf("%s: issues = %v, want %d", tt.name, got, tt.issues)
		}
	}
}

func TestIsTransient(t *testing.T) {
	// WHAT: 429 and 5xx API errors are transient; 400 is not.
	if !IsTransient(&openai.APIError{HTTPStatusCode: 429}) {
		t.Error("429 should be transient")
	}
	if !IsTransient(&openai.APIError{HTTPStatusCode: 503}) {
		t.Error("503 should be transient")
	}
	if IsTransient(&openai.APIError{HTTPStatusCode: 400}) {
		t.Error("400 should not be transient")
	}
	if IsTransient(errors.New("parse error")) {
		t.Error("plain errors should not be transient")
	}
}

func TestNormalizeHTML(t *testing.T) {
	// WHAT: HTML descriptions convert to markdown; plain text passes
	// through; scripts are stripped before conversion.
	md := NormalizeHTML("<p>Build the <strong>login</strong> flow.</p><ul><li>SSO</li></ul>")
	if !strings.Contains(md, "**login**") {
		t.Errorf("markdown missing bold: %q", md)
	}
	if !strings.Contains(md, "- SSO") {
		t.Errorf("markdown missing list item: %q", md)
	}

	if got := NormalizeHTML("  plain text  "); got != "plain text" {
		t.Errorf("plain text = %q", got)
	}

	if got := NormalizeHTML(`<p>hi there</p><script>alert(1)</script>`); strings.Contains(got, "alert") {
		t.Errorf("script survived sanitization: %q", got)
	}
}
