package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "fenced json",
			input:    "```json\n{\"entities\": []}\n```",
			expected: `{"entities": []}`,
		},
		{
			name:     "bare fences",
			input:    "```\n{}\n```",
			expected: "{}",
		},
		{
			name:     "no fences",
			input:    `{"a": 1}`,
			expected: `{"a": 1}`,
		},
		{
			name:     "whitespace only",
			input:    "   \n\t",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripCodeFences(tt.input)
			if got != tt.expected {
				t.Errorf("StripCodeFences(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseEntityList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected []string
	}{
		{
			name:     "newline separated",
			input:    "Acme Corp\nJane Doe\nParis",
			max:      3,
			expected: []string{"Acme Corp", "Jane Doe", "Paris"},
		},
		{
			name:     "comma separated",
			input:    "Acme Corp, Jane Doe",
			max:      3,
			expected: []string{"Acme Corp", "Jane Doe"},
		},
		{
			name:     "bullet prefixes stripped",
			input:    "- Acme Corp\n* Jane Doe\n1. Paris",
			max:      3,
			expected: []string{"Acme Corp", "Jane Doe", "Paris"},
		},
		{
			name:     "capped at max",
			input:    "a\nb\nc\nd",
			max:      3,
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "none sentinel",
			input:    "None",
			max:      3,
			expected: nil,
		},
		{
			name:     "quoted none sentinel",
			input:    "'none'",
			max:      3,
			expected: nil,
		},
		{
			name:     "empty input",
			input:    "",
			max:      3,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEntityList(tt.input, tt.max)
			if len(got) != len(tt.expected) {
				t.Fatalf("ParseEntityList(%q) = %v, want %v", tt.input, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("entity %d: got %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestRecursiveSummarize_SmallText(t *testing.T) {
	calls := 0
	gen := func(_ context.Context, prompt string) (string, error) {
		calls++
		if !strings.Contains(prompt, "short document") {
			t.Errorf("prompt should contain the document text")
		}
		return "summary", nil
	}

	out, err := recursiveSummarize(context.Background(), "short document", 1000, gen)
	if err != nil {
		t.Fatalf("recursiveSummarize failed: %v", err)
	}
	if out != "summary" {
		t.Errorf("expected 'summary', got %q", out)
	}
	if calls != 1 {
		t.Errorf("expected a single generation call, got %d", calls)
	}
}

func TestRecursiveSummarize_SplitsAndMerges(t *testing.T) {
	var prompts []string
	gen := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		if strings.HasPrefix(prompt, "Merge these two summaries:") {
			return "merged", nil
		}
		return fmt.Sprintf("part%d", len(prompts)), nil
	}

	text := strings.Repeat("x", 100)
	out, err := recursiveSummarize(context.Background(), text, 60, gen)
	if err != nil {
		t.Fatalf("recursiveSummarize failed: %v", err)
	}
	if out != "merged" {
		t.Errorf("expected merged summary, got %q", out)
	}

	// Two leaf summaries plus one merge call.
	if len(prompts) != 3 {
		t.Fatalf("expected 3 generation calls, got %d", len(prompts))
	}
	if !strings.HasPrefix(prompts[2], "Merge these two summaries:") {
		t.Errorf("final call should be the merge, got %q", prompts[2])
	}
}

func TestRecursiveSummarize_MergePromptBounded(t *testing.T) {
	gen := func(_ context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Merge these two summaries:") && len(prompt) > 200 {
			t.Errorf("merge prompt grew with document size: %d chars", len(prompt))
		}
		return "s", nil
	}

	// Deep recursion: merge prompts must stay bounded by summary size, not
	// document size.
	text := strings.Repeat("y", 10000)
	if _, err := recursiveSummarize(context.Background(), text, 100, gen); err != nil {
		t.Fatalf("recursiveSummarize failed: %v", err)
	}
}
