package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stackmesh/fedrag/internal/config"
)

// GraphPayload is the structured entity/relationship set extracted from one
// chunk of text.
type GraphPayload struct {
	Entities      []GraphEntity `json:"entities"`
	Relationships []GraphTriple `json:"relationships"`
}

// GraphEntity is a named node candidate with a coarse type label.
type GraphEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// GraphTriple is a directed relationship between two entity names.
type GraphTriple struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Refine expands a short, ambiguous query into a fuller question.
func (r *Resilient) Refine(ctx context.Context, query string) (string, error) {
	out, err := r.Generate(ctx, fmt.Sprintf(refinePrompt, query), refineSystem, false)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(out), `"`), nil
}

// ExtractEntities asks the model for up to three primary entities or
// concepts in the query. A "None" sentinel yields an empty set.
func (r *Resilient) ExtractEntities(ctx context.Context, query string) ([]string, error) {
	out, err := r.Generate(ctx, fmt.Sprintf(entityExtractionPrompt, query), entityExtractionSystem, false)
	if err != nil {
		return nil, err
	}
	return ParseEntityList(out, 3), nil
}

// ExtractGraph runs JSON-mode graph extraction over a chunk of text.
func (r *Resilient) ExtractGraph(ctx context.Context, text string) (*GraphPayload, error) {
	out, err := r.Generate(ctx, fmt.Sprintf(graphExtractionUser, text), graphExtractionSystem, true)
	if err != nil {
		return nil, err
	}

	cleaned := StripCodeFences(out)
	if cleaned == "" {
		return &GraphPayload{}, nil
	}

	var payload GraphPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("%w: graph extraction: %v", ErrMalformedResponse, err)
	}
	return &payload, nil
}

// ContextualHeader writes a short document-aware gloss for a chunk.
func (r *Resilient) ContextualHeader(ctx context.Context, docSummary, chunkText string) (string, error) {
	out, err := r.Generate(ctx, fmt.Sprintf(contextualHeaderPrompt, docSummary, chunkText), "", false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Summarize produces a document summary, recursively splitting at the
// midpoint when the text exceeds the single-prompt threshold. Each half is
// summarized independently and the two results merged with one more call, so
// no single prompt grows with document length.
func (r *Resilient) Summarize(ctx context.Context, text string) (string, error) {
	gen := func(ctx context.Context, prompt string) (string, error) {
		return r.Generate(ctx, prompt, "", false)
	}
	return recursiveSummarize(ctx, text, config.DefaultSummarizeThreshold, gen)
}

func recursiveSummarize(ctx context.Context, text string, threshold int, gen func(context.Context, string) (string, error)) (string, error) {
	if len(text) < threshold {
		return gen(ctx, fmt.Sprintf(summaryPrompt, text))
	}

	mid := len(text) / 2
	first, err := recursiveSummarize(ctx, text[:mid], threshold, gen)
	if err != nil {
		return "", err
	}
	second, err := recursiveSummarize(ctx, text[mid:], threshold, gen)
	if err != nil {
		return "", err
	}

	merge := fmt.Sprintf("Merge these two summaries:\n1. %s\n2. %s", first, second)
	return gen(ctx, merge)
}

// StripCodeFences removes markdown code-fence wrapping some models insist on
// adding around JSON-mode output.
func StripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// ParseEntityList turns a model's literal entity listing into at most max
// names. Handles newline and comma separated forms plus bullet prefixes; the
// "None" sentinel (any casing) means no entities.
func ParseEntityList(raw string, max int) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	sep := "\n"
	if !strings.Contains(raw, "\n") {
		sep = ","
	}

	var out []string
	for _, part := range strings.Split(raw, sep) {
		name := strings.TrimSpace(part)
		name = strings.TrimLeft(name, "-*0123456789. ")
		name = strings.Trim(name, `"'`)
		if name == "" || strings.EqualFold(name, "none") {
			continue
		}
		out = append(out, name)
		if len(out) >= max {
			break
		}
	}
	return out
}
