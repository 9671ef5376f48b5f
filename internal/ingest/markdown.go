package ingest

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// splitMarkdownSections cuts a markdown document at its top-level headings.
// A document without headings comes back as one section.
func splitMarkdownSections(source []byte) ([]string, error) {
	md := goldmark.New(goldmark.WithParserOptions(parser.WithAutoHeadingID()))
	doc := md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(1),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect headings: %w", err)
	}

	starts := headingStarts(doc, tree.Items)
	if len(starts) == 0 {
		section := strings.TrimSpace(string(source))
		if section == "" {
			return nil, nil
		}
		return []string{section}, nil
	}

	var sections []string
	appendSection := func(from, to int) {
		if s := strings.TrimSpace(string(source[from:to])); s != "" {
			sections = append(sections, s)
		}
	}

	// Preamble before the first heading belongs to the first section.
	if starts[0] > 0 {
		appendSection(0, starts[0])
	}
	for i, start := range starts {
		end := len(source)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		appendSection(start, end)
	}
	return sections, nil
}

// headingStarts returns the source offsets of the headings named in the TOC.
func headingStarts(doc ast.Node, items toc.Items) []int {
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		ids[string(item.ID)] = struct{}{}
	}

	var starts []int
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		id, ok := n.AttributeString("id")
		if !ok {
			return ast.WalkContinue, nil
		}
		if _, want := ids[string(id.([]byte))]; want && n.Lines().Len() > 0 {
			starts = append(starts, n.Lines().At(0).Start)
		}
		return ast.WalkContinue, nil
	})
	return starts
}
