package ingest

import "strings"

// Page is one page of a loaded document.
type Page struct {
	Number int
	Text   string
}

// span maps a half-open offset range of the concatenated text to its page.
type span struct {
	start, end int
	page       int
}

// PageMap concatenates a document's pages and resolves any offset in the
// combined text back to its source page.
type PageMap struct {
	text  string
	spans []span
}

// NewPageMap builds the position map over the given pages. Pages are joined
// with a newline so chunk boundaries never glue two pages into one word.
func NewPageMap(pages []Page) *PageMap {
	var b strings.Builder
	spans := make([]span, 0, len(pages))

	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		start := b.Len()
		b.WriteString(p.Text)
		spans = append(spans, span{start: start, end: b.Len(), page: p.Number})
	}

	return &PageMap{text: b.String(), spans: spans}
}

// Text returns the concatenated document text.
func (m *PageMap) Text() string {
	return m.text
}

// PageAt maps an offset in the concatenated text to its page number.
// Offsets past the end resolve to the last page.
func (m *PageMap) PageAt(offset int) int {
	if len(m.spans) == 0 {
		return 0
	}
	for _, s := range m.spans {
		if offset < s.end {
			return s.page
		}
	}
	return m.spans[len(m.spans)-1].page
}

// resolveKeyLen bounds the substring used to locate a chunk in the full
// text. Chunks overlap, so a prefix is enough to pin the start position.
const resolveKeyLen = 64

// Resolver locates chunks in the document text with a monotonic forward
// cursor, so duplicated text cannot resolve a later chunk to an earlier
// page.
type Resolver struct {
	m      *PageMap
	cursor int
}

// NewResolver starts a resolver at the beginning of the document.
func NewResolver(m *PageMap) *Resolver {
	return &Resolver{m: m}
}

// Resolve returns the page number of the chunk's first occurrence at or
// after the previous chunk's position. A chunk that cannot be located keeps
// the cursor and resolves to the cursor's page.
func (r *Resolver) Resolve(chunk string) int {
	key := chunk
	if len(key) > resolveKeyLen {
		key = key[:resolveKeyLen]
	}
	if key == "" {
		return r.m.PageAt(r.cursor)
	}

	idx := strings.Index(r.m.text[r.cursor:], key)
	if idx < 0 {
		return r.m.PageAt(r.cursor)
	}

	// Advance one past the match so back-to-back identical chunks resolve
	// to successive occurrences instead of pinning to the same one.
	start := r.cursor + idx
	r.cursor = start + 1
	return r.m.PageAt(start)
}
