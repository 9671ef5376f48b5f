package vector

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
)

func TestPointFromPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		"text":        "chunk body",
		"source":      "report.pdf",
		"batch":       "batch-1",
		"chunk_index": 4,
		"chunk_id":    "abc",
		"page_number": 12,
	})

	p := pointFromPayload("abc", payload)
	assert.Equal(t, "abc", p.ID)
	assert.Equal(t, "chunk body", p.Text)
	assert.Equal(t, "report.pdf", p.Source)
	assert.Equal(t, "batch-1", p.Batch)
	assert.Equal(t, 4, p.ChunkIndex)
	assert.Equal(t, 12, p.PageNumber)
}

func TestPointFromPayload_MissingFields(t *testing.T) {
	p := pointFromPayload("abc", map[string]*qdrant.Value{})
	assert.Equal(t, "abc", p.ID)
	assert.Empty(t, p.Text)
	assert.Zero(t, p.PageNumber)
}
