// Package rerank reorders retrieval candidates by semantic similarity to the
// query, using a local ONNX bi-encoder so the precision pass costs no API
// calls.
package rerank

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// Result references an input passage by position with its similarity score.
type Result struct {
	Index int
	Score float64
}

// Reranker scores passages against a query and returns the top k, best first.
type Reranker interface {
	Rerank(query string, passages []string, topK int) ([]Result, error)
}

// encoder produces one embedding per input text.
type encoder interface {
	encode(texts []string) ([][]float32, error)
}

// BiEncoder embeds query and passages with the same model and ranks by
// cosine similarity.
type BiEncoder struct {
	enc encoder
}

// PrepareModel downloads the named model into modelDir if it is not already
// present, and returns the local model path.
func PrepareModel(modelName, modelDir string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		if err := os.MkdirAll(modelDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create model directory: %w", err)
		}
		downloadOptions := hugot.NewDownloadOptions()
		downloadOptions.OnnxFilePath = "onnx/model.onnx"
		downloadedPath, err := hugot.DownloadModel(modelName, modelDir, downloadOptions)
		if err != nil {
			return "", fmt.Errorf("failed to download model: %w", err)
		}
		modelPath = downloadedPath
	}

	return modelPath, nil
}

// NewBiEncoder loads the ONNX model at modelPath into a hugot Go session.
func NewBiEncoder(modelPath string) (*BiEncoder, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "reranker",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	return &BiEncoder{enc: &hugotEncoder{pipeline: pipeline}}, nil
}

// Rerank embeds the query and every passage in one batch, then returns the
// topK passages by cosine similarity, highest first.
func (b *BiEncoder) Rerank(query string, passages []string, topK int) ([]Result, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	inputs := append([]string{query}, passages...)
	embeddings, err := b.enc.encode(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to embed rerank batch: %w", err)
	}
	if len(embeddings) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d",
			len(embeddings), len(inputs))
	}

	queryVec := embeddings[0]
	results := make([]Result, len(passages))
	for i := range passages {
		results[i] = Result{
			Index: i,
			Score: cosineSimilarity(queryVec, embeddings[i+1]),
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type hugotEncoder struct {
	pipeline *pipelines.FeatureExtractionPipeline
}

func (h *hugotEncoder) encode(texts []string) ([][]float32, error) {
	output, err := h.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, err
	}
	return output.Embeddings, nil
}
