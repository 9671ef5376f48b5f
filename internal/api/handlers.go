package api

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stackmesh/fedrag/internal/config"
	"github.com/stackmesh/fedrag/internal/ledger"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/retrieval"
)

// uploadResult reports the accepted-or-skipped outcome per file.
type uploadResult struct {
	File   string `json:"file"`
	Status string `json:"status"`
}

// handleUpload accepts multipart files, hashes each while writing it to the
// upload directory, and enqueues an ingestion job per accepted file. Files
// whose content is already queued or ingested are skipped. Enqueue succeeds
// synchronously; processing is asynchronous and observable via /stream.
func (s *Server) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	batch := uuid.NewString()
	batchDir := filepath.Join(s.cfg.UploadDir, batch)
	if err := os.MkdirAll(batchDir, 0755); err != nil {
		s.logger.Error("failed to create upload directory", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	results := make([]uploadResult, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		dest := filepath.Join(batchDir, name)

		hash, err := saveAndHash(fh, dest)
		if err != nil {
			s.logger.Error("failed to store upload", "file", name, "error", err)
			results = append(results, uploadResult{File: name, Status: "ERROR"})
			continue
		}

		acquired, err := s.ledger.TryAcquireHash(c.Request.Context(), hash)
		if err != nil {
			s.logger.Error("hash ledger unavailable", "file", name, "error", err)
			results = append(results, uploadResult{File: name, Status: "ERROR"})
			continue
		}
		if !acquired {
			state, _ := s.ledger.HashState(c.Request.Context(), hash)
			s.logger.Info("duplicate content skipped", "file", name, "state", state)
			results = append(results, uploadResult{File: name, Status: ledger.StateSkipped})
			_ = os.Remove(dest)
			continue
		}

		if err := s.producer.Enqueue(c.Request.Context(), queue.Message{
			Path:  dest,
			Batch: batch,
			Hash:  hash,
		}); err != nil {
			s.logger.Error("failed to enqueue job", "file", name, "error", err)
			// Free the hash so the upload can be retried.
			if relErr := s.ledger.ReleaseHash(c.Request.Context(), hash); relErr != nil {
				s.logger.Error("failed to release hash after enqueue failure",
					"file", name, "error", relErr)
			}
			results = append(results, uploadResult{File: name, Status: "ERROR"})
			continue
		}
		results = append(results, uploadResult{File: name, Status: "QUEUED"})
	}

	c.JSON(http.StatusAccepted, gin.H{"batch": batch, "files": results})
}

// saveAndHash streams the upload to dest, computing the content hash in the
// same pass.
func saveAndHash(fh *multipart.FileHeader, dest string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	hasher := md5.New()
	if _, err := io.Copy(out, io.TeeReader(src, hasher)); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// handleQuery runs one federated retrieval operation.
func (s *Server) handleQuery(c *gin.Context) {
	var req retrieval.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	result, err := s.querier.Query(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("query failed", "query", req.Query, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStream serves a batch's progress events over SSE until the client
// disconnects. Events published before subscription are not replayed; the
// ledger is the authoritative record.
func (s *Server) handleStream(c *gin.Context) {
	batch := c.Param("batch")
	events := s.notifier.Subscribe(c.Request.Context(), batch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("progress", event)
		return true
	})
}

// handleDocuments lists the distinct source documents in the corpus.
func (s *Server) handleDocuments(c *gin.Context) {
	sources, err := s.corpus.ListSources(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corpus unavailable"})
		return
	}
	if sources == nil {
		sources = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": sources})
}

// handleReset wipes the whole corpus: vector collection, graph, ledger and
// the upload directory.
func (s *Server) handleReset(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.corpus.Clear(ctx); err != nil {
		s.logger.Error("vector reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vector reset failed"})
		return
	}
	if err := s.graph.Reset(ctx); err != nil {
		s.logger.Error("graph reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "graph reset failed"})
		return
	}
	if err := s.ledger.Reset(ctx); err != nil {
		s.logger.Error("ledger reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger reset failed"})
		return
	}
	if err := os.RemoveAll(s.cfg.UploadDir); err != nil {
		s.logger.Error("upload dir reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload dir reset failed"})
		return
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.logger.Error("upload dir recreate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload dir reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// settingsView is the safe-to-display shape of the model configuration.
type settingsView struct {
	Provider    string `json:"provider"`
	APIKey      string `json:"api_key"`
	CloudModel  string `json:"cloud_model"`
	LocalModel  string `json:"local_model"`
	UseLocalLLM bool   `json:"use_local_llm"`
}

// handleGetSettings returns the active settings with the API key masked.
func (s *Server) handleGetSettings(c *gin.Context) {
	settings := s.model.Settings()
	c.JSON(http.StatusOK, settingsView{
		Provider:    settings.Provider,
		APIKey:      maskKey(settings.APIKey),
		CloudModel:  settings.CloudModel,
		LocalModel:  settings.LocalModel,
		UseLocalLLM: settings.UseLocalLLM,
	})
}

// settingsUpdate carries a settings change. Omitted fields keep their
// current values; an omitted or masked API key keeps the stored one.
type settingsUpdate struct {
	Provider    *string `json:"provider"`
	APIKey      *string `json:"api_key"`
	CloudModel  *string `json:"cloud_model"`
	LocalModel  *string `json:"local_model"`
	UseLocalLLM *bool   `json:"use_local_llm"`
}

// handleUpdateSettings hot-swaps the model provider. In-flight calls finish
// on the configuration they captured.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var update settingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	settings := s.model.Settings()
	if update.Provider != nil {
		p := strings.ToLower(*update.Provider)
		if p != config.ProviderOpenAI && p != config.ProviderOllama {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown provider %q", p)})
			return
		}
		settings.Provider = p
	}
	if update.APIKey != nil && !isMasked(*update.APIKey) {
		settings.APIKey = *update.APIKey
	}
	if update.CloudModel != nil {
		settings.CloudModel = *update.CloudModel
	}
	if update.LocalModel != nil {
		settings.LocalModel = *update.LocalModel
	}
	if update.UseLocalLLM != nil {
		settings.UseLocalLLM = *update.UseLocalLLM
	}

	s.model.Switch(s.cfg.OllamaURL, settings)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// maskKey hides all but the last four characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}

func isMasked(key string) bool {
	return key == "" || strings.Contains(key, "*")
}
