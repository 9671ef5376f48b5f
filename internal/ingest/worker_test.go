package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmesh/fedrag/internal/graph"
	"github.com/stackmesh/fedrag/internal/ledger"
	"github.com/stackmesh/fedrag/internal/llm"
	"github.com/stackmesh/fedrag/internal/notify"
	"github.com/stackmesh/fedrag/internal/queue"
	"github.com/stackmesh/fedrag/internal/vector"
)

type fakeIngestModel struct {
	graphPayload *llm.GraphPayload
	graphErr     error
	embedErr     error
	summarizeErr error
}

func (m *fakeIngestModel) Summarize(_ context.Context, _ string) (string, error) {
	if m.summarizeErr != nil {
		return "", m.summarizeErr
	}
	return "doc summary", nil
}

func (m *fakeIngestModel) ExtractGraph(_ context.Context, _ string) (*llm.GraphPayload, error) {
	if m.graphErr != nil {
		return nil, m.graphErr
	}
	if m.graphPayload != nil {
		return m.graphPayload, nil
	}
	return &llm.GraphPayload{}, nil
}

func (m *fakeIngestModel) ContextualHeader(_ context.Context, _, _ string) (string, error) {
	return "header", nil
}

func (m *fakeIngestModel) Embed(_ context.Context, _ string) ([]float32, error) {
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return []float32{1, 0}, nil
}

type fakeGraphWriter struct {
	entities []graph.Entity
	triples  []graph.Triple
	links    map[string][]string
}

func (g *fakeGraphWriter) AddEntities(_ context.Context, entities []graph.Entity) error {
	g.entities = append(g.entities, entities...)
	return nil
}

func (g *fakeGraphWriter) AddTriples(_ context.Context, triples []graph.Triple) error {
	g.triples = append(g.triples, triples...)
	return nil
}

func (g *fakeGraphWriter) LinkChunk(_ context.Context, chunkID, _ string, names []string) error {
	if g.links == nil {
		g.links = make(map[string][]string)
	}
	g.links[chunkID] = names
	return nil
}

type fakeVectorWriter struct {
	points []vector.Point
}

func (v *fakeVectorWriter) Upsert(_ context.Context, points []vector.Point) error {
	v.points = append(v.points, points...)
	return nil
}

type fakeJobLedger struct {
	jobStates  map[string]string
	hashStates map[string]string
}

func newFakeJobLedger() *fakeJobLedger {
	return &fakeJobLedger{
		jobStates:  make(map[string]string),
		hashStates: make(map[string]string),
	}
}

func (l *fakeJobLedger) MarkJob(_ context.Context, batch, path, state string) error {
	l.jobStates[batch+"/"+path] = state
	return nil
}

func (l *fakeJobLedger) HashState(_ context.Context, hash string) (string, error) {
	return l.hashStates[hash], nil
}

func (l *fakeJobLedger) CompleteHash(_ context.Context, hash string) error {
	l.hashStates[hash] = ledger.HashCompleted
	return nil
}

func (l *fakeJobLedger) ReleaseHash(_ context.Context, hash string) error {
	delete(l.hashStates, hash)
	return nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, _ string, event notify.Event) {
	n.events = append(n.events, event)
}

func (n *fakeNotifier) statuses() []string {
	var out []string
	for _, e := range n.events {
		out = append(out, e.Status)
	}
	return out
}

type fakeLoader struct {
	pages []Page
	err   error
}

func (l *fakeLoader) Load(_ context.Context, _ string) ([]Page, error) {
	return l.pages, l.err
}

func newTestWorker(m *fakeIngestModel, l *fakeJobLedger, n *fakeNotifier,
	loader *fakeLoader) (*Worker, *fakeGraphWriter, *fakeVectorWriter) {
	g := &fakeGraphWriter{}
	v := &fakeVectorWriter{}
	w := NewWorker(m, g, v, l, n, loader, Config{ChunkSize: 50, ChunkOverlap: 10}, nil)
	return w, g, v
}

func testMessage() queue.Message {
	return queue.Message{Path: "/uploads/report.pdf", Batch: "b1", Hash: "h1"}
}

func TestHandle_CompletesJob(t *testing.T) {
	m := &fakeIngestModel{graphPayload: &llm.GraphPayload{
		Entities: []llm.GraphEntity{
			{Name: "Acme Corp", Type: "ORG"},
			{Name: "Paris", Type: "LOCATION"},
		},
		Relationships: []llm.GraphTriple{
			{Source: "Acme Corp", Target: "Paris", Relation: "BASED_IN"},
		},
	}}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashQueued
	n := &fakeNotifier{}
	loader := &fakeLoader{pages: []Page{
		{Number: 1, Text: "Acme Corp is based in Paris and was founded by Jane Doe."},
	}}
	w, g, v := newTestWorker(m, l, n, loader)

	require.NoError(t, w.Handle(context.Background(), testMessage()))

	assert.Equal(t, ledger.StateCompleted, l.jobStates["b1/report.pdf"])
	assert.Equal(t, ledger.HashCompleted, l.hashStates["h1"])
	assert.NotEmpty(t, v.points)
	assert.NotEmpty(t, g.triples)

	// Vector points carry the contextual header and deterministic ids.
	assert.Equal(t, ChunkID("b1", 0), v.points[0].ID)
	assert.True(t, strings.HasPrefix(v.points[0].Text, "header\n\n"))
	assert.Equal(t, "report.pdf", v.points[0].Source)
	assert.Equal(t, 1, v.points[0].PageNumber)

	// Chunks are linked to the entities they mention.
	assert.Equal(t, []string{"Acme Corp", "Paris"}, g.links[ChunkID("b1", 0)])

	statuses := n.statuses()
	assert.Equal(t, ledger.StateProcessing, statuses[0])
	assert.Equal(t, ledger.StateCompleted, statuses[len(statuses)-1])
}

func TestHandle_SkipsCompletedContent(t *testing.T) {
	m := &fakeIngestModel{}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashCompleted
	n := &fakeNotifier{}
	loader := &fakeLoader{err: errors.New("loader must not be called")}
	w, _, v := newTestWorker(m, l, n, loader)

	require.NoError(t, w.Handle(context.Background(), testMessage()))
	assert.Equal(t, ledger.StateSkipped, l.jobStates["b1/report.pdf"])
	assert.Empty(t, v.points)
	assert.Contains(t, n.statuses(), ledger.StateSkipped)
}

func TestHandle_LoadFailureReleasesHash(t *testing.T) {
	m := &fakeIngestModel{}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashQueued
	n := &fakeNotifier{}
	loader := &fakeLoader{err: errors.New("corrupt file")}
	w, _, _ := newTestWorker(m, l, n, loader)

	err := w.Handle(context.Background(), testMessage())
	require.Error(t, err)

	// Hash record absent, not QUEUED: resubmission of the same content is
	// accepted.
	_, held := l.hashStates["h1"]
	assert.False(t, held)
	assert.True(t, strings.HasPrefix(l.jobStates["b1/report.pdf"], ledger.StateFailed))

	last := n.events[len(n.events)-1]
	assert.Equal(t, ledger.StateFailed, last.Status)
	assert.Contains(t, last.Error, "corrupt file")
}

func TestHandle_GraphFailureDoesNotAbortVectorIndexing(t *testing.T) {
	m := &fakeIngestModel{graphErr: errors.New("malformed model response")}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashQueued
	n := &fakeNotifier{}
	loader := &fakeLoader{pages: []Page{{Number: 1, Text: "some document text"}}}
	w, g, v := newTestWorker(m, l, n, loader)

	require.NoError(t, w.Handle(context.Background(), testMessage()))
	assert.Empty(t, g.triples)
	assert.NotEmpty(t, v.points)
	assert.Equal(t, ledger.StateCompleted, l.jobStates["b1/report.pdf"])
}

func TestHandle_EmbedFailureDoesNotAbortGraphOrJob(t *testing.T) {
	m := &fakeIngestModel{
		embedErr: errors.New("embedding backend down"),
		graphPayload: &llm.GraphPayload{
			Entities: []llm.GraphEntity{{Name: "Acme", Type: "ORG"}},
		},
	}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashQueued
	n := &fakeNotifier{}
	loader := &fakeLoader{pages: []Page{{Number: 1, Text: "some document text"}}}
	w, g, v := newTestWorker(m, l, n, loader)

	require.NoError(t, w.Handle(context.Background(), testMessage()))
	assert.Empty(t, v.points)
	assert.NotEmpty(t, g.entities)
	assert.Equal(t, ledger.StateCompleted, l.jobStates["b1/report.pdf"])
}

func TestHandle_SummarizeFailureFailsJob(t *testing.T) {
	m := &fakeIngestModel{summarizeErr: errors.New("all model backends exhausted")}
	l := newFakeJobLedger()
	l.hashStates["h1"] = ledger.HashQueued
	n := &fakeNotifier{}
	loader := &fakeLoader{pages: []Page{{Number: 1, Text: "some document text"}}}
	w, _, _ := newTestWorker(m, l, n, loader)

	require.Error(t, w.Handle(context.Background(), testMessage()))
	assert.True(t, strings.HasPrefix(l.jobStates["b1/report.pdf"], ledger.StateFailed))
}
